package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livestore"
)

type user struct {
	ID   string
	Name string
}

type order struct {
	ID     string
	UserID string
	Amount int
}

type staticAdapter[K comparable, T any] struct {
	rows   []T
	getKey func(T) K
}

func (a *staticAdapter[K, T]) Start(ctx context.Context, ctrl *livestore.SyncController[K, T]) error {
	ctrl.Begin()
	for _, r := range a.rows {
		_ = ctrl.Write(livestore.Change[K, T]{Type: livestore.ChangeInsert, Key: a.getKey(r), Value: r})
	}
	if err := ctrl.Commit(); err != nil {
		return err
	}
	if err := ctrl.MarkReady(); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func newReadyCollection[K comparable, T any](t *testing.T, getKey func(T) K, rows []T) *livestore.Collection[K, T] {
	t.Helper()
	noop := func(ctx context.Context, tx *livestore.Transaction, coll *livestore.Collection[K, T]) (any, error) {
		return nil, nil
	}
	c, err := livestore.NewCollection[K, T](getKey, &staticAdapter[K, T]{rows: rows, getKey: getKey},
		livestore.WithInsertHandler[K, T](noop),
		livestore.WithUpdateHandler[K, T](noop),
		livestore.WithDeleteHandler[K, T](noop),
	)
	require.NoError(t, err)
	require.NoError(t, c.Preload(context.Background()))
	t.Cleanup(func() { _ = c.Cleanup() })
	return c
}

// S4: inner join between two collections. The output key is the
// spec-mandated JoinKey pair, derived from each side's own row key.
func TestInnerJoin(t *testing.T) {
	users := newReadyCollection(t, func(u user) string { return u.ID }, []user{
		{ID: "u1", Name: "alice"},
		{ID: "u2", Name: "bob"},
	})
	orders := newReadyCollection(t, func(o order) string { return o.ID }, []order{
		{ID: "o1", UserID: "u1", Amount: 10},
		{ID: "o2", UserID: "u1", Amount: 5},
		{ID: "o3", UserID: "missing", Amount: 1},
	})

	joined := Join(
		FromCollection(users), FromCollection(orders),
		func(u user) string { return u.ID },
		func(o order) string { return o.UserID },
		JoinInner,
		func(u user, o order) string { return u.Name },
	)

	rows := joined.Materializer().Snapshot()
	got := map[string]string{}
	for _, r := range rows {
		got[r.Key.Right] = r.Value
	}
	assert.Equal(t, map[string]string{"o1": "alice", "o2": "alice"}, got)
	for _, r := range rows {
		assert.True(t, r.Key.LeftOK)
		assert.True(t, r.Key.RightOK)
	}
}

// CrossJoin pairs every row on each side.
func TestCrossJoin(t *testing.T) {
	users := newReadyCollection(t, func(u user) string { return u.ID }, []user{
		{ID: "u1", Name: "alice"},
		{ID: "u2", Name: "bob"},
	})
	tags := newReadyCollection(t, func(s string) string { return s }, []string{"vip", "new"})

	joined := CrossJoin(FromCollection(users), FromCollection(tags), func(u user, tag string) string {
		return u.Name + ":" + tag
	})

	rows := joined.Materializer().Snapshot()
	require.Len(t, rows, 4)
}

// S5: groupBy + count/sum.
func TestGroupByCountAndSum(t *testing.T) {
	orders := newReadyCollection(t, func(o order) string { return o.ID }, []order{
		{ID: "o1", UserID: "u1", Amount: 10},
		{ID: "o2", UserID: "u1", Amount: 5},
		{ID: "o3", UserID: "u2", Amount: 7},
	})

	counts := GroupByAgg(FromCollection(orders), func(o order) string { return o.UserID }, Count[order]())
	countRows := counts.Materializer().Snapshot()
	gotCounts := map[string]int{}
	for _, r := range countRows {
		gotCounts[r.Key] = r.Value
	}
	assert.Equal(t, map[string]int{"u1": 2, "u2": 1}, gotCounts)

	sums := GroupByAgg(FromCollection(orders), func(o order) string { return o.UserID }, Sum(func(o order) int { return o.Amount }))
	sumRows := sums.Materializer().Snapshot()
	gotSums := map[string]int{}
	for _, r := range sumRows {
		gotSums[r.Key] = r.Value
	}
	assert.Equal(t, map[string]int{"u1": 15, "u2": 7}, gotSums)
}

// S6: an equality predicate on an indexed field is served by an index
// probe, observable via IndexStats, instead of a full scan.
func TestWherePredicateUsesIndexWhenAvailable(t *testing.T) {
	users := newReadyCollection(t, func(u user) string { return u.ID }, []user{
		{ID: "u1", Name: "alice"},
		{ID: "u2", Name: "bob"},
	})

	idxID := livestore.CreateEqualityIndex(users, "name", func(u user) string { return u.Name })

	q := FromCollection(users).WherePredicate(Eq("name", func(u user) string { return u.Name }, "alice"))
	rows := q.Materializer().Snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, "u1", rows[0].Key)
	assert.Equal(t, 1, users.IndexStats(idxID))
}

// A conjunction over two indexed fields is served by probing each index
// and intersecting the resulting key sets, per spec.md §4.6.
func TestWherePredicateIntersectsTwoIndexes(t *testing.T) {
	orders := newReadyCollection(t, func(o order) string { return o.ID }, []order{
		{ID: "o1", UserID: "u1", Amount: 10},
		{ID: "o2", UserID: "u1", Amount: 5},
		{ID: "o3", UserID: "u2", Amount: 10},
	})
	livestore.CreateEqualityIndex(orders, "userID", func(o order) string { return o.UserID })
	livestore.CreateEqualityIndex(orders, "amount", func(o order) int { return o.Amount })

	q := FromCollection(orders).WherePredicate(And(
		Eq("userID", func(o order) string { return o.UserID }, "u1"),
		Eq("amount", func(o order) int { return o.Amount }, 10),
	))
	rows := q.Materializer().Snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, "o1", rows[0].Key)
}

// OrderBy/Limit/Offset paginate a sorted result set.
func TestOrderByLimitOffset(t *testing.T) {
	orders := newReadyCollection(t, func(o order) string { return o.ID }, []order{
		{ID: "o1", UserID: "u1", Amount: 30},
		{ID: "o2", UserID: "u1", Amount: 10},
		{ID: "o3", UserID: "u2", Amount: 20},
	})

	q := FromCollection(orders).
		OrderBy(Asc(func(o order) int { return o.Amount })).
		Offset(1).
		Limit(1)

	rows := q.Materializer().Snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, "o3", rows[0].Key)
}

// Distinct keeps the first row seen per distinct projected value.
func TestDistinct(t *testing.T) {
	orders := newReadyCollection(t, func(o order) string { return o.ID }, []order{
		{ID: "o1", UserID: "u1", Amount: 10},
		{ID: "o2", UserID: "u1", Amount: 5},
		{ID: "o3", UserID: "u2", Amount: 7},
	})

	q := Map(FromCollection(orders), func(o order) string { return o.UserID }).Distinct()
	rows := q.Materializer().Snapshot()
	assert.Len(t, rows, 2)
}

// LiveQueryCollection recomputes and diffs when its upstream collection
// changes, and the result composes transparently as a plain Collection.
func TestLiveQueryCollectionUpdatesOnUpstreamChange(t *testing.T) {
	users := newReadyCollection(t, func(u user) string { return u.ID }, []user{
		{ID: "u1", Name: "alice"},
	})

	active := FromCollection(users).Where(func(u user) bool { return u.Name != "" })
	lq, err := NewLiveQueryCollection(LiveQueryConfig[string, user]{Query: active})
	require.NoError(t, err)
	require.NoError(t, lq.Preload(context.Background()))
	defer lq.Cleanup()

	require.True(t, lq.Has("u1"))

	batchCh := make(chan []livestore.Change[string, user], 1)
	unsub := lq.SubscribeChanges(func(batch []livestore.Change[string, user]) { batchCh <- batch })
	defer unsub()

	require.NoError(t, users.Insert(user{ID: "u2", Name: "carol"}))

	select {
	case batch := <-batchCh:
		require.Len(t, batch, 1)
		assert.Equal(t, livestore.ChangeInsert, batch[0].Type)
		assert.Equal(t, "u2", batch[0].Key)
	default:
		t.Fatal("expected a change batch from the live query collection")
	}
}
