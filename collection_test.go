package livestore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRow struct {
	ID     string
	Name   string
	Status string
}

func testKey(r testRow) string { return r.ID }

// blockingAdapter seeds an initial snapshot, marks the collection ready,
// then idles until the context is cancelled — enough to drive the
// optimistic-mutation scenarios without a real upstream.
type blockingAdapter struct {
	initial []testRow
}

func (a *blockingAdapter) Start(ctx context.Context, ctrl *SyncController[string, testRow]) error {
	ctrl.Begin()
	for _, r := range a.initial {
		_ = ctrl.Write(Change[string, testRow]{Type: ChangeInsert, Key: r.ID, Value: r})
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

func newTestCollection(t *testing.T, rows []testRow, onUpdate MutationHandler[string, testRow]) *Collection[string, testRow] {
	t.Helper()
	c, err := NewCollection[string, testRow](testKey, &blockingAdapter{initial: rows},
		WithUpdateHandler[string, testRow](onUpdate))
	require.NoError(t, err)
	require.NoError(t, c.Preload(context.Background()))
	t.Cleanup(func() { _ = c.Cleanup() })
	return c
}

// S1: an optimistic update is visible immediately, before its mutationFn
// has resolved, and remains visible after it succeeds.
func TestOptimisticUpdateSuccessIsVisibleImmediately(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	c := newTestCollection(t, []testRow{{ID: "1", Name: "alice", Status: "active"}},
		func(ctx context.Context, tx *Transaction, coll *Collection[string, testRow]) (any, error) {
			close(started)
			<-release
			return nil, nil
		})

	done := make(chan error, 1)
	go func() {
		done <- c.Update("1", func(r *testRow) { r.Name = "alice2" })
	}()

	<-started
	row, ok := c.Get("1")
	require.True(t, ok)
	assert.Equal(t, "alice2", row.Name, "optimistic overlay should be visible before mutationFn resolves")

	close(release)
	require.NoError(t, <-done)

	row, ok = c.Get("1")
	require.True(t, ok)
	assert.Equal(t, "alice2", row.Name)
}

// S2: a failed mutationFn rolls the optimistic overlay back, restoring the
// previously visible value.
func TestOptimisticUpdateFailureRollsBack(t *testing.T) {
	boom := errors.New("boom")
	c := newTestCollection(t, []testRow{{ID: "1", Name: "alice", Status: "active"}},
		func(ctx context.Context, tx *Transaction, coll *Collection[string, testRow]) (any, error) {
			return nil, boom
		})

	err := c.Update("1", func(r *testRow) { r.Name = "alice2" })
	require.ErrorIs(t, err, boom)

	row, ok := c.Get("1")
	require.True(t, ok)
	assert.Equal(t, "alice", row.Name, "failed mutation should be rolled back")
}

// S3: a predicate-filtered subscription sees a row that crosses the
// predicate boundary as a synthesized insert/delete, not an update.
func TestFilteredSubscriptionSynthesizesInsertAndDelete(t *testing.T) {
	c := newTestCollection(t, []testRow{
		{ID: "1", Name: "alice", Status: "pending"},
		{ID: "2", Name: "bob", Status: "active"},
	}, func(ctx context.Context, tx *Transaction, coll *Collection[string, testRow]) (any, error) {
		return nil, nil
	})

	var mu sync.Mutex
	var batches [][]Change[string, testRow]
	unsub := c.SubscribeChanges(func(batch []Change[string, testRow]) {
		mu.Lock()
		batches = append(batches, batch)
		mu.Unlock()
	}, WithWhere[string, testRow](func(r testRow) bool { return r.Status == "active" }))
	defer unsub()

	require.NoError(t, c.Update("1", func(r *testRow) { r.Status = "active" }))
	require.NoError(t, c.Update("2", func(r *testRow) { r.Status = "pending" }))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches, 2)
	require.Len(t, batches[0], 1)
	assert.Equal(t, ChangeInsert, batches[0][0].Type, "row entering the predicate should arrive as an insert")
	assert.Equal(t, "1", batches[0][0].Key)

	require.Len(t, batches[1], 1)
	assert.Equal(t, ChangeDelete, batches[1][0].Type, "row leaving the predicate should arrive as a delete")
	assert.Equal(t, "2", batches[1][0].Key)
}

func TestDuplicateInsertIsRejected(t *testing.T) {
	c := newTestCollection(t, []testRow{{ID: "1", Name: "alice", Status: "active"}}, nil)
	err := c.Insert(testRow{ID: "1", Name: "dup", Status: "active"})
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestUpdateUnknownKeyFails(t *testing.T) {
	c := newTestCollection(t, nil, func(ctx context.Context, tx *Transaction, coll *Collection[string, testRow]) (any, error) {
		return nil, nil
	})
	err := c.Update("missing", func(r *testRow) { r.Name = "x" })
	assert.ErrorIs(t, err, ErrNotFoundUpdate)
}

func TestIndexLookupFindsInsertedRow(t *testing.T) {
	c := newTestCollection(t, []testRow{
		{ID: "1", Name: "alice", Status: "active"},
		{ID: "2", Name: "bob", Status: "pending"},
	}, nil)

	idxID := CreateEqualityIndex(c, "status", func(r testRow) string { return r.Status })
	keys, err := c.Lookup(idxID, OpEq, "active")
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"1": {}}, keys)
	assert.Equal(t, 1, c.IndexStats(idxID))
}
