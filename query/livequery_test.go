package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livestore"
)

// NewLiveQueryCollection returns a genuine *livestore.Collection, usable
// transparently as a source for further queries, per spec.md §4.9/§5.9.
func TestLiveQueryCollectionComposesAsSource(t *testing.T) {
	users := newReadyCollection(t, func(u user) string { return u.ID }, []user{
		{ID: "u1", Name: "alice"},
		{ID: "u2", Name: "bob"},
	})

	onlyAlice := FromCollection(users).Where(func(u user) bool { return u.Name == "alice" })
	lq, err := NewLiveQueryCollection(LiveQueryConfig[string, user]{Query: onlyAlice})
	require.NoError(t, err)
	require.NoError(t, lq.Preload(context.Background()))
	defer lq.Cleanup()

	require.True(t, lq.Has("u1"))
	require.False(t, lq.Has("u2"))

	// Compose the live query collection as a source for a further pipeline.
	names := Map(FromCollection(lq), func(u user) string { return u.Name }).Materializer().Snapshot()
	require.Len(t, names, 1)
	assert.Equal(t, "alice", names[0].Value)
}

// A live query collection is read-only: a GetKey that was never supplied
// panics if it is ever actually invoked, documenting that mutation was
// never meant to reach a derived view.
func TestLiveQueryCollectionDefaultGetKeyPanicsOnMutation(t *testing.T) {
	users := newReadyCollection(t, func(u user) string { return u.ID }, []user{
		{ID: "u1", Name: "alice"},
	})

	lq, err := NewLiveQueryCollection(LiveQueryConfig[string, user]{Query: FromCollection(users)})
	require.NoError(t, err)
	require.NoError(t, lq.Preload(context.Background()))
	defer lq.Cleanup()

	assert.Panics(t, func() { _ = lq.Insert(user{ID: "u2", Name: "carol"}) })
}

// A delete upstream is diffed through as a delete on the live query
// collection.
func TestLiveQueryCollectionDiffsDeletes(t *testing.T) {
	users := newReadyCollection(t, func(u user) string { return u.ID }, []user{
		{ID: "u1", Name: "alice"},
		{ID: "u2", Name: "bob"},
	})

	lq, err := NewLiveQueryCollection(LiveQueryConfig[string, user]{Query: FromCollection(users)})
	require.NoError(t, err)
	require.NoError(t, lq.Preload(context.Background()))
	defer lq.Cleanup()

	batchCh := make(chan []livestore.Change[string, user], 1)
	unsub := lq.SubscribeChanges(func(batch []livestore.Change[string, user]) { batchCh <- batch })
	defer unsub()

	require.NoError(t, users.Delete("u2"))

	select {
	case batch := <-batchCh:
		require.Len(t, batch, 1)
		assert.Equal(t, livestore.ChangeDelete, batch[0].Type)
		assert.Equal(t, "u2", batch[0].Key)
	default:
		t.Fatal("expected a delete batch from the live query collection")
	}
}
