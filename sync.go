package livestore

import "context"

// SyncAdapter is the collaborator a Collection pulls its synced state from,
// per spec.md §4.7. Start is invoked at most once (when the collection
// leaves StatusIdle) and should run until ctx is cancelled, pushing changes
// through ctrl as they arrive from whatever upstream source the adapter
// wraps (a database change stream, a websocket, a poll loop...).
type SyncAdapter[K comparable, T any] interface {
	Start(ctx context.Context, ctrl *SyncController[K, T]) error
}

// MetadataProvider is an optional SyncAdapter capability: adapters that can
// report resume/cursor state (e.g. a change-stream resume token) implement
// it so Collection can expose it via Collection.SyncMetadata, per
// spec.md §4.7 "getSyncMetadata()".
type MetadataProvider interface {
	SyncMetadata() any
}

// SyncController is the adapter-facing half of the synced-state commit
// protocol: Begin/Write.../Commit brackets one atomic batch of changes,
// mirroring the teacher's Watch loop building up a change-set before
// applying it in one Storage update. MarkReady signals the initial full
// load is complete.
type SyncController[K comparable, T any] struct {
	coll *Collection[K, T]

	inTxn   bool
	pending []Change[K, T]
}

func newSyncController[K comparable, T any](coll *Collection[K, T]) *SyncController[K, T] {
	return &SyncController[K, T]{coll: coll}
}

// Begin opens a sync transaction. Write calls made before Begin (or after a
// Commit closes the previous one) fail with ErrNoPendingSyncTransaction.
func (c *SyncController[K, T]) Begin() {
	c.inTxn = true
	c.pending = c.pending[:0]
}

// Write stages one change against the collection's synced state. It is not
// visible to readers until Commit is called.
func (c *SyncController[K, T]) Write(ch Change[K, T]) error {
	if !c.inTxn {
		return ErrNoPendingSyncTransaction
	}
	c.pending = append(c.pending, ch)
	return nil
}

// Commit atomically applies every change staged since Begin to the
// collection's synced state, maintains indexes over it, and publishes the
// batch to subscribers (spec.md §3's "indexes maintained over synced state
// only" and §4.2's atomic-batch delivery guarantee).
func (c *SyncController[K, T]) Commit() error {
	if !c.inTxn {
		return ErrNoPendingSyncTransaction
	}
	c.inTxn = false
	batch := c.pending
	c.pending = nil
	if len(batch) == 0 {
		return nil
	}
	c.coll.applySyncedBatch(batch)
	return nil
}

// MarkReady transitions the collection to StatusReady. Call once the
// adapter has delivered a consistent initial snapshot.
func (c *SyncController[K, T]) MarkReady() error {
	return c.coll.markReady()
}

// Error transitions the collection to StatusError, surfacing err to callers
// of Collection methods that check lifecycle status.
func (c *SyncController[K, T]) Error(err error) {
	c.coll.enterErrorState(err)
}
