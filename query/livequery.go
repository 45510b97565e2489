package query

import (
	"context"
	"reflect"
	"time"

	"livestore"
)

// LiveQueryConfig configures NewLiveQueryCollection. Query is the only
// required field; everything else mirrors livestore.Config's optional
// knobs, per spec.md §4.9.
type LiveQueryConfig[K comparable, T any] struct {
	Query     *Builder[K, T]
	Validator livestore.Validator[T]
	AutoIndex livestore.AutoIndexPolicy
	GCTime    time.Duration

	// GetKey is required by livestore.NewCollection's identity contract, but
	// a live query's rows already carry their own key from the pipeline
	// that produced them — they are never derived from T alone, and the
	// resulting collection is read-only (Insert/Update/Delete are never
	// called on it). If left nil, a GetKey that panics on the first call is
	// installed, documenting that mutation was never meant to reach here.
	GetKey func(T) K
}

// NewLiveQueryCollection compiles cfg.Query and wires it into a genuine
// *livestore.Collection[K,T] kept live by recomputing and diffing on every
// upstream change, per spec.md §4.9/§5.9. Because the result is a real
// Collection, it composes transparently as a source for further
// FromCollection/Join/GroupBy calls — no special-casing needed at the
// call site.
func NewLiveQueryCollection[K comparable, T any](cfg LiveQueryConfig[K, T]) (*livestore.Collection[K, T], error) {
	mat, err := cfg.Query.Compile()
	if err != nil {
		return nil, err
	}

	getKey := cfg.GetKey
	if getKey == nil {
		getKey = func(T) K {
			panic("query: live query collections are read-only; rows are keyed by the pipeline, not by GetKey")
		}
	}

	opts := []livestore.CollectionOption[K, T]{
		livestore.WithStartSync[K, T](true),
	}
	if cfg.AutoIndex != "" {
		opts = append(opts, livestore.WithAutoIndex[K, T](cfg.AutoIndex))
	}
	if cfg.Validator != nil {
		opts = append(opts, livestore.WithValidator[K, T](cfg.Validator))
	}
	if cfg.GCTime > 0 {
		opts = append(opts, livestore.WithGCTime[K, T](cfg.GCTime))
	}

	return livestore.NewCollection(getKey, &liveQuerySync[K, T]{mat: mat}, opts...)
}

// liveQuerySync adapts a query Materializer to livestore.SyncAdapter: it
// loads the initial snapshot as one insert batch, subscribes to upstream
// notifications, marks the collection ready, then recomputes and diffs the
// whole result set (via reflect.DeepEqual) on every upstream notification,
// writing the resulting changes as one new atomic batch. This is the pull-based
// recompute-and-diff design documented in DESIGN.md, not the incremental
// delta-stream dataflow spec.md §4.5 sketches.
type liveQuerySync[K comparable, T any] struct {
	mat   Materializer[K, T]
	index map[K]T
}

func (s *liveQuerySync[K, T]) Start(ctx context.Context, ctrl *livestore.SyncController[K, T]) error {
	s.deliver(ctrl)
	unsubscribe := s.mat.OnChange(func() { s.deliver(ctrl) })
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	return ctrl.MarkReady()
}

func (s *liveQuerySync[K, T]) deliver(ctrl *livestore.SyncController[K, T]) {
	rows := s.mat.Snapshot()
	newIndex := make(map[K]T, len(rows))
	for _, r := range rows {
		newIndex[r.Key] = r.Value
	}

	var batch []livestore.Change[K, T]
	for _, r := range rows {
		if old, ok := s.index[r.Key]; ok {
			if !reflect.DeepEqual(old, r.Value) {
				batch = append(batch, livestore.Change[K, T]{
					Type: livestore.ChangeUpdate, Key: r.Key, Value: r.Value,
					PreviousValue: old, HasPrevious: true,
				})
			}
			continue
		}
		batch = append(batch, livestore.Change[K, T]{Type: livestore.ChangeInsert, Key: r.Key, Value: r.Value})
	}
	for k, old := range s.index {
		if _, ok := newIndex[k]; !ok {
			batch = append(batch, livestore.Change[K, T]{Type: livestore.ChangeDelete, Key: k, Value: old})
		}
	}
	s.index = newIndex

	if len(batch) == 0 {
		return
	}
	ctrl.Begin()
	for _, ch := range batch {
		ctrl.Write(ch)
	}
	ctrl.Commit()
}
