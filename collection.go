package livestore

import (
	"cmp"
	"context"
	"reflect"
	"sync"

	"livestore/changeproxy"
	"livestore/orderedmap"
)

// Mutation is one staged row change, held inside a transaction's overlay
// until the transaction retires, per spec.md §4.2.
type Mutation[K comparable, T any] struct {
	Type          MutationType
	Key           K
	Value         T
	PreviousValue T
	HasPrevious   bool
}

// mutateConfig collects MutateOptions for a single Insert/Update/Delete
// call.
type mutateConfig struct {
	tx *Transaction
}

// MutateOption configures a single Insert/Update/Delete call.
type MutateOption func(*mutateConfig)

// WithTransaction attaches the mutation to an explicit, caller-managed
// Transaction instead of creating an implicit one. The caller is
// responsible for eventually calling tx.Commit.
func WithTransaction(tx *Transaction) MutateOption {
	return func(c *mutateConfig) { c.tx = tx }
}

// txOverlay is one transaction's pending view of a collection: the last
// mutation staged per key, in staging order. It implements txParticipant
// so Transaction can retire it when the transaction finishes.
type txOverlay[K comparable, T any] struct {
	coll *Collection[K, T]
	tx   *Transaction

	mu   sync.Mutex
	muts *orderedmap.Map[K, Mutation[K, T]]
}

func newTxOverlay[K comparable, T any](coll *Collection[K, T], tx *Transaction) *txOverlay[K, T] {
	return &txOverlay[K, T]{coll: coll, tx: tx, muts: orderedmap.New[K, Mutation[K, T]]()}
}

func (o *txOverlay[K, T]) stage(m Mutation[K, T]) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.muts.Set(m.Key, m)
}

func (o *txOverlay[K, T]) get(k K) (Mutation[K, T], bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.muts.Get(k)
}

func (o *txOverlay[K, T]) confirm(k K) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.muts.Delete(k)
}

func (o *txOverlay[K, T]) entries() []orderedmap.Entry[K, Mutation[K, T]] {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.muts.Entries()
}

// retire implements txParticipant. On success the overlay stays attached
// to the collection: its mutations remain part of visible state until
// applySyncedBatch observes a synced write for the same key and confirms
// (drops) them. On failure the overlay is removed immediately and a
// compensating change batch is published so subscribers see the rollback.
func (o *txOverlay[K, T]) retire(ok bool) {
	o.coll.retireOverlay(o, ok)
}

// Collection is the reactive, optimistically-mutable in-memory view over a
// SyncAdapter's upstream data, per spec.md §4.1.
type Collection[K comparable, T any] struct {
	mu sync.RWMutex

	getKey    func(T) K
	sync      SyncAdapter[K, T]
	validator Validator[T]
	autoIndex AutoIndexPolicy

	onInsert MutationHandler[K, T]
	onUpdate MutationHandler[K, T]
	onDelete MutationHandler[K, T]

	synced   *orderedmap.Map[K, T]
	overlays []*txOverlay[K, T]
	indexes  *indexRegistry[K, T]

	bus  *changeBus[K, T]
	life *lifecycle

	startOnce  sync.Once
	syncCancel context.CancelFunc
	lastErr    error
}

// NewCollection builds a Collection keyed by getKey and synced by sync,
// layering opts over defaultConfig, matching the teacher's
// functional-options construction style.
func NewCollection[K comparable, T any](getKey func(T) K, sync SyncAdapter[K, T], opts ...CollectionOption[K, T]) (*Collection[K, T], error) {
	cfg := defaultConfig[K, T]()
	cfg.GetKey = getKey
	cfg.Sync = sync
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.GetKey == nil {
		return nil, ErrMissingConfig
	}
	if cfg.Validator != nil {
		if _, async := cfg.Validator.(AsyncValidator); async {
			return nil, ErrAsyncSchema
		}
	}

	c := &Collection[K, T]{
		getKey:    cfg.GetKey,
		sync:      cfg.Sync,
		validator: cfg.Validator,
		autoIndex: cfg.AutoIndex,
		onInsert:  cfg.OnInsert,
		onUpdate:  cfg.OnUpdate,
		onDelete:  cfg.OnDelete,
		synced:    orderedmap.New[K, T](),
		indexes:   newIndexRegistry[K, T](),
	}
	c.bus = newChangeBus[K, T](c.onSubscriberDelta)
	c.life = newLifecycle(cfg.GCTime, c.onIdleExpire)

	if cfg.StartSync {
		c.ensureStarted()
	}
	return c, nil
}

func (c *Collection[K, T]) onSubscriberDelta(delta int) {
	if delta > 0 {
		c.life.disarmGC()
	} else if c.bus.count() == 0 {
		c.life.armGC()
	}
}

func (c *Collection[K, T]) onIdleExpire() {
	_ = c.Cleanup()
}

// ensureStarted kicks off the sync adapter's Start loop exactly once.
func (c *Collection[K, T]) ensureStarted() {
	c.startOnce.Do(func() {
		if c.sync == nil {
			c.lastErr = ErrMissingSync
			_ = c.life.transition(StatusError)
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		c.syncCancel = cancel
		_ = c.life.transition(StatusLoading)

		ctrl := newSyncController(c)
		go func() {
			if err := c.sync.Start(ctx, ctrl); err != nil && ctx.Err() == nil {
				c.enterErrorState(err)
			}
		}()
	})
}

func (c *Collection[K, T]) markReady() error {
	return c.life.transition(StatusReady)
}

func (c *Collection[K, T]) enterErrorState(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	_ = c.life.transition(StatusError)
}

// Status returns the collection's current lifecycle status.
func (c *Collection[K, T]) Status() Status { return c.life.current() }

// Preload starts the sync adapter if it hasn't started yet and blocks
// until the collection reaches StatusReady or StatusError.
func (c *Collection[K, T]) Preload(ctx context.Context) error {
	c.ensureStarted()
	status, err := c.life.waitFor(ctx, StatusReady, StatusError)
	if err != nil {
		return err
	}
	if status == StatusError {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.lastErr
	}
	return nil
}

// lookupLocked returns the visible value for k: the most recently attached
// overlay's mutation if one exists, else the synced value. Caller must
// hold c.mu (read or write).
func (c *Collection[K, T]) lookupLocked(k K) (T, bool) {
	for i := len(c.overlays) - 1; i >= 0; i-- {
		if m, ok := c.overlays[i].get(k); ok {
			if m.Type == MutationDelete {
				var zero T
				return zero, false
			}
			return m.Value, true
		}
	}
	return c.synced.Get(k)
}

// Get returns the current visible value for key, merging synced state with
// every active transaction's optimistic overlay.
func (c *Collection[K, T]) Get(key K) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookupLocked(key)
}

// Has reports whether key has a visible value.
func (c *Collection[K, T]) Has(key K) bool {
	_, ok := c.Get(key)
	return ok
}

// visibleKeysLocked returns every key with a visible value, synced-state
// order first followed by overlay-only insertions in staging order.
func (c *Collection[K, T]) visibleKeysLocked() []K {
	seen := make(map[K]bool)
	keys := make([]K, 0, c.synced.Len())
	for _, k := range c.synced.Keys() {
		if _, ok := c.lookupLocked(k); ok {
			keys = append(keys, k)
		}
		seen[k] = true
	}
	for _, o := range c.overlays {
		for _, e := range o.entries() {
			if seen[e.Key] {
				continue
			}
			seen[e.Key] = true
			if _, ok := c.lookupLocked(e.Key); ok {
				keys = append(keys, e.Key)
			}
		}
	}
	return keys
}

// Size returns the number of rows in the merged visible state.
func (c *Collection[K, T]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.visibleKeysLocked())
}

// Keys returns every visible key.
func (c *Collection[K, T]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.visibleKeysLocked()
}

// Entries returns every visible (key, value) pair.
func (c *Collection[K, T]) Entries() []orderedmap.Entry[K, T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := c.visibleKeysLocked()
	out := make([]orderedmap.Entry[K, T], 0, len(keys))
	for _, k := range keys {
		v, _ := c.lookupLocked(k)
		out = append(out, orderedmap.Entry[K, T]{Key: k, Value: v})
	}
	return out
}

// Values returns every visible value.
func (c *Collection[K, T]) Values() []T {
	entries := c.Entries()
	out := make([]T, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out
}

func (c *Collection[K, T]) overlayForLocked(tx *Transaction) *txOverlay[K, T] {
	for _, o := range c.overlays {
		if o.tx == tx {
			return o
		}
	}
	o := newTxOverlay(c, tx)
	c.overlays = append(c.overlays, o)
	tx.attach(o)
	return o
}

func (c *Collection[K, T]) toChange(m Mutation[K, T]) Change[K, T] {
	return Change[K, T]{
		Type:          ChangeType(m.Type),
		Key:           m.Key,
		Value:         m.Value,
		PreviousValue: m.PreviousValue,
		HasPrevious:   m.HasPrevious,
	}
}

func (c *Collection[K, T]) validate(item T, op MutationType, key any) error {
	if c.validator == nil {
		return nil
	}
	return c.validator.Validate(item, op, key)
}

// Insert stages an insert mutation, optimistically publishing it before
// returning. With no WithTransaction option an implicit transaction is
// created and run through OnInsert; Insert blocks until it settles.
func (c *Collection[K, T]) Insert(item T, opts ...MutateOption) error {
	key := c.getKey(item)
	if err := c.validate(item, MutationInsert, key); err != nil {
		return err
	}

	cfg := mutateConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	c.mu.Lock()
	if _, ok := c.lookupLocked(key); ok {
		c.mu.Unlock()
		return ErrDuplicateKey
	}
	m := Mutation[K, T]{Type: MutationInsert, Key: key, Value: item}

	if cfg.tx != nil {
		overlay := c.overlayForLocked(cfg.tx)
		overlay.stage(m)
		c.mu.Unlock()
		c.bus.publish([]Change[K, T]{c.toChange(m)})
		return nil
	}

	if c.onInsert == nil {
		c.mu.Unlock()
		return ErrMissingInsertHandler
	}
	tx := NewTransaction(nil)
	overlay := c.overlayForLocked(tx)
	overlay.stage(m)
	c.mu.Unlock()
	c.bus.publish([]Change[K, T]{c.toChange(m)})

	tx.mutationFn = func(ctx context.Context) (any, error) {
		return c.onInsert(ctx, tx, c)
	}
	return tx.Commit(context.Background())
}

// Update applies mutate to a cloned draft of key's current value (via the
// change-tracking draft builder) and stages the result as an update
// mutation if anything actually changed.
func (c *Collection[K, T]) Update(key K, mutate func(draft *T), opts ...MutateOption) error {
	current, ok := c.Get(key)
	if !ok {
		return ErrNotFoundUpdate
	}

	draft := changeproxy.New(&current)
	draft.Mutate(func(ptr *T) { mutate(ptr) })
	if !draft.Changed() {
		return nil
	}
	newValue := *draft.Value()
	newKey := c.getKey(newValue)
	if newKey != key {
		return ErrKeyChanged
	}
	if err := c.validate(newValue, MutationUpdate, key); err != nil {
		return err
	}

	cfg := mutateConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	c.mu.Lock()
	prev, hasPrev := c.lookupLocked(key)
	if !hasPrev {
		c.mu.Unlock()
		return ErrNotFoundUpdate
	}
	m := Mutation[K, T]{Type: MutationUpdate, Key: key, Value: newValue, PreviousValue: prev, HasPrevious: true}

	if cfg.tx != nil {
		overlay := c.overlayForLocked(cfg.tx)
		overlay.stage(m)
		c.mu.Unlock()
		c.bus.publish([]Change[K, T]{c.toChange(m)})
		return nil
	}

	if c.onUpdate == nil {
		c.mu.Unlock()
		return ErrMissingUpdateHandler
	}
	tx := NewTransaction(nil)
	overlay := c.overlayForLocked(tx)
	overlay.stage(m)
	c.mu.Unlock()
	c.bus.publish([]Change[K, T]{c.toChange(m)})

	tx.mutationFn = func(ctx context.Context) (any, error) {
		return c.onUpdate(ctx, tx, c)
	}
	return tx.Commit(context.Background())
}

// Delete stages a delete mutation for key.
func (c *Collection[K, T]) Delete(key K, opts ...MutateOption) error {
	cfg := mutateConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	c.mu.Lock()
	prev, ok := c.lookupLocked(key)
	if !ok {
		c.mu.Unlock()
		return ErrNotFoundDelete
	}
	m := Mutation[K, T]{Type: MutationDelete, Key: key, Value: prev, PreviousValue: prev, HasPrevious: true}

	if cfg.tx != nil {
		overlay := c.overlayForLocked(cfg.tx)
		overlay.stage(m)
		c.mu.Unlock()
		c.bus.publish([]Change[K, T]{c.toChange(m)})
		return nil
	}

	if c.onDelete == nil {
		c.mu.Unlock()
		return ErrMissingDeleteHandler
	}
	tx := NewTransaction(nil)
	overlay := c.overlayForLocked(tx)
	overlay.stage(m)
	c.mu.Unlock()
	c.bus.publish([]Change[K, T]{c.toChange(m)})

	tx.mutationFn = func(ctx context.Context) (any, error) {
		return c.onDelete(ctx, tx, c)
	}
	return tx.Commit(context.Background())
}

// retireOverlay detaches o from the collection. ok=false rolls every
// staged mutation back and publishes the compensating changes.
func (c *Collection[K, T]) retireOverlay(o *txOverlay[K, T], ok bool) {
	if ok {
		return // stays attached until applySyncedBatch confirms its keys
	}

	c.mu.Lock()
	entries := o.entries()
	before := make(map[K]T, len(entries))
	beforeOk := make(map[K]bool, len(entries))
	for _, e := range entries {
		before[e.Key], beforeOk[e.Key] = c.lookupLocked(e.Key)
	}

	for i, ov := range c.overlays {
		if ov == o {
			c.overlays = append(c.overlays[:i], c.overlays[i+1:]...)
			break
		}
	}

	var out []Change[K, T]
	for _, e := range entries {
		after, afterOk := c.lookupLocked(e.Key)
		if ev, changed := diffVisible(e.Key, before[e.Key], beforeOk[e.Key], after, afterOk); changed {
			out = append(out, ev)
		}
	}
	c.mu.Unlock()

	if len(out) > 0 {
		c.bus.publish(out)
	}
}

// applySyncedBatch folds a confirmed batch from the sync adapter into
// synced state, maintains indexes over it, confirms (drops) any overlay
// mutation for the same keys, and publishes only the net observable
// change, deduplicating against what optimistic overlays already
// delivered.
func (c *Collection[K, T]) applySyncedBatch(batch []Change[K, T]) {
	c.mu.Lock()
	out := make([]Change[K, T], 0, len(batch))
	for _, ch := range batch {
		before, beforeOk := c.lookupLocked(ch.Key)
		prevSynced, hadSynced := c.synced.Get(ch.Key)

		switch ch.Type {
		case ChangeInsert, ChangeUpdate:
			c.synced.Set(ch.Key, ch.Value)
		case ChangeDelete:
			c.synced.Delete(ch.Key)
		}
		idx := Change[K, T]{Type: ChangeInsert, Key: ch.Key, Value: ch.Value}
		if hadSynced {
			idx.Type, idx.PreviousValue, idx.HasPrevious = ChangeUpdate, prevSynced, true
		}
		if ch.Type == ChangeDelete {
			idx.Type = ChangeDelete
		}
		if ch.Type != ChangeDelete || hadSynced {
			c.indexes.onCommitChange(idx)
		}
		for _, o := range c.overlays {
			o.confirm(ch.Key)
		}

		after, afterOk := c.lookupLocked(ch.Key)
		if ev, changed := diffVisible(ch.Key, before, beforeOk, after, afterOk); changed {
			out = append(out, ev)
		}
	}
	c.mu.Unlock()

	if len(out) > 0 {
		c.bus.publish(out)
	}
}

func diffVisible[K comparable, T any](key K, before T, beforeOk bool, after T, afterOk bool) (Change[K, T], bool) {
	switch {
	case !beforeOk && !afterOk:
		return Change[K, T]{}, false
	case !beforeOk && afterOk:
		return Change[K, T]{Type: ChangeInsert, Key: key, Value: after}, true
	case beforeOk && !afterOk:
		return Change[K, T]{Type: ChangeDelete, Key: key, Value: before}, true
	default:
		if reflect.DeepEqual(before, after) {
			return Change[K, T]{}, false
		}
		return Change[K, T]{Type: ChangeUpdate, Key: key, Value: after, PreviousValue: before, HasPrevious: true}, true
	}
}

// SubscribeChanges registers handler to receive change batches, per
// spec.md §4.7.
func (c *Collection[K, T]) SubscribeChanges(handler ChangeHandler[K, T], opts ...SubscribeOption[K, T]) Unsubscribe {
	cfg := SubscribeConfig[K, T]{}
	for _, opt := range opts {
		opt(&cfg)
	}

	_, unsub := c.bus.subscribe(handler, cfg.Where)

	if cfg.IncludeInitialState {
		initial := c.CurrentStateAsChanges(cfg.Where)
		if len(initial) > 0 {
			handler(initial)
		}
	}
	return unsub
}

// CurrentStateAsChanges renders the merged visible state as a burst of
// insert changes, optionally filtered by pred.
func (c *Collection[K, T]) CurrentStateAsChanges(pred func(T) bool) []Change[K, T] {
	entries := c.Entries()
	out := make([]Change[K, T], 0, len(entries))
	for _, e := range entries {
		if pred != nil && !pred(e.Value) {
			continue
		}
		out = append(out, Change[K, T]{Type: ChangeInsert, Key: e.Key, Value: e.Value})
	}
	return out
}

// CreateEqualityIndex registers a hash-based equality/membership index
// over the field extract projects, per spec.md §4.3.
func CreateEqualityIndex[K comparable, T any, V comparable](c *Collection[K, T], path string, extract func(T) V) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := newEqualityIndex[K, T](path, extract)
	return c.indexes.register(idx, c.synced.Entries())
}

// CreateOrderedIndex registers a comparator-ordered index over the field
// extract projects, per spec.md §4.3.
func CreateOrderedIndex[K comparable, T any, V cmp.Ordered](c *Collection[K, T], path string, extract func(T) V) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := newOrderedIndex[K, T](path, extract)
	return c.indexes.register(idx, c.synced.Entries())
}

// AutoIndexPolicy reports whether the collection eagerly creates missing
// equality indexes for the query optimizer, per spec.md §4.6/§7.
func (c *Collection[K, T]) AutoIndexPolicy() AutoIndexPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.autoIndex
}

// EnsureEqualityIndexAny registers an equality index over a dynamically
// boxed extractor, for the query package's index-probe auto-indexing
// (collectionSource.probeIndex in query/builder.go). Relies on Go 1.20+
// relaxing the comparable constraint to accept any: two boxed values
// compare equal only when their dynamic types and values both match,
// which is exactly equality-index semantics. It is a no-op (returning the
// existing index's ID) if path is already indexed.
func EnsureEqualityIndexAny[K comparable, T any](c *Collection[K, T], path string, extract func(T) any) string {
	if _, ok := c.IndexOnPath(path); ok {
		info, _ := c.IndexOnPath(path)
		return info.ID
	}
	return CreateEqualityIndex[K, T, any](c, path, extract)
}

// IndexOnPath returns the first index registered on path, if any. The
// query optimizer uses this to decide whether a predicate clause can be
// served by an index probe instead of a full scan.
func (c *Collection[K, T]) IndexOnPath(path string) (IndexInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.indexes.indexOn(path)
	if !ok {
		return IndexInfo{}, false
	}
	return h.info(), true
}

// LookupOnPath probes whatever index is registered on path, if any. ok is
// false when no index covers path, signaling the caller to fall back to a
// full scan. Takes the write lock, like Lookup, since probing increments
// the index's observability counter.
func (c *Collection[K, T]) LookupOnPath(path string, op Op, value any) (result map[K]struct{}, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, found := c.indexes.indexOn(path)
	if !found {
		return nil, false, nil
	}
	c.indexes.probes[h.info().ID]++
	set, err := h.lookup(op, value)
	return set, true, err
}

// Indexes lists every index registered on the collection.
func (c *Collection[K, T]) Indexes() []IndexInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.indexes.list()
}

// Lookup probes a previously created index, incrementing its probe
// counter (exposed via IndexStats for scenario-level observability). Takes
// the write lock because probing mutates that counter.
func (c *Collection[K, T]) Lookup(indexID string, op Op, value any) (map[K]struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.indexes.lookup(indexID, op, value)
}

// IndexStats returns how many times indexID has been probed via Lookup or
// LookupOnPath,
// used by tests to assert a query used an index instead of a full scan.
func (c *Collection[K, T]) IndexStats(indexID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.indexes.probeCount(indexID)
}

// SyncMetadata returns the sync adapter's resume/cursor state, if it
// implements MetadataProvider.
func (c *Collection[K, T]) SyncMetadata() any {
	if mp, ok := c.sync.(MetadataProvider); ok {
		return mp.SyncMetadata()
	}
	return nil
}

// Cleanup stops the sync adapter and the idle-GC timer and transitions the
// collection to StatusCleanedUp, per spec.md §4.7.
func (c *Collection[K, T]) Cleanup() error {
	c.life.stopGC()
	if c.syncCancel != nil {
		c.syncCancel()
	}
	return c.life.transition(StatusCleanedUp)
}
