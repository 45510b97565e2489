package livestore

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// TxStatus is a Transaction's position in the pending -> persisting ->
// completed|failed state machine, per spec.md §4.2.
type TxStatus string

const (
	TxPending    TxStatus = "pending"
	TxPersisting TxStatus = "persisting"
	TxCompleted  TxStatus = "completed"
	TxFailed     TxStatus = "failed"
)

// MutationFn is the side-effecting action a Transaction runs exactly once,
// serialized against every other transaction's MutationFn by the commit
// queue. Its return value is available from Transaction.Result after
// Wait returns.
type MutationFn func(ctx context.Context) (any, error)

// txParticipant is the collection-side hook a Transaction calls when it
// finishes: ok=true merges the collection's staged overlay into permanent
// optimistic state (until the sync adapter confirms it and retires it for
// real), ok=false discards the overlay outright. A collection's txOverlay
// implements this and is attached to the transaction when the collection
// first stages a mutation for it.
type txParticipant interface {
	retire(ok bool)
}

// Transaction is the unit of optimistic mutation and persistence, per
// spec.md §4.2. It is intentionally not generic over a row type: a single
// transaction can stage mutations against collections of different row
// types, each via Collection.Insert/Update/Delete(..., WithTransaction(tx)).
type Transaction struct {
	id string

	mu           sync.Mutex
	status       TxStatus
	mutationFn   MutationFn
	result       any
	err          error
	participants []txParticipant
	seen         map[txParticipant]bool

	done chan struct{}
}

// NewTransaction creates a pending transaction with the given mutationFn.
// fn may be nil only for transactions that are explicitly Rolled back
// without ever committing (rare; mostly useful in tests).
func NewTransaction(fn MutationFn) *Transaction {
	return &Transaction{
		id:         uuid.NewString(),
		status:     TxPending,
		mutationFn: fn,
		seen:       make(map[txParticipant]bool),
		done:       make(chan struct{}),
	}
}

func (t *Transaction) ID() string { return t.id }

func (t *Transaction) Status() TxStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// attach registers a collection-side participant exactly once. Safe to
// call repeatedly (e.g. once per mutation staged against the same
// collection within the same transaction).
func (t *Transaction) attach(p txParticipant) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen[p] {
		return
	}
	t.seen[p] = true
	t.participants = append(t.participants, p)
}

// Commit enqueues the transaction on the global commit queue and blocks
// until its mutationFn has run (or failed), returning the mutationFn's
// error if any. Calling Commit more than once returns
// ErrTransactionAlreadyDone after the first call's effects have taken
// place.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.status != TxPending {
		t.mu.Unlock()
		return ErrTransactionAlreadyDone
	}
	if t.mutationFn == nil {
		t.status = TxFailed
		t.err = ErrMissingMutationFn
		t.mu.Unlock()
		t.finish(false)
		return ErrMissingMutationFn
	}
	t.mu.Unlock()

	globalCommitQueue.enqueue(ctx, t)
	return t.Wait(ctx)
}

// execute is invoked by the commit queue's single consumer goroutine. It
// runs mutationFn and retires every attached participant, never
// concurrently with any other transaction's execute.
func (t *Transaction) execute(ctx context.Context) {
	t.mu.Lock()
	if t.status != TxPending {
		t.mu.Unlock()
		return
	}
	t.status = TxPersisting
	fn := t.mutationFn
	t.mu.Unlock()

	result, err := fn(ctx)

	t.mu.Lock()
	t.result = result
	t.err = err
	if err != nil {
		t.status = TxFailed
	} else {
		t.status = TxCompleted
	}
	t.mu.Unlock()

	t.finish(err == nil)
}

// Rollback discards the transaction without running mutationFn. Only
// valid while the transaction is still pending.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	if t.status != TxPending {
		t.mu.Unlock()
		return ErrTransactionNotPending
	}
	t.status = TxFailed
	t.err = ErrTransactionNotPending
	t.mu.Unlock()

	t.finish(false)
	return nil
}

func (t *Transaction) finish(ok bool) {
	t.mu.Lock()
	participants := t.participants
	t.mu.Unlock()

	for _, p := range participants {
		p.retire(ok)
	}
	close(t.done)
}

// Wait blocks until the transaction reaches a terminal state, returning
// its mutationFn error (if any) or ctx.Err() if ctx is cancelled first.
func (t *Transaction) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the mutationFn's return value. Only meaningful after
// Wait returns nil.
func (t *Transaction) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the transaction's terminal error, if any.
func (t *Transaction) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
