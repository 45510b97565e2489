package livestore

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a DBError, mirroring the named error
// kinds in spec.md §6.
type Kind string

const (
	// Collection configuration
	KindMissingConfig Kind = "missing-config"
	KindMissingSync   Kind = "missing-sync"
	KindInvalidSchema Kind = "invalid-schema"
	KindAsyncSchema   Kind = "async-schema"

	// Collection state
	KindInErrorState             Kind = "in-error-state"
	KindInvalidStatusTransition  Kind = "invalid-status-transition"
	KindNegativeSubscriberCount  Kind = "negative-subscriber-count"

	// Collection ops
	KindUndefinedKey         Kind = "undefined-key"
	KindDuplicateKeyUser     Kind = "duplicate-key-user"
	KindDuplicateKeySync     Kind = "duplicate-key-sync"
	KindNoKeysPassed         Kind = "no-keys-passed"
	KindKeyNotFoundUpdate    Kind = "key-not-found-update"
	KindKeyNotFoundDelete    Kind = "key-not-found-delete"
	KindKeyChangeNotAllowed  Kind = "key-change-not-allowed"

	// Missing handlers
	KindMissingInsertHandler Kind = "missing-insert-handler"
	KindMissingUpdateHandler Kind = "missing-update-handler"
	KindMissingDeleteHandler Kind = "missing-delete-handler"

	// Transaction
	KindMissingMutationFn        Kind = "missing-mutation-fn"
	KindTransactionNotPending    Kind = "transaction-not-pending"
	KindTransactionAlreadyDone   Kind = "transaction-already-completed"
	KindNoPendingSyncTransaction Kind = "no-pending-sync-transaction"
	KindSyncTransactionCommitted Kind = "sync-transaction-already-committed"

	// Query builder / compilation / join / group-by kinds are defined in
	// the query package (query.Kind) to keep that taxonomy close to its
	// producer, per spec.md §6's grouping.
)

// DBError is the root error type for every typed failure the core raises.
// All named kinds (spec.md §6) are represented as a DBError with the
// corresponding Kind; callers should match on Kind (or use errors.Is with
// one of the Err* sentinels below) rather than string-matching Error().
type DBError struct {
	Kind    Kind
	Message string
	Err     error // optional wrapped cause
}

func (e *DBError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DBError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, sentinelForKind) to match any DBError of the
// same Kind, even when constructed with additional context.
func (e *DBError) Is(target error) bool {
	var other *DBError
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newErr(kind Kind, message string) *DBError {
	return &DBError{Kind: kind, Message: message}
}

func wrapErr(kind Kind, message string, err error) *DBError {
	return &DBError{Kind: kind, Message: message, Err: err}
}

// Sentinel errors for errors.Is comparisons, one per Kind that callers are
// expected to check for explicitly.
var (
	ErrMissingConfig  = &DBError{Kind: KindMissingConfig, Message: "collection config is required"}
	ErrMissingSync    = &DBError{Kind: KindMissingSync, Message: "sync adapter is required unless StartSync is disabled and no data is ever requested"}
	ErrInvalidSchema  = &DBError{Kind: KindInvalidSchema, Message: "schema validator is invalid"}
	ErrAsyncSchema    = &DBError{Kind: KindAsyncSchema, Message: "schema validators must be synchronous"}
	ErrClosed         = &DBError{Kind: KindInErrorState, Message: "collection is cleaned up"}
	ErrInErrorState   = &DBError{Kind: KindInErrorState, Message: "collection is in the error state"}
	ErrInvalidStatus  = &DBError{Kind: KindInvalidStatusTransition, Message: "invalid lifecycle transition"}
	ErrNegativeSubs   = &DBError{Kind: KindNegativeSubscriberCount, Message: "subscriber count went negative"}
	ErrUndefinedKey   = &DBError{Kind: KindUndefinedKey, Message: "row key is undefined"}
	ErrDuplicateKey   = &DBError{Kind: KindDuplicateKeyUser, Message: "key already exists in visible state"}
	ErrDuplicateSync  = &DBError{Kind: KindDuplicateKeySync, Message: "key already exists in synced state"}
	ErrNoKeysPassed   = &DBError{Kind: KindNoKeysPassed, Message: "no keys passed"}
	ErrNotFoundUpdate = &DBError{Kind: KindKeyNotFoundUpdate, Message: "key not found for update"}
	ErrNotFoundDelete = &DBError{Kind: KindKeyNotFoundDelete, Message: "key not found for delete"}
	ErrKeyChanged     = &DBError{Kind: KindKeyChangeNotAllowed, Message: "mutator changed the row's key"}

	ErrMissingInsertHandler = &DBError{Kind: KindMissingInsertHandler, Message: "insert called outside a transaction with no OnInsert handler configured"}
	ErrMissingUpdateHandler = &DBError{Kind: KindMissingUpdateHandler, Message: "update called outside a transaction with no OnUpdate handler configured"}
	ErrMissingDeleteHandler = &DBError{Kind: KindMissingDeleteHandler, Message: "delete called outside a transaction with no OnDelete handler configured"}

	ErrMissingMutationFn        = &DBError{Kind: KindMissingMutationFn, Message: "transaction has no mutationFn"}
	ErrTransactionNotPending    = &DBError{Kind: KindTransactionNotPending, Message: "transaction is not pending"}
	ErrTransactionAlreadyDone   = &DBError{Kind: KindTransactionAlreadyDone, Message: "transaction has already completed or failed"}
	ErrNoPendingSyncTransaction = &DBError{Kind: KindNoPendingSyncTransaction, Message: "no sync transaction is open"}
	ErrSyncTransactionCommitted = &DBError{Kind: KindSyncTransactionCommitted, Message: "sync transaction was already committed"}
)
