package livestore

import (
	"context"
	"time"
)

// DefaultGCTime is the idle-GC default used when a Config does not specify
// one. spec.md §9 leaves the exact value host-provided; 5 minutes matches
// the teacher's CacheTTL-style "long enough to survive a page reload,
// short enough to reclaim abandoned collections" defaults.
const DefaultGCTime = 5 * time.Minute

// AutoIndexPolicy controls when Collection automatically creates indexes
// for subscription/query predicates, per spec.md §4.3.
type AutoIndexPolicy string

const (
	// AutoIndexOff never creates indexes automatically.
	AutoIndexOff AutoIndexPolicy = "off"
	// AutoIndexEager (the default) creates an equality index for each Eq or
	// In leaf of a query WherePredicate over a source collection when that
	// leaf's field has no index yet. Subscription predicates are never
	// auto-indexed, and range comparisons (Lt/Lte/Gt/Gte) need an ordered
	// index created with CreateOrderedIndex.
	AutoIndexEager AutoIndexPolicy = "eager"
)

// MutationType identifies the kind of row mutation recorded on a
// transaction, per spec.md §3.
type MutationType string

const (
	MutationInsert MutationType = "insert"
	MutationUpdate MutationType = "update"
	MutationDelete MutationType = "delete"
)

// Validator is the schema-validation hook invoked synchronously before a
// mutation is recorded (spec.md §4.7 "Schema validation"). Implementations
// must not block on I/O; see AsyncValidator.
type Validator[T any] interface {
	Validate(item T, op MutationType, key any) error
}

// AsyncValidator is a marker interface: if a configured Validator also
// implements AsyncValidator, NewCollection rejects it with ErrAsyncSchema
// at configuration time, per spec.md §6 "invalid schema, async schema".
type AsyncValidator interface {
	Async()
}

// ValidationError is raised by Validator.Validate.
type ValidationError struct {
	Type   MutationType
	Issues []ValidationIssue
}

// ValidationIssue describes one failed validation rule.
type ValidationIssue struct {
	Message string
	Path    string
}

func (e *ValidationError) Error() string {
	msg := "validation failed"
	if len(e.Issues) > 0 {
		msg += ": " + e.Issues[0].Message
	}
	return msg
}

// MutationHandler is the collection-registered handler invoked by an
// implicit (auto-commit) transaction created by a bare Insert/Update/Delete
// call, per spec.md §4.8 "Implicit transactions". It receives the
// transaction and the collection it was invoked against.
type MutationHandler[K comparable, T any] func(ctx context.Context, tx *Transaction, coll *Collection[K, T]) (any, error)

// Config configures a Collection. GetKey is required; everything else has
// a documented default.
type Config[K comparable, T any] struct {
	GetKey    func(T) K
	Sync      SyncAdapter[K, T]
	StartSync bool
	GCTime    time.Duration
	AutoIndex AutoIndexPolicy
	Validator Validator[T]

	OnInsert MutationHandler[K, T]
	OnUpdate MutationHandler[K, T]
	OnDelete MutationHandler[K, T]
}

// CollectionOption configures a Config via the functional-options pattern,
// matching the teacher's EditOption/Options split.
type CollectionOption[K comparable, T any] func(*Config[K, T])

// WithGCTime overrides the idle-GC duration.
func WithGCTime[K comparable, T any](d time.Duration) CollectionOption[K, T] {
	return func(c *Config[K, T]) { c.GCTime = d }
}

// WithAutoIndex overrides the auto-indexing policy.
func WithAutoIndex[K comparable, T any](p AutoIndexPolicy) CollectionOption[K, T] {
	return func(c *Config[K, T]) { c.AutoIndex = p }
}

// WithValidator attaches a synchronous schema validator.
func WithValidator[K comparable, T any](v Validator[T]) CollectionOption[K, T] {
	return func(c *Config[K, T]) { c.Validator = v }
}

// WithStartSync controls whether the collection eagerly enters the loading
// state (and invokes the sync adapter) at construction time, versus
// waiting for the first call to Preload.
func WithStartSync[K comparable, T any](start bool) CollectionOption[K, T] {
	return func(c *Config[K, T]) { c.StartSync = start }
}

// WithInsertHandler registers the handler used by implicit insert
// transactions.
func WithInsertHandler[K comparable, T any](h MutationHandler[K, T]) CollectionOption[K, T] {
	return func(c *Config[K, T]) { c.OnInsert = h }
}

// WithUpdateHandler registers the handler used by implicit update
// transactions.
func WithUpdateHandler[K comparable, T any](h MutationHandler[K, T]) CollectionOption[K, T] {
	return func(c *Config[K, T]) { c.OnUpdate = h }
}

// WithDeleteHandler registers the handler used by implicit delete
// transactions.
func WithDeleteHandler[K comparable, T any](h MutationHandler[K, T]) CollectionOption[K, T] {
	return func(c *Config[K, T]) { c.OnDelete = h }
}

// defaultConfig seeds GCTime/AutoIndex/StartSync defaults; GetKey and Sync
// still have to be supplied by the caller (directly or via options).
func defaultConfig[K comparable, T any]() Config[K, T] {
	return Config[K, T]{
		StartSync: true,
		GCTime:    DefaultGCTime,
		AutoIndex: AutoIndexEager,
	}
}

// EditOptions holds retry settings for a transaction's mutationFn
// invocation. Nothing in this module reads them: a transaction runs its
// mutationFn once, without retry.
type EditOptions struct {
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	RetryJitter   float64
	Timeout       time.Duration
}

// EditOption configures EditOptions via functional options.
type EditOption func(*EditOptions)

// WithMaxRetries sets the maximum number of retry attempts. 0 means no
// retry.
func WithMaxRetries(n int) EditOption { return func(o *EditOptions) { o.MaxRetries = n } }

// WithRetryDelay sets the initial backoff delay.
func WithRetryDelay(d time.Duration) EditOption { return func(o *EditOptions) { o.RetryDelay = d } }

// WithMaxRetryDelay caps the exponential backoff delay.
func WithMaxRetryDelay(d time.Duration) EditOption {
	return func(o *EditOptions) { o.MaxRetryDelay = d }
}

// WithRetryJitter sets the jitter fraction (0..1) applied to each backoff.
func WithRetryJitter(j float64) EditOption { return func(o *EditOptions) { o.RetryJitter = j } }

// WithTimeout bounds the total time spent across all attempts.
func WithTimeout(d time.Duration) EditOption { return func(o *EditOptions) { o.Timeout = d } }

// DefaultEditOptions returns the default retry configuration: no retries
// (MaxRetries 0), 100ms initial backoff doubling up to 2s, 10% jitter,
// 30s total timeout — the same shape as the teacher's DefaultOptions().
func DefaultEditOptions() *EditOptions {
	return &EditOptions{
		MaxRetries:    0,
		RetryDelay:    100 * time.Millisecond,
		MaxRetryDelay: 2 * time.Second,
		RetryJitter:   0.1,
		Timeout:       30 * time.Second,
	}
}

// NewEditOptions builds an EditOptions from the given options layered over
// DefaultEditOptions.
func NewEditOptions(opts ...EditOption) *EditOptions {
	o := DefaultEditOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}
