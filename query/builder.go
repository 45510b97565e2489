package query

import (
	"cmp"
	"reflect"
	"slices"
	"strings"
	"sync"

	"livestore"
)

// Builder is an immutable fluent query pipeline over rows keyed by K,
// valued by T, per spec.md §4.5. Every method returns a new Builder; the
// receiver is never mutated. plan accumulates the query IR (ir.go);
// build lazily constructs the physical Materializer chain and is only
// ever invoked by Compile, after plan has been validated in full, per
// spec.md's "validates the IR... before the pipeline runs".
type Builder[K comparable, T any] struct {
	plan  *planNode
	build func() (Materializer[K, T], error)
}

// Compile validates the pipeline's accumulated IR and, only if validation
// succeeds, constructs the physical Materializer chain.
func (b *Builder[K, T]) Compile() (Materializer[K, T], error) {
	if err := validatePlan(b.plan); err != nil {
		return nil, err
	}
	return b.build()
}

// Materializer compiles the pipeline, panicking on a validation or
// construction error. For call sites that already know the pipeline is
// well-formed (most call sites building from compile-time constants),
// matching the standard library's template.Must convenience.
func (b *Builder[K, T]) Materializer() Materializer[K, T] {
	mat, err := b.Compile()
	if err != nil {
		panic(err)
	}
	return mat
}

// As names this pipeline's source, for same-table/table-mismatch
// detection (spec.md §6) and JoinOnExpr's "alias.field" references.
func (b *Builder[K, T]) As(alias string) *Builder[K, T] {
	root := *b.plan.root()
	root.sourceName = alias
	return &Builder[K, T]{plan: rebaseRoot(b.plan, &root), build: b.build}
}

// rebaseRoot clones the chain from n down to (but not through) its root,
// splicing in newRoot, so As can rename a pipeline's source even after
// Where/Map/etc. stages were added without mutating the original plan.
func rebaseRoot(n, newRoot *planNode) *planNode {
	if n.parent == nil {
		return newRoot
	}
	c := *n
	c.parent = rebaseRoot(n.parent, newRoot)
	return &c
}

// fromMaterializer is the shared root constructor for FromCollection,
// FromQuery and FromSource: it records a stageSource plan node and defers
// the failKind/failMsg error (if ok is false) to Compile time rather than
// panicking eagerly.
func fromMaterializer[K comparable, T any](name string, ok bool, m Materializer[K, T], failKind Kind, failMsg string) *Builder[K, T] {
	plan := &planNode{kind: stageSource, sourceName: name, sourceOK: ok}
	return &Builder[K, T]{
		plan: plan,
		build: func() (Materializer[K, T], error) {
			if !ok {
				return nil, newErr(failKind, failMsg)
			}
			return m, nil
		},
	}
}

// FromCollection roots a pipeline at a livestore.Collection.
func FromCollection[K comparable, T any](c *livestore.Collection[K, T]) *Builder[K, T] {
	return FromNamedCollection("", c)
}

// FromNamedCollection roots a pipeline at c under name, the alias
// JoinOnExpr and same-table/table-mismatch validation use to identify it.
func FromNamedCollection[K comparable, T any](name string, c *livestore.Collection[K, T]) *Builder[K, T] {
	if c == nil {
		return fromMaterializer[K, T](name, false, nil, KindInvalidSource, "FromCollection: collection is nil")
	}
	return fromMaterializer[K, T](name, true, &collectionSource[K, T]{c: c}, KindInvalidSource, "")
}

// FromQuery roots a pipeline at another compiled Builder, embedding it as
// a QueryRef subquery source (spec.md §4.4) rather than round-tripping
// through a materialized collection.
func FromQuery[K comparable, T any](name string, sub *Builder[K, T]) *Builder[K, T] {
	if sub == nil {
		return fromMaterializer[K, T](name, false, nil, KindSubQueryNeedsFrom, "FromQuery: sub-builder has no from source")
	}
	return fromMaterializer[K, T](name, true, &subQuerySource[K, T]{sub: sub}, KindSubQueryNeedsFrom, "")
}

// FromSource roots a pipeline directly at an already-built Materializer,
// the low-level constructor FromCollection/FromQuery are built on. A nil m
// is reported as unsupported-source, distinct from FromCollection's more
// specific invalid-source (a nil *livestore.Collection).
func FromSource[K comparable, T any](name string, m Materializer[K, T]) *Builder[K, T] {
	if m == nil {
		return fromMaterializer[K, T](name, false, nil, KindUnsupportedSource, "FromSource: materializer is nil")
	}
	return fromMaterializer[K, T](name, true, m, KindUnsupportedSource, "")
}

type subQuerySource[K comparable, T any] struct {
	sub  *Builder[K, T]
	once sync.Once
	mat  Materializer[K, T]
	err  error
}

func (s *subQuerySource[K, T]) ensure() {
	s.once.Do(func() { s.mat, s.err = s.sub.Compile() })
}

func (s *subQuerySource[K, T]) Snapshot() []Row[K, T] {
	s.ensure()
	if s.err != nil {
		return nil
	}
	return s.mat.Snapshot()
}

func (s *subQuerySource[K, T]) OnChange(notify func()) func() {
	s.ensure()
	if s.err != nil {
		return func() {}
	}
	return s.mat.OnChange(notify)
}

type collectionSource[K comparable, T any] struct {
	c *livestore.Collection[K, T]
}

func (s *collectionSource[K, T]) Snapshot() []Row[K, T] {
	entries := s.c.Entries()
	out := make([]Row[K, T], len(entries))
	for i, e := range entries {
		out[i] = Row[K, T]{Key: e.Key, Value: e.Value}
	}
	return out
}

func (s *collectionSource[K, T]) OnChange(notify func()) func() {
	return s.c.SubscribeChanges(func(batch []livestore.Change[K, T]) { notify() })
}

// probeIndex answers an index lookup for a WherePredicate leaf, auto-
// creating a missing equality index first when the collection's
// AutoIndexPolicy is eager, per spec.md §4.3 ("ensure an index exists for
// each [indexable] field path"). Auto-indexing only covers equality/
// membership; an ordered index needs a concrete cmp.Ordered extractor,
// which a boxed func(T) any cannot supply (see DESIGN.md).
func (s *collectionSource[K, T]) probeIndex(path string, op livestore.Op, value any, extract func(T) any) (map[K]struct{}, bool) {
	if _, found := s.c.IndexOnPath(path); !found && extract != nil && (op == livestore.OpEq || op == livestore.OpIn) {
		if s.c.AutoIndexPolicy() == livestore.AutoIndexEager {
			livestore.EnsureEqualityIndexAny(s.c, path, extract)
		}
	}
	keys, ok, err := s.c.LookupOnPath(path, op, value)
	if err != nil || !ok {
		return nil, false
	}
	return keys, true
}

func (s *collectionSource[K, T]) get(k K) (T, bool) { return s.c.Get(k) }

// --- Where (opaque predicate) ------------------------------------------------

// Where filters rows with an arbitrary predicate. Prefer WherePredicate
// with Eq/Lt/Lte/Gt/Gte when the field is indexed, so the optimizer can
// probe the index instead of scanning. WhereExpr always scans.
func (b *Builder[K, T]) Where(pred func(T) bool) *Builder[K, T] {
	plan := &planNode{parent: b.plan, kind: stageWhere}
	parentBuild := b.build
	return &Builder[K, T]{
		plan: plan,
		build: func() (Materializer[K, T], error) {
			src, err := parentBuild()
			if err != nil {
				return nil, err
			}
			return &filterMat[K, T]{src: src, pred: pred}, nil
		},
	}
}

type filterMat[K comparable, T any] struct {
	src  Materializer[K, T]
	pred func(T) bool
}

func (m *filterMat[K, T]) Snapshot() []Row[K, T] {
	src := m.src.Snapshot()
	out := make([]Row[K, T], 0, len(src))
	for _, r := range src {
		if m.pred(r.Value) {
			out = append(out, r)
		}
	}
	return out
}

func (m *filterMat[K, T]) OnChange(notify func()) func() { return m.src.OnChange(notify) }

// --- WhereExpr (IR-based predicate, exercises the function evaluator) -------

// WhereExpr filters rows by evaluating expr (via eval.go's Eval) against
// each row, resolved through fields. Compile validates expr structurally
// before any row is evaluated, per spec.md §4.5.
func WhereExpr[K comparable, T any](b *Builder[K, T], fields Fields[T], expr Expr) *Builder[K, T] {
	plan := &planNode{parent: b.plan, kind: stageWhere, expr: expr}
	parentBuild := b.build
	return &Builder[K, T]{
		plan: plan,
		build: func() (Materializer[K, T], error) {
			src, err := parentBuild()
			if err != nil {
				return nil, err
			}
			return &exprFilterMat[K, T]{src: src, expr: expr, fields: fields}, nil
		},
	}
}

type exprFilterMat[K comparable, T any] struct {
	src    Materializer[K, T]
	expr   Expr
	fields Fields[T]
}

func (m *exprFilterMat[K, T]) Snapshot() []Row[K, T] {
	src := m.src.Snapshot()
	out := make([]Row[K, T], 0, len(src))
	for _, r := range src {
		v, err := Eval(m.expr, m.fields, r.Value)
		if err == nil && truthy(v) {
			out = append(out, r)
		}
	}
	return out
}

func (m *exprFilterMat[K, T]) OnChange(notify func()) func() { return m.src.OnChange(notify) }

// --- WherePredicate (structured, index-optimizable) -------------------------

// Predicate is a structured comparison (or, via And, a top-level
// conjunction of them) the optimizer can rewrite into one or more index
// probes when the source collection has indexes on their Paths, per
// spec.md §4.6.
type Predicate[T any] struct {
	Path      string
	Op        livestore.Op
	Value     any
	Match     func(T) bool
	Extract   func(T) any
	Conjuncts []Predicate[T] // non-empty for a Predicate built by And; Path/Op/Value/Match/Extract are unused then
}

// And combines preds into a single top-level conjunction, the
// builder-level analogue of the IR's "and" Func. WherePredicate/
// predicateMat decomposes it back into per-field index probes that are
// intersected, per spec.md §4.6's "decompose e at top-level and".
func And[T any](preds ...Predicate[T]) Predicate[T] {
	return Predicate[T]{
		Conjuncts: preds,
		Match: func(t T) bool {
			for _, p := range preds {
				if !p.Match(t) {
					return false
				}
			}
			return true
		},
	}
}

func (p Predicate[T]) leaves() []leafPredicate[T] {
	if len(p.Conjuncts) > 0 {
		out := make([]leafPredicate[T], len(p.Conjuncts))
		for i, c := range p.Conjuncts {
			out[i] = leafPredicate[T]{path: c.Path, op: c.Op, value: c.Value, match: c.Match, extract: c.Extract}
		}
		return out
	}
	return []leafPredicate[T]{{path: p.Path, op: p.Op, value: p.Value, match: p.Match, extract: p.Extract}}
}

// Eq builds an equality Predicate over the field extract projects.
func Eq[T any, V comparable](path string, extract func(T) V, value V) Predicate[T] {
	return Predicate[T]{
		Path: path, Op: livestore.OpEq, Value: value,
		Match:   func(t T) bool { return extract(t) == value },
		Extract: func(t T) any { return extract(t) },
	}
}

// In builds a membership Predicate over the field extract projects.
func In[T any, V comparable](path string, extract func(T) V, values []V) Predicate[T] {
	set := make(map[V]bool, len(values))
	boxed := make([]any, len(values))
	for i, v := range values {
		set[v] = true
		boxed[i] = v
	}
	return Predicate[T]{
		Path: path, Op: livestore.OpIn, Value: boxed,
		Match:   func(t T) bool { return set[extract(t)] },
		Extract: func(t T) any { return extract(t) },
	}
}

func ordPredicate[T any, V cmp.Ordered](path string, op livestore.Op, extract func(T) V, value V, match func(V, V) bool) Predicate[T] {
	return Predicate[T]{
		Path: path, Op: op, Value: value,
		Match:   func(t T) bool { return match(extract(t), value) },
		Extract: func(t T) any { return extract(t) },
	}
}

// Lt builds a "field < value" Predicate.
func Lt[T any, V cmp.Ordered](path string, extract func(T) V, value V) Predicate[T] {
	return ordPredicate(path, livestore.OpLt, extract, value, func(a, b V) bool { return a < b })
}

// Lte builds a "field <= value" Predicate.
func Lte[T any, V cmp.Ordered](path string, extract func(T) V, value V) Predicate[T] {
	return ordPredicate(path, livestore.OpLte, extract, value, func(a, b V) bool { return a <= b })
}

// Gt builds a "field > value" Predicate.
func Gt[T any, V cmp.Ordered](path string, extract func(T) V, value V) Predicate[T] {
	return ordPredicate(path, livestore.OpGt, extract, value, func(a, b V) bool { return a > b })
}

// Gte builds a "field >= value" Predicate.
func Gte[T any, V cmp.Ordered](path string, extract func(T) V, value V) Predicate[T] {
	return ordPredicate(path, livestore.OpGte, extract, value, func(a, b V) bool { return a >= b })
}

// WherePredicate filters with p (a single comparison, or an And
// conjunction), decomposing the conjunction into per-field index probes
// the optimizer intersects, per spec.md §4.6.
func (b *Builder[K, T]) WherePredicate(p Predicate[T]) *Builder[K, T] {
	plan := &planNode{parent: b.plan, kind: stageWhere}
	parentBuild := b.build
	return &Builder[K, T]{
		plan: plan,
		build: func() (Materializer[K, T], error) {
			src, err := parentBuild()
			if err != nil {
				return nil, err
			}
			return &predicateMat[K, T]{src: src, pred: p}, nil
		},
	}
}

type indexProbe[K comparable, T any] interface {
	probeIndex(path string, op livestore.Op, value any, extract func(T) any) (map[K]struct{}, bool)
}

type keyedGetter[K comparable, T any] interface {
	get(k K) (T, bool)
}

type predicateMat[K comparable, T any] struct {
	src  Materializer[K, T]
	pred Predicate[T]
}

// Snapshot implements spec.md §4.6's optimization: decompose pred into its
// top-level conjuncts, probe an index per eligible leaf, intersect the
// matching key sets, and apply any leaf that couldn't be served by an
// index (the residual) as a row-wise filter over the remaining candidates.
func (m *predicateMat[K, T]) Snapshot() []Row[K, T] {
	leaves := m.pred.leaves()
	plan := planPredicate[K, T](leaves, m.src)

	if !plan.canOptimize {
		src := m.src.Snapshot()
		out := make([]Row[K, T], 0, len(src))
		for _, r := range src {
			if m.pred.Match(r.Value) {
				out = append(out, r)
			}
		}
		return out
	}

	getter, ok := m.src.(keyedGetter[K, T])
	if !ok {
		// An index-bearing source must also expose get(K); if it doesn't,
		// fall back to a full scan rather than trust a partial plan.
		src := m.src.Snapshot()
		out := make([]Row[K, T], 0, len(src))
		for _, r := range src {
			if m.pred.Match(r.Value) {
				out = append(out, r)
			}
		}
		return out
	}

	out := make([]Row[K, T], 0, len(plan.matchingKeys))
	for k := range plan.matchingKeys {
		v, ok := getter.get(k)
		if !ok {
			continue
		}
		residualOK := true
		for _, idx := range plan.residual {
			if !leaves[idx].match(v) {
				residualOK = false
				break
			}
		}
		if residualOK {
			out = append(out, Row[K, T]{Key: k, Value: v})
		}
	}
	return out
}

func (m *predicateMat[K, T]) OnChange(notify func()) func() { return m.src.OnChange(notify) }

// --- Map ---------------------------------------------------------------------

// Map projects every row's value through fn, changing the pipeline's
// value type from T to U. A free function since Go methods cannot
// introduce a type parameter the receiver doesn't already have.
func Map[K comparable, T, U any](b *Builder[K, T], fn func(T) U) *Builder[K, U] {
	plan := &planNode{parent: b.plan, kind: stageSelect}
	parentBuild := b.build
	return &Builder[K, U]{
		plan: plan,
		build: func() (Materializer[K, U], error) {
			src, err := parentBuild()
			if err != nil {
				return nil, err
			}
			return &mapMat[K, T, U]{src: src, fn: fn}, nil
		},
	}
}

type mapMat[K comparable, T, U any] struct {
	src Materializer[K, T]
	fn  func(T) U
}

func (m *mapMat[K, T, U]) Snapshot() []Row[K, U] {
	src := m.src.Snapshot()
	out := make([]Row[K, U], len(src))
	for i, r := range src {
		out[i] = Row[K, U]{Key: r.Key, Value: m.fn(r.Value)}
	}
	return out
}

func (m *mapMat[K, T, U]) OnChange(notify func()) func() { return m.src.OnChange(notify) }

// --- OrderBy + Limit + Offset -------------------------------------------

// SortClause is one per-clause comparator in an OrderBy call: Compare
// orders two values in the ascending sense, Dir optionally reverses it,
// and Nulls (honored by AscNullable/DescNullable) controls where a nil
// comparison operand sorts, per spec.md §4.5's orderBy operator.
type SortClause[T any] struct {
	Compare func(a, b T) int
	Dir     SortDirection
	Nulls   NullsOrder
}

// Reversed flips Dir, letting a clause built with CollateString (always
// ascending) be used for a descending sort.
func (c SortClause[T]) Reversed() SortClause[T] {
	if c.Dir == Ascending {
		c.Dir = Descending
	} else {
		c.Dir = Ascending
	}
	return c
}

func orderedCompare[T any, V cmp.Ordered](extract func(T) V) func(a, b T) int {
	return func(a, b T) int {
		av, bv := extract(a), extract(b)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	}
}

// Asc orders by extract ascending.
func Asc[T any, V cmp.Ordered](extract func(T) V) SortClause[T] {
	return SortClause[T]{Compare: orderedCompare(extract), Dir: Ascending}
}

// Desc orders by extract descending.
func Desc[T any, V cmp.Ordered](extract func(T) V) SortClause[T] {
	return SortClause[T]{Compare: orderedCompare(extract), Dir: Descending}
}

func nullableCompare[T any, V cmp.Ordered](extract func(T) *V, nulls NullsOrder) func(a, b T) int {
	return func(a, b T) int {
		av, bv := extract(a), extract(b)
		switch {
		case av == nil && bv == nil:
			return 0
		case av == nil:
			if nulls == NullsFirst {
				return -1
			}
			return 1
		case bv == nil:
			if nulls == NullsFirst {
				return 1
			}
			return -1
		case *av < *bv:
			return -1
		case *av > *bv:
			return 1
		default:
			return 0
		}
	}
}

// AscNullable orders by a pointer-valued field ascending, placing nils per
// nulls, spec.md §4.5's null-placement clause.
func AscNullable[T any, V cmp.Ordered](extract func(T) *V, nulls NullsOrder) SortClause[T] {
	return SortClause[T]{Compare: nullableCompare(extract, nulls), Dir: Ascending, Nulls: nulls}
}

// DescNullable orders by a pointer-valued field descending, placing nils
// per nulls.
func DescNullable[T any, V cmp.Ordered](extract func(T) *V, nulls NullsOrder) SortClause[T] {
	// Descending negates Compare, so the placement handed to it is flipped.
	cmpNulls := NullsFirst
	if nulls == NullsFirst {
		cmpNulls = NullsLast
	}
	return SortClause[T]{Compare: nullableCompare(extract, cmpNulls), Dir: Descending, Nulls: nulls}
}

// CollateString orders by a string field, optionally case-insensitively
// (spec.md §4.5's string-collation clause). Use Reversed for descending.
func CollateString[T any](extract func(T) string, caseInsensitive bool) SortClause[T] {
	return SortClause[T]{Dir: Ascending, Compare: func(a, b T) int {
		sa, sb := extract(a), extract(b)
		if caseInsensitive {
			sa, sb = strings.ToLower(sa), strings.ToLower(sb)
		}
		return strings.Compare(sa, sb)
	}}
}

// OrderBy sorts rows by clauses, applied in order as tiebreakers.
func (b *Builder[K, T]) OrderBy(clauses ...SortClause[T]) *Builder[K, T] {
	plan := &planNode{parent: b.plan, kind: stageOrderBy}
	parentBuild := b.build
	return &Builder[K, T]{
		plan: plan,
		build: func() (Materializer[K, T], error) {
			src, err := parentBuild()
			if err != nil {
				return nil, err
			}
			return &orderLimitMat[K, T]{src: src, clauses: clauses}, nil
		},
	}
}

// Limit keeps at most n rows (n <= 0 means unlimited). Requires a
// preceding OrderBy, per spec.md §6's limit/offset-without-order-by.
func (b *Builder[K, T]) Limit(n int) *Builder[K, T] {
	plan := &planNode{parent: b.plan, kind: stageLimit}
	parentBuild := b.build
	return &Builder[K, T]{
		plan: plan,
		build: func() (Materializer[K, T], error) {
			src, err := parentBuild()
			if err != nil {
				return nil, err
			}
			if m, ok := src.(*orderLimitMat[K, T]); ok {
				m.limit = n
				return m, nil
			}
			return &orderLimitMat[K, T]{src: src, limit: n}, nil
		},
	}
}

// Offset skips the first n rows (n <= 0 means none). Requires a preceding
// OrderBy, per spec.md §6's limit/offset-without-order-by.
func (b *Builder[K, T]) Offset(n int) *Builder[K, T] {
	plan := &planNode{parent: b.plan, kind: stageOffset}
	parentBuild := b.build
	return &Builder[K, T]{
		plan: plan,
		build: func() (Materializer[K, T], error) {
			src, err := parentBuild()
			if err != nil {
				return nil, err
			}
			if m, ok := src.(*orderLimitMat[K, T]); ok {
				m.offset = n
				return m, nil
			}
			return &orderLimitMat[K, T]{src: src, offset: n}, nil
		},
	}
}

type orderLimitMat[K comparable, T any] struct {
	src     Materializer[K, T]
	clauses []SortClause[T]
	limit   int
	offset  int
}

func (m *orderLimitMat[K, T]) Snapshot() []Row[K, T] {
	rows := m.src.Snapshot()
	out := make([]Row[K, T], len(rows))
	copy(out, rows)
	slices.SortStableFunc(out, func(a, b Row[K, T]) int {
		for _, c := range m.clauses {
			r := c.Compare(a.Value, b.Value)
			if c.Dir == Descending {
				r = -r
			}
			if r != 0 {
				return r
			}
		}
		return 0
	})
	if m.offset > 0 {
		if m.offset >= len(out) {
			return nil
		}
		out = out[m.offset:]
	}
	if m.limit > 0 && len(out) > m.limit {
		out = out[:m.limit]
	}
	return out
}

func (m *orderLimitMat[K, T]) OnChange(notify func()) func() { return m.src.OnChange(notify) }

// --- Distinct ----------------------------------------------------------------

// Distinct keeps only the first row (in upstream order) for each distinct
// value, per spec.md §4.5's distinct operator. Requires a preceding Map
// (even an identity one), per spec.md §6's distinct-without-select.
func (b *Builder[K, T]) Distinct() *Builder[K, T] {
	plan := &planNode{parent: b.plan, kind: stageDistinct}
	parentBuild := b.build
	return &Builder[K, T]{
		plan: plan,
		build: func() (Materializer[K, T], error) {
			src, err := parentBuild()
			if err != nil {
				return nil, err
			}
			return &distinctMat[K, T]{src: src}, nil
		},
	}
}

type distinctMat[K comparable, T any] struct {
	src Materializer[K, T]
}

func (m *distinctMat[K, T]) Snapshot() []Row[K, T] {
	src := m.src.Snapshot()
	out := make([]Row[K, T], 0, len(src))
	var seen []T
	for _, r := range src {
		dup := false
		for _, s := range seen {
			if reflect.DeepEqual(s, r.Value) {
				dup = true
				break
			}
		}
		if !dup {
			seen = append(seen, r.Value)
			out = append(out, r)
		}
	}
	return out
}

func (m *distinctMat[K, T]) OnChange(notify func()) func() { return m.src.OnChange(notify) }
