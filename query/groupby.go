package query

import "cmp"

// GroupBy partitions rows by keyFn and folds each group with zero/
// accumulate, per spec.md §4.5's groupBy+aggregate operator. Output rows
// are keyed by the group key G and ordered by each group's first
// appearance in the upstream row order. This typed path cannot violate
// non-aggregate-not-in-group-by or unsupported-aggregate (both are
// structurally impossible once keyFn/accumulate type-check); use
// GroupBySelect when those particular validations need to run.
func GroupBy[K comparable, T any, G comparable, A any](
	b *Builder[K, T],
	keyFn func(T) G,
	zero func() A,
	accumulate func(acc A, row T) A,
) *Builder[G, A] {
	plan := &planNode{parent: b.plan, kind: stageGroupBy}
	parentBuild := b.build
	return &Builder[G, A]{
		plan: plan,
		build: func() (Materializer[G, A], error) {
			src, err := parentBuild()
			if err != nil {
				return nil, err
			}
			return &groupByMat[K, T, G, A]{src: src, keyFn: keyFn, zero: zero, accumulate: accumulate}, nil
		},
	}
}

type groupByMat[K comparable, T any, G comparable, A any] struct {
	src        Materializer[K, T]
	keyFn      func(T) G
	zero       func() A
	accumulate func(acc A, row T) A
}

func (m *groupByMat[K, T, G, A]) Snapshot() []Row[G, A] {
	rows := m.src.Snapshot()
	acc := make(map[G]A)
	order := make([]G, 0)

	for _, r := range rows {
		g := m.keyFn(r.Value)
		cur, ok := acc[g]
		if !ok {
			cur = m.zero()
			order = append(order, g)
		}
		acc[g] = m.accumulate(cur, r.Value)
	}

	out := make([]Row[G, A], len(order))
	for i, g := range order {
		out[i] = Row[G, A]{Key: g, Value: acc[g]}
	}
	return out
}

func (m *groupByMat[K, T, G, A]) OnChange(notify func()) func() { return m.src.OnChange(notify) }

// GroupByAgg is GroupBy specialized to an Aggregate, matching the
// count/sum/avg/min/max vocabulary of spec.md §4.5's function evaluator.
func GroupByAgg[K comparable, T any, G comparable, A any](b *Builder[K, T], keyFn func(T) G, agg Aggregate[T, A]) *Builder[G, A] {
	return GroupBy(b, keyFn, agg.Zero, agg.Accumulate)
}

// Having filters already-grouped rows by pred, evaluated via fields over
// the group output row, per spec.md §4.5's having clause. Requires a
// preceding group-by stage (having-without-group-by) and, when the
// group-by was built with GroupBySelect, every field pred references must
// already be a named select output (aggregate-not-in-select), per
// spec.md §6.
func (b *Builder[K, T]) Having(pred Expr, fields Fields[T]) *Builder[K, T] {
	plan := &planNode{parent: b.plan, kind: stageHaving, expr: pred}
	parentBuild := b.build
	return &Builder[K, T]{
		plan: plan,
		build: func() (Materializer[K, T], error) {
			src, err := parentBuild()
			if err != nil {
				return nil, err
			}
			return &exprFilterMat[K, T]{src: src, expr: pred, fields: fields}, nil
		},
	}
}

// Aggregate is a reusable (zero, accumulate) pair for GroupByAgg.
type Aggregate[T any, A any] struct {
	Zero       func() A
	Accumulate func(acc A, row T) A
}

// Number constrains the field types Sum/Avg can accumulate.
type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Count counts rows per group, ignoring the row value.
func Count[T any]() Aggregate[T, int] {
	return Aggregate[T, int]{
		Zero:       func() int { return 0 },
		Accumulate: func(acc int, _ T) int { return acc + 1 },
	}
}

// Sum totals extract(row) per group.
func Sum[T any, N Number](extract func(T) N) Aggregate[T, N] {
	return Aggregate[T, N]{
		Zero:       func() N { var z N; return z },
		Accumulate: func(acc N, row T) N { return acc + extract(row) },
	}
}

// AvgResult is Avg's per-group accumulator; call Value for the mean.
type AvgResult[N Number] struct {
	sum   N
	count int
}

// Value returns the group's mean, or 0 for an empty group.
func (a AvgResult[N]) Value() float64 {
	if a.count == 0 {
		return 0
	}
	return float64(a.sum) / float64(a.count)
}

// Avg averages extract(row) per group.
func Avg[T any, N Number](extract func(T) N) Aggregate[T, AvgResult[N]] {
	return Aggregate[T, AvgResult[N]]{
		Zero: func() AvgResult[N] { return AvgResult[N]{} },
		Accumulate: func(acc AvgResult[N], row T) AvgResult[N] {
			return AvgResult[N]{sum: acc.sum + extract(row), count: acc.count + 1}
		},
	}
}

// MinMaxResult is Min/Max's per-group accumulator.
type MinMaxResult[N cmp.Ordered] struct {
	value N
	has   bool
}

// Value returns the extremum seen so far (zero value if the group was
// empty, which cannot happen for a group GroupBy actually produced).
func (m MinMaxResult[N]) Value() N { return m.value }

// Min tracks the smallest extract(row) per group.
func Min[T any, N cmp.Ordered](extract func(T) N) Aggregate[T, MinMaxResult[N]] {
	return Aggregate[T, MinMaxResult[N]]{
		Zero: func() MinMaxResult[N] { return MinMaxResult[N]{} },
		Accumulate: func(acc MinMaxResult[N], row T) MinMaxResult[N] {
			v := extract(row)
			if !acc.has || v < acc.value {
				return MinMaxResult[N]{value: v, has: true}
			}
			return acc
		},
	}
}

// Max tracks the largest extract(row) per group.
func Max[T any, N cmp.Ordered](extract func(T) N) Aggregate[T, MinMaxResult[N]] {
	return Aggregate[T, MinMaxResult[N]]{
		Zero: func() MinMaxResult[N] { return MinMaxResult[N]{} },
		Accumulate: func(acc MinMaxResult[N], row T) MinMaxResult[N] {
			v := extract(row)
			if !acc.has || v > acc.value {
				return MinMaxResult[N]{value: v, has: true}
			}
			return acc
		},
	}
}

// GroupBySelect is the dynamic, validated group-by+select path: selects
// names each output field as either a bare group-key PropRef or an
// Aggregate over a row-level Expr, evaluated via rowFields. It is what
// gives non-aggregate-not-in-group-by, unsupported-aggregate,
// aggregate-not-in-select and unknown-having-expression a real,
// reachable trigger — the strongly-typed GroupBy/GroupByAgg above are
// structurally incapable of expressing any of those mistakes, since
// keyFn/accumulate already type-check against a single, fixed shape.
func GroupBySelect[K comparable, T any, G comparable](
	b *Builder[K, T],
	keyFn func(T) G,
	keyFields Fields[G],
	rowFields Fields[T],
	selects map[string]Expr,
) *Builder[G, map[string]any] {
	var zero G
	keyFieldNames := make(map[string]bool)
	for name := range keyFields(zero) {
		keyFieldNames[name] = true
	}

	plan := &planNode{parent: b.plan, kind: stageGroupBy, groupKeyFields: keyFieldNames, selects: selects}
	parentBuild := b.build
	return &Builder[G, map[string]any]{
		plan: plan,
		build: func() (Materializer[G, map[string]any], error) {
			src, err := parentBuild()
			if err != nil {
				return nil, err
			}
			return &groupSelectMat[K, T, G]{
				src: src, keyFn: keyFn, keyFields: keyFields, rowFields: rowFields, selects: selects,
			}, nil
		},
	}
}

type groupSelectMat[K comparable, T any, G comparable] struct {
	src       Materializer[K, T]
	keyFn     func(T) G
	keyFields Fields[G]
	rowFields Fields[T]
	selects   map[string]Expr
}

func (m *groupSelectMat[K, T, G]) Snapshot() []Row[G, map[string]any] {
	rows := m.src.Snapshot()
	groups := make(map[G][]T)
	order := make([]G, 0)
	for _, r := range rows {
		g := m.keyFn(r.Value)
		if _, ok := groups[g]; !ok {
			order = append(order, g)
		}
		groups[g] = append(groups[g], r.Value)
	}

	out := make([]Row[G, map[string]any], len(order))
	for i, g := range order {
		groupRows := groups[g]
		keyScope := m.keyFields(g)
		result := make(map[string]any, len(m.selects))
		for name, expr := range m.selects {
			switch e := expr.(type) {
			case PropRef:
				result[name] = keyScope[e.Path]
			case Aggregate:
				result[name] = evalAggregate(e.Name, e.Arg, m.rowFields, groupRows)
			}
		}
		out[i] = Row[G, map[string]any]{Key: g, Value: result}
	}
	return out
}

func (m *groupSelectMat[K, T, G]) OnChange(notify func()) func() { return m.src.OnChange(notify) }

// evalAggregate computes the named aggregate (count/sum/avg/min/max) of
// arg over rows, resolved via fields, per spec.md §4.4's Aggregate IR node.
func evalAggregate[T any](name string, arg Expr, fields Fields[T], rows []T) any {
	if name == "count" {
		return int64(len(rows))
	}

	values := make([]float64, 0, len(rows))
	for _, row := range rows {
		v, err := Eval(arg, fields, row)
		if err != nil {
			continue
		}
		f, ok := asNumber(v)
		if !ok {
			continue
		}
		values = append(values, f)
	}

	switch name {
	case "sum":
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum
	case "avg":
		if len(values) == 0 {
			return 0.0
		}
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	case "min":
		if len(values) == 0 {
			return nil
		}
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min
	case "max":
		if len(values) == 0 {
			return nil
		}
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max
	default:
		return nil
	}
}
