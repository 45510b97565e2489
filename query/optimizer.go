package query

import "livestore"

// planResult is the {canOptimize, matchingKeys, residual} triple spec.md
// §4.6 requires the optimizer to produce for a where expression: the set
// of keys served by an index probe, plus the conjuncts (by index into the
// original leaf list) that still need a row-wise filter.
type planResult[K comparable] struct {
	canOptimize  bool
	matchingKeys map[K]struct{}
	residual     []int
}

// planPredicate decomposes leaves (the top-level "and" conjunction of a
// WherePredicate, see Predicate.Conjuncts in builder.go) and, for each
// leaf with a non-empty Path, asks src for an index probe. Probe results
// are intersected across every eligible leaf; leaves with no matching
// index (or no Path, i.e. an opaque sub-predicate) are returned as
// residual indices to be applied as a row-wise filter, per spec.md §4.6's
// algorithm.
func planPredicate[K comparable, T any](leaves []leafPredicate[T], src Materializer[K, T]) planResult[K] {
	ip, ok := src.(indexProbe[K, T])
	if !ok {
		residual := make([]int, len(leaves))
		for i := range leaves {
			residual[i] = i
		}
		return planResult[K]{residual: residual}
	}

	var matching map[K]struct{}
	var residual []int
	probed := false

	for i, leaf := range leaves {
		if leaf.path == "" {
			residual = append(residual, i)
			continue
		}
		keys, found := ip.probeIndex(leaf.path, leaf.op, leaf.value, leaf.extract)
		if !found {
			residual = append(residual, i)
			continue
		}
		probed = true
		if matching == nil {
			matching = cloneKeySet(keys)
			continue
		}
		matching = intersectKeySets(matching, keys)
	}

	if !probed {
		residual = make([]int, len(leaves))
		for i := range leaves {
			residual[i] = i
		}
		return planResult[K]{residual: residual}
	}

	return planResult[K]{canOptimize: true, matchingKeys: matching, residual: residual}
}

func cloneKeySet[K comparable](in map[K]struct{}) map[K]struct{} {
	out := make(map[K]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func intersectKeySets[K comparable](a, b map[K]struct{}) map[K]struct{} {
	if len(b) < len(a) {
		a, b = b, a
	}
	out := make(map[K]struct{}, len(a))
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

// leafPredicate is one conjunct of a WherePredicate's top-level "and",
// carrying just enough structure (a field path, comparison op, and
// operand) for planPredicate to attempt an index probe, per spec.md
// §4.6's "decompose e at top-level and into a conjunction of clauses".
type leafPredicate[T any] struct {
	path    string
	op      livestore.Op
	value   any
	match   func(T) bool
	extract func(T) any // non-nil for Eq/In/Lt/Lte/Gt/Gte leaves; lets probeIndex auto-create a missing equality index
}
