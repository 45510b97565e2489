package orderedmap

import (
	"cmp"

	"github.com/google/btree"
)

// sortedEntry is the unit stored in the underlying B-tree.
type sortedEntry[K cmp.Ordered, V any] struct {
	key   K
	value V
}

// Sorted is a comparator-sorted keyed map backed by github.com/google/btree.
// It supports range scans and a stable "smallest N" extraction, which is
// what order-by indexes (§4.3) and the orderBy+limit dataflow operator
// (§4.5) need.
type Sorted[K cmp.Ordered, V any] struct {
	tree *btree.BTreeG[sortedEntry[K, V]]
	byK  map[K]V // fast membership/lookup without a tree descent
}

// NewSorted returns an empty comparator-sorted map.
func NewSorted[K cmp.Ordered, V any]() *Sorted[K, V] {
	less := func(a, b sortedEntry[K, V]) bool { return a.key < b.key }
	return &Sorted[K, V]{
		tree: btree.NewG(32, less),
		byK:  make(map[K]V),
	}
}

// Get returns the value for k and whether it was present.
func (s *Sorted[K, V]) Get(k K) (V, bool) {
	v, ok := s.byK[k]
	return v, ok
}

// Set inserts or replaces the value for k.
func (s *Sorted[K, V]) Set(k K, v V) {
	s.tree.ReplaceOrInsert(sortedEntry[K, V]{key: k, value: v})
	s.byK[k] = v
}

// Delete removes k, if present.
func (s *Sorted[K, V]) Delete(k K) bool {
	if _, ok := s.byK[k]; !ok {
		return false
	}
	s.tree.Delete(sortedEntry[K, V]{key: k})
	delete(s.byK, k)
	return true
}

// Len returns the number of entries.
func (s *Sorted[K, V]) Len() int { return s.tree.Len() }

// Ascend visits entries in ascending key order until fn returns false.
func (s *Sorted[K, V]) Ascend(fn func(k K, v V) bool) {
	s.tree.Ascend(func(e sortedEntry[K, V]) bool { return fn(e.key, e.value) })
}

// Descend visits entries in descending key order until fn returns false.
func (s *Sorted[K, V]) Descend(fn func(k K, v V) bool) {
	s.tree.Descend(func(e sortedEntry[K, V]) bool { return fn(e.key, e.value) })
}

// Range visits entries with key in [lo, hi] (inclusive) in ascending order.
func (s *Sorted[K, V]) Range(lo, hi K, fn func(k K, v V) bool) {
	s.tree.AscendRange(sortedEntry[K, V]{key: lo}, sortedEntry[K, V]{key: hi}, func(e sortedEntry[K, V]) bool {
		return fn(e.key, e.value)
	})
	// AscendRange excludes hi; pick it up explicitly if present.
	if v, ok := s.byK[hi]; ok {
		fn(hi, v)
	}
}

// AscendFrom visits entries with key >= lo in ascending order.
func (s *Sorted[K, V]) AscendFrom(lo K, fn func(k K, v V) bool) {
	s.tree.AscendGreaterOrEqual(sortedEntry[K, V]{key: lo}, func(e sortedEntry[K, V]) bool {
		return fn(e.key, e.value)
	})
}

// SmallestN returns the n entries with the smallest keys, ascending. If the
// map has fewer than n entries, all of them are returned.
func (s *Sorted[K, V]) SmallestN(n int) []Entry[K, V] {
	out := make([]Entry[K, V], 0, n)
	s.tree.Ascend(func(e sortedEntry[K, V]) bool {
		if len(out) >= n {
			return false
		}
		out = append(out, Entry[K, V]{Key: e.key, Value: e.value})
		return true
	})
	return out
}

// LargestN returns the n entries with the largest keys, descending.
func (s *Sorted[K, V]) LargestN(n int) []Entry[K, V] {
	out := make([]Entry[K, V], 0, n)
	s.tree.Descend(func(e sortedEntry[K, V]) bool {
		if len(out) >= n {
			return false
		}
		out = append(out, Entry[K, V]{Key: e.key, Value: e.value})
		return true
	})
	return out
}
