package livestore

import (
	"cmp"
	"fmt"

	"github.com/google/uuid"

	"livestore/orderedmap"
)

// IndexKind selects the index structure CreateEqualityIndex/
// CreateOrderedIndex build, per spec.md §4.3.
type IndexKind string

const (
	IndexEquality IndexKind = "equality"
	IndexOrdered  IndexKind = "ordered"
)

// Op is a comparison operator an index can be probed with.
type Op string

const (
	OpEq  Op = "="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
	OpIn  Op = "in"
)

// IndexInfo is the metadata Collection.Indexes exposes for each registered
// index.
type IndexInfo struct {
	ID           string
	Path         string
	Kind         IndexKind
	SupportedOps []Op
}

// indexHandle is the registry's internal, T-fixed-but-V-erased view of an
// index. Concrete equalityIndex/orderedIndex implement it for whatever
// field-value type V the caller indexed on.
type indexHandle[K comparable, T any] interface {
	info() IndexInfo
	build(entries []orderedmap.Entry[K, T])
	onInsert(k K, row T)
	onRemove(k K, row T)
	onUpdate(k K, oldRow, newRow T)
	lookup(op Op, value any) (map[K]struct{}, error)
}

// --- equality index -------------------------------------------------------

type equalityIndex[K comparable, T any, V comparable] struct {
	id      string
	path    string
	extract func(T) V
	byValue map[V]map[K]struct{}
}

func newEqualityIndex[K comparable, T any, V comparable](path string, extract func(T) V) *equalityIndex[K, T, V] {
	return &equalityIndex[K, T, V]{
		id:      uuid.NewString(),
		path:    path,
		extract: extract,
		byValue: make(map[V]map[K]struct{}),
	}
}

func (idx *equalityIndex[K, T, V]) info() IndexInfo {
	return IndexInfo{ID: idx.id, Path: idx.path, Kind: IndexEquality, SupportedOps: []Op{OpEq, OpIn}}
}

func (idx *equalityIndex[K, T, V]) build(entries []orderedmap.Entry[K, T]) {
	idx.byValue = make(map[V]map[K]struct{}, len(entries))
	for _, e := range entries {
		idx.addTo(idx.extract(e.Value), e.Key)
	}
}

func (idx *equalityIndex[K, T, V]) addTo(v V, k K) {
	set, ok := idx.byValue[v]
	if !ok {
		set = make(map[K]struct{})
		idx.byValue[v] = set
	}
	set[k] = struct{}{}
}

func (idx *equalityIndex[K, T, V]) removeFrom(v V, k K) {
	set, ok := idx.byValue[v]
	if !ok {
		return
	}
	delete(set, k)
	if len(set) == 0 {
		delete(idx.byValue, v)
	}
}

func (idx *equalityIndex[K, T, V]) onInsert(k K, row T) { idx.addTo(idx.extract(row), k) }
func (idx *equalityIndex[K, T, V]) onRemove(k K, row T) { idx.removeFrom(idx.extract(row), k) }
func (idx *equalityIndex[K, T, V]) onUpdate(k K, oldRow, newRow T) {
	oldV, newV := idx.extract(oldRow), idx.extract(newRow)
	if oldV == newV {
		return
	}
	idx.removeFrom(oldV, k)
	idx.addTo(newV, k)
}

func (idx *equalityIndex[K, T, V]) lookup(op Op, value any) (map[K]struct{}, error) {
	switch op {
	case OpEq:
		v, ok := value.(V)
		if !ok {
			return nil, fmt.Errorf("index %s: value %v is not of the indexed type", idx.id, value)
		}
		return cloneSet(idx.byValue[v]), nil
	case OpIn:
		values, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("index %s: `in` requires a slice of values", idx.id)
		}
		out := make(map[K]struct{})
		for _, raw := range values {
			v, ok := raw.(V)
			if !ok {
				continue
			}
			for k := range idx.byValue[v] {
				out[k] = struct{}{}
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("index %s: operator %s not supported by an equality index", idx.id, op)
	}
}

// --- ordered index ---------------------------------------------------------

type orderedIndex[K comparable, T any, V cmp.Ordered] struct {
	id         string
	path       string
	extract    func(T) V
	sorted     *orderedmap.Sorted[V, map[K]struct{}]
	valueOfKey map[K]V
}

func newOrderedIndex[K comparable, T any, V cmp.Ordered](path string, extract func(T) V) *orderedIndex[K, T, V] {
	return &orderedIndex[K, T, V]{
		id:         uuid.NewString(),
		path:       path,
		extract:    extract,
		sorted:     orderedmap.NewSorted[V, map[K]struct{}](),
		valueOfKey: make(map[K]V),
	}
}

func (idx *orderedIndex[K, T, V]) info() IndexInfo {
	return IndexInfo{
		ID: idx.id, Path: idx.path, Kind: IndexOrdered,
		SupportedOps: []Op{OpEq, OpLt, OpLte, OpGt, OpGte, OpIn},
	}
}

func (idx *orderedIndex[K, T, V]) build(entries []orderedmap.Entry[K, T]) {
	idx.sorted = orderedmap.NewSorted[V, map[K]struct{}]()
	idx.valueOfKey = make(map[K]V, len(entries))
	for _, e := range entries {
		idx.addTo(idx.extract(e.Value), e.Key)
	}
}

func (idx *orderedIndex[K, T, V]) addTo(v V, k K) {
	set, ok := idx.sorted.Get(v)
	if !ok {
		set = make(map[K]struct{})
	}
	set[k] = struct{}{}
	idx.sorted.Set(v, set)
	idx.valueOfKey[k] = v
}

func (idx *orderedIndex[K, T, V]) removeFrom(v V, k K) {
	set, ok := idx.sorted.Get(v)
	if !ok {
		return
	}
	delete(set, k)
	if len(set) == 0 {
		idx.sorted.Delete(v)
	} else {
		idx.sorted.Set(v, set)
	}
	delete(idx.valueOfKey, k)
}

func (idx *orderedIndex[K, T, V]) onInsert(k K, row T) { idx.addTo(idx.extract(row), k) }
func (idx *orderedIndex[K, T, V]) onRemove(k K, row T) {
	if v, ok := idx.valueOfKey[k]; ok {
		idx.removeFrom(v, k)
	}
}
func (idx *orderedIndex[K, T, V]) onUpdate(k K, oldRow, newRow T) {
	oldV, newV := idx.extract(oldRow), idx.extract(newRow)
	if oldV == newV {
		return
	}
	idx.removeFrom(oldV, k)
	idx.addTo(newV, k)
}

func (idx *orderedIndex[K, T, V]) lookup(op Op, value any) (map[K]struct{}, error) {
	out := make(map[K]struct{})

	collect := func(set map[K]struct{}) {
		for k := range set {
			out[k] = struct{}{}
		}
	}

	switch op {
	case OpEq:
		v, ok := value.(V)
		if !ok {
			return nil, fmt.Errorf("index %s: value %v is not of the indexed type", idx.id, value)
		}
		if set, ok := idx.sorted.Get(v); ok {
			collect(set)
		}
	case OpIn:
		values, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("index %s: `in` requires a slice of values", idx.id)
		}
		for _, raw := range values {
			if v, ok := raw.(V); ok {
				if set, ok := idx.sorted.Get(v); ok {
					collect(set)
				}
			}
		}
	case OpLt, OpLte, OpGt, OpGte:
		v, ok := value.(V)
		if !ok {
			return nil, fmt.Errorf("index %s: value %v is not of the indexed type", idx.id, value)
		}
		idx.sorted.Ascend(func(k V, set map[K]struct{}) bool {
			match := false
			switch op {
			case OpLt:
				match = k < v
			case OpLte:
				match = k <= v
			case OpGt:
				match = k > v
			case OpGte:
				match = k >= v
			}
			if match {
				collect(set)
			}
			return true
		})
	default:
		return nil, fmt.Errorf("index %s: operator %s not supported", idx.id, op)
	}

	return out, nil
}

func cloneSet[K comparable](in map[K]struct{}) map[K]struct{} {
	out := make(map[K]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

// --- registry ---------------------------------------------------------------

type indexRegistry[K comparable, T any] struct {
	byID   map[string]indexHandle[K, T]
	byPath map[string][]string // field path -> index ids on that path
	probes map[string]int      // index id -> number of probes (full scans are not counted)
}

func newIndexRegistry[K comparable, T any]() *indexRegistry[K, T] {
	return &indexRegistry[K, T]{
		byID:   make(map[string]indexHandle[K, T]),
		byPath: make(map[string][]string),
		probes: make(map[string]int),
	}
}

func (r *indexRegistry[K, T]) register(h indexHandle[K, T], entries []orderedmap.Entry[K, T]) string {
	h.build(entries)
	info := h.info()
	r.byID[info.ID] = h
	r.byPath[info.Path] = append(r.byPath[info.Path], info.ID)
	return info.ID
}

func (r *indexRegistry[K, T]) indexOn(path string) (indexHandle[K, T], bool) {
	ids := r.byPath[path]
	if len(ids) == 0 {
		return nil, false
	}
	return r.byID[ids[0]], true
}

func (r *indexRegistry[K, T]) list() []IndexInfo {
	out := make([]IndexInfo, 0, len(r.byID))
	for _, h := range r.byID {
		out = append(out, h.info())
	}
	return out
}

// onCommitChange feeds one synced-state mutation to every index. Called
// only from commit(), per spec.md §3's "Indexes are maintained over the
// synced state only" invariant.
func (r *indexRegistry[K, T]) onCommitChange(change Change[K, T]) {
	for _, h := range r.byID {
		switch change.Type {
		case ChangeInsert:
			h.onInsert(change.Key, change.Value)
		case ChangeDelete:
			h.onRemove(change.Key, change.PreviousValue)
		case ChangeUpdate:
			h.onUpdate(change.Key, change.PreviousValue, change.Value)
		}
	}
}

func (r *indexRegistry[K, T]) lookup(indexID string, op Op, value any) (map[K]struct{}, error) {
	h, ok := r.byID[indexID]
	if !ok {
		return nil, fmt.Errorf("index %s not found", indexID)
	}
	r.probes[indexID]++
	return h.lookup(op, value)
}

func (r *indexRegistry[K, T]) probeCount(indexID string) int {
	return r.probes[indexID]
}
