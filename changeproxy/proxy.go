// Package changeproxy implements the "change-tracking proxy" primitive
// (spec §4.1) as an explicit draft builder, per the spec's own design note:
// a systems-language implementation uses a deep-clone-on-write structure
// that records touched paths instead of runtime reflection over a live
// object, while preserving the external contract (draft -> mutate -> diff).
//
// A Draft clones its input once, lets the caller mutate the clone in place
// through an ordinary Go callback, and computes the minimal top-level diff
// by comparing the clone against the original when Changes is called. This
// gives the same externally observable behavior as a write-intercepting
// proxy — including revert-to-original detection — without needing one.
package changeproxy

import (
	"encoding/json"
	"reflect"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/jinzhu/copier"
)

// Draft wraps a deep clone of an original value of type T. T is expected to
// be a pointer to a struct (the same convention livestore.Collection uses
// for its row type), so that mutations applied through Mutate are visible
// on the clone without the caller needing to reassign anything.
type Draft[T any] struct {
	original T
	clone    T
}

// New clones original and returns a Draft wrapping the clone. Reads through
// the returned draft's Value() see the clone; the original is never
// mutated, matching the spec's "writes are recorded on a deep clone; the
// original is never mutated" contract.
func New[T any](original T) *Draft[T] {
	return &Draft[T]{
		original: original,
		clone:    deepClone(original),
	}
}

// Value returns the mutable clone for direct field assignment, e.g.
//
//	draft := changeproxy.New(row)
//	draft.Value().Name = "new name"
func (d *Draft[T]) Value() T { return d.clone }

// Original returns the untouched original value.
func (d *Draft[T]) Original() T { return d.original }

// Mutate runs fn against the clone. Because T is a pointer type, mutations
// fn performs are visible immediately through Value() and are reflected in
// the next Changes() call.
func (d *Draft[T]) Mutate(fn func(draft T)) {
	fn(d.clone)
}

// Changes returns the minimal diff between the original and the current
// clone: a plain map of top-level field name to the field's full new value.
// A field that was written and then written back to a value deep-equal to
// the original is absent from the result (invariant: reverts net to no
// change). Returns an empty, non-nil map if nothing changed.
func (d *Draft[T]) Changes() map[string]any {
	changes := make(map[string]any)

	origVal, ok := dereferenceStruct(reflect.ValueOf(d.original))
	if !ok {
		return changes
	}
	newVal, ok := dereferenceStruct(reflect.ValueOf(d.clone))
	if !ok {
		return changes
	}

	t := origVal.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" { // unexported
			continue
		}
		of := origVal.Field(i)
		nf := newVal.Field(i)
		if !deepEqual(of.Interface(), nf.Interface()) {
			changes[fieldKey(field)] = nf.Interface()
		}
	}
	return changes
}

// Changed reports whether Changes() would return a non-empty map, without
// allocating the map.
func (d *Draft[T]) Changed() bool {
	origVal, ok := dereferenceStruct(reflect.ValueOf(d.original))
	if !ok {
		return false
	}
	newVal, _ := dereferenceStruct(reflect.ValueOf(d.clone))

	t := origVal.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}
		if !deepEqual(origVal.Field(i).Interface(), newVal.Field(i).Interface()) {
			return true
		}
	}
	return false
}

// MergePatch renders Changes() as an RFC 7396 JSON merge patch, using the
// same evanphx/json-patch library the spec's source system uses to
// transport diffs to clients.
func (d *Draft[T]) MergePatch() ([]byte, error) {
	origJSON, err := json.Marshal(d.original)
	if err != nil {
		return nil, err
	}
	newJSON, err := json.Marshal(d.clone)
	if err != nil {
		return nil, err
	}
	return jsonpatch.CreateMergePatch(origJSON, newJSON)
}

// JSONPatch renders Changes() as a (minimal, replace-only) RFC 6902 JSON
// patch document, for adapters that prefer an operation list to a merge
// patch.
func (d *Draft[T]) JSONPatch() ([]byte, error) {
	changes := d.Changes()
	ops := make([]map[string]any, 0, len(changes))
	for field, value := range changes {
		ops = append(ops, map[string]any{
			"op":    "replace",
			"path":  "/" + field,
			"value": value,
		})
	}
	return json.Marshal(ops)
}

func fieldKey(field reflect.StructField) string {
	if tag, ok := field.Tag.Lookup("json"); ok && tag != "" && tag != "-" {
		name := tag
		for i, c := range tag {
			if c == ',' {
				name = tag[:i]
				break
			}
		}
		if name != "" {
			return name
		}
	}
	return field.Name
}

func dereferenceStruct(v reflect.Value) (reflect.Value, bool) {
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return reflect.Value{}, false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, false
	}
	return v, true
}

// deepEqual compares two values structurally. reflect.DeepEqual already
// guards against infinite recursion on cyclic pointer graphs internally, so
// no separate visited-set bookkeeping is needed here.
func deepEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// deepClone produces a structurally independent copy of v. For pointer-to-
// struct values (the expected shape of T) it uses jinzhu/copier, the same
// library the teacher's storage layer uses to protect callers from
// external mutation of cached values (see bsonpatch.go's
// deepCopyPointerValue). Any other shape falls back to a generic
// reflection-based deep copy with a visited set, so cyclic structures
// clone without recursing forever (they simply stop expanding a node once
// it has been seen).
func deepClone[T any](v T) T {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr && !rv.IsNil() && rv.Elem().Kind() == reflect.Struct {
		newPtr := reflect.New(rv.Elem().Type())
		if err := copier.CopyWithOption(newPtr.Interface(), v, copier.Option{DeepCopy: true}); err == nil {
			if out, ok := newPtr.Interface().(T); ok {
				return out
			}
		}
	}

	visited := make(map[uintptr]reflect.Value)
	cloned := deepCopyReflect(rv, visited)
	if !cloned.IsValid() {
		return v
	}
	out, _ := cloned.Interface().(T)
	return out
}

func deepCopyReflect(v reflect.Value, visited map[uintptr]reflect.Value) reflect.Value {
	if !v.IsValid() {
		return v
	}

	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return v
		}
		addr := v.Pointer()
		if existing, ok := visited[addr]; ok {
			return existing
		}
		out := reflect.New(v.Type().Elem())
		visited[addr] = out
		out.Elem().Set(deepCopyReflect(v.Elem(), visited))
		return out
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		inner := deepCopyReflect(v.Elem(), visited)
		out := reflect.New(v.Type()).Elem()
		out.Set(inner)
		return out
	case reflect.Struct:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.NumField(); i++ {
			if !out.Field(i).CanSet() {
				continue
			}
			out.Field(i).Set(deepCopyReflect(v.Field(i), visited))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Cap())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(deepCopyReflect(v.Index(i), visited))
		}
		return out
	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(deepCopyReflect(v.Index(i), visited))
		}
		return out
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(deepCopyReflect(iter.Key(), visited), deepCopyReflect(iter.Value(), visited))
		}
		return out
	default:
		return v
	}
}
