package changeproxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID     string
	Name   string
	Tags   []string
	Meta   map[string]int
	Nested *nested
}

type nested struct {
	Score int
}

func TestNoWritesYieldsEmptyChanges(t *testing.T) {
	in := &item{ID: "1", Name: "A", Tags: []string{"x"}, Meta: map[string]int{"a": 1}, Nested: &nested{Score: 5}}
	d := New(in)

	assert.Empty(t, d.Changes())
	assert.False(t, d.Changed())
	assert.Equal(t, in.Name, d.Value().Name)
}

func TestMutationIsNotVisibleOnOriginal(t *testing.T) {
	in := &item{ID: "1", Name: "A"}
	d := New(in)
	d.Mutate(func(draft *item) { draft.Name = "B" })

	assert.Equal(t, "A", in.Name)
	assert.Equal(t, "B", d.Value().Name)
	assert.Equal(t, map[string]any{"Name": "B"}, d.Changes())
}

func TestRevertToOriginalYieldsEmptyChanges(t *testing.T) {
	in := &item{ID: "1", Name: "A"}
	d := New(in)
	d.Mutate(func(draft *item) { draft.Name = "B" })
	d.Mutate(func(draft *item) { draft.Name = "A" })

	assert.Empty(t, d.Changes())
	assert.False(t, d.Changed())
}

func TestNestedSliceAndMapMutationDetected(t *testing.T) {
	in := &item{ID: "1", Tags: []string{"x"}, Meta: map[string]int{"a": 1}}
	d := New(in)
	d.Mutate(func(draft *item) {
		draft.Tags = append(draft.Tags, "y")
		draft.Meta["b"] = 2
	})

	assert.Equal(t, []string{"x"}, in.Tags)
	changes := d.Changes()
	assert.ElementsMatch(t, []string{"x", "y"}, changes["Tags"])
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, changes["Meta"])
}

func TestNestedPointerMutationDoesNotAffectOriginal(t *testing.T) {
	in := &item{ID: "1", Nested: &nested{Score: 5}}
	d := New(in)
	d.Mutate(func(draft *item) { draft.Nested.Score = 9 })

	assert.Equal(t, 5, in.Nested.Score)
	assert.Equal(t, 9, d.Value().Nested.Score)
}

func TestMergePatchAndJSONPatch(t *testing.T) {
	in := &item{ID: "1", Name: "A"}
	d := New(in)
	d.Mutate(func(draft *item) { draft.Name = "B" })

	mp, err := d.MergePatch()
	require.NoError(t, err)
	assert.Contains(t, string(mp), `"Name":"B"`)

	jp, err := d.JSONPatch()
	require.NoError(t, err)
	assert.Contains(t, string(jp), `"value":"B"`)
}

type cyclic struct {
	Name string
	Next *cyclic
}

func TestCircularReferenceDoesNotHang(t *testing.T) {
	a := &cyclic{Name: "a"}
	b := &cyclic{Name: "b"}
	a.Next = b
	b.Next = a

	d := New(a)
	assert.Equal(t, "a", d.Value().Name)
	assert.Equal(t, "b", d.Value().Next.Name)
	d.Mutate(func(draft *cyclic) { draft.Name = "a2" })
	assert.Equal(t, "a", a.Name)
	assert.Equal(t, "a2", d.Value().Name)
}
