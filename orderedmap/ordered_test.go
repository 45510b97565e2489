package orderedmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapInsertionOrder(t *testing.T) {
	m := New[string, int]()
	m.Set("b", 2)
	m.Set("a", 1)
	m.Set("c", 3)
	m.Set("a", 10) // update keeps original position

	assert.Equal(t, []string{"b", "a", "c"}, m.Keys())
	assert.Equal(t, []int{2, 10, 3}, m.Values())
}

func TestMapDeleteCompactsOrder(t *testing.T) {
	m := New[int, string]()
	for i := 0; i < 5; i++ {
		m.Set(i, "v")
	}
	assert.True(t, m.Delete(2))
	assert.False(t, m.Has(2))
	assert.Equal(t, []int{0, 1, 3, 4}, m.Keys())
	assert.Equal(t, 4, m.Len())
}

func TestSortedRangeAndSmallestN(t *testing.T) {
	s := NewSorted[int, string]()
	for _, k := range []int{5, 1, 4, 2, 3} {
		s.Set(k, "v")
	}

	smallest := s.SmallestN(2)
	assert.Equal(t, 1, smallest[0].Key)
	assert.Equal(t, 2, smallest[1].Key)

	largest := s.LargestN(2)
	assert.Equal(t, 5, largest[0].Key)
	assert.Equal(t, 4, largest[1].Key)

	var seen []int
	s.Range(2, 4, func(k int, v string) bool {
		seen = append(seen, k)
		return true
	})
	assert.Equal(t, []int{2, 3, 4}, seen)
}

func TestSortedDelete(t *testing.T) {
	s := NewSorted[int, string]()
	s.Set(1, "a")
	s.Set(2, "b")
	assert.True(t, s.Delete(1))
	_, ok := s.Get(1)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
}
