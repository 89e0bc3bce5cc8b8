package bitset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetTestUnset(t *testing.T) {
	s := New(16)

	assert.True(t, s.Set(3))
	assert.False(t, s.Set(3)) // already set
	assert.True(t, s.Test(3))
	assert.False(t, s.Test(4))
	assert.Equal(t, 1, s.Count())

	s.Unset(3)
	assert.False(t, s.Test(3))
	assert.Equal(t, 0, s.Count())

	// Unset of an unset bit is a no-op.
	s.Unset(100)
	assert.Equal(t, 0, s.Count())
}

func TestGrowBeyondCapacity(t *testing.T) {
	s := New(8)
	assert.True(t, s.Set(1000))
	assert.True(t, s.Test(1000))
	assert.False(t, s.Test(999))
}

func TestForEachAscending(t *testing.T) {
	s := New(256)
	want := []uint32{2, 63, 64, 130, 255}
	for _, i := range want {
		s.Set(i)
	}

	var got []uint32
	s.ForEach(func(i uint32) bool {
		got = append(got, i)
		return true
	})
	assert.Equal(t, want, got)

	// Early stop.
	var n int
	s.ForEach(func(uint32) bool {
		n++
		return n < 2
	})
	assert.Equal(t, 2, n)
}

func TestClear(t *testing.T) {
	s := New(64)
	s.Set(1)
	s.Set(2)
	s.Clear()
	assert.Equal(t, 0, s.Count())
	assert.False(t, s.Test(1))
}
