package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAddRemove(t *testing.T) {
	c, err := New(4)
	require.NoError(t, err)

	_, ok := c.Get(1)
	assert.False(t, ok)

	c.Add(1, []float32{1, 2})
	v, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2}, v)

	c.Remove(1)
	_, ok = c.Get(1)
	assert.False(t, ok)
}

func TestEvictionLRU(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)

	c.Add(1, []float32{1})
	c.Add(2, []float32{2})
	c.Get(1) // touch 1 so 2 is the eviction victim
	c.Add(3, []float32{3})

	_, ok := c.Get(2)
	assert.False(t, ok)
	_, ok = c.Get(1)
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestDefaultSize(t *testing.T) {
	c, err := New(0)
	require.NoError(t, err)
	c.Add(1, []float32{1})
	assert.Equal(t, 1, c.Len())
	c.Purge()
	assert.Equal(t, 0, c.Len())
}
