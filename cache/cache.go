// Package cache provides the bounded vector cache that keeps hot decoded
// vectors in memory. Eviction is LRU; a cache miss is never an error, the
// caller recomputes from the record store.
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize is the default number of cached vectors.
const DefaultSize = 4096

// VectorCache is a bounded LRU cache of decoded (and, for cosine
// collections, normalized) vectors keyed by internal id.
type VectorCache struct {
	lru *lru.Cache[uint32, []float32]
}

// New creates a cache holding at most size vectors.
func New(size int) (*VectorCache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	c, err := lru.New[uint32, []float32](size)
	if err != nil {
		return nil, err
	}
	return &VectorCache{lru: c}, nil
}

// Get returns the cached vector for id.
// The returned slice must be treated as read-only.
func (c *VectorCache) Get(id uint32) ([]float32, bool) {
	return c.lru.Get(id)
}

// Add caches a vector, evicting the least recently used entry if full.
func (c *VectorCache) Add(id uint32, v []float32) {
	c.lru.Add(id, v)
}

// Remove drops the cached vector for id.
func (c *VectorCache) Remove(id uint32) {
	c.lru.Remove(id)
}

// Purge drops all cached vectors.
func (c *VectorCache) Purge() {
	c.lru.Purge()
}

// Len returns the number of cached vectors.
func (c *VectorCache) Len() int {
	return c.lru.Len()
}
