// Package testutil provides deterministic test data generators.
package testutil

import (
	"math"
	"math/rand"
	"sync"
)

// RNG is a seeded, thread-safe random number generator for reproducible
// test data.
type RNG struct {
	mu   sync.Mutex
	rand *rand.Rand
	seed int64
}

// NewRNG creates an RNG with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset rewinds the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Vector returns a random vector with components in [-1, 1).
func (r *RNG) Vector(dim int) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := make([]float32, dim)
	for i := range v {
		v[i] = r.rand.Float32()*2 - 1
	}
	return v
}

// UnitVector returns a random L2-normalized vector.
func (r *RNG) UnitVector(dim int) []float32 {
	for {
		v := r.Vector(dim)

		var norm2 float64
		for _, c := range v {
			norm2 += float64(c) * float64(c)
		}
		if norm2 == 0 {
			continue
		}

		inv := float32(1 / math.Sqrt(norm2))
		for i := range v {
			v[i] *= inv
		}
		return v
	}
}

// Vectors returns n random vectors.
func (r *RNG) Vectors(n, dim int) [][]float32 {
	vs := make([][]float32, n)
	for i := range vs {
		vs[i] = r.Vector(dim)
	}
	return vs
}

// UnitVectors returns n random unit vectors.
func (r *RNG) UnitVectors(n, dim int) [][]float32 {
	vs := make([][]float32, n)
	for i := range vs {
		vs[i] = r.UnitVector(dim)
	}
	return vs
}
