// Package distance provides the vector distance kernels used by the engine.
//
// Internally all kernels return a distance where smaller means closer. The
// user-facing score convention is similarity (higher is better); Similarity
// converts between the two for a given metric.
package distance

import (
	"fmt"
	"math"
	"slices"
)

// Metric represents the distance metric fixed per collection.
type Metric int

const (
	// MetricCosine compares direction only; vectors are L2-normalized and the
	// distance is 1 - dot(a, b).
	MetricCosine Metric = iota

	// MetricEuclidean compares straight-line distance; the kernel returns the
	// squared L2 distance to avoid the sqrt on the hot path.
	MetricEuclidean
)

// String returns a string representation of the Metric.
func (m Metric) String() string {
	switch m {
	case MetricCosine:
		return "cosine"
	case MetricEuclidean:
		return "euclidean"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// ParseMetric parses a configuration string into a Metric.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "cosine", "":
		return MetricCosine, nil
	case "euclidean":
		return MetricEuclidean, nil
	default:
		return 0, fmt.Errorf("unsupported distance metric: %q", s)
	}
}

// Func computes the distance between two equal-length vectors.
// Smaller values mean closer. Length equality is the caller's responsibility.
type Func func(a, b []float32) float32

// Provider returns the distance function for the given metric.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricCosine:
		return CosineDistance, nil
	case MetricEuclidean:
		return SquaredL2, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %v", m)
	}
}

// Dot calculates the dot product of two vectors.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between two vectors.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// CosineDistance returns 1 - dot(a, b).
// Both vectors must be L2-normalized for the result to be a true cosine
// distance in [0, 2].
func CosineDistance(a, b []float32) float32 {
	return 1 - Dot(a, b)
}

// Magnitude calculates the L2 norm of v.
func Magnitude(v []float32) float32 {
	return float32(math.Sqrt(float64(Dot(v, v))))
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm2 := Dot(v, v)
	if norm2 == 0 {
		return false
	}
	inv := 1 / float32(math.Sqrt(float64(norm2)))
	for i := range v {
		v[i] *= inv
	}
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src has zero L2 norm.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}

// Similarity converts a raw distance into the user-facing similarity score.
//
// Cosine: similarity = 1 - distance, range [-1, 1].
// Euclidean: similarity = 1 / (1 + sqrt(squaredL2)), range (0, 1].
func Similarity(m Metric, d float32) float32 {
	switch m {
	case MetricCosine:
		return 1 - d
	case MetricEuclidean:
		return 1 / (1 + float32(math.Sqrt(float64(d))))
	default:
		return -d
	}
}
