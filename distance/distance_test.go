package distance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDot(t *testing.T) {
	assert.InDelta(t, 32.0, Dot([]float32{1, 2, 3}, []float32{4, 5, 6}), 1e-6)
	assert.InDelta(t, 0.0, Dot([]float32{1, 0}, []float32{0, 1}), 1e-6)
}

func TestSquaredL2(t *testing.T) {
	assert.InDelta(t, 0.0, SquaredL2([]float32{1, 2}, []float32{1, 2}), 1e-6)
	assert.InDelta(t, 25.0, SquaredL2([]float32{0, 0}, []float32{3, 4}), 1e-6)
}

func TestCosineDistance(t *testing.T) {
	a, ok := NormalizeL2Copy([]float32{1, 0, 0})
	require.True(t, ok)
	b, ok := NormalizeL2Copy([]float32{1, 0, 0})
	require.True(t, ok)
	c, ok := NormalizeL2Copy([]float32{0, 1, 0})
	require.True(t, ok)

	assert.InDelta(t, 0.0, CosineDistance(a, b), 1e-6)
	assert.InDelta(t, 1.0, CosineDistance(a, c), 1e-6)
}

func TestNormalizeL2(t *testing.T) {
	v := []float32{3, 4}
	require.True(t, NormalizeL2InPlace(v))
	assert.InDelta(t, 1.0, Magnitude(v), 1e-6)

	assert.False(t, NormalizeL2InPlace([]float32{0, 0}))
	assert.False(t, NormalizeL2InPlace(nil))

	_, ok := NormalizeL2Copy([]float32{0, 0, 0})
	assert.False(t, ok)
}

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric("cosine")
	require.NoError(t, err)
	assert.Equal(t, MetricCosine, m)

	m, err = ParseMetric("euclidean")
	require.NoError(t, err)
	assert.Equal(t, MetricEuclidean, m)

	// Empty defaults to cosine.
	m, err = ParseMetric("")
	require.NoError(t, err)
	assert.Equal(t, MetricCosine, m)

	_, err = ParseMetric("hamming")
	assert.Error(t, err)
}

func TestSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, Similarity(MetricCosine, 0), 1e-6)
	assert.InDelta(t, 0.0, Similarity(MetricCosine, 1), 1e-6)
	assert.InDelta(t, 1.0, Similarity(MetricEuclidean, 0), 1e-6)
	assert.InDelta(t, 0.5, Similarity(MetricEuclidean, 1), 1e-6)
}

func TestProvider(t *testing.T) {
	f, err := Provider(MetricCosine)
	require.NoError(t, err)
	assert.NotNil(t, f)

	f, err = Provider(MetricEuclidean)
	require.NoError(t, err)
	assert.NotNil(t, f)

	_, err = Provider(Metric(99))
	assert.Error(t, err)
}
