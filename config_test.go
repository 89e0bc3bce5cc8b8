package vektor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vektor.yaml")
	cfg := `
dimension: 384
distance_metric: euclidean
compression: scalar-quantize-int8
m: 32
ef_search: 100
auto_compact_threshold: 0.4
snapshot_dir: /tmp/vektor
random_seed: 1234
`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))

	fn, err := LoadOptions(path)
	require.NoError(t, err)

	opts := DefaultOptions
	fn(&opts)

	assert.Equal(t, 384, opts.Dimension)
	assert.Equal(t, "euclidean", opts.DistanceMetric)
	assert.Equal(t, "scalar-quantize-int8", opts.Compression)
	assert.Equal(t, 32, opts.M)
	assert.Equal(t, 100, opts.EfSearch)
	assert.Equal(t, 0.4, opts.AutoCompactThreshold)
	assert.Equal(t, "/tmp/vektor", opts.SnapshotDir)
	require.NotNil(t, opts.RandomSeed)
	assert.Equal(t, int64(1234), *opts.RandomSeed)

	// Unset keys keep their defaults.
	assert.Equal(t, DefaultOptions.EfConstruction, opts.EfConstruction)
	assert.Equal(t, DefaultOptions.BatchConcurrency, opts.BatchConcurrency)
}

func TestLoadOptionsMissingFile(t *testing.T) {
	_, err := LoadOptions(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadOptionsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dimension: [not-an-int"), 0o600))

	_, err := LoadOptions(path)
	assert.Error(t, err)
}
