package vektor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vektordb/vektor/metadata"
	"github.com/vektordb/vektor/persistence"
	"github.com/vektordb/vektor/testutil"
)

func newTestCollection(t *testing.T, dim int, optFns ...func(o *Options)) *Collection {
	t.Helper()

	seed := int64(42)
	fns := append([]func(o *Options){func(o *Options) {
		o.Dimension = dim
		o.RandomSeed = &seed
	}}, optFns...)

	c, err := New(fns...)
	require.NoError(t, err)
	return c
}

func fillCollection(t *testing.T, c *Collection, n, dim int) []string {
	t.Helper()

	rng := testutil.NewRNG(7)
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("doc-%03d", i)
		meta := metadata.Document{
			"seq":    metadata.Int(int64(i)),
			"parity": metadata.String(map[bool]string{true: "even", false: "odd"}[i%2 == 0]),
		}
		_, err := c.Store(context.Background(), id, rng.Vector(dim), meta)
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func TestCollectionStoreGetRoundTrip(t *testing.T) {
	c := newTestCollection(t, 4)

	vec := []float32{0.25, -1.5, 3.75, 0.125}
	meta := metadata.Document{"lang": metadata.String("en"), "year": metadata.Int(2024)}

	id, err := c.Store(context.Background(), "doc-1", vec, meta)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", id)

	rec, err := c.Get("doc-1")
	require.NoError(t, err)
	assert.Equal(t, vec, rec.Vector)
	assert.Equal(t, meta, rec.Metadata)
}

func TestCollectionStoreGeneratesID(t *testing.T) {
	c := newTestCollection(t, 4)

	id, err := c.Store(context.Background(), "", []float32{1, 2, 3, 4}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := c.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
}

func TestCollectionStoreDuplicateID(t *testing.T) {
	c := newTestCollection(t, 4)

	_, err := c.Store(context.Background(), "doc-1", []float32{1, 0, 0, 0}, nil)
	require.NoError(t, err)

	_, err = c.Store(context.Background(), "doc-1", []float32{0, 1, 0, 0}, nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeDuplicateID, verr.Code)
}

func TestCollectionStoreValidation(t *testing.T) {
	c := newTestCollection(t, 4)

	_, err := c.Store(context.Background(), "short", []float32{1, 2}, nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeDimensionMismatch, verr.Code)

	nan := float32(math.NaN())
	_, err = c.Store(context.Background(), "nan", []float32{1, nan, 3, 4}, nil)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeInvalidVector, verr.Code)
}

func TestCollectionSearchFindsNearest(t *testing.T) {
	c := newTestCollection(t, 8)
	fillCollection(t, c, 150, 8)

	probe, err := c.Get("doc-042")
	require.NoError(t, err)

	results, err := c.Search(context.Background(), probe.Vector, SearchOptions{K: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Equal(t, "doc-042", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-4)
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i].Score, results[i-1].Score)
	}
}

func TestCollectionSearchWithFilter(t *testing.T) {
	c := newTestCollection(t, 8)
	fillCollection(t, c, 100, 8)

	rng := testutil.NewRNG(99)
	results, err := c.Search(context.Background(), rng.Vector(8), SearchOptions{
		K:               10,
		Filter:          metadata.Eq("parity", metadata.String("even")),
		IncludeMetadata: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	for _, res := range results {
		assert.Equal(t, "even", res.Metadata["parity"].S)
	}
}

func TestCollectionDeleteLifecycle(t *testing.T) {
	c := newTestCollection(t, 8)
	fillCollection(t, c, 50, 8)

	probe, err := c.Get("doc-010")
	require.NoError(t, err)

	require.NoError(t, c.Delete(context.Background(), "doc-010"))

	_, err = c.Get("doc-010")
	assert.ErrorIs(t, err, ErrNotFound)

	err = c.Delete(context.Background(), "doc-010")
	assert.ErrorIs(t, err, ErrNotFound)

	results, err := c.Search(context.Background(), probe.Vector, SearchOptions{K: 10})
	require.NoError(t, err)
	for _, res := range results {
		assert.NotEqual(t, "doc-010", res.ID)
	}

	// The id is free again after deletion.
	_, err = c.Store(context.Background(), "doc-010", probe.Vector, nil)
	require.NoError(t, err)

	results, err = c.Search(context.Background(), probe.Vector, SearchOptions{K: 3})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "doc-010", results[0].ID)
}

func TestCollectionUpdateMetadataVisibleToFilters(t *testing.T) {
	c := newTestCollection(t, 4)

	vec := []float32{1, 0, 0, 0}
	_, err := c.Store(context.Background(), "doc-1", vec, metadata.Document{"tier": metadata.String("free")})
	require.NoError(t, err)

	err = c.UpdateMetadata("doc-1", metadata.Document{"tier": metadata.String("paid")}, true)
	require.NoError(t, err)

	rec, err := c.Get("doc-1")
	require.NoError(t, err)
	assert.Equal(t, "paid", rec.Metadata["tier"].S)

	results, err := c.Search(context.Background(), vec, SearchOptions{
		K:      1,
		Filter: metadata.Eq("tier", metadata.String("paid")),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc-1", results[0].ID)

	results, err = c.Search(context.Background(), vec, SearchOptions{
		K:      1,
		Filter: metadata.Eq("tier", metadata.String("free")),
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCollectionBatchStorePartialFailure(t *testing.T) {
	c := newTestCollection(t, 4)

	items := []BatchItem{
		{ID: "a", Vector: []float32{1, 0, 0, 0}},
		{ID: "b", Vector: []float32{1, 0}}, // wrong dimension
		{ID: "c", Vector: []float32{0, 0, 1, 0}},
	}

	results := c.BatchStore(context.Background(), items)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.Equal(t, "a", results[0].ID)

	var verr *ValidationError
	require.ErrorAs(t, results[1].Err, &verr)
	assert.Equal(t, CodeDimensionMismatch, verr.Code)

	assert.NoError(t, results[2].Err)

	_, err := c.Get("a")
	assert.NoError(t, err)
	_, err = c.Get("b")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Get("c")
	assert.NoError(t, err)
}

func TestCollectionBatchSearch(t *testing.T) {
	c := newTestCollection(t, 8)
	fillCollection(t, c, 60, 8)

	good, err := c.Get("doc-005")
	require.NoError(t, err)

	queries := [][]float32{good.Vector, {1, 2}, good.Vector}
	results, errs := c.BatchSearch(context.Background(), queries, SearchOptions{K: 3})
	require.Len(t, results, 3)
	require.Len(t, errs, 3)

	assert.NoError(t, errs[0])
	assert.Equal(t, "doc-005", results[0][0].ID)

	var verr *ValidationError
	require.ErrorAs(t, errs[1], &verr)
	assert.Equal(t, CodeDimensionMismatch, verr.Code)

	assert.NoError(t, errs[2])
}

func TestCollectionBuildIndex(t *testing.T) {
	c := newTestCollection(t, 8)
	fillCollection(t, c, 80, 8)

	for i := 0; i < 20; i++ {
		require.NoError(t, c.Delete(context.Background(), fmt.Sprintf("doc-%03d", i)))
	}

	require.NoError(t, c.BuildIndex(context.Background()))

	probe, err := c.Get("doc-050")
	require.NoError(t, err)

	results, err := c.Search(context.Background(), probe.Vector, SearchOptions{K: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc-050", results[0].ID)
}

func TestCollectionOptimize(t *testing.T) {
	c := newTestCollection(t, 8, func(o *Options) {
		o.AutoCompactThreshold = 0 // manual only
	})
	fillCollection(t, c, 40, 8)

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Delete(context.Background(), fmt.Sprintf("doc-%03d", i)))
	}

	before := c.Stats()
	assert.Equal(t, 30, before.VectorCount)
	assert.Equal(t, 10, before.TombstoneCount)

	task, err := c.Optimize(context.Background(), OptimizeOps{Compact: true})
	require.NoError(t, err)
	require.NoError(t, task.Wait())

	after := c.Stats()
	assert.Equal(t, 30, after.VectorCount)
	assert.Equal(t, 0, after.TombstoneCount)
}

func TestCollectionCompact(t *testing.T) {
	c := newTestCollection(t, 8, func(o *Options) {
		o.AutoCompactThreshold = 0
	})
	fillCollection(t, c, 30, 8)

	for i := 0; i < 12; i++ {
		require.NoError(t, c.Delete(context.Background(), fmt.Sprintf("doc-%03d", i)))
	}
	require.NoError(t, c.Compact(context.Background()))

	stats := c.Stats()
	assert.Equal(t, 18, stats.VectorCount)
	assert.Equal(t, 0, stats.TombstoneCount)

	probe, err := c.Get("doc-020")
	require.NoError(t, err)
	results, err := c.Search(context.Background(), probe.Vector, SearchOptions{K: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc-020", results[0].ID)
}

func TestCollectionSearchTimeoutReturnsPartial(t *testing.T) {
	c := newTestCollection(t, 8)
	fillCollection(t, c, 200, 8)

	rng := testutil.NewRNG(5)
	results, err := c.Search(context.Background(), rng.Vector(8), SearchOptions{
		K:       10,
		Timeout: time.Nanosecond,
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), 10)
}

func TestCollectionClosed(t *testing.T) {
	c := newTestCollection(t, 4)
	require.NoError(t, c.Close())

	_, err := c.Store(context.Background(), "doc-1", []float32{1, 2, 3, 4}, nil)
	assert.ErrorIs(t, err, ErrCollectionClosed)

	_, err = c.Get("doc-1")
	assert.ErrorIs(t, err, ErrCollectionClosed)

	_, err = c.Search(context.Background(), []float32{1, 2, 3, 4}, SearchOptions{K: 1})
	assert.ErrorIs(t, err, ErrCollectionClosed)

	err = c.Delete(context.Background(), "doc-1")
	assert.ErrorIs(t, err, ErrCollectionClosed)

	err = c.Save(context.Background())
	assert.ErrorIs(t, err, ErrCollectionClosed)
}

func TestCollectionSaveWithoutSnapshotDir(t *testing.T) {
	c := newTestCollection(t, 4)
	assert.ErrorIs(t, c.Save(context.Background()), ErrNoSnapshotDir)
}

func TestCollectionSaveOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dim := 8

	seed := int64(42)
	c, err := Open(context.Background(), dir, func(o *Options) {
		o.Dimension = dim
		o.RandomSeed = &seed
	})
	require.NoError(t, err)

	fillCollection(t, c, 60, dim)
	require.NoError(t, c.Delete(context.Background(), "doc-007"))
	require.NoError(t, c.Save(context.Background()))

	reopened, err := Open(context.Background(), dir, func(o *Options) {
		o.Dimension = dim
		o.RandomSeed = &seed
	})
	require.NoError(t, err)
	assert.Equal(t, 59, reopened.Count())

	_, err = reopened.Get("doc-007")
	assert.ErrorIs(t, err, ErrNotFound)

	probe, err := c.Get("doc-033")
	require.NoError(t, err)

	rec, err := reopened.Get("doc-033")
	require.NoError(t, err)
	assert.Equal(t, probe.Vector, rec.Vector)
	assert.Equal(t, probe.Metadata, rec.Metadata)

	want, err := c.Search(context.Background(), probe.Vector, SearchOptions{K: 5})
	require.NoError(t, err)
	got, err := reopened.Search(context.Background(), probe.Vector, SearchOptions{K: 5})
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
	}
}

func TestCollectionOpenRebuildsCorruptGraph(t *testing.T) {
	dir := t.TempDir()
	dim := 8

	c, err := Open(context.Background(), dir, func(o *Options) { o.Dimension = dim })
	require.NoError(t, err)
	fillCollection(t, c, 40, dim)
	require.NoError(t, c.Save(context.Background()))

	graphPath := filepath.Join(dir, persistence.GraphFile)
	data, err := os.ReadFile(graphPath)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(graphPath, data, 0o600))

	reopened, err := Open(context.Background(), dir, func(o *Options) { o.Dimension = dim })
	require.NoError(t, err)
	assert.Equal(t, 40, reopened.Count())

	probe, err := reopened.Get("doc-020")
	require.NoError(t, err)
	results, err := reopened.Search(context.Background(), probe.Vector, SearchOptions{K: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc-020", results[0].ID)
}

func TestCollectionOpenCorruptRecordsFails(t *testing.T) {
	dir := t.TempDir()
	dim := 8

	c, err := Open(context.Background(), dir, func(o *Options) { o.Dimension = dim })
	require.NoError(t, err)
	fillCollection(t, c, 20, dim)
	require.NoError(t, c.Save(context.Background()))

	recordsPath := filepath.Join(dir, persistence.RecordsFile)
	data, err := os.ReadFile(recordsPath)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(recordsPath, data, 0o600))

	_, err = Open(context.Background(), dir, func(o *Options) { o.Dimension = dim })
	var cerr *IndexCorruptionError
	assert.True(t, errors.As(err, &cerr))
}

func TestCollectionRebuildIdempotent(t *testing.T) {
	// Default options on purpose: no caller-provided seed.
	c, err := New(func(o *Options) { o.Dimension = 16 })
	require.NoError(t, err)

	rng := testutil.NewRNG(31)
	for i := 0; i < 500; i++ {
		_, err := c.Store(context.Background(), fmt.Sprintf("doc-%03d", i), rng.UnitVector(16), nil)
		require.NoError(t, err)
	}
	queries := rng.UnitVectors(20, 16)

	rank := func() [][]string {
		ranked := make([][]string, len(queries))
		for i, q := range queries {
			results, err := c.Search(context.Background(), q, SearchOptions{K: 10, EfSearch: 10})
			require.NoError(t, err)
			ids := make([]string, len(results))
			for j, res := range results {
				ids[j] = res.ID
			}
			ranked[i] = ids
		}
		return ranked
	}

	require.NoError(t, c.BuildIndex(context.Background()))
	first := rank()

	require.NoError(t, c.BuildIndex(context.Background()))
	second := rank()

	assert.Equal(t, first, second)
}

func TestCollectionSelfMatchThousandVectors(t *testing.T) {
	c := newTestCollection(t, 128)

	rng := testutil.NewRNG(13)
	vectors := rng.UnitVectors(1000, 128)
	for i, vec := range vectors {
		_, err := c.Store(context.Background(), fmt.Sprintf("%d", i), vec, nil)
		require.NoError(t, err)
	}

	results, err := c.Search(context.Background(), vectors[500], SearchOptions{K: 5})
	require.NoError(t, err)
	require.Len(t, results, 5)
	assert.Equal(t, "500", results[0].ID)
	assert.GreaterOrEqual(t, results[0].Score, float32(0.999))
}

func TestCollectionNarrowBeamTenThousandVectors(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 10k-vector build in short mode")
	}

	c := newTestCollection(t, 32, func(o *Options) {
		o.EfSearch = 10
	})

	rng := testutil.NewRNG(17)
	for i := 0; i < 10000; i++ {
		_, err := c.Store(context.Background(), fmt.Sprintf("doc-%05d", i), rng.UnitVector(32), nil)
		require.NoError(t, err)
	}

	results, err := c.Search(context.Background(), rng.UnitVector(32), SearchOptions{K: 5})
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i].Score, results[i-1].Score)
	}
}

func TestCollectionQuantizedRecall(t *testing.T) {
	c := newTestCollection(t, 16, func(o *Options) {
		o.Compression = "scalar-quantize-int8"
	})
	fillCollection(t, c, 400, 16)

	// Well past the training threshold; stored vectors are now approximate
	// but self-similarity search still resolves.
	probe, err := c.Get("doc-123")
	require.NoError(t, err)

	results, err := c.Search(context.Background(), probe.Vector, SearchOptions{K: 3})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "doc-123", results[0].ID)
}
