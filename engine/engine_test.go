package engine

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vektordb/vektor/distance"
	"github.com/vektordb/vektor/hnsw"
	"github.com/vektordb/vektor/metadata"
	"github.com/vektordb/vektor/vectorstore"
)

const testDim = 8

type env struct {
	store   *vectorstore.Store
	catalog *metadata.Catalog
	graph   *hnsw.Graph
	engine  *Engine
}

type normSource struct {
	store  *vectorstore.Store
	metric distance.Metric
}

func (s normSource) Vector(internal uint32) ([]float32, bool) {
	v, ok := s.store.GetVector(internal)
	if !ok {
		return nil, false
	}
	if s.metric == distance.MetricCosine {
		if nv, ok := distance.NormalizeL2Copy(v); ok {
			return nv, true
		}
		return nil, false
	}
	return v, true
}

func newEnv(t *testing.T, metric distance.Metric) *env {
	t.Helper()

	store, err := vectorstore.New(func(o *vectorstore.Options) { o.Dimension = testDim })
	require.NoError(t, err)

	source := normSource{store: store, metric: metric}
	seed := int64(11)
	graph, err := hnsw.New(source, func(o *hnsw.Options) {
		o.Dimension = testDim
		o.Metric = metric
		o.RandomSeed = &seed
	})
	require.NoError(t, err)

	catalog := metadata.NewCatalog()

	eng, err := New(store, graph, catalog, source, metric)
	require.NoError(t, err)

	return &env{store: store, catalog: catalog, graph: graph, engine: eng}
}

func (e *env) add(t *testing.T, id string, vec []float32, doc metadata.Document) {
	t.Helper()
	rec, err := e.store.Put(id, vec, doc)
	require.NoError(t, err)
	e.catalog.Add(rec.Internal, rec.Metadata)
	require.NoError(t, e.graph.Insert(context.Background(), rec.Internal))
}

func (e *env) remove(t *testing.T, id string) {
	t.Helper()
	internal, err := e.store.Delete(id)
	require.NoError(t, err)
	e.catalog.Remove(internal)
	require.NoError(t, e.graph.Delete(internal))
}

// fill adds n deterministic pseudo-random records tagged even/odd.
func (e *env) fill(t *testing.T, n int) {
	t.Helper()
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < n; i++ {
		v := make([]float32, testDim)
		for d := range v {
			v[d] = rng.Float32()
		}
		parity := "odd"
		if i%2 == 0 {
			parity = "even"
		}
		e.add(t, idFor(i), v, metadata.Document{
			"parity": metadata.String(parity),
			"seq":    metadata.Int(int64(i)),
		})
	}
}

func idFor(i int) string {
	return "doc-" + string(rune('a'+i/26%26)) + string(rune('a'+i%26))
}

func TestSearchValidation(t *testing.T) {
	e := newEnv(t, distance.MetricEuclidean)
	e.fill(t, 10)

	query := make([]float32, testDim)

	_, err := e.engine.Search(context.Background(), query, SearchOptions{K: 0})
	assert.ErrorIs(t, err, ErrInvalidK)

	_, err = e.engine.Search(context.Background(), []float32{1, 2}, SearchOptions{K: 3})
	var dm *vectorstore.DimensionMismatchError
	assert.ErrorAs(t, err, &dm)

	bad := make([]float32, testDim)
	bad[3] = float32(math.NaN())
	_, err = e.engine.Search(context.Background(), bad, SearchOptions{K: 3})
	var iv *vectorstore.InvalidVectorError
	assert.ErrorAs(t, err, &iv)
}

func TestSearchZeroQueryCosine(t *testing.T) {
	e := newEnv(t, distance.MetricCosine)
	e.add(t, "a", []float32{1, 0, 0, 0, 0, 0, 0, 0}, nil)

	_, err := e.engine.Search(context.Background(), make([]float32, testDim), SearchOptions{K: 1})
	assert.ErrorIs(t, err, ErrZeroQueryVector)
}

func TestSearchTopKOrdering(t *testing.T) {
	e := newEnv(t, distance.MetricEuclidean)
	e.fill(t, 100)

	query := []float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5}
	res, err := e.engine.Search(context.Background(), query, SearchOptions{K: 10})
	require.NoError(t, err)
	require.Len(t, res, 10)

	for i := 1; i < len(res); i++ {
		assert.GreaterOrEqual(t, res[i-1].Score, res[i].Score)
	}
	for _, r := range res {
		assert.Greater(t, r.Score, float32(0))
		assert.LessOrEqual(t, r.Score, float32(1))
	}
}

func TestSearchSelfSimilarityCosine(t *testing.T) {
	e := newEnv(t, distance.MetricCosine)
	e.fill(t, 50)

	rec, err := e.store.Get(idFor(7))
	require.NoError(t, err)

	res, err := e.engine.Search(context.Background(), rec.Vector, SearchOptions{K: 1})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, idFor(7), res[0].ID)
	assert.InDelta(t, 1.0, res[0].Score, 1e-5)

	// Scaling the query changes nothing under cosine.
	scaled := make([]float32, testDim)
	for i, c := range rec.Vector {
		scaled[i] = c * 25
	}
	res2, err := e.engine.Search(context.Background(), scaled, SearchOptions{K: 1})
	require.NoError(t, err)
	require.Len(t, res2, 1)
	assert.Equal(t, idFor(7), res2[0].ID)
}

func TestSearchKLargerThanCollection(t *testing.T) {
	e := newEnv(t, distance.MetricEuclidean)
	e.fill(t, 5)

	res, err := e.engine.Search(context.Background(), make([]float32, testDim), SearchOptions{K: 50})
	require.NoError(t, err)
	assert.Len(t, res, 5)
}

func TestSearchEmptyCollection(t *testing.T) {
	e := newEnv(t, distance.MetricEuclidean)

	res, err := e.engine.Search(context.Background(), make([]float32, testDim), SearchOptions{K: 3})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestSearchThreshold(t *testing.T) {
	e := newEnv(t, distance.MetricEuclidean)
	e.fill(t, 60)

	query := []float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5}

	all, err := e.engine.Search(context.Background(), query, SearchOptions{K: 20})
	require.NoError(t, err)
	require.NotEmpty(t, all)

	threshold := all[len(all)/2].Score
	filtered, err := e.engine.Search(context.Background(), query, SearchOptions{K: 20, Threshold: &threshold})
	require.NoError(t, err)
	require.NotEmpty(t, filtered)
	assert.Less(t, len(filtered), len(all))
	for _, r := range filtered {
		assert.GreaterOrEqual(t, r.Score, threshold)
	}
}

func TestSearchFilterNoFalsePositives(t *testing.T) {
	e := newEnv(t, distance.MetricEuclidean)
	e.fill(t, 120)

	query := []float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5}
	res, err := e.engine.Search(context.Background(), query, SearchOptions{
		K:               10,
		Filter:          metadata.Eq("parity", metadata.String("even")),
		IncludeMetadata: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res)
	for _, r := range res {
		assert.Equal(t, "even", r.Metadata["parity"].S)
	}
}

func TestSearchFilterMatchesNothing(t *testing.T) {
	e := newEnv(t, distance.MetricEuclidean)
	e.fill(t, 30)

	res, err := e.engine.Search(context.Background(), make([]float32, testDim), SearchOptions{
		K:      5,
		Filter: metadata.Eq("parity", metadata.String("neither")),
	})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestSearchFilterSelectiveScanMatchesExact(t *testing.T) {
	e := newEnv(t, distance.MetricEuclidean)
	e.fill(t, 200)

	// A single-record filter takes the exact-scan path and must return
	// precisely that record.
	res, err := e.engine.Search(context.Background(), make([]float32, testDim), SearchOptions{
		K:      5,
		Filter: metadata.Eq("seq", metadata.Int(42)),
	})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, idFor(42), res[0].ID)
}

func TestSearchExpiredTimeoutReturnsPartials(t *testing.T) {
	e := newEnv(t, distance.MetricEuclidean)
	e.fill(t, 50)

	res, err := e.engine.Search(context.Background(), make([]float32, testDim), SearchOptions{
		K:       5,
		Timeout: time.Nanosecond,
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res), 5)
}

func TestSearchCanceledContextErrors(t *testing.T) {
	e := newEnv(t, distance.MetricEuclidean)
	e.fill(t, 20)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.engine.Search(ctx, make([]float32, testDim), SearchOptions{K: 5})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSearchExcludesDeleted(t *testing.T) {
	e := newEnv(t, distance.MetricEuclidean)
	e.fill(t, 40)

	rec, err := e.store.Get(idFor(3))
	require.NoError(t, err)
	e.remove(t, idFor(3))

	res, err := e.engine.Search(context.Background(), rec.Vector, SearchOptions{K: 10})
	require.NoError(t, err)
	for _, r := range res {
		assert.NotEqual(t, idFor(3), r.ID)
	}
}

func TestSearchIncludeFlags(t *testing.T) {
	e := newEnv(t, distance.MetricEuclidean)
	e.fill(t, 10)

	query := make([]float32, testDim)

	res, err := e.engine.Search(context.Background(), query, SearchOptions{K: 3})
	require.NoError(t, err)
	require.NotEmpty(t, res)
	assert.Nil(t, res[0].Metadata)
	assert.Nil(t, res[0].Vector)

	res, err = e.engine.Search(context.Background(), query, SearchOptions{
		K:               3,
		IncludeMetadata: true,
		IncludeVector:   true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res)
	assert.NotNil(t, res[0].Metadata)
	assert.Len(t, res[0].Vector, testDim)
}

func TestBatchSearchPartialSuccess(t *testing.T) {
	e := newEnv(t, distance.MetricEuclidean)
	e.fill(t, 50)

	good := make([]float32, testDim)
	bad := []float32{1, 2, 3}

	results, errs := e.engine.BatchSearch(context.Background(), [][]float32{good, bad, good}, SearchOptions{K: 5})
	require.Len(t, results, 3)
	require.Len(t, errs, 3)

	assert.NoError(t, errs[0])
	assert.NotEmpty(t, results[0])

	var dm *vectorstore.DimensionMismatchError
	assert.ErrorAs(t, errs[1], &dm)
	assert.Empty(t, results[1])

	assert.NoError(t, errs[2])
	assert.NotEmpty(t, results[2])
}

func TestBatchSearchEmpty(t *testing.T) {
	e := newEnv(t, distance.MetricEuclidean)

	results, errs := e.engine.BatchSearch(context.Background(), nil, SearchOptions{K: 5})
	assert.Empty(t, results)
	assert.Empty(t, errs)
}
