// Package engine executes similarity queries against the record store, the
// metadata catalog and the HNSW graph.
//
// The engine picks an execution strategy per query. Unfiltered queries go
// straight to the graph. Filtered queries first resolve the predicate to a
// candidate bitmap: small candidate sets are scanned exactly, large ones run
// through the graph with the filter applied during traversal, widening ef
// when the filter starves the result set.
package engine

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/vektordb/vektor/distance"
	"github.com/vektordb/vektor/hnsw"
	"github.com/vektordb/vektor/internal/queue"
	"github.com/vektordb/vektor/metadata"
	"github.com/vektordb/vektor/vectorstore"
)

const (
	// DefaultOversampleFactor widens ef to k*factor for filtered searches.
	DefaultOversampleFactor = 4

	// maxFilteredRetries bounds the ef-doubling attempts for filtered
	// searches that come back short.
	maxFilteredRetries = 3

	// bruteForceFloor is the minimum candidate count below which a filtered
	// query is always scanned exactly.
	bruteForceFloor = 512

	// bruteForceKFactor scales the exact-scan cutoff with k.
	bruteForceKFactor = 8

	// DefaultBatchConcurrency caps parallel queries in BatchSearch.
	DefaultBatchConcurrency = 4
)

// ErrInvalidK is returned when a search asks for a non-positive k.
var ErrInvalidK = errors.New("k must be positive")

// SearchOptions control a single query.
type SearchOptions struct {
	// K is the number of results requested. Required, positive.
	K int

	// Threshold drops results scoring below it. Applied after ranking.
	Threshold *float32

	// Filter restricts results to records matching the predicate.
	Filter metadata.Predicate

	// Timeout bounds the query. On expiry the best results found so far are
	// returned; a timeout is never an error.
	Timeout time.Duration

	// EfSearch overrides the collection's beam width for this query.
	EfSearch int

	// IncludeMetadata attaches each hit's metadata document.
	IncludeMetadata bool

	// IncludeVector attaches each hit's stored vector.
	IncludeVector bool
}

// SearchResult is a single query hit. Score is a similarity: higher is
// better, regardless of the collection's distance metric.
type SearchResult struct {
	ID       string
	Score    float32
	Metadata metadata.Document
	Vector   []float32
}

// Options configures an Engine.
type Options struct {
	OversampleFactor int
	BatchConcurrency int
}

// DefaultOptions are the default engine options.
var DefaultOptions = Options{
	OversampleFactor: DefaultOversampleFactor,
	BatchConcurrency: DefaultBatchConcurrency,
}

// Engine runs queries. It does not own any of its components; the collection
// wires them together and guards their lifecycles.
type Engine struct {
	store   *vectorstore.Store
	graph   *hnsw.Graph
	catalog *metadata.Catalog
	source  hnsw.VectorSource
	metric  distance.Metric

	distFunc distance.Func
	opts     Options
}

// New creates an Engine. source must yield the same vectors the graph was
// built from (decoded and, for cosine, normalized) so distances agree
// between exact scans and graph traversal.
func New(store *vectorstore.Store, graph *hnsw.Graph, catalog *metadata.Catalog, source hnsw.VectorSource, metric distance.Metric, optFns ...func(o *Options)) (*Engine, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.OversampleFactor <= 0 {
		opts.OversampleFactor = DefaultOversampleFactor
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = DefaultBatchConcurrency
	}

	distFunc, err := distance.Provider(metric)
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:    store,
		graph:    graph,
		catalog:  catalog,
		source:   source,
		metric:   metric,
		distFunc: distFunc,
		opts:     opts,
	}, nil
}

// Search runs a single query.
//
// Results are ordered by descending score; equal scores order by insertion
// (smaller internal id first). When a timeout expires mid-search the hits
// collected so far are returned with a nil error.
func (e *Engine) Search(ctx context.Context, query []float32, opts SearchOptions) ([]SearchResult, error) {
	if opts.K <= 0 {
		return nil, ErrInvalidK
	}
	if err := e.validateQuery(query); err != nil {
		return nil, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	q, err := e.prepareQuery(query)
	if err != nil {
		return nil, err
	}

	hits, err := e.execute(ctx, q, opts)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			hits = nil
		} else {
			return nil, err
		}
	}

	return e.assemble(hits, opts)
}

// BatchSearch runs queries concurrently. Each query succeeds or fails on its
// own; results[i] and errs[i] describe queries[i].
func (e *Engine) BatchSearch(ctx context.Context, queries [][]float32, opts SearchOptions) ([][]SearchResult, []error) {
	results := make([][]SearchResult, len(queries))
	errs := make([]error, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.BatchConcurrency)

	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			results[i], errs[i] = e.Search(gctx, q, opts)
			return nil
		})
	}
	_ = g.Wait()

	return results, errs
}

// execute picks the strategy and returns raw hits (internal id + distance).
func (e *Engine) execute(ctx context.Context, query []float32, opts SearchOptions) ([]hnsw.Result, error) {
	if opts.Filter == nil {
		return e.graph.Search(ctx, query, opts.K, e.effectiveEf(opts, 1), nil)
	}

	_, candidates := e.catalog.Selectivity(opts.Filter)

	cutoff := opts.K * bruteForceKFactor
	if cutoff < bruteForceFloor {
		cutoff = bruteForceFloor
	}

	if int(candidates.GetCardinality()) <= cutoff {
		return e.scan(ctx, query, opts.K, candidates)
	}

	filter := func(id uint32) bool { return candidates.Contains(id) }

	// The filter starves the beam, so oversample and widen on shortfall.
	ef := e.effectiveEf(opts, e.opts.OversampleFactor)
	var hits []hnsw.Result
	for attempt := 0; attempt < maxFilteredRetries; attempt++ {
		var err error
		hits, err = e.graph.Search(ctx, query, opts.K, ef, filter)
		if err != nil {
			return hits, err
		}
		if len(hits) >= opts.K || ctx.Err() != nil {
			break
		}
		ef *= 2
	}
	return hits, nil
}

// scan is the exact path: rank every candidate, checking the deadline as it
// goes so a timeout still yields the best of what was scanned.
func (e *Engine) scan(ctx context.Context, query []float32, k int, candidates *roaring.Bitmap) ([]hnsw.Result, error) {
	top := queue.NewMax(k)

	it := candidates.Iterator()
	steps := 0
	for it.HasNext() {
		steps++
		if steps%1024 == 0 && ctx.Err() != nil {
			break
		}

		id := it.Next()
		vec, ok := e.source.Vector(id)
		if !ok {
			continue
		}
		d := e.distFunc(query, vec)

		if top.Len() < k {
			top.PushItem(queue.Item{ID: id, Distance: d})
			continue
		}
		if worst, _ := top.TopItem(); d < worst.Distance || (d == worst.Distance && id < worst.ID) {
			_, _ = top.PopItem()
			top.PushItem(queue.Item{ID: id, Distance: d})
		}
	}

	hits := make([]hnsw.Result, top.Len())
	for i := top.Len() - 1; i >= 0; i-- {
		item, _ := top.PopItem()
		hits[i] = hnsw.Result{ID: item.ID, Distance: item.Distance}
	}
	return hits, nil
}

// assemble converts raw hits into user-facing results: score conversion,
// threshold, external ids and optional payload.
func (e *Engine) assemble(hits []hnsw.Result, opts SearchOptions) ([]SearchResult, error) {
	results := make([]SearchResult, 0, len(hits))

	for _, hit := range hits {
		id, ok := e.store.ExternalID(hit.ID)
		if !ok {
			// Deleted between traversal and assembly.
			continue
		}

		score := distance.Similarity(e.metric, hit.Distance)
		if opts.Threshold != nil && score < *opts.Threshold {
			continue
		}

		res := SearchResult{ID: id, Score: score}
		if opts.IncludeMetadata {
			if doc, ok := e.catalog.Get(hit.ID); ok {
				res.Metadata = doc.Clone()
			}
		}
		if opts.IncludeVector {
			rec, err := e.store.GetByInternal(hit.ID)
			if err == nil {
				res.Vector = rec.Vector
			}
		}
		results = append(results, res)
	}

	// Hits arrive closest-first with ties on smaller internal id; similarity
	// conversion preserves that order, so the stable sort keeps tie order.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	return results, nil
}

func (e *Engine) effectiveEf(opts SearchOptions, factor int) int {
	ef := opts.EfSearch
	if ef <= 0 {
		ef = e.graph.Options().EfSearch
	}
	if ef < opts.K*factor {
		ef = opts.K * factor
	}
	return ef
}

func (e *Engine) validateQuery(query []float32) error {
	dim := e.store.Dimension()
	if len(query) != dim {
		return &vectorstore.DimensionMismatchError{Expected: dim, Actual: len(query)}
	}
	for i, c := range query {
		if math.IsNaN(float64(c)) || math.IsInf(float64(c), 0) {
			return &vectorstore.InvalidVectorError{Index: i}
		}
	}
	return nil
}

// ErrZeroQueryVector is returned for a zero query under the cosine metric,
// which has no direction to compare.
var ErrZeroQueryVector = errors.New("cannot search with a zero vector under cosine")

// prepareQuery adjusts the query for the metric: cosine compares direction,
// so the query is normalized like the stored vectors.
func (e *Engine) prepareQuery(query []float32) ([]float32, error) {
	if e.metric != distance.MetricCosine {
		return query, nil
	}
	q, ok := distance.NormalizeL2Copy(query)
	if !ok {
		return nil, ErrZeroQueryVector
	}
	return q, nil
}
