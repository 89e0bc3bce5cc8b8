// Package vektor is an embedded vector storage and approximate nearest
// neighbor search engine for on-device retrieval workloads.
//
// A Collection stores fixed-dimension embedding vectors with typed metadata,
// indexes them in an HNSW graph and answers similarity queries with optional
// metadata filters, score thresholds and deadlines. Optional quantization
// trades recall for memory; optional snapshots persist the collection across
// restarts with checksum-verified integrity.
package vektor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vektordb/vektor/cache"
	"github.com/vektordb/vektor/distance"
	"github.com/vektordb/vektor/engine"
	"github.com/vektordb/vektor/hnsw"
	"github.com/vektordb/vektor/maintenance"
	"github.com/vektordb/vektor/metadata"
	"github.com/vektordb/vektor/persistence"
	"github.com/vektordb/vektor/quantization"
	"github.com/vektordb/vektor/vectorstore"
)

// Record is a stored vector record as returned by Get.
type Record struct {
	ID       string
	Vector   []float32
	Metadata metadata.Document
}

// BatchItem is one record in a BatchStore call.
type BatchItem struct {
	ID       string
	Vector   []float32
	Metadata metadata.Document
}

// BatchResult reports the outcome for one BatchItem. ID carries the assigned
// id (generated when the item's ID was empty) and is set only on success.
type BatchResult struct {
	ID  string
	Err error
}

// Re-exported query types so most callers only import this package.
type (
	// SearchOptions control a single query.
	SearchOptions = engine.SearchOptions
	// SearchResult is a single query hit.
	SearchResult = engine.SearchResult
	// Stats is a point-in-time view of collection health.
	Stats = maintenance.Stats
	// OptimizeOps selects maintenance operations.
	OptimizeOps = maintenance.Ops
	// Task is a handle to a running maintenance task.
	Task = maintenance.Task
)

// indexState bundles the graph with the engine built around it so a rebuild
// can swap both atomically under concurrent searches.
type indexState struct {
	graph *hnsw.Graph
	eng   *engine.Engine
}

// Collection is a single vector collection. One writer may mutate it while
// any number of readers search.
type Collection struct {
	writeMu sync.Mutex // serializes structural mutations
	closed  atomic.Bool

	opts   Options
	metric distance.Metric
	logger *Logger

	store   *vectorstore.Store
	catalog *metadata.Catalog
	cache   *cache.VectorCache
	state   atomic.Pointer[indexState]

	maint   *maintenance.Manager
	persist *persistence.Manager
}

// collectionSource feeds decoded vectors to the graph and engine, caching
// them in an LRU. Under cosine the cached vectors are normalized, so graph
// traversal and exact scans agree on distances.
type collectionSource struct {
	store  *vectorstore.Store
	cache  *cache.VectorCache
	metric distance.Metric
}

func (s *collectionSource) Vector(internal uint32) ([]float32, bool) {
	if v, ok := s.cache.Get(internal); ok {
		return v, true
	}

	v, ok := s.store.GetVector(internal)
	if !ok {
		return nil, false
	}
	if s.metric == distance.MetricCosine {
		nv, ok := distance.NormalizeL2Copy(v)
		if !ok {
			return nil, false
		}
		v = nv
	}

	s.cache.Add(internal, v)
	return v, true
}

// New creates an empty Collection.
func New(optFns ...func(o *Options)) (*Collection, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	metric, err := distance.ParseMetric(opts.DistanceMetric)
	if err != nil {
		return nil, translateError(err)
	}

	// One seed per collection: rebuilding replays the same level draws, so a
	// rebuild with no intervening mutation reproduces the same graph.
	if opts.RandomSeed == nil {
		seed := time.Now().UnixNano()
		opts.RandomSeed = &seed
	}

	logger := opts.Logger
	if logger == nil {
		logger = NoopLogger()
	}

	store, err := vectorstore.New(func(o *vectorstore.Options) {
		o.Dimension = opts.Dimension
		o.Codec = quantization.Codec(opts.Compression)
		o.MaxStorageBytes = opts.MaxStorageBytes
	})
	if err != nil {
		return nil, translateError(err)
	}

	vcache, err := cache.New(opts.VectorCacheSize)
	if err != nil {
		return nil, err
	}

	c := &Collection{
		opts:    opts,
		metric:  metric,
		logger:  logger,
		store:   store,
		catalog: metadata.NewCatalog(),
		cache:   vcache,
	}

	state, err := c.newIndexState()
	if err != nil {
		return nil, translateError(err)
	}
	c.state.Store(state)

	c.maint = maintenance.NewManager(c, func(o *maintenance.Options) {
		o.AutoCompactThreshold = opts.AutoCompactThreshold
		o.Logger = logger.Logger
	})

	if opts.SnapshotDir != "" {
		c.persist, err = persistence.NewManager(opts.SnapshotDir, func(o *persistence.Options) {
			o.UseMMap = opts.MMapSnapshots
		})
		if err != nil {
			return nil, &StorageError{Op: "open snapshot dir", cause: err}
		}
	}

	return c, nil
}

// Open creates a Collection bound to a snapshot directory and restores any
// existing snapshot. A corrupted or missing graph snapshot is rebuilt from
// the record data; corrupted record data is surfaced as IndexCorruptionError.
func Open(ctx context.Context, dir string, optFns ...func(o *Options)) (*Collection, error) {
	fns := append(optFns, func(o *Options) { o.SnapshotDir = dir })
	c, err := New(fns...)
	if err != nil {
		return nil, err
	}

	if !c.persist.HasSnapshot() {
		return c, nil
	}

	if err := c.persist.LoadRecords(c.store); err != nil {
		return nil, translateError(err)
	}

	// The catalog is derived state; rebuild it from the records.
	c.store.ForEachLive(func(rec *vectorstore.Record) bool {
		c.catalog.Add(rec.Internal, rec.Metadata)
		return true
	})

	if err := c.persist.LoadGraph(c.graph()); err != nil {
		c.logger.Warn("graph snapshot unusable, rebuilding index", "error", err)
		if err := c.RebuildIndex(ctx); err != nil {
			return nil, translateError(err)
		}
	}

	return c, nil
}

// Save writes a snapshot of the records and the graph to the snapshot
// directory.
func (c *Collection) Save(ctx context.Context) error {
	if c.closed.Load() {
		return ErrCollectionClosed
	}
	if c.persist == nil {
		return ErrNoSnapshotDir
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.persist.SaveRecords(c.store); err != nil {
		return &StorageError{Op: "save records", Retryable: true, cause: err}
	}
	if err := c.persist.SaveGraph(c.graph()); err != nil {
		return &StorageError{Op: "save graph", Retryable: true, cause: err}
	}
	return nil
}

// Close marks the collection closed. Subsequent operations fail with
// ErrCollectionClosed.
func (c *Collection) Close() error {
	c.closed.Store(true)
	return nil
}

// Store validates and stores a record, indexing it immediately. An empty id
// gets a generated UUID. The assigned id is returned.
func (c *Collection) Store(ctx context.Context, id string, vector []float32, meta metadata.Document) (string, error) {
	if c.closed.Load() {
		return "", ErrCollectionClosed
	}
	if id == "" {
		id = uuid.NewString()
	}

	c.writeMu.Lock()
	err := c.storeLocked(ctx, id, vector, meta)
	c.writeMu.Unlock()
	if err != nil {
		return "", translateError(err)
	}

	c.maint.MaybeAutoCompact(context.WithoutCancel(ctx))
	c.logger.LogStore(id, len(vector))
	return id, nil
}

func (c *Collection) storeLocked(ctx context.Context, id string, vector []float32, meta metadata.Document) error {
	rec, err := c.store.Put(id, vector, meta)
	if err != nil {
		return err
	}

	c.catalog.Add(rec.Internal, rec.Metadata)

	if err := c.graph().Insert(ctx, rec.Internal); err != nil {
		// Roll back so a failed store leaves no phantom record.
		c.catalog.Remove(rec.Internal)
		if _, derr := c.store.Delete(id); derr == nil {
			c.cache.Remove(rec.Internal)
		}
		return err
	}
	return nil
}

// BatchStore stores records one by one. Each item succeeds or fails
// independently; a failed item never aborts the rest.
func (c *Collection) BatchStore(ctx context.Context, items []BatchItem) []BatchResult {
	results := make([]BatchResult, len(items))
	for i, item := range items {
		id, err := c.Store(ctx, item.ID, item.Vector, item.Metadata)
		if err != nil {
			results[i] = BatchResult{Err: err}
			continue
		}
		results[i] = BatchResult{ID: id}
	}
	return results
}

// Get returns the record for id. Vectors round-trip bit-for-bit when
// compression is off; with quantization enabled the returned vector is the
// decoded approximation.
func (c *Collection) Get(id string) (*Record, error) {
	if c.closed.Load() {
		return nil, ErrCollectionClosed
	}

	rec, err := c.store.Get(id)
	if err != nil {
		return nil, translateError(err)
	}
	return &Record{ID: rec.ID, Vector: rec.Vector, Metadata: rec.Metadata}, nil
}

// UpdateMetadata applies a metadata patch to id without touching the vector.
// With merge true the patch overlays the existing document, otherwise it
// replaces it.
func (c *Collection) UpdateMetadata(id string, patch metadata.Document, merge bool) error {
	if c.closed.Load() {
		return ErrCollectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	rec, err := c.store.UpdateMetadata(id, patch, merge)
	if err != nil {
		return translateError(err)
	}
	c.catalog.Add(rec.Internal, rec.Metadata)
	return nil
}

// Delete tombstones the record for id. It disappears from reads and searches
// immediately; storage is reclaimed by compaction.
func (c *Collection) Delete(ctx context.Context, id string) error {
	if c.closed.Load() {
		return ErrCollectionClosed
	}

	c.writeMu.Lock()
	internal, err := c.store.Delete(id)
	if err != nil {
		c.writeMu.Unlock()
		return translateError(err)
	}
	c.catalog.Remove(internal)
	c.cache.Remove(internal)
	err = c.graph().Delete(internal)
	c.writeMu.Unlock()
	if err != nil {
		return translateError(err)
	}

	c.maint.MaybeAutoCompact(context.WithoutCancel(ctx))
	c.logger.LogDelete(id)
	return nil
}

// Search runs a similarity query. Results are ordered by descending score
// (higher is more similar for both metrics); a timeout yields the best
// results found so far, never an error.
func (c *Collection) Search(ctx context.Context, query []float32, opts SearchOptions) ([]SearchResult, error) {
	if c.closed.Load() {
		return nil, ErrCollectionClosed
	}

	start := time.Now()
	res, err := c.engine().Search(ctx, query, opts)
	if err != nil {
		return nil, translateError(err)
	}
	c.logger.LogSearch(opts.K, len(res), time.Since(start))
	return res, nil
}

// BatchSearch runs queries concurrently with per-query results and errors.
func (c *Collection) BatchSearch(ctx context.Context, queries [][]float32, opts SearchOptions) ([][]SearchResult, []error) {
	if c.closed.Load() {
		errs := make([]error, len(queries))
		for i := range errs {
			errs[i] = ErrCollectionClosed
		}
		return make([][]SearchResult, len(queries)), errs
	}

	results, errs := c.engine().BatchSearch(ctx, queries, opts)
	for i, err := range errs {
		errs[i] = translateError(err)
	}
	return results, errs
}

// BuildIndex synchronously rebuilds the graph from live records. The old
// index keeps serving searches until the swap.
func (c *Collection) BuildIndex(ctx context.Context) error {
	if c.closed.Load() {
		return ErrCollectionClosed
	}
	return translateError(c.RebuildIndex(ctx))
}

// Compact synchronously reclaims tombstoned records and repairs the graph.
func (c *Collection) Compact(ctx context.Context) error {
	if c.closed.Load() {
		return ErrCollectionClosed
	}
	return translateError(c.CompactStorage(ctx))
}

// Optimize starts the selected maintenance operations in the background.
func (c *Collection) Optimize(ctx context.Context, ops OptimizeOps) (*Task, error) {
	if c.closed.Load() {
		return nil, ErrCollectionClosed
	}

	task, err := c.maint.Optimize(ctx, ops)
	if err != nil {
		return nil, translateError(err)
	}
	return task, nil
}

// Stats returns current collection statistics.
func (c *Collection) Stats() Stats {
	return c.maint.Stats()
}

// Count returns the number of live records.
func (c *Collection) Count() int {
	return c.store.Count()
}

func (c *Collection) graph() *hnsw.Graph {
	return c.state.Load().graph
}

func (c *Collection) engine() *engine.Engine {
	return c.state.Load().eng
}

func (c *Collection) newIndexState() (*indexState, error) {
	source := &collectionSource{store: c.store, cache: c.cache, metric: c.metric}

	graph, err := hnsw.New(source, func(o *hnsw.Options) {
		o.Dimension = c.opts.Dimension
		o.M = c.opts.M
		o.EfConstruction = c.opts.EfConstruction
		o.EfSearch = c.opts.EfSearch
		o.Metric = c.metric
		o.RandomSeed = c.opts.RandomSeed
	})
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(c.store, graph, c.catalog, source, c.metric, func(o *engine.Options) {
		o.OversampleFactor = c.opts.OversampleFactor
		o.BatchConcurrency = c.opts.BatchConcurrency
	})
	if err != nil {
		return nil, err
	}

	return &indexState{graph: graph, eng: eng}, nil
}

// CompactStorage implements maintenance.Target: it reclaims tombstoned
// records and repairs the graph around the removed nodes.
func (c *Collection) CompactStorage(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	removed, reclaimed := c.store.Compact()
	for _, internal := range removed {
		c.cache.Remove(internal)
	}
	if err := c.graph().Remove(ctx, removed); err != nil {
		return err
	}

	c.logger.LogCompaction(len(removed), reclaimed)
	return nil
}

// RecompressStorage implements maintenance.Target: it trains the quantizer
// on the stored vectors and re-encodes raw records.
func (c *Collection) RecompressStorage(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.store.Recompress(); err != nil {
		return err
	}
	c.cache.Purge()
	return nil
}

// RebuildIndex implements maintenance.Target: it builds a fresh graph from
// live records in internal-id order and swaps it in atomically.
func (c *Collection) RebuildIndex(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	start := time.Now()

	state, err := c.newIndexState()
	if err != nil {
		return err
	}

	var insertErr error
	c.store.ForEachLive(func(rec *vectorstore.Record) bool {
		insertErr = state.graph.Insert(ctx, rec.Internal)
		return insertErr == nil
	})
	if insertErr != nil {
		return insertErr
	}

	c.state.Store(state)
	c.logger.LogRebuild(state.graph.Count(), time.Since(start))
	return nil
}

// TombstoneRatio implements maintenance.Target.
func (c *Collection) TombstoneRatio() float64 {
	return c.store.TombstoneRatio()
}

// CollectStats implements maintenance.Target.
func (c *Collection) CollectStats() Stats {
	indexBytes := c.graph().MemoryBytes()
	return Stats{
		VectorCount:      c.store.Count(),
		TombstoneCount:   c.store.TombstoneCount(),
		IndexSizeBytes:   indexBytes,
		MemoryUsageBytes: c.store.BytesUsed() + indexBytes,
	}
}
