package vektor

import (
	"github.com/vektordb/vektor/cache"
	"github.com/vektordb/vektor/engine"
	"github.com/vektordb/vektor/hnsw"
	"github.com/vektordb/vektor/quantization"
)

// Options configures a Collection.
type Options struct {
	// Dimension is the fixed vector dimensionality. Required.
	Dimension int

	// DistanceMetric is "cosine" (default) or "euclidean".
	DistanceMetric string

	// Compression is "none" (default), "scalar-quantize-int8" or
	// "product-quantize".
	Compression string

	// M is the number of bidirectional graph links per node.
	M int

	// EfConstruction is the candidate list size during insert.
	EfConstruction int

	// EfSearch is the default candidate list size during search.
	EfSearch int

	// MaxStorageBytes caps the storage footprint. Zero means unlimited.
	MaxStorageBytes int64

	// AutoCompactThreshold triggers background compaction when the tombstone
	// ratio exceeds it. Zero disables auto-compaction.
	AutoCompactThreshold float64

	// OversampleFactor widens filtered searches (ef = k * factor).
	OversampleFactor int

	// BatchConcurrency caps parallel queries in BatchSearch.
	BatchConcurrency int

	// VectorCacheSize bounds the decoded-vector LRU cache (entries).
	VectorCacheSize int

	// SnapshotDir enables persistence when non-empty.
	SnapshotDir string

	// MMapSnapshots maps snapshot files instead of reading them.
	MMapSnapshots bool

	// RandomSeed fixes the graph's level RNG for reproducible builds.
	RandomSeed *int64

	// Logger receives operational logs. Defaults to the noop logger.
	Logger *Logger
}

// DefaultOptions are the default collection options.
var DefaultOptions = Options{
	DistanceMetric:       "cosine",
	Compression:          string(quantization.CodecNone),
	M:                    hnsw.DefaultM,
	EfConstruction:       hnsw.DefaultEfConstruction,
	EfSearch:             hnsw.DefaultEfSearch,
	AutoCompactThreshold: 0.2,
	OversampleFactor:     engine.DefaultOversampleFactor,
	BatchConcurrency:     engine.DefaultBatchConcurrency,
	VectorCacheSize:      cache.DefaultSize,
}
