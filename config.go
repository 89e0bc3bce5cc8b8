package vektor

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the YAML collection configuration. Absent fields keep
// their defaults.
type fileConfig struct {
	Dimension            int     `yaml:"dimension"`
	DistanceMetric       string  `yaml:"distance_metric"`
	Compression          string  `yaml:"compression"`
	M                    int     `yaml:"m"`
	EfConstruction       int     `yaml:"ef_construction"`
	EfSearch             int     `yaml:"ef_search"`
	MaxStorageBytes      int64   `yaml:"max_storage_bytes"`
	AutoCompactThreshold float64 `yaml:"auto_compact_threshold"`
	OversampleFactor     int     `yaml:"oversample_factor"`
	BatchConcurrency     int     `yaml:"batch_concurrency"`
	VectorCacheSize      int     `yaml:"vector_cache_size"`
	SnapshotDir          string  `yaml:"snapshot_dir"`
	MMapSnapshots        bool    `yaml:"mmap_snapshots"`
	RandomSeed           *int64  `yaml:"random_seed"`
}

// LoadOptions reads a YAML collection configuration and returns it as a
// functional option:
//
//	opt, err := vektor.LoadOptions("collection.yaml")
//	c, err := vektor.New(opt)
func LoadOptions(path string) (func(o *Options), error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return func(o *Options) {
		if cfg.Dimension > 0 {
			o.Dimension = cfg.Dimension
		}
		if cfg.DistanceMetric != "" {
			o.DistanceMetric = cfg.DistanceMetric
		}
		if cfg.Compression != "" {
			o.Compression = cfg.Compression
		}
		if cfg.M > 0 {
			o.M = cfg.M
		}
		if cfg.EfConstruction > 0 {
			o.EfConstruction = cfg.EfConstruction
		}
		if cfg.EfSearch > 0 {
			o.EfSearch = cfg.EfSearch
		}
		if cfg.MaxStorageBytes > 0 {
			o.MaxStorageBytes = cfg.MaxStorageBytes
		}
		if cfg.AutoCompactThreshold > 0 {
			o.AutoCompactThreshold = cfg.AutoCompactThreshold
		}
		if cfg.OversampleFactor > 0 {
			o.OversampleFactor = cfg.OversampleFactor
		}
		if cfg.BatchConcurrency > 0 {
			o.BatchConcurrency = cfg.BatchConcurrency
		}
		if cfg.VectorCacheSize > 0 {
			o.VectorCacheSize = cfg.VectorCacheSize
		}
		if cfg.SnapshotDir != "" {
			o.SnapshotDir = cfg.SnapshotDir
		}
		if cfg.MMapSnapshots {
			o.MMapSnapshots = true
		}
		if cfg.RandomSeed != nil {
			o.RandomSeed = cfg.RandomSeed
		}
	}, nil
}
