// Package maintenance schedules background housekeeping for a collection:
// compaction, index rebuilds and recompression.
//
// Exactly one maintenance task runs at a time. Operations are paced through
// a rate limiter so bursts of Optimize calls cannot starve foreground
// queries of CPU.
package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// ErrInProgress is returned when a maintenance task is already running.
var ErrInProgress = errors.New("maintenance already in progress")

// Stats is a point-in-time view of collection health.
type Stats struct {
	VectorCount      int
	TombstoneCount   int
	IndexSizeBytes   int64
	MemoryUsageBytes int64
}

// Ops selects which maintenance operations a task performs. Operations run
// in a fixed order: compact, recompress, rebuild.
type Ops struct {
	Compact    bool
	Recompress bool
	Rebuild    bool
}

// Target is the collection surface maintenance operates on.
type Target interface {
	// CompactStorage reclaims tombstoned records and repairs the graph.
	CompactStorage(ctx context.Context) error

	// RecompressStorage trains the quantizer and re-encodes raw records.
	RecompressStorage(ctx context.Context) error

	// RebuildIndex rebuilds the graph from live records.
	RebuildIndex(ctx context.Context) error

	// TombstoneRatio is tombstoned records as a fraction of live records.
	TombstoneRatio() float64

	// CollectStats gathers current collection statistics.
	CollectStats() Stats
}

// Options configures a Manager.
type Options struct {
	// AutoCompactThreshold triggers background compaction when the
	// tombstone ratio exceeds it. Zero disables auto-compaction.
	AutoCompactThreshold float64

	// OpsPerSecond paces maintenance operations.
	OpsPerSecond float64

	// Logger receives task lifecycle events.
	Logger *slog.Logger
}

// DefaultOptions are the default maintenance options.
var DefaultOptions = Options{
	AutoCompactThreshold: 0.2,
	OpsPerSecond:         2,
}

// Task is a handle to a running maintenance task.
type Task struct {
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

// Done is closed when the task finishes.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes and returns its error.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

// Cancel stops the task at the next operation boundary.
func (t *Task) Cancel() { t.cancel() }

// Manager coordinates maintenance for one collection.
type Manager struct {
	target  Target
	limiter *rate.Limiter
	logger  *slog.Logger
	opts    Options

	running atomic.Bool
}

// NewManager creates a Manager for the given target.
func NewManager(target Target, optFns ...func(o *Options)) *Manager {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.OpsPerSecond <= 0 {
		opts.OpsPerSecond = DefaultOptions.OpsPerSecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		target:  target,
		limiter: rate.NewLimiter(rate.Limit(opts.OpsPerSecond), 1),
		logger:  logger,
		opts:    opts,
	}
}

// Stats returns current collection statistics.
func (m *Manager) Stats() Stats {
	return m.target.CollectStats()
}

// Busy reports whether a maintenance task is running.
func (m *Manager) Busy() bool {
	return m.running.Load()
}

// Optimize starts the selected operations in the background and returns a
// task handle. At most one task runs at a time.
func (m *Manager) Optimize(ctx context.Context, ops Ops) (*Task, error) {
	if !m.running.CompareAndSwap(false, true) {
		return nil, ErrInProgress
	}

	taskCtx, cancel := context.WithCancel(ctx)
	task := &Task{done: make(chan struct{}), cancel: cancel}

	go func() {
		defer m.running.Store(false)
		defer cancel()
		defer close(task.done)
		task.err = m.run(taskCtx, ops)
	}()

	return task, nil
}

// MaybeAutoCompact starts a background compaction when the tombstone ratio
// exceeds the configured threshold. Reports whether a task was started.
func (m *Manager) MaybeAutoCompact(ctx context.Context) bool {
	if m.opts.AutoCompactThreshold <= 0 {
		return false
	}
	ratio := m.target.TombstoneRatio()
	if ratio <= m.opts.AutoCompactThreshold {
		return false
	}

	if _, err := m.Optimize(ctx, Ops{Compact: true}); err != nil {
		return false
	}
	m.logger.Debug("auto-compaction started", slog.Float64("tombstone_ratio", ratio))
	return true
}

func (m *Manager) run(ctx context.Context, ops Ops) error {
	steps := []struct {
		name    string
		enabled bool
		fn      func(context.Context) error
	}{
		{"compact", ops.Compact, m.target.CompactStorage},
		{"recompress", ops.Recompress, m.target.RecompressStorage},
		{"rebuild", ops.Rebuild, m.target.RebuildIndex},
	}

	for _, step := range steps {
		if !step.enabled {
			continue
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}

		m.logger.Debug("maintenance step started", slog.String("step", step.name))
		if err := step.fn(ctx); err != nil {
			m.logger.Error("maintenance step failed", slog.String("step", step.name), slog.Any("error", err))
			return err
		}
		m.logger.Debug("maintenance step finished", slog.String("step", step.name))
	}

	return nil
}
