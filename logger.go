package vektor

import (
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with vektor-specific helpers so operations log
// with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses a default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	}))}
}

// LogStore logs a completed store operation.
func (l *Logger) LogStore(id string, dimension int) {
	l.Debug("record stored", slog.String("id", id), slog.Int("dimension", dimension))
}

// LogDelete logs a completed delete operation.
func (l *Logger) LogDelete(id string) {
	l.Debug("record deleted", slog.String("id", id))
}

// LogSearch logs a completed search.
func (l *Logger) LogSearch(k, results int, elapsed time.Duration) {
	l.Debug("search finished",
		slog.Int("k", k),
		slog.Int("results", results),
		slog.Duration("elapsed", elapsed),
	)
}

// LogCompaction logs a finished compaction pass.
func (l *Logger) LogCompaction(removed int, reclaimedBytes int64) {
	l.Info("compaction finished",
		slog.Int("removed", removed),
		slog.Int64("reclaimed_bytes", reclaimedBytes),
	)
}

// LogRebuild logs a finished index rebuild.
func (l *Logger) LogRebuild(vectors int, elapsed time.Duration) {
	l.Info("index rebuilt",
		slog.Int("vectors", vectors),
		slog.Duration("elapsed", elapsed),
	)
}
