package ivex

import (
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with ivex-specific helpers so operations log
// consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler. A nil handler falls
// back to a text handler on stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that emits JSON records to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NewTextLogger creates a Logger that emits human-readable text to stderr.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards all output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // unreachable level
	}))}
}

func (l *Logger) logInsert(count int, total uint64, duration time.Duration, err error) {
	if err != nil {
		l.Error("insert failed", "rows", count, "error", err)
		return
	}
	l.Debug("insert", "rows", count, "total", total, "duration", duration)
}

func (l *Logger) logRetrieve(k, results int, duration time.Duration, err error) {
	if err != nil {
		l.Error("retrieve failed", "k", k, "error", err)
		return
	}
	l.Debug("retrieve", "k", k, "results", results, "duration", duration)
}

func (l *Logger) logBuild(rows uint64, centroids int, epoch uint64, duration time.Duration, err error) {
	if err != nil {
		l.Error("index build failed", "rows", rows, "error", err)
		return
	}
	l.Info("index build", "rows", rows, "centroids", centroids, "epoch", epoch, "duration", duration)
}

func (l *Logger) logSnapshot(name string, bytes int64, duration time.Duration, err error) {
	if err != nil {
		l.Error("snapshot failed", "name", name, "error", err)
		return
	}
	l.Info("snapshot", "name", name, "bytes", bytes, "duration", duration)
}
