package imagerepo

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with repository-specific helpers so the
// operation paths log with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler.
// If handler is nil, uses the default text handler to stderr.
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

// WithIdentity adds an identity field to the logger.
func (l *Logger) WithIdentity(id string) *Logger {
	return &Logger{Logger: l.Logger.With("identity", id)}
}

// WithLevelID adds a cache level field to the logger.
func (l *Logger) WithLevelID(id string) *Logger {
	return &Logger{Logger: l.Logger.With("level", id)}
}

// LogResolve logs a resolve operation.
func (l *Logger) LogResolve(ctx context.Context, identity, hitLevel string, derived bool, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "resolve failed",
			"identity", identity,
			"duration", d,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "resolve completed",
		"identity", identity,
		"hit_level", hitLevel,
		"derived", derived,
		"duration", d,
	)
}

// LogUpload logs an upload operation.
func (l *Logger) LogUpload(ctx context.Context, identity string, size int, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "upload failed",
			"identity", identity,
			"size", size,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "upload completed",
		"identity", identity,
		"size", size,
		"duration", d,
	)
}

// LogAlarm logs a cache free-space alarm.
func (l *Logger) LogAlarm(level string, used, max int64) {
	l.Warn("cache free space below alarm threshold",
		"level", level,
		"used_bytes", used,
		"max_bytes", max,
	)
}
