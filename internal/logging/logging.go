// Package logging configures the process-wide slog logger and carries
// request-scoped attributes through contexts.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey string

const (
	CorrelationIDKey ctxKey = "correlation_id"
	JobIDKey         ctxKey = "job_id"
)

// New builds a logger writing to w. Unknown levels fall back to info and
// any format other than "json" selects the text handler.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Init installs a stdout logger as the slog default and returns it.
func Init(level, format string) *slog.Logger {
	logger := New(os.Stdout, level, format)
	slog.SetDefault(logger)
	return logger
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithCorrelationID stores id in ctx for FromContext.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// WithJobID stores a bulk job id in ctx for FromContext.
func WithJobID(ctx context.Context, id uint) context.Context {
	return context.WithValue(ctx, JobIDKey, id)
}

// FromContext returns base (or the default logger) annotated with the ids
// stored in ctx.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	logger := base
	if logger == nil {
		logger = slog.Default()
	}
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok && id != "" {
		logger = logger.With(slog.String("correlation_id", id))
	}
	if id, ok := ctx.Value(JobIDKey).(uint); ok && id != 0 {
		logger = logger.With(slog.Uint64("job_id", uint64(id)))
	}
	return logger
}
