// Package obslog wraps log/slog with trace/span correlation:
// every subsystem takes a Logger (built by New from a *slog.Logger,
// defaulting to slog.Default()) and calls through this thin wrapper rather
// than constructing its own logger or reaching for a package-level singleton.
package obslog

import (
	"context"
	"log/slog"

	"github.com/kiln-systems/kiln/internal/tracing"
)

// Logger is the correlated logging surface every Kiln subsystem is injected
// with.
type Logger interface {
	InfoCtx(ctx context.Context, msg string, attrs ...any)
	WarnCtx(ctx context.Context, msg string, attrs ...any)
	ErrorCtx(ctx context.Context, msg string, attrs ...any)
	With(attrs ...any) Logger
}

type correlated struct{ base *slog.Logger }

// New wraps base, defaulting to slog.Default() when base is nil.
func New(base *slog.Logger) Logger {
	if base == nil {
		base = slog.Default()
	}
	return &correlated{base: base}
}

func (l *correlated) withTrace(ctx context.Context, attrs []any) []any {
	traceID, spanID := tracing.ExtractIDs(ctx)
	if traceID == "" && spanID == "" {
		return attrs
	}
	return append(attrs, slog.String("trace_id", traceID), slog.String("span_id", spanID))
}

func (l *correlated) InfoCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.InfoContext(ctx, msg, l.withTrace(ctx, attrs)...)
}

func (l *correlated) WarnCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.WarnContext(ctx, msg, l.withTrace(ctx, attrs)...)
}

func (l *correlated) ErrorCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.ErrorContext(ctx, msg, l.withTrace(ctx, attrs)...)
}

func (l *correlated) With(attrs ...any) Logger {
	return &correlated{base: l.base.With(attrs...)}
}
