// Package tracing provides the trace/span correlation glue obslog needs and
// a span helper (Start), backed by go.opentelemetry.io/otel/trace. The
// scheduler and adapters do not call Start. The sampling percentage itself
// is configured on the SDK's TraceIDRatioBased sampler when Core builds the
// TracerProvider.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// ExtractIDs pulls the active trace/span id out of ctx, if any, for
// attaching to structured log lines.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}

// Tracer returns a named tracer from the global TracerProvider Core installs
// at construction time (otel.SetTracerProvider). Every subsystem gets its own
// named tracer rather than a single shared span source.
func Tracer(name string) oteltrace.Tracer { return otel.Tracer(name) }

// Start begins a span named op, returning the derived context and an end
// function the caller defers. It is a thin convenience over
// Tracer(name).Start.
func Start(ctx context.Context, tracerName, op string) (context.Context, func()) {
	ctx, span := Tracer(tracerName).Start(ctx, op)
	return ctx, func() { span.End() }
}
