package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for bcj spans.
const tracerName = "github.com/MrWong99/bcj"

// Tracer returns the bcj tracer from the global [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartTenantSpan starts a span for an operation on one tenant and tags it
// with the tenant id.
func StartTenantSpan(ctx context.Context, op string, tenantID int64) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "indexcache."+op,
		trace.WithAttributes(
			attribute.String("bcj.op", op),
			attribute.Int64("bcj.tenant_id", tenantID),
		),
	)
}

// CorrelationID returns the trace ID of the active span in ctx, or "" when
// there is none. Clients see it as the X-Correlation-ID response header.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries an active span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
