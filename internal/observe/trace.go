package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const scope = "github.com/MrWong99/voxbridge"

type connKey struct{}

// WithConnID tags ctx with the relay connection it serves. Spans started
// through [StartSpan] and loggers from [Logger] pick the tag up.
func WithConnID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, connKey{}, id)
}

// ConnID returns the connection tag set by [WithConnID], or "".
func ConnID(ctx context.Context) string {
	id, _ := ctx.Value(connKey{}).(string)
	return id
}

// StartSpan starts a span on the global tracer provider. A connection tag in
// ctx is recorded as the conn_id attribute. The caller ends the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id := ConnID(ctx); id != "" {
		opts = append(opts, trace.WithAttributes(attribute.String("conn_id", id)))
	}
	return otel.Tracer(scope).Start(ctx, name, opts...)
}

// CorrelationID is the hex trace ID of the span in ctx, echoed to HTTP
// clients as X-Correlation-ID. It is "" outside a valid span.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger is slog.Default with the connection tag and the active trace and
// span IDs from ctx attached, whichever are present.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if id := ConnID(ctx); id != "" {
		attrs = append(attrs, slog.String("conn_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
