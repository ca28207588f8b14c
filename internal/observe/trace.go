package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the livescribe tracer.
const tracerName = "github.com/MrWong99/livescribe"

type sessionKeyCtx struct{}

// Tracer returns the package-level [trace.Tracer]. It uses the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// WithSession returns a copy of ctx that carries the session key. The key is
// added to loggers from [Logger] and, when a span is recording, to the span as
// the "livescribe.session" attribute.
func WithSession(ctx context.Context, key string) context.Context {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("livescribe.session", key))
	return context.WithValue(ctx, sessionKeyCtx{}, key)
}

// SessionFromContext returns the session key stored by [WithSession].
func SessionFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(sessionKeyCtx{}).(string)
	return key, ok
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx, and with the session key when one was attached
// by [WithSession]. Without either, the default logger is returned unchanged.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if key, ok := SessionFromContext(ctx); ok {
		l = l.With(slog.String("session", key))
	}
	return l
}
