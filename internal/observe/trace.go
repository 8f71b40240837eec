package observe

import (
	"context"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/MrWong99/rtpcast"

// StreamIDKey is the span attribute carrying the stream a span acts on.
const StreamIDKey = attribute.Key("stream.id")

func tracer() trace.Tracer { return otel.Tracer(scopeName) }

// StartStreamSpan starts "stream.<op>" for the lifecycle operation op
// (create, destroy) on stream id.
func StartStreamSpan(ctx context.Context, op, id string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "stream."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(StreamIDKey.String(id)),
	)
}

// FailSpan records err on span and marks it failed with msg.
func FailSpan(span trace.Span, msg string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}

func startRequestSpan(ctx context.Context, r *http.Request) (context.Context, trace.Span) {
	return tracer().Start(ctx, r.Method+" "+r.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		),
	)
}

// CorrelationID is the hex trace id of the span in ctx, or "" outside a
// trace. HTTP responses carry it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger is slog.Default() with trace_id and span_id attached when ctx
// is inside a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
