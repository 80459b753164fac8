package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Neeleshn20/spokensense"

// Span attribute keys shared by the cache and the playback controller.
const (
	AttrFingerprint = attribute.Key("spokensense.document.fingerprint")
	AttrPage        = attribute.Key("spokensense.page")
	AttrEngine      = attribute.Key("spokensense.extract.engine")
	AttrFallback    = attribute.Key("spokensense.extract.fallback")
	AttrUnits       = attribute.Key("spokensense.units")
	AttrVoice       = attribute.Key("spokensense.voice")
	AttrProvider    = attribute.Key("spokensense.tts.provider")
)

// Tracer returns the SpokenSense tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller ends it, usually through
// [EndSpan].
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartPageSpan starts an internal span scoped to one page of a document.
// An empty fingerprint is omitted, which is the case for free-text playback.
func StartPageSpan(ctx context.Context, name, fingerprint string, page int) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{AttrPage.Int(page)}
	if fingerprint != "" {
		attrs = append(attrs, AttrFingerprint.String(fingerprint))
	}
	return StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// The HTTP API echoes it in the X-Correlation-ID response header.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a span.
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
