package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the voxgate tracer.
const tracerName = "github.com/MrWong99/voxgate"

// Tracer returns the package-level [trace.Tracer] for voxgate. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartJob starts the root span of an asynchronous job. Jobs outlive the
// request that submitted them, so the span always begins a new trace.
func StartJob(ctx context.Context, jobID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "job",
		trace.WithNewRoot(),
		trace.WithAttributes(attribute.String("job.id", jobID)),
	)
}

// StartAttempt starts a client span for one provider call.
func StartAttempt(ctx context.Context, provider string, attempt int) (context.Context, trace.Span) {
	return StartSpan(ctx, "transcribe "+provider,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("provider", provider),
			attribute.Int("attempt", attempt),
		),
	)
}

// EndSpan marks span as failed when err is non-nil, then ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID extracts the trace ID from the OTel span context in ctx. It
// is echoed as X-Correlation-ID and logged with job and session events.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx, plus any extra key/value args. When no
// active span is present only args are added to the default logger.
func Logger(ctx context.Context, args ...any) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(args) > 0 {
		l = l.With(args...)
	}
	return l
}
