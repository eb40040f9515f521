// Package observe provides application-wide observability primitives for
// voxgate: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that instruments can be
// scraped from /metrics/prometheus. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxgate metrics.
const meterName = "github.com/MrWong99/voxgate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// TranscriptionDuration tracks the latency of single provider attempts.
	// Attributes: provider, file_type, outcome.
	TranscriptionDuration metric.Float64Histogram

	// ProviderAttempts counts provider attempts. Attributes: provider, outcome.
	ProviderAttempts metric.Int64Counter

	// ProviderErrors counts failed attempts. Attributes: provider, class.
	ProviderErrors metric.Int64Counter

	// ValidationRejections counts rejected uploads. Attribute: reason.
	ValidationRejections metric.Int64Counter

	// Jobs counts job status transitions. Attribute: status.
	Jobs metric.Int64Counter

	// WebhookDeliveries counts webhook attempts. Attribute: status.
	WebhookDeliveries metric.Int64Counter

	// RunningJobs tracks jobs currently owned by a worker.
	RunningJobs metric.Int64UpDownCounter

	// ActiveSessions tracks open streaming sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// transcription calls, which range from sub-second to a full upload timeout.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranscriptionDuration, err = m.Float64Histogram("voxgate.transcription.duration",
		metric.WithDescription("Latency of a single provider transcription attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderAttempts, err = m.Int64Counter("voxgate.provider.attempts",
		metric.WithDescription("Total provider attempts by provider and outcome."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voxgate.provider.errors",
		metric.WithDescription("Total failed provider attempts by provider and error class."),
	); err != nil {
		return nil, err
	}
	if met.ValidationRejections, err = m.Int64Counter("voxgate.validation.rejections",
		metric.WithDescription("Total rejected uploads by reason."),
	); err != nil {
		return nil, err
	}
	if met.Jobs, err = m.Int64Counter("voxgate.jobs",
		metric.WithDescription("Total job status transitions by status."),
	); err != nil {
		return nil, err
	}
	if met.WebhookDeliveries, err = m.Int64Counter("voxgate.webhook.deliveries",
		metric.WithDescription("Total webhook deliveries by status."),
	); err != nil {
		return nil, err
	}

	if met.RunningJobs, err = m.Int64UpDownCounter("voxgate.jobs.running",
		metric.WithDescription("Number of jobs currently being processed."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxgate.stream.active_sessions",
		metric.WithDescription("Number of open streaming sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxgate.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordAttempt records one provider attempt. class is empty on success.
func (m *Metrics) RecordAttempt(ctx context.Context, provider, fileType, outcome, class string, latency time.Duration) {
	m.TranscriptionDuration.Record(ctx, latency.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("file_type", fileType),
			attribute.String("outcome", outcome),
		),
	)
	m.ProviderAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("outcome", outcome),
		),
	)
	if class != "" {
		m.ProviderErrors.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("provider", provider),
				attribute.String("class", class),
			),
		)
	}
}

// RecordRejection records a validation rejection.
func (m *Metrics) RecordRejection(ctx context.Context, reason string) {
	m.ValidationRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordJob records a job reaching status.
func (m *Metrics) RecordJob(ctx context.Context, status string) {
	m.Jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordWebhook records a webhook delivery outcome ("delivered" or "failed").
func (m *Metrics) RecordWebhook(ctx context.Context, status string) {
	m.WebhookDeliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
