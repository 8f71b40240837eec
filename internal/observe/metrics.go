// Package observe provides application-wide observability primitives for
// rtpcast: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all rtpcast metrics.
const meterName = "github.com/MrWong99/rtpcast"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Streams ---

	// StreamsActive tracks the number of registered streams.
	StreamsActive metric.Int64UpDownCounter

	// StreamStarts counts stream start attempts. Use with attributes:
	//   attribute.String("source", ...), attribute.String("status", ...)
	StreamStarts metric.Int64Counter

	// StreamFailures counts streams that stopped on a runtime error. Use with
	// attribute:
	//   attribute.String("source", ...)
	StreamFailures metric.Int64Counter

	// --- Message loop ---

	// BusMessages counts messages handled by the per-stream loops. Use with
	// attribute:
	//   attribute.String("type", ...)
	BusMessages metric.Int64Counter

	// StateTransitions counts confirmed pipeline state changes. Use with
	// attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// --- Announcements ---

	// Announcements counts announcer firings. Use with attribute:
	//   attribute.String("status", ...)
	Announcements metric.Int64Counter

	// AnnounceDuration tracks how long one announcement took to inject.
	AnnounceDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// control-plane latencies.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StreamsActive, err = m.Int64UpDownCounter("rtpcast.streams.active",
		metric.WithDescription("Number of registered streams."),
	); err != nil {
		return nil, err
	}
	if met.StreamStarts, err = m.Int64Counter("rtpcast.stream.starts",
		metric.WithDescription("Total stream start attempts by source kind and status."),
	); err != nil {
		return nil, err
	}
	if met.StreamFailures, err = m.Int64Counter("rtpcast.stream.failures",
		metric.WithDescription("Total streams halted by a runtime error, by source kind."),
	); err != nil {
		return nil, err
	}

	if met.BusMessages, err = m.Int64Counter("rtpcast.bus.messages",
		metric.WithDescription("Total pipeline bus messages handled, by message type."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("rtpcast.state.transitions",
		metric.WithDescription("Total confirmed pipeline state transitions."),
	); err != nil {
		return nil, err
	}

	if met.Announcements, err = m.Int64Counter("rtpcast.announcements",
		metric.WithDescription("Total time announcements by status."),
	); err != nil {
		return nil, err
	}
	if met.AnnounceDuration, err = m.Float64Histogram("rtpcast.announce.duration",
		metric.WithDescription("Time taken to inject one announcement."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("rtpcast.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// status maps an error onto the "status" attribute value.
func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordStreamStart records one start attempt for a stream of the given
// source kind.
func (m *Metrics) RecordStreamStart(ctx context.Context, source string, err error) {
	m.StreamStarts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("status", status(err)),
		),
	)
}

// RecordStreamFailure records a stream halted by a runtime error.
func (m *Metrics) RecordStreamFailure(ctx context.Context, source string) {
	m.StreamFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordBusMessage records one handled bus message.
func (m *Metrics) RecordBusMessage(ctx context.Context, msgType string) {
	m.BusMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}

// RecordStateTransition records a confirmed transition of a pipeline root.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordAnnouncement records one announcer firing and its duration.
func (m *Metrics) RecordAnnouncement(ctx context.Context, took time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("status", status(err)))
	m.Announcements.Add(ctx, 1, attrs)
	m.AnnounceDuration.Record(ctx, took.Seconds(), attrs)
}
