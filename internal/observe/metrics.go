// Package observe provides application-wide observability primitives for
// livescribe: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livescribe metrics.
const meterName = "github.com/MrWong99/livescribe"

// Transcript kinds used with [Metrics.RecordTranscript].
const (
	TranscriptFinal   = "final"
	TranscriptInterim = "interim"
)

// Reasons used with [Metrics.RecordAudioDropped].
const (
	DropPaused   = "paused"
	DropOverflow = "overflow"
	DropReset    = "reset"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// StreamOpenDuration tracks how long opening a recognition stream takes,
	// including the fallback walk.
	StreamOpenDuration metric.Float64Histogram

	// StreamDuration tracks the lifetime of recognition streams from open to
	// termination.
	StreamDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts stream opens. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// AudioBytes counts audio bytes accepted into session buffers.
	AudioBytes metric.Int64Counter

	// AudioDroppedBytes counts audio bytes that never reached the backend. Use
	// with attribute.String("reason", ...).
	AudioDroppedBytes metric.Int64Counter

	// AudioFrames counts audio frames sent to the backend.
	AudioFrames metric.Int64Counter

	// Transcripts counts recognition results. Use with attribute:
	//   attribute.String("kind", "final"|"interim")
	Transcripts metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of registered sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveSubscribers tracks the number of connected transcript consumers
	// (SSE streams and WebSockets).
	ActiveSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for stream
// setup latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// lifetimeBuckets defines histogram bucket boundaries (in seconds) for stream
// lifetimes, which range from a few seconds to hours.
var lifetimeBuckets = []float64{
	1, 5, 15, 30, 60, 300, 900, 1800, 3600, 14400,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StreamOpenDuration, err = m.Float64Histogram("livescribe.asr.stream_open.duration",
		metric.WithDescription("Latency of opening a recognition stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StreamDuration, err = m.Float64Histogram("livescribe.asr.stream.duration",
		metric.WithDescription("Lifetime of recognition streams."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(lifetimeBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("livescribe.provider.requests",
		metric.WithDescription("Total provider stream opens by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("livescribe.audio.bytes",
		metric.WithDescription("Audio bytes accepted into session buffers."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.AudioDroppedBytes, err = m.Int64Counter("livescribe.audio.dropped_bytes",
		metric.WithDescription("Audio bytes discarded before reaching the backend, by reason."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.AudioFrames, err = m.Int64Counter("livescribe.asr.audio_frames",
		metric.WithDescription("Audio frames sent to the recognition backend."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("livescribe.transcripts",
		metric.WithDescription("Recognition results received, by kind."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("livescribe.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livescribe.active_sessions",
		metric.WithDescription("Number of registered streaming sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSubscribers, err = m.Int64UpDownCounter("livescribe.active_subscribers",
		metric.WithDescription("Number of connected transcript consumers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livescribe.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTranscript records one recognition result of the given kind
// ([TranscriptFinal] or [TranscriptInterim]).
func (m *Metrics) RecordTranscript(ctx context.Context, kind string) {
	m.Transcripts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordAudioDropped records n discarded audio bytes. Zero is ignored.
func (m *Metrics) RecordAudioDropped(ctx context.Context, n int64, reason string) {
	if n <= 0 {
		return
	}
	m.AudioDroppedBytes.Add(ctx, n, metric.WithAttributes(attribute.String("reason", reason)))
}
