// Package observe carries the SpokenSense telemetry: OpenTelemetry
// instruments for extraction, synthesis, playback and the highlight bus,
// spans around page preparation, trace-aware loggers and the HTTP middleware.
//
// Instruments are created from a [metric.MeterProvider]. [InitProvider]
// installs one backed by the Prometheus exporter, which /metrics serves.
// Components default to [DefaultMetrics]; tests build their own with
// [NewMetrics] over a manual reader.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all SpokenSense metrics.
const meterName = "github.com/Neeleshn20/spokensense"

// Metrics is the set of SpokenSense instruments. Instruments are safe for
// concurrent use.
type Metrics struct {
	// ExtractionDuration tracks per-page extraction latency. Use with attribute:
	//   attribute.String("engine", ...)
	ExtractionDuration metric.Float64Histogram

	// SynthesisLatency tracks the time from synthesis start to the first
	// audio frame. Use with attribute:
	//   attribute.String("provider", ...)
	SynthesisLatency metric.Float64Histogram

	// CacheLookups counts page lookups by tier and outcome. Use with attributes:
	//   attribute.String("tier", "memory"|"store"), attribute.String("result", "hit"|"miss")
	CacheLookups metric.Int64Counter

	// CacheCorrupt counts persisted records that could not be decoded.
	CacheCorrupt metric.Int64Counter

	// ExtractionFallbacks counts pages served by the secondary extractor.
	ExtractionFallbacks metric.Int64Counter

	// ExtractionFailures counts pages for which every extractor failed.
	ExtractionFailures metric.Int64Counter

	// ProviderRequests counts provider calls by "provider", "kind" and
	// "status".
	ProviderRequests metric.Int64Counter

	// PlaybackTransitions counts state machine transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	PlaybackTransitions metric.Int64Counter

	// PlaybackErrors counts terminal playback errors. Use with attribute:
	//   attribute.String("kind", ...)
	PlaybackErrors metric.Int64Counter

	// HighlightEvents counts published highlight events. Use with attribute:
	//   attribute.String("kind", ...)
	HighlightEvents metric.Int64Counter

	// HighlightCoalesced counts events folded into a jump because a
	// subscriber fell behind.
	HighlightCoalesced metric.Int64Counter

	// ActiveSubscribers tracks the number of live highlight subscribers.
	ActiveSubscribers metric.Int64UpDownCounter

	// ActiveUtterances tracks utterances currently holding an audio device.
	ActiveUtterances metric.Int64UpDownCounter

	// HTTPRequestDuration is recorded by [Middleware], labelled with
	// "method" and the matched route as "path".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// both cached lookups and slow subprocess extraction.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates every instrument from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ExtractionDuration, err = m.Float64Histogram("spokensense.extraction.duration",
		metric.WithDescription("Latency of extracting one page."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisLatency, err = m.Float64Histogram("spokensense.synthesis.first_frame",
		metric.WithDescription("Time from synthesis start to the first audio frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CacheLookups, err = m.Int64Counter("spokensense.cache.lookups",
		metric.WithDescription("Page cache lookups by tier and result."),
	); err != nil {
		return nil, err
	}
	if met.CacheCorrupt, err = m.Int64Counter("spokensense.cache.corrupt",
		metric.WithDescription("Persisted page records that failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.ExtractionFallbacks, err = m.Int64Counter("spokensense.extraction.fallbacks",
		metric.WithDescription("Pages served by the fallback extractor."),
	); err != nil {
		return nil, err
	}
	if met.ExtractionFailures, err = m.Int64Counter("spokensense.extraction.failures",
		metric.WithDescription("Pages no extractor could read."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("spokensense.provider.requests",
		metric.WithDescription("Total provider requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackTransitions, err = m.Int64Counter("spokensense.playback.transitions",
		metric.WithDescription("Playback state transitions."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackErrors, err = m.Int64Counter("spokensense.playback.errors",
		metric.WithDescription("Terminal playback errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.HighlightEvents, err = m.Int64Counter("spokensense.highlight.events",
		metric.WithDescription("Highlight events published by kind."),
	); err != nil {
		return nil, err
	}
	if met.HighlightCoalesced, err = m.Int64Counter("spokensense.highlight.coalesced",
		metric.WithDescription("Highlight events folded into a jump for slow subscribers."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSubscribers, err = m.Int64UpDownCounter("spokensense.highlight.subscribers",
		metric.WithDescription("Number of live highlight subscribers."),
	); err != nil {
		return nil, err
	}
	if met.ActiveUtterances, err = m.Int64UpDownCounter("spokensense.playback.active_utterances",
		metric.WithDescription("Utterances currently holding an audio device."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("spokensense.http.request.duration",
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

// RecordCacheLookup records a page cache lookup.
func (m *Metrics) RecordCacheLookup(ctx context.Context, tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tier", tier),
			attribute.String("result", result),
		),
	)
}

// RecordExtraction records the latency of one extraction attempt.
func (m *Metrics) RecordExtraction(ctx context.Context, engine string, seconds float64) {
	m.ExtractionDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("engine", engine)),
	)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordTransition records a playback state transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.PlaybackTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordPlaybackError records a terminal playback error.
func (m *Metrics) RecordPlaybackError(ctx context.Context, kind string) {
	m.PlaybackErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordHighlight records a published highlight event.
func (m *Metrics) RecordHighlight(ctx context.Context, kind string) {
	m.HighlightEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
