// Package observe provides application-wide observability primitives for
// parley: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Outbound path ---

	// FramesCaptured counts fixed-size frames emitted by the capture device.
	FramesCaptured metric.Int64Counter

	// OutboundFrames counts encoded frames leaving the pipeline. Use with
	// attribute:
	//   attribute.String("status", "sent"|"dropped"|"failed")
	OutboundFrames metric.Int64Counter

	// --- Inbound path ---

	// InboundMessages counts raw messages received from the session.
	InboundMessages metric.Int64Counter

	// InboundChunks counts demuxed chunks. Use with attribute:
	//   attribute.String("kind", ...)
	InboundChunks metric.Int64Counter

	// --- Playback ---

	// BuffersScheduled counts buffers handed to the playback sink.
	BuffersScheduled metric.Int64Counter

	// BuffersInterrupted counts in-flight buffers hard-stopped by barge-in.
	BuffersInterrupted metric.Int64Counter

	// ScheduleLead tracks how far ahead of the device clock each buffer was
	// scheduled. Zero means the queue had drained and playback restarted.
	ScheduleLead metric.Float64Histogram

	// --- Transcript ---

	// TurnsFinalized counts transcript entries frozen at a turn boundary. Use
	// with attribute:
	//   attribute.String("speaker", ...)
	TurnsFinalized metric.Int64Counter

	// --- Errors ---

	// PipelineErrors counts per-chunk and acquisition failures. Use with
	// attribute:
	//   attribute.String("kind", ...)
	PipelineErrors metric.Int64Counter

	// --- Session lifecycle ---

	// StateTransitions counts controller state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// ConnectDuration tracks how long opening a session took.
	ConnectDuration metric.Float64Histogram

	// ActiveSessions tracks the number of connected sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesCaptured, err = m.Int64Counter("parley.capture.frames",
		metric.WithDescription("Total frames emitted by the capture device."),
	); err != nil {
		return nil, err
	}
	if met.OutboundFrames, err = m.Int64Counter("parley.outbound.frames",
		metric.WithDescription("Total encoded frames by delivery status."),
	); err != nil {
		return nil, err
	}
	if met.InboundMessages, err = m.Int64Counter("parley.inbound.messages",
		metric.WithDescription("Total raw messages received from the session."),
	); err != nil {
		return nil, err
	}
	if met.InboundChunks, err = m.Int64Counter("parley.inbound.chunks",
		metric.WithDescription("Total demuxed inbound chunks by kind."),
	); err != nil {
		return nil, err
	}
	if met.BuffersScheduled, err = m.Int64Counter("parley.playback.scheduled",
		metric.WithDescription("Total playback buffers scheduled."),
	); err != nil {
		return nil, err
	}
	if met.BuffersInterrupted, err = m.Int64Counter("parley.playback.interrupted",
		metric.WithDescription("Total in-flight playback buffers stopped by interruption."),
	); err != nil {
		return nil, err
	}
	if met.TurnsFinalized, err = m.Int64Counter("parley.transcript.turns",
		metric.WithDescription("Total transcript entries finalized by speaker."),
	); err != nil {
		return nil, err
	}
	if met.PipelineErrors, err = m.Int64Counter("parley.pipeline.errors",
		metric.WithDescription("Total pipeline errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("parley.session.transitions",
		metric.WithDescription("Total session state transitions."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.ScheduleLead, err = m.Float64Histogram("parley.playback.lead",
		metric.WithDescription("Time between scheduling a buffer and its start on the device clock."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("parley.session.connect.duration",
		metric.WithDescription("Latency of opening a remote session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of connected sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

// RecordOutbound records one outbound frame with its delivery status.
func (m *Metrics) RecordOutbound(ctx context.Context, status string) {
	m.OutboundFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordChunk records one demuxed inbound chunk.
func (m *Metrics) RecordChunk(ctx context.Context, kind string) {
	m.InboundChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordError records one pipeline error of the given kind.
func (m *Metrics) RecordError(ctx context.Context, kind string) {
	m.PipelineErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordTurn records one finalized transcript entry.
func (m *Metrics) RecordTurn(ctx context.Context, speaker string) {
	m.TurnsFinalized.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", speaker)))
}

// RecordTransition records one session state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}
