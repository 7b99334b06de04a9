// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, distributed tracing, structured logging, and HTTP
// middleware for the small ops surface (health/metrics) this service exposes.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so metrics can be scraped
// via the standard /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/Hirtol/small-talk-sub000"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TTSDuration tracks text-to-speech synthesis latency per worker call.
	TTSDuration metric.Float64Histogram

	// RVCDuration tracks voice-conversion latency per worker call.
	RVCDuration metric.Float64Histogram

	// PipelineDuration tracks the full post-processing pipeline (verify,
	// trim, normalise, rvc) per generation attempt.
	PipelineDuration metric.Float64Histogram

	// QueueWaitDuration tracks how long an item sat in a session queue
	// before a worker began processing it.
	QueueWaitDuration metric.Float64Histogram

	// --- Counters ---

	// CacheLookups counts line-cache lookups. Use with attribute
	// attribute.String("result", "hit"|"miss").
	CacheLookups metric.Int64Counter

	// GenerationAttempts counts TTS generation attempts, including
	// verify-triggered retries. Use with attribute.String("status", ...).
	GenerationAttempts metric.Int64Counter

	// WorkerSpawns counts worker-cell subprocess spawns. Use with
	// attribute.String("model", ...).
	WorkerSpawns metric.Int64Counter

	// WorkerKills counts worker-cell subprocess terminations. Use with
	// attribute.String("model", ...), attribute.String("reason", "idle"|"error"|"shutdown").
	WorkerKills metric.Int64Counter

	// QueueSkips counts items dropped from a session queue due to a
	// recoverable error (VoiceDoesNotExist, Timeout, …). Use with
	// attribute.String("kind", ...).
	QueueSkips metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live game sessions.
	ActiveSessions metric.Int64UpDownCounter

	// QueueDepth tracks pending items across all session queues. Use with
	// attribute.String("tier", "priority"|"background").
	QueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware (ops surface only) ---

	// HTTPRequestDuration tracks ops-endpoint request latency.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds), wide
// enough to span worker warm-start latency (tens of seconds) down to cache
// hits (sub-millisecond).
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TTSDuration, err = m.Float64Histogram("smalltalk.tts.duration",
		metric.WithDescription("Latency of a single TTS worker call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RVCDuration, err = m.Float64Histogram("smalltalk.rvc.duration",
		metric.WithDescription("Latency of a single RVC worker call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PipelineDuration, err = m.Float64Histogram("smalltalk.pipeline.duration",
		metric.WithDescription("Latency of the full post-processing pipeline per attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.QueueWaitDuration, err = m.Float64Histogram("smalltalk.queue.wait_duration",
		metric.WithDescription("Time an item spent queued before processing began."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.CacheLookups, err = m.Int64Counter("smalltalk.cache.lookups",
		metric.WithDescription("Total line-cache lookups by result (hit/miss)."),
	); err != nil {
		return nil, err
	}
	if met.GenerationAttempts, err = m.Int64Counter("smalltalk.generation.attempts",
		metric.WithDescription("Total TTS generation attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.WorkerSpawns, err = m.Int64Counter("smalltalk.worker.spawns",
		metric.WithDescription("Total worker-cell subprocess spawns by model."),
	); err != nil {
		return nil, err
	}
	if met.WorkerKills, err = m.Int64Counter("smalltalk.worker.kills",
		metric.WithDescription("Total worker-cell subprocess terminations by model and reason."),
	); err != nil {
		return nil, err
	}
	if met.QueueSkips, err = m.Int64Counter("smalltalk.queue.skips",
		metric.WithDescription("Total queue items skipped due to a recoverable error, by kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("smalltalk.active_sessions",
		metric.WithDescription("Number of live game sessions."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("smalltalk.queue.depth",
		metric.WithDescription("Pending items across session queues, by tier."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("smalltalk.http.request.duration",
		metric.WithDescription("Ops endpoint (healthz/metrics) request latency."),
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

// RecordCacheLookup records a line-cache lookup outcome.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordGenerationAttempt records one TTS generation attempt.
func (m *Metrics) RecordGenerationAttempt(ctx context.Context, status string) {
	m.GenerationAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordWorkerSpawn records a worker-cell subprocess spawn.
func (m *Metrics) RecordWorkerSpawn(ctx context.Context, model string) {
	m.WorkerSpawns.Add(ctx, 1, metric.WithAttributes(attribute.String("model", model)))
}

// RecordWorkerKill records a worker-cell subprocess termination.
func (m *Metrics) RecordWorkerKill(ctx context.Context, model, reason string) {
	m.WorkerKills.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("reason", reason),
	))
}

// RecordQueueSkip records a queue item skipped due to a recoverable error.
func (m *Metrics) RecordQueueSkip(ctx context.Context, kind string) {
	m.QueueSkips.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
