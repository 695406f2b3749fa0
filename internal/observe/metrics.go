// Package observe provides application-wide observability primitives for
// Chronocast: OpenTelemetry metrics and the Prometheus exporter bridge every
// process serves on /metrics.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Chronocast
// metrics.
const meterName = "github.com/chronocast/chronocast"

// Metrics holds all OpenTelemetry metric instruments for the pipeline.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// RetrievalDuration tracks knowledge-base retrieval latency per segment.
	RetrievalDuration metric.Float64Histogram

	// GenerationDuration tracks LLM script generation latency.
	GenerationDuration metric.Float64Histogram

	// SynthesisDuration tracks TTS rendering latency, whole segment.
	SynthesisDuration metric.Float64Histogram

	// MasteringDuration tracks loudness normalization latency.
	MasteringDuration metric.Float64Histogram

	// JobDuration tracks end-to-end handler latency. Use with attribute:
	//   attribute.String("type", ...)
	JobDuration metric.Float64Histogram

	// --- Counters ---

	// JobsProcessed counts finished jobs. Use with attributes:
	//   attribute.String("type", ...), attribute.String("status", ...)
	JobsProcessed metric.Int64Counter

	// SegmentsProduced counts segments reaching ready. Use with attribute:
	//   attribute.String("slot_type", ...)
	SegmentsProduced metric.Int64Counter

	// ValidationFailures counts tone and lore rejections. Use with attribute:
	//   attribute.String("check", ...)
	ValidationFailures metric.Int64Counter

	// DeadLetters counts jobs parked in the dead-letter queue. Use with
	// attribute: attribute.String("type", ...)
	DeadLetters metric.Int64Counter

	// --- Gauges ---

	// JobsInFlight tracks handlers currently running in this process.
	JobsInFlight metric.Int64UpDownCounter

	// --- HTTP ---

	// HTTPRequestDuration tracks playout bridge request time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Content
// production is slow work — generation and synthesis run for minutes.
var latencyBuckets = []float64{
	0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600,
}

// httpBuckets covers the playout bridge, which must answer fast.
var httpBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	stage := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	if met.RetrievalDuration, err = stage("chronocast.retrieval.duration",
		"Latency of knowledge-base retrieval per segment."); err != nil {
		return nil, err
	}
	if met.GenerationDuration, err = stage("chronocast.generation.duration",
		"Latency of LLM script generation."); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = stage("chronocast.synthesis.duration",
		"Latency of TTS rendering for a whole segment."); err != nil {
		return nil, err
	}
	if met.MasteringDuration, err = stage("chronocast.mastering.duration",
		"Latency of loudness normalization."); err != nil {
		return nil, err
	}
	if met.JobDuration, err = stage("chronocast.job.duration",
		"End-to-end job handler latency."); err != nil {
		return nil, err
	}

	if met.JobsProcessed, err = m.Int64Counter("chronocast.jobs.processed",
		metric.WithDescription("Finished jobs by type and status."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsProduced, err = m.Int64Counter("chronocast.segments.produced",
		metric.WithDescription("Segments that reached the ready state."),
	); err != nil {
		return nil, err
	}
	if met.ValidationFailures, err = m.Int64Counter("chronocast.validation.failures",
		metric.WithDescription("Tone and lore validation rejections."),
	); err != nil {
		return nil, err
	}
	if met.DeadLetters, err = m.Int64Counter("chronocast.jobs.dead_letters",
		metric.WithDescription("Jobs moved to the dead-letter queue."),
	); err != nil {
		return nil, err
	}

	if met.JobsInFlight, err = m.Int64UpDownCounter("chronocast.jobs.in_flight",
		metric.WithDescription("Handlers currently running in this process."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("chronocast.http.request.duration",
		metric.WithDescription("Playout bridge HTTP request processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(httpBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] instance backed by the
// global meter provider. The first call initialises it; instrument creation
// errors surface as no-op instruments.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		met, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			met = &Metrics{}
		}
		defaultMetrics = met
	})
	return defaultMetrics
}

// RecordJob is a convenience helper recording a finished job's duration and
// outcome in one call.
func (m *Metrics) RecordJob(ctx context.Context, jobType, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("type", jobType),
		attribute.String("status", status),
	)
	if m.JobDuration != nil {
		m.JobDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("type", jobType)))
	}
	if m.JobsProcessed != nil {
		m.JobsProcessed.Add(ctx, 1, attrs)
	}
}
