// Package observability wires OpenTelemetry metrics with a Prometheus
// exporter. The returned handler serves /metrics in daemon mode.
package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the scheduler's instruments:
// - Traffic: passes and job runs
// - Latency: job duration and admission wait
// - Errors: job failures by stage
// - Saturation: log sink queue depth
type Metrics struct {
	meter metric.Meter

	// Scheduler pass metrics
	PassesTotal  metric.Int64Counter
	PassDuration metric.Float64Histogram

	// Admission metrics
	JobsSkippedTotal metric.Int64Counter
	AdmissionWait    metric.Float64Histogram

	// Job run metrics
	JobsTotal      metric.Int64Counter
	JobDuration    metric.Float64Histogram
	JobErrorsTotal metric.Int64Counter

	// Checkpoint metrics
	CheckpointsTotal metric.Int64Counter

	// Log sink metrics
	SinkShippedTotal metric.Int64Counter
	SinkFailedTotal  metric.Int64Counter
	SinkQueueDepth   metric.Int64Gauge
}

// NewMetrics creates and registers all instruments with a Prometheus
// exporter and returns the scrape handler.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("airbridge")
	m := &Metrics{meter: meter}

	m.PassesTotal, err = meter.Int64Counter(
		"scheduler_passes_total",
		metric.WithDescription("Total scheduler passes executed"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PassDuration, err = meter.Float64Histogram(
		"scheduler_pass_duration_seconds",
		metric.WithDescription("Scheduler pass duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 300, 900),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsSkippedTotal, err = meter.Int64Counter(
		"jobs_skipped_total",
		metric.WithDescription("Jobs skipped by admission, labelled by reason"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.AdmissionWait, err = meter.Float64Histogram(
		"admission_wait_seconds",
		metric.WithDescription("Time spent waiting for host resources before a run"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0, 1, 5, 10, 30, 60, 300, 900, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"job_runs_total",
		metric.WithDescription("Total job runs started"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"job_run_duration_seconds",
		metric.WithDescription("Job run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Failed job runs, labelled by stage"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CheckpointsTotal, err = meter.Int64Counter(
		"checkpoints_extracted_total",
		metric.WithDescription("Stream checkpoints extracted from run output"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SinkShippedTotal, err = meter.Int64Counter(
		"logsink_shipped_total",
		metric.WithDescription("Log batches shipped to the sink"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SinkFailedTotal, err = meter.Int64Counter(
		"logsink_failed_total",
		metric.WithDescription("Log batches that failed delivery after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SinkQueueDepth, err = meter.Int64Gauge(
		"logsink_queue_depth",
		metric.WithDescription("Current log sink queue depth (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordPass records one completed scheduler pass.
func (m *Metrics) RecordPass(ctx context.Context, durationSeconds float64) {
	if m == nil {
		return
	}
	m.PassesTotal.Add(ctx, 1)
	m.PassDuration.Record(ctx, durationSeconds)
}

// RecordSkip records an admission skip with its reason.
func (m *Metrics) RecordSkip(ctx context.Context, jobID, reason string) {
	if m == nil {
		return
	}
	m.JobsSkippedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job", jobID),
		attribute.String("reason", reason),
	))
}

// RecordAdmissionWait records time spent in the resource gate.
func (m *Metrics) RecordAdmissionWait(ctx context.Context, jobID string, seconds float64) {
	if m == nil {
		return
	}
	m.AdmissionWait.Record(ctx, seconds, metric.WithAttributes(attribute.String("job", jobID)))
}

// RecordJobRun records a finished run.
func (m *Metrics) RecordJobRun(ctx context.Context, jobID string, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("job", jobID),
		attribute.Bool("success", success),
	)
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, durationSeconds, attrs)
}

// RecordJobError records a failed run with the stage it failed in.
func (m *Metrics) RecordJobError(ctx context.Context, jobID, stage string) {
	if m == nil {
		return
	}
	m.JobErrorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job", jobID),
		attribute.String("stage", stage),
	))
}

// RecordCheckpoints records checkpoints extracted for a job run.
func (m *Metrics) RecordCheckpoints(ctx context.Context, jobID string, count int64) {
	if m == nil {
		return
	}
	m.CheckpointsTotal.Add(ctx, count, metric.WithAttributes(attribute.String("job", jobID)))
}

// RecordSinkShipped records a delivered log batch.
func (m *Metrics) RecordSinkShipped(ctx context.Context) {
	if m == nil {
		return
	}
	m.SinkShippedTotal.Add(ctx, 1)
}

// RecordSinkFailed records a dropped-after-retries log batch.
func (m *Metrics) RecordSinkFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.SinkFailedTotal.Add(ctx, 1)
}

// RecordSinkQueueDepth records the current sink queue depth.
func (m *Metrics) RecordSinkQueueDepth(ctx context.Context, depth int64) {
	if m == nil {
		return
	}
	m.SinkQueueDepth.Record(ctx, depth)
}
