// Package observability provides OpenTelemetry instrumentation for the job
// lifecycle. Binaries pass the global providers, which are no-ops unless an
// SDK has been installed.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "chartextract"

const (
	AttrJobID       = "job.id"
	AttrWorkerID    = "worker.id"
	AttrOutcome     = "job.outcome"
	AttrFailureKind = "job.failure_kind"
)

// Telemetry bundles the tracer and metric instruments used by the worker and
// the service.
type Telemetry struct {
	tracer    trace.Tracer
	claimed   metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	submitted metric.Int64Counter
	duration  metric.Float64Histogram
}

// New builds Telemetry from explicit providers.
func New(tp trace.TracerProvider, mp metric.MeterProvider) *Telemetry {
	meter := mp.Meter(instrumentationName)
	t := &Telemetry{tracer: tp.Tracer(instrumentationName)}

	var err error
	if t.claimed, err = meter.Int64Counter("jobs.claimed",
		metric.WithDescription("Jobs claimed by workers"), metric.WithUnit("{job}")); err != nil {
		t.claimed, _ = meter.Int64Counter("jobs.claimed")
	}
	if t.completed, err = meter.Int64Counter("jobs.completed",
		metric.WithDescription("Jobs resolved as done"), metric.WithUnit("{job}")); err != nil {
		t.completed, _ = meter.Int64Counter("jobs.completed")
	}
	if t.failed, err = meter.Int64Counter("jobs.failed",
		metric.WithDescription("Jobs resolved as error"), metric.WithUnit("{job}")); err != nil {
		t.failed, _ = meter.Int64Counter("jobs.failed")
	}
	if t.submitted, err = meter.Int64Counter("jobs.submitted",
		metric.WithDescription("Uploads admitted or served from cache"), metric.WithUnit("{job}")); err != nil {
		t.submitted, _ = meter.Int64Counter("jobs.submitted")
	}
	if t.duration, err = meter.Float64Histogram("jobs.duration_ms",
		metric.WithDescription("Pipeline run duration"), metric.WithUnit("ms")); err != nil {
		t.duration, _ = meter.Float64Histogram("jobs.duration_ms")
	}
	return t
}

// Global uses the process-wide otel providers.
func Global() *Telemetry {
	return New(otel.GetTracerProvider(), otel.GetMeterProvider())
}

// Noop records nothing.
func Noop() *Telemetry {
	return New(tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
}

// StartRun opens the span covering one pipeline run.
func (t *Telemetry) StartRun(ctx context.Context, jobID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(attribute.String(AttrJobID, jobID)))
}

// StartClaim opens the span covering one dequeue attempt.
func (t *Telemetry) StartClaim(ctx context.Context, workerID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "queue.claim", trace.WithAttributes(attribute.String(AttrWorkerID, workerID)))
}

func (t *Telemetry) JobClaimed(ctx context.Context, workerID string) {
	t.claimed.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrWorkerID, workerID)))
}

func (t *Telemetry) JobCompleted(ctx context.Context, elapsed time.Duration) {
	t.completed.Add(ctx, 1)
	t.duration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(attribute.String(AttrOutcome, "done")))
}

func (t *Telemetry) JobFailed(ctx context.Context, kind string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String(AttrFailureKind, kind))
	t.failed.Add(ctx, 1, attrs)
	t.duration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(attribute.String(AttrOutcome, "error")))
}

func (t *Telemetry) JobSubmitted(ctx context.Context, cached bool) {
	t.submitted.Add(ctx, 1, metric.WithAttributes(attribute.Bool("job.cached", cached)))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
