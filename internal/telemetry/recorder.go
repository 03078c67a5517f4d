package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/BaSui01/dagflow/workflow"

// Recorder exports engine measurements as OTel instruments so they travel
// with the OTLP metric exporter alongside the Prometheus collector.
type Recorder struct {
	executions        metric.Int64Counter
	executionDuration metric.Float64Histogram
	active            metric.Int64Gauge
	steps             metric.Int64Counter
	stepDuration      metric.Float64Histogram
	retries           metric.Int64Counter
	approvals         metric.Int64Counter
	events            metric.Int64Counter
	dropped           metric.Int64Counter
}

// NewRecorder creates the instruments on a meter from mp.
func NewRecorder(mp metric.MeterProvider) (*Recorder, error) {
	m := mp.Meter(meterName)
	var r Recorder
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	r.executions, err = m.Int64Counter("workflow.executions", metric.WithDescription("Finished workflow executions"))
	collect(err)
	r.executionDuration, err = m.Float64Histogram("workflow.execution.duration", metric.WithUnit("s"))
	collect(err)
	r.active, err = m.Int64Gauge("workflow.executions.active", metric.WithDescription("Executions driven by this engine"))
	collect(err)
	r.steps, err = m.Int64Counter("workflow.steps", metric.WithDescription("Steps that reached a terminal status"))
	collect(err)
	r.stepDuration, err = m.Float64Histogram("workflow.step.duration", metric.WithUnit("s"))
	collect(err)
	r.retries, err = m.Int64Counter("workflow.step.retries")
	collect(err)
	r.approvals, err = m.Int64Counter("workflow.approvals")
	collect(err)
	r.events, err = m.Int64Counter("workflow.events.published")
	collect(err)
	r.dropped, err = m.Int64Counter("workflow.events.dropped")
	collect(err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &r, nil
}

// Recording happens outside any request, so a background context is used.
var bg = context.Background()

func (r *Recorder) RecordExecution(status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	r.executions.Add(bg, 1, attrs)
	r.executionDuration.Record(bg, d.Seconds(), attrs)
}

func (r *Recorder) RecordStep(stepType, status string, _ int, d time.Duration) {
	r.steps.Add(bg, 1, metric.WithAttributes(
		attribute.String("step_type", stepType),
		attribute.String("status", status)))
	r.stepDuration.Record(bg, d.Seconds(), metric.WithAttributes(attribute.String("step_type", stepType)))
}

func (r *Recorder) RecordStepRetry(stepType string) {
	r.retries.Add(bg, 1, metric.WithAttributes(attribute.String("step_type", stepType)))
}

func (r *Recorder) RecordApproval(outcome string) {
	r.approvals.Add(bg, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (r *Recorder) SetActiveExecutions(n int) { r.active.Record(bg, int64(n)) }

func (r *Recorder) RecordEvent(eventType string) {
	r.events.Add(bg, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (r *Recorder) RecordEventDropped() { r.dropped.Add(bg, 1) }
