package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"pewflow/internal/task/instance"
)

const meterName = "pewflow/engine"

type metrics struct {
	created     metric.Int64Counter
	transitions metric.Int64Counter
	attempts    metric.Float64Histogram
	violations  metric.Int64Counter
}

// newMetrics builds the engine instruments. A nil meter uses the global
// provider, which is a no-op until the process installs one.
func newMetrics(m metric.Meter) *metrics {
	if m == nil {
		m = otel.Meter(meterName)
	}
	out := &metrics{}
	// Instrument constructors only fail on invalid names; fall back to
	// no-op instruments so metrics never break scheduling.
	var err error
	if out.created, err = m.Int64Counter("pewflow.instances.created",
		metric.WithDescription("Task instances materialized by ticks.")); err != nil {
		out.created = noop.Int64Counter{}
	}
	if out.transitions, err = m.Int64Counter("pewflow.instances.transitions",
		metric.WithDescription("Task instance state transitions.")); err != nil {
		out.transitions = noop.Int64Counter{}
	}
	if out.attempts, err = m.Float64Histogram("pewflow.attempt.duration",
		metric.WithDescription("Duration of task attempts."),
		metric.WithUnit("s")); err != nil {
		out.attempts = noop.Float64Histogram{}
	}
	if out.violations, err = m.Int64Counter("pewflow.dispatch.concurrency_violations",
		metric.WithDescription("Dispatches dropped because the instance was not scheduled.")); err != nil {
		out.violations = noop.Int64Counter{}
	}
	return out
}

func wfAttr(id string) attribute.KeyValue { return attribute.String("workflow", id) }

func (m *metrics) instanceCreated(ctx context.Context, workflowID string) {
	m.created.Add(ctx, 1, metric.WithAttributes(wfAttr(workflowID)))
}

func (m *metrics) transition(inst instance.Instance) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		wfAttr(inst.Key.WorkflowID),
		attribute.String("state", string(inst.State)),
	))
}

func (m *metrics) attempt(ctx context.Context, workflowID string, seconds float64, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.attempts.Record(ctx, seconds, metric.WithAttributes(wfAttr(workflowID), attribute.String("outcome", outcome)))
}

func (m *metrics) violation(ctx context.Context, workflowID string) {
	m.violations.Add(ctx, 1, metric.WithAttributes(wfAttr(workflowID)))
}
