// Package telemetry turns circuit breaker outcomes and state changes
// (reported by breakers, directly or through the recovery manager) into
// go.opentelemetry.io/otel/metric counters, implementing
// both resilience.MetricsCollector and core.Telemetry from one recorder so
// callers wire one object instead of two.
package telemetry

import (
	"context"

	"github.com/arannis/tidysort/core"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder emits counters for circuit breaker outcomes and state changes,
// plus ad-hoc RecordMetric values, through an otel metric.Meter. Span tracing is a no-op here since this module carries
// no exporter pipeline (see DESIGN.md); the Telemetry interface is still
// implemented so a caller can swap in a real tracer without touching any
// component that only depends on core.Telemetry.
type Recorder struct {
	meter metric.Meter

	successes     metric.Int64Counter
	failures      metric.Int64Counter
	stateChanges  metric.Int64Counter
	genericMetric metric.Float64Counter
}

// NewRecorder builds a Recorder against meter. meter is typically obtained
// from a process-wide MeterProvider (e.g. otel.Meter("tidysort")); this
// package never constructs a provider itself so embedding applications
// choose their own exporter.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	successes, err := meter.Int64Counter("tidysort_circuit_breaker_successes_total")
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("tidysort_circuit_breaker_failures_total")
	if err != nil {
		return nil, err
	}
	stateChanges, err := meter.Int64Counter("tidysort_circuit_breaker_state_changes_total")
	if err != nil {
		return nil, err
	}
	generic, err := meter.Float64Counter("tidysort_generic_metric_total")
	if err != nil {
		return nil, err
	}
	return &Recorder{meter: meter, successes: successes, failures: failures, stateChanges: stateChanges, genericMetric: generic}, nil
}

// RecordSuccess implements resilience.MetricsCollector.
func (r *Recorder) RecordSuccess(name string) {
	r.successes.Add(context.Background(), 1, metric.WithAttributes(breakerAttr(name)))
}

// RecordFailure implements resilience.MetricsCollector.
func (r *Recorder) RecordFailure(name string) {
	r.failures.Add(context.Background(), 1, metric.WithAttributes(breakerAttr(name)))
}

// RecordStateChange implements resilience.MetricsCollector.
func (r *Recorder) RecordStateChange(name string, from, to core.CircuitState) {
	r.stateChanges.Add(context.Background(), 1, metric.WithAttributes(
		breakerAttr(name),
		stateAttr("from", from),
		stateAttr("to", to),
	))
}

// StartSpan implements core.Telemetry. Without an exporter pipeline wired
// in, this returns a no-op span so instrumented call sites don't need a
// nil check.
func (r *Recorder) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	return core.NoOpTelemetry{}.StartSpan(ctx, name)
}

// RecordMetric implements core.Telemetry for ad-hoc named measurements that
// don't warrant their own typed counter above.
func (r *Recorder) RecordMetric(name string, value float64, labels map[string]string) {
	kvs := make([]attribute.KeyValue, 0, len(labels)+1)
	kvs = append(kvs, nameAttr(name))
	for k, v := range labels {
		kvs = append(kvs, attribute.String(k, v))
	}
	r.genericMetric.Add(context.Background(), value, metric.WithAttributes(kvs...))
}
