package telemetry

import (
	"context"
	"testing"

	"github.com/arannis/tidysort/core"
	"github.com/arannis/tidysort/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	meter := noop.NewMeterProvider().Meter("tidysort-test")
	rec, err := NewRecorder(meter)
	require.NoError(t, err)
	return rec
}

func TestRecorder_ImplementsMetricsCollector(t *testing.T) {
	rec := newTestRecorder(t)
	var _ resilience.MetricsCollector = rec

	assert.NotPanics(t, func() {
		rec.RecordSuccess("inference:llama-7b")
		rec.RecordFailure("inference:llama-7b")
		rec.RecordStateChange("inference:llama-7b", core.CircuitClosed, core.CircuitOpen)
	})
}

func TestRecorder_ImplementsTelemetry(t *testing.T) {
	rec := newTestRecorder(t)
	var _ core.Telemetry = rec

	ctx, span := rec.StartSpan(context.Background(), "analyze-file")
	require.NotNil(t, span)
	assert.NotPanics(t, func() {
		span.SetAttribute("file_id", "f1")
		span.RecordError(nil)
		span.End()
	})
	assert.Equal(t, context.Background(), ctx)
}

func TestRecorder_RecordMetricAcceptsLabels(t *testing.T) {
	rec := newTestRecorder(t)
	assert.NotPanics(t, func() {
		rec.RecordMetric("queue_depth", 42, map[string]string{"priority": "critical"})
	})
}

func TestRecorder_WiresIntoCircuitBreaker(t *testing.T) {
	rec := newTestRecorder(t)
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: "test-breaker", Threshold: 2, Metrics: rec,
	})

	assert.NoError(t, cb.Execute(func() error { return nil }))
	assert.Error(t, cb.Execute(func() error { return assert.AnError }))
	assert.Error(t, cb.Execute(func() error { return assert.AnError }))
	assert.Equal(t, core.CircuitOpen, cb.State().State)
}
