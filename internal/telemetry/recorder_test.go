package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/BaSui01/dagflow/workflow"
)

var _ workflow.MetricsRecorder = (*Recorder)(nil)

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", agg)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestRecorder_ExportsEngineMeasurements(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background()) //nolint:errcheck

	rec, err := NewRecorder(mp)
	require.NoError(t, err)

	var r workflow.MetricsRecorder = workflow.MultiRecorder{rec}
	r.RecordExecution("completed", time.Second)
	r.RecordExecution("failed", 2*time.Second)
	r.RecordStep("task", "completed", 2, 100*time.Millisecond)
	r.RecordStepRetry("task")
	r.RecordApproval("approved")
	r.SetActiveExecutions(4)
	r.RecordEvent("step.started")
	r.RecordEventDropped()

	got := collectMetrics(t, reader)
	assert.Equal(t, int64(2), sumOf(t, got["workflow.executions"]))
	assert.Equal(t, int64(1), sumOf(t, got["workflow.steps"]))
	assert.Equal(t, int64(1), sumOf(t, got["workflow.step.retries"]))
	assert.Equal(t, int64(1), sumOf(t, got["workflow.approvals"]))
	assert.Equal(t, int64(1), sumOf(t, got["workflow.events.published"]))
	assert.Equal(t, int64(1), sumOf(t, got["workflow.events.dropped"]))

	gauge, ok := got["workflow.executions.active"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(4), gauge.DataPoints[0].Value)

	hist, ok := got["workflow.execution.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}
