package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestMetrics_RecordInvocation(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))

	m := &Metrics{
		meter:  mp.Meter(instrumentationName),
		logger: zap.NewNop(),
	}
	m.init()

	ctx := context.Background()
	m.IncrementActive(ctx, ToolTurn)
	m.RecordInvocation(ctx, ToolTurn, 100*time.Millisecond, nil)
	m.RecordInvocation(ctx, ToolTurn, 50*time.Millisecond, errors.New("query is required"))
	m.DecrementActive(ctx, ToolTurn)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	assert.Equal(t, int64(2), sumOf(t, rm, "troubleshootd.mcp.tool.invocations_total"))
	assert.Equal(t, int64(1), sumOf(t, rm, "troubleshootd.mcp.tool.errors_total"))
	assert.Equal(t, int64(0), sumOf(t, rm, "troubleshootd.mcp.tool.active_requests"))
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("turn failed: %w", context.Canceled), "cancelled"},
		{errors.New("user_id is required"), "validation_error"},
		{errors.New("query exceeds 10 characters"), "validation_error"},
		{errors.New("dial timeout"), "timeout"},
		{errors.New("loading state: boom"), "storage_error"},
		{errors.New("boom"), "internal_error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, categorizeError(tt.err))
	}
}
