package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew_DisabledIsNoop(t *testing.T) {
	tel, err := New(context.Background(), &Config{})
	require.NoError(t, err)

	_, span := tel.Tracer("test").Start(context.Background(), "noop")
	span.End()

	degraded, _ := tel.Degraded()
	assert.False(t, degraded)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_ExportsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	cfg := &Config{
		Enabled:         true,
		Endpoint:        "localhost:4317",
		ServiceName:     "troubleshootd-test",
		ServiceVersion:  "test",
		SamplingRate:    1,
		ShutdownTimeout: time.Second,
	}

	tel, err := New(context.Background(), cfg, WithExporter(exporter))
	require.NoError(t, err)

	_, span := tel.Tracer("troubleshootd/test").Start(context.Background(), "Orchestrator.ProcessTurn")
	span.End()
	require.NoError(t, tel.Shutdown(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "Orchestrator.ProcessTurn", spans[0].Name)
}

func TestNew_ExportsMetrics(t *testing.T) {
	reader := metric.NewManualReader()
	cfg := &Config{
		Enabled:         true,
		Endpoint:        "localhost:4317",
		ServiceName:     "troubleshootd-test",
		SamplingRate:    1,
		Metrics:         true,
		MetricsInterval: time.Second,
	}

	tel, err := New(context.Background(), cfg,
		WithExporter(tracetest.NewInMemoryExporter()),
		WithMetricReader(reader),
	)
	require.NoError(t, err)

	counter, err := tel.Meter("troubleshootd/test").Int64Counter("troubleshootd.test.turns_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "troubleshootd.test.turns_total" {
				found = true
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				require.Len(t, sum.DataPoints, 1)
				assert.Equal(t, int64(3), sum.DataPoints[0].Value)
			}
		}
	}
	assert.True(t, found)
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{}, false},
		{"missing endpoint", Config{Enabled: true, ServiceName: "s"}, true},
		{"bad rate", Config{Enabled: true, Endpoint: "e", ServiceName: "s", SamplingRate: 2}, true},
		{"bad protocol", Config{Enabled: true, Endpoint: "e", ServiceName: "s", Protocol: "udp"}, true},
		{"http ok", Config{Enabled: true, Endpoint: "e", ServiceName: "s", Protocol: "http/protobuf"}, false},
		{"metrics without interval", Config{Enabled: true, Endpoint: "e", ServiceName: "s", Metrics: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "otel:4318", stripScheme("https://otel:4318"))
	assert.Equal(t, "otel:4318", stripScheme("http://otel:4318"))
	assert.Equal(t, "otel:4318", stripScheme("otel:4318"))
}
