package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Telemetry owns the tracer and meter providers. Initialization failures
// degrade to the global no-op providers instead of failing startup.
type Telemetry struct {
	config         *Config
	tracerProvider *trace.TracerProvider
	meterProvider  *metric.MeterProvider
	degraded       atomic.Bool
	lastErr        atomic.Value // error
}

// Option configures New.
type Option func(*options)

type options struct {
	exporter     trace.SpanExporter
	metricReader metric.Reader
}

// WithExporter replaces the OTLP exporter, e.g. with an in-memory one in tests.
func WithExporter(exp trace.SpanExporter) Option {
	return func(o *options) { o.exporter = exp }
}

// WithMetricReader replaces the periodic OTLP reader, e.g. with a
// metric.ManualReader in tests.
func WithMetricReader(r metric.Reader) Option {
	return func(o *options) { o.metricReader = r }
}

// New creates a Telemetry instance. A disabled config yields a no-op instance.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	t := &Telemetry{config: cfg}
	if !cfg.Enabled {
		return t, nil
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	exporter := o.exporter
	if exporter == nil {
		var err error
		exporter, err = newExporter(ctx, cfg)
		if err != nil {
			t.setDegraded(err)
			return t, nil
		}
	}

	t.tracerProvider = newTracerProvider(cfg, exporter)
	otel.SetTracerProvider(t.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Metrics {
		reader := o.metricReader
		if reader == nil {
			var err error
			reader, err = newMetricReader(ctx, cfg)
			if err != nil {
				// Traces keep flowing; only metrics are lost.
				t.setDegraded(err)
				return t, nil
			}
		}
		t.meterProvider = newMeterProvider(cfg, reader)
		otel.SetMeterProvider(t.meterProvider)
	}
	return t, nil
}

// Meter returns a meter, falling back to the global provider.
func (t *Telemetry) Meter(name string, opts ...otelmetric.MeterOption) otelmetric.Meter {
	if t == nil || t.meterProvider == nil {
		return otel.GetMeterProvider().Meter(name, opts...)
	}
	return t.meterProvider.Meter(name, opts...)
}

// Tracer returns a tracer, falling back to the global provider.
func (t *Telemetry) Tracer(name string) oteltrace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider().Tracer(name)
	}
	return t.tracerProvider.Tracer(name)
}

// Degraded reports whether initialization failed, with the cause.
func (t *Telemetry) Degraded() (bool, error) {
	if t == nil {
		return true, nil
	}
	err, _ := t.lastErr.Load().(error)
	return t.degraded.Load(), err
}

// Shutdown flushes and stops the provider within the configured timeout.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || (t.tracerProvider == nil && t.meterProvider == nil) {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.ShutdownTimeout)
		defer cancel()
	}
	var errs []error
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (t *Telemetry) setDegraded(err error) {
	t.degraded.Store(true)
	t.lastErr.Store(err)
}
