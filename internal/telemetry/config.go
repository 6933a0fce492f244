// Package telemetry provides OpenTelemetry tracing and metrics for troubleshootd.
package telemetry

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/troubleshootd/internal/config"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled         bool
	Endpoint        string
	Protocol        string // grpc or http/protobuf
	Insecure        bool
	SamplingRate    float64
	ServiceName     string
	ServiceVersion  string
	ShutdownTimeout time.Duration

	// Metrics enables OTLP export of the otel instruments.
	Metrics         bool
	MetricsInterval time.Duration
}

// FromSettings builds a Config from application settings.
func FromSettings(s config.TelemetryConfig) *Config {
	return &Config{
		Enabled:         s.Enabled,
		Endpoint:        s.Endpoint,
		Protocol:        s.Protocol,
		Insecure:        s.Insecure,
		SamplingRate:    s.SamplingRate,
		ServiceName:     s.ServiceName,
		ServiceVersion:  s.Version,
		ShutdownTimeout: s.Shutdown.Duration(),
		Metrics:         s.Metrics,
		MetricsInterval: s.MetricsInterval.Duration(),
	}
}

// Validate checks configuration for errors. A disabled config is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required when telemetry is enabled")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling rate must be in [0,1], got %v", c.SamplingRate)
	}
	if c.Metrics && c.MetricsInterval <= 0 {
		return fmt.Errorf("metrics interval must be positive when metrics are enabled")
	}
	switch c.Protocol {
	case "", "grpc", "http/protobuf":
	default:
		return fmt.Errorf("unsupported protocol %q", c.Protocol)
	}
	return nil
}
