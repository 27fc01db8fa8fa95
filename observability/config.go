// Package observability wires the agent runtime's LLM calls, gadget
// executions, iteration count, and running cost into OpenTelemetry tracing
// and metrics. A nil *Manager (or one built from a disabled Config) behaves
// as a no-op, so the core never requires a collector to be present.
package observability

import (
	"errors"
	"time"
)

// Config configures the observability system for one agent run.
type Config struct {
	Tracing TracingConfig `yaml:"tracing,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// TracingConfig configures span export for LLM calls and gadget executions.
type TracingConfig struct {
	// Enabled turns on distributed tracing. Default: false.
	Enabled bool `yaml:"enabled,omitempty"`

	// Exporter selects the span exporter. Only "stdout" is currently wired;
	// anything else falls back to a no-op tracer provider.
	Exporter string `yaml:"exporter,omitempty"`

	// SamplingRate controls what fraction of traces are sampled, 0.0-1.0.
	SamplingRate float64 `yaml:"sampling_rate,omitempty"`

	// ServiceName identifies this runtime instance in traces.
	ServiceName string `yaml:"service_name,omitempty"`
}

func (c *TracingConfig) SetDefaults() {
	if c.Exporter == "" {
		c.Exporter = "stdout"
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1.0
	}
	if c.ServiceName == "" {
		c.ServiceName = "gadget-runtime"
	}
}

func (c *TracingConfig) Validate() error {
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return errSamplingRate
	}
	return nil
}

// MetricsConfig configures the Prometheus-exported meter.
type MetricsConfig struct {
	// Enabled turns on metrics collection. Default: false.
	Enabled bool `yaml:"enabled,omitempty"`

	// Namespace prefixes every recorded metric name.
	Namespace string `yaml:"namespace,omitempty"`
}

func (c *MetricsConfig) SetDefaults() {
	if c.Namespace == "" {
		c.Namespace = "gadgetrun"
	}
}

func (c *Config) SetDefaults() {
	c.Tracing.SetDefaults()
	c.Metrics.SetDefaults()
}

func (c *Config) Validate() error {
	return c.Tracing.Validate()
}

var errSamplingRate = errors.New("observability: sampling_rate must be between 0 and 1")

// shutdownTimeout bounds how long Manager.Shutdown waits for exporters to
// flush.
const shutdownTimeout = 5 * time.Second
