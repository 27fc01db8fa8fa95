package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilManagerDegradesToNoop(t *testing.T) {
	var m *Manager

	ctx, span := m.Tracer().StartLLMCall(context.Background(), "demo", 1)
	m.Tracer().AddLLMUsage(span, 10, 20)
	m.Tracer().RecordError(span, nil)
	span.End()

	m.Metrics().RecordIteration(ctx, "demo")
	m.Metrics().RecordGadgetExecution(ctx, "echo", time.Millisecond, nil)

	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestNewManagerWithNilConfigIsNoop(t *testing.T) {
	m, err := NewManager(context.Background(), nil, nil)
	require.NoError(t, err)

	_, span := m.Tracer().StartGadgetExecution(context.Background(), "calculator", "gc_1")
	span.End()
	m.Metrics().RecordIteration(context.Background(), "demo")
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestNewManagerWithDisabledSectionsIsNoop(t *testing.T) {
	cfg := &Config{}
	m, err := NewManager(context.Background(), cfg, func() float64 { return 0 })
	require.NoError(t, err)
	assert.NotNil(t, m.Tracer())
	assert.NotNil(t, m.Metrics())
}

func TestNewManagerWithTracingEnabledBuildsRealTracer(t *testing.T) {
	cfg := &Config{Tracing: TracingConfig{Enabled: true}}
	m, err := NewManager(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer func() { _ = m.Shutdown(context.Background()) }()

	ctx, span := m.Tracer().StartLLMCall(context.Background(), "gpt-4o-mini", 1)
	m.Tracer().AddLLMUsage(span, 100, 50)
	span.End()
	assert.NotNil(t, ctx)
}

func TestNewManagerWithMetricsEnabledBuildsRealMeter(t *testing.T) {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true, Namespace: "gadgetrun_test"}}
	cost := func() float64 { return 1.5 }
	m, err := NewManager(context.Background(), cfg, cost)
	require.NoError(t, err)
	defer func() { _ = m.Shutdown(context.Background()) }()

	m.Metrics().RecordIteration(context.Background(), "gpt-4o-mini")
	m.Metrics().RecordGadgetExecution(context.Background(), "echo", 5*time.Millisecond, nil)
}

func TestTracingConfigValidateRejectsOutOfRangeSamplingRate(t *testing.T) {
	cfg := TracingConfig{SamplingRate: 1.5}
	assert.Error(t, cfg.Validate())
}

func TestConfigSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	assert.Equal(t, "stdout", cfg.Tracing.Exporter)
	assert.Equal(t, 1.0, cfg.Tracing.SamplingRate)
	assert.Equal(t, "gadgetrun", cfg.Metrics.Namespace)
}
