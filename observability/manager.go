package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// SpanTracer is the tracing surface the controller and scheduler consume.
type SpanTracer interface {
	StartLLMCall(ctx context.Context, model string, iteration int) (context.Context, trace.Span)
	StartGadgetExecution(ctx context.Context, gadgetName, invocationID string) (context.Context, trace.Span)
	AddLLMUsage(span trace.Span, inputTokens, outputTokens int64)
	RecordError(span trace.Span, err error)
	Shutdown(ctx context.Context) error
}

// MeterRecorder is the metrics surface the controller and scheduler consume.
type MeterRecorder interface {
	RecordIteration(ctx context.Context, model string)
	RecordGadgetExecution(ctx context.Context, gadgetName string, d time.Duration, err error)
	Shutdown(ctx context.Context) error
}

// Manager owns the lifecycle of tracing and metrics for one agent run. A nil
// *Manager, or one built with both Config sections disabled, degrades every
// call to a no-op so the core never requires a collector to be present.
type Manager struct {
	tracer  SpanTracer
	metrics MeterRecorder
}

// NewManager builds a Manager from Config. cost is polled for the running
// cost gauge whenever metrics are enabled; pass nil to omit that series.
func NewManager(ctx context.Context, cfg *Config, cost CostProvider) (*Manager, error) {
	if cfg == nil {
		return &Manager{tracer: noopTracer{}, metrics: noopMetrics{}}, nil
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("observability: invalid config: %w", err)
	}

	m := &Manager{tracer: noopTracer{}, metrics: noopMetrics{}}

	if cfg.Tracing.Enabled && cfg.Tracing.Exporter == "stdout" {
		tracer, err := newTracer(ctx, cfg.Tracing)
		if err != nil {
			return nil, err
		}
		m.tracer = tracer
		slog.Info("observability: tracing initialized", "exporter", cfg.Tracing.Exporter, "sampling_rate", cfg.Tracing.SamplingRate)
	}

	if cfg.Metrics.Enabled {
		metrics, err := newMetrics(cfg.Metrics, cost)
		if err != nil {
			if t, ok := m.tracer.(*Tracer); ok {
				_ = t.Shutdown(ctx)
			}
			return nil, err
		}
		m.metrics = metrics
		slog.Info("observability: metrics initialized", "namespace", cfg.Metrics.Namespace)
	}

	return m, nil
}

// Tracer returns the configured tracer, or a no-op if tracing is disabled.
func (m *Manager) Tracer() SpanTracer {
	if m == nil || m.tracer == nil {
		return noopTracer{}
	}
	return m.tracer
}

// Metrics returns the configured metrics recorder, or a no-op if disabled.
func (m *Manager) Metrics() MeterRecorder {
	if m == nil || m.metrics == nil {
		return noopMetrics{}
	}
	return m.metrics
}

// Shutdown flushes and releases both the tracer and the meter provider.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs []error
	if err := m.Tracer().Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
	}
	if err := m.Metrics().Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("observability: shutdown errors: %v", errs)
	}
	return nil
}
