package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var noopTracerProvider = noop.NewTracerProvider()

func noopSpan(ctx context.Context) (context.Context, trace.Span) {
	_, span := noopTracerProvider.Tracer("noop").Start(ctx, "noop")
	return ctx, span
}

// noopTracer satisfies the subset of Tracer's surface the Manager exposes
// when tracing is disabled, by delegating to an otel no-op span.
type noopTracer struct{}

func (noopTracer) StartLLMCall(ctx context.Context, _ string, _ int) (context.Context, trace.Span) {
	return noopSpan(ctx)
}

func (noopTracer) StartGadgetExecution(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return noopSpan(ctx)
}

func (noopTracer) AddLLMUsage(trace.Span, int64, int64) {}
func (noopTracer) RecordError(trace.Span, error)        {}
func (noopTracer) Shutdown(context.Context) error       { return nil }

// noopMetrics satisfies Metrics' recording surface when metrics are
// disabled.
type noopMetrics struct{}

func (noopMetrics) RecordIteration(context.Context, string)                            {}
func (noopMetrics) RecordGadgetExecution(context.Context, string, time.Duration, error) {}
func (noopMetrics) Shutdown(context.Context) error                                      { return nil }
