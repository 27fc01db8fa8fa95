package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer opens spans around the two operations the runtime's cost model
// cares about: one LLM call, one gadget execution.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

func newTracer(ctx context.Context, cfg TracingConfig) (*Tracer, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("observability: building span exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: building resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	)

	return &Tracer{provider: provider, tracer: provider.Tracer("gadgetcore/runtime")}, nil
}

// StartLLMCall opens a span for one iteration's model call.
func (t *Tracer) StartLLMCall(ctx context.Context, model string, iteration int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "llm_call", trace.WithAttributes(
		attribute.String("model", model),
		attribute.Int("iteration", iteration),
	))
}

// StartGadgetExecution opens a span for one invocation's execution.
func (t *Tracer) StartGadgetExecution(ctx context.Context, gadgetName, invocationID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "gadget_execution", trace.WithAttributes(
		attribute.String("gadget", gadgetName),
		attribute.String("invocation_id", invocationID),
	))
}

// AddLLMUsage records token usage on an already-open LLM call span.
func (t *Tracer) AddLLMUsage(span trace.Span, inputTokens, outputTokens int64) {
	span.SetAttributes(
		attribute.Int64("input_tokens", inputTokens),
		attribute.Int64("output_tokens", outputTokens),
	)
}

// RecordError marks a span as failed and attaches the error.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
}

// Shutdown flushes and releases the tracer provider's exporter.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}
