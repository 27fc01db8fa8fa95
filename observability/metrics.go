package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records the three series SPEC_FULL's observability module names:
// iteration count, gadget duration, and running cost.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	iterations     metric.Int64Counter
	gadgetDuration metric.Float64Histogram
	gadgetErrors   metric.Int64Counter
}

// CostProvider is polled whenever the cost gauge is scraped.
type CostProvider func() float64

func newMetrics(cfg MetricsConfig, cost CostProvider) (*Metrics, error) {
	exporter, err := otelprom.New(otelprom.WithNamespace(cfg.Namespace))
	if err != nil {
		return nil, fmt.Errorf("observability: building prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("gadgetcore/runtime")

	iterations, err := meter.Int64Counter("iterations_total",
		metric.WithDescription("Number of controller iterations run"))
	if err != nil {
		return nil, err
	}
	gadgetDuration, err := meter.Float64Histogram("gadget_duration_seconds",
		metric.WithDescription("Gadget execution duration in seconds"))
	if err != nil {
		return nil, err
	}
	gadgetErrors, err := meter.Int64Counter("gadget_errors_total",
		metric.WithDescription("Number of gadget executions that returned an error"))
	if err != nil {
		return nil, err
	}
	if cost != nil {
		if _, err := meter.Float64ObservableGauge("running_cost_usd",
			metric.WithDescription("Accumulated cost of the current agent run, in USD"),
			metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
				o.Observe(cost())
				return nil
			}),
		); err != nil {
			return nil, err
		}
	}

	return &Metrics{
		provider:       provider,
		iterations:     iterations,
		gadgetDuration: gadgetDuration,
		gadgetErrors:   gadgetErrors,
	}, nil
}

// RecordIteration increments the iteration counter.
func (m *Metrics) RecordIteration(ctx context.Context, model string) {
	m.iterations.Add(ctx, 1)
	_ = model // reserved for a future per-model attribute split
}

// RecordGadgetExecution observes one gadget's execution duration and, on
// failure, increments the error counter.
func (m *Metrics) RecordGadgetExecution(ctx context.Context, gadgetName string, d time.Duration, err error) {
	m.gadgetDuration.Record(ctx, d.Seconds())
	if err != nil {
		m.gadgetErrors.Add(ctx, 1)
	}
	_ = gadgetName // reserved for a future per-gadget attribute split
}

// Handler serves the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Shutdown releases the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
