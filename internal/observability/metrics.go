// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
// The shutdown function should be called on application exit for graceful cleanup.
// Each call uses its own registry, so repeated calls never collide.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), provider.Shutdown, nil
}

// WorkerMetrics holds the instruments recorded by the worker loop.
type WorkerMetrics struct {
	Claimed        metric.Int64Counter
	Submitted      metric.Int64Counter
	SubmitAttempts metric.Int64Counter
	Terminal       metric.Int64Counter
	InFlight       metric.Int64UpDownCounter
}

// NewWorkerMetrics registers the worker instruments on the global MeterProvider.
// Call it after InitMetrics so the instruments are exported.
func NewWorkerMetrics() (*WorkerMetrics, error) {
	meter := otel.Meter("poolplane-worker")

	claimed, err := meter.Int64Counter("poolplane_jobs_claimed_total",
		metric.WithDescription("Job requests claimed from the queue"))
	if err != nil {
		return nil, fmt.Errorf("failed to create claimed counter: %w", err)
	}
	submitted, err := meter.Int64Counter("poolplane_jobs_submitted_total",
		metric.WithDescription("Jobs that landed on the control plane"))
	if err != nil {
		return nil, fmt.Errorf("failed to create submitted counter: %w", err)
	}
	attempts, err := meter.Int64Counter("poolplane_submit_attempts_total",
		metric.WithDescription("Control plane create attempts, including retries"))
	if err != nil {
		return nil, fmt.Errorf("failed to create attempts counter: %w", err)
	}
	terminal, err := meter.Int64Counter("poolplane_jobs_terminal_total",
		metric.WithDescription("Terminal states reported upstream, by state"))
	if err != nil {
		return nil, fmt.Errorf("failed to create terminal counter: %w", err)
	}
	inflight, err := meter.Int64UpDownCounter("poolplane_jobs_inflight",
		metric.WithDescription("Jobs currently held by the worker"))
	if err != nil {
		return nil, fmt.Errorf("failed to create inflight gauge: %w", err)
	}

	return &WorkerMetrics{
		Claimed:        claimed,
		Submitted:      submitted,
		SubmitAttempts: attempts,
		Terminal:       terminal,
		InFlight:       inflight,
	}, nil
}

// RecordTerminal counts a reported terminal state.
func (m *WorkerMetrics) RecordTerminal(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.Terminal.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RegisterQueueDepth exports the pending queue size as an observable gauge.
func RegisterQueueDepth(count func(context.Context) (int64, error)) error {
	meter := otel.Meter("poolplane-controller")
	_, err := meter.Int64ObservableGauge("poolplane_queue_depth",
		metric.WithDescription("Job requests waiting in the queue"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := count(ctx)
			if err != nil {
				return err
			}
			o.Observe(n)
			return nil
		}),
	)
	return err
}
