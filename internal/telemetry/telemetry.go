// Package telemetry wires OpenTelemetry metrics and traces for the orchestrator.
//
// Metrics are exported through a Prometheus registry owned by the returned
// Provider; traces go to stdout when enabled and are dropped otherwise.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config selects the exporters installed by Init
type Config struct {
	ServiceName string
	TraceStdout bool
}

// Provider owns the installed meter and tracer providers
type Provider struct {
	registry *prometheus.Registry
	handler  http.Handler
	shutdown []func(context.Context) error
}

// Init installs global meter and tracer providers
func Init(cfg Config) (*Provider, error) {
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
	)

	p := &Provider{registry: prometheus.NewRegistry()}

	exporter, err := promexporter.New(promexporter.WithRegisterer(p.registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)
	p.shutdown = append(p.shutdown, mp.Shutdown)
	p.handler = promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})

	if cfg.TraceStdout {
		spanExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(spanExporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		p.shutdown = append(p.shutdown, tp.Shutdown)
	}

	return p, nil
}

// Handler serves the Prometheus exposition format
func (p *Provider) Handler() http.Handler {
	return p.handler
}

// Shutdown flushes and stops every installed provider
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
