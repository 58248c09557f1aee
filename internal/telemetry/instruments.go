package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/anime-shed/image-orchestrator"

var (
	cacheHits          metric.Int64Counter
	cacheMisses        metric.Int64Counter
	cacheEvictions     metric.Int64Counter
	backendCalls       metric.Int64Counter
	backendLatency     metric.Float64Histogram
	fallbacks          metric.Int64Counter
	breakerTransitions metric.Int64Counter
	analyzeLatency     metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics creates the instruments on first use. The global meter
// delegates to whichever provider Init installs, so ordering does not matter.
func initMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.Meter(instrumentationName)

		var err error
		if cacheHits, err = meter.Int64Counter("orchestrator_cache_hits_total",
			metric.WithDescription("Result cache hits")); err != nil {
			metricsErr = err
			return
		}
		if cacheMisses, err = meter.Int64Counter("orchestrator_cache_misses_total",
			metric.WithDescription("Result cache misses, including stale and corrupt entries")); err != nil {
			metricsErr = err
			return
		}
		if cacheEvictions, err = meter.Int64Counter("orchestrator_cache_evictions_total",
			metric.WithDescription("Result cache evictions")); err != nil {
			metricsErr = err
			return
		}
		if backendCalls, err = meter.Int64Counter("orchestrator_backend_calls_total",
			metric.WithDescription("Backend calls by outcome")); err != nil {
			metricsErr = err
			return
		}
		if backendLatency, err = meter.Float64Histogram("orchestrator_backend_latency_seconds",
			metric.WithDescription("Backend call latency"),
			metric.WithUnit("s")); err != nil {
			metricsErr = err
			return
		}
		if fallbacks, err = meter.Int64Counter("orchestrator_fallbacks_total",
			metric.WithDescription("Fallback chain resolutions by stage")); err != nil {
			metricsErr = err
			return
		}
		if breakerTransitions, err = meter.Int64Counter("orchestrator_circuit_transitions_total",
			metric.WithDescription("Circuit breaker state transitions")); err != nil {
			metricsErr = err
			return
		}
		if analyzeLatency, err = meter.Float64Histogram("orchestrator_analyze_duration_seconds",
			metric.WithDescription("End-to-end Analyze latency"),
			metric.WithUnit("s")); err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func RecordCacheHit(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	cacheHits.Add(ctx, 1)
}

func RecordCacheMiss(ctx context.Context, reason string) {
	if initMetrics() != nil {
		return
	}
	cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func RecordCacheEviction(ctx context.Context, reason string) {
	if initMetrics() != nil {
		return
	}
	cacheEvictions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBackendCall counts one backend outcome and its latency
func RecordBackendCall(ctx context.Context, backend string, success bool, latency time.Duration) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.Bool("success", success),
	)
	backendCalls.Add(ctx, 1, attrs)
	backendLatency.Record(ctx, latency.Seconds(), attrs)
}

func RecordFallback(ctx context.Context, stage string) {
	if initMetrics() != nil {
		return
	}
	fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func RecordBreakerTransition(ctx context.Context, backend, from, to string) {
	if initMetrics() != nil {
		return
	}
	breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func RecordAnalyze(ctx context.Context, source string, d time.Duration) {
	if initMetrics() != nil {
		return
	}
	analyzeLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("source", source)))
}

// StartSpan opens a span on the global tracer
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}
