// Package executor runs one analysis request against a ranked set of
// backends under a deadline.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/anime-shed/image-orchestrator/internal/backend"
	"github.com/anime-shed/image-orchestrator/internal/config"
	apperrors "github.com/anime-shed/image-orchestrator/internal/errors"
	"github.com/anime-shed/image-orchestrator/internal/fusion"
	"github.com/anime-shed/image-orchestrator/internal/logger"
	"github.com/anime-shed/image-orchestrator/internal/metrics"
	"github.com/anime-shed/image-orchestrator/internal/telemetry"
	"github.com/anime-shed/image-orchestrator/pkg/models"
)

// Lookup resolves backend names; *backend.Set satisfies it
type Lookup interface {
	Get(name string) (backend.Backend, bool)
}

// Recorder is the metrics store as seen by the coordinator
type Recorder interface {
	Record(backendID string, latency time.Duration, success bool) metrics.BackendMetrics
}

// Breaker is the circuit breaker registry as seen by the coordinator
type Breaker interface {
	Allow(backendID string) (bool, func())
	Record(m metrics.BackendMetrics, success bool)
}

// Coordinator fans a request out to the top candidates and races them
// against the configured timeout
type Coordinator struct {
	mu       sync.RWMutex
	cfg      config.ParallelConfig
	backends Lookup
	metrics  Recorder
	breaker  Breaker
	clock    clockwork.Clock
}

// Option configures a Coordinator
type Option func(*Coordinator)

func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

func New(backends Lookup, recorder Recorder, breaker Breaker, cfg config.ParallelConfig, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		backends: backends,
		metrics:  recorder,
		breaker:  breaker,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configure applies new parallelism settings to subsequent runs
func (c *Coordinator) Configure(cfg config.ParallelConfig) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

type dispatched struct {
	name    string
	backend backend.Backend
	release func()
}

type outcome struct {
	name    string
	result  models.AnalysisResult
	err     error
	latency time.Duration
}

// Run analyzes req with at most maxConcurrentRequests of the candidates,
// in candidate order. Every backend that reports before the deadline is
// recorded individually. When the deadline wins, the whole call fails and
// every backend still outstanding is recorded as failed; their late
// results are discarded.
func (c *Coordinator) Run(ctx context.Context, req models.AnalysisRequest, candidates []string) (models.AnalysisResult, error) {
	c.mu.RLock()
	cfg := c.cfg
	c.mu.RUnlock()

	ctx, span := telemetry.StartSpan(ctx, "executor.Run",
		attribute.String("request.id", req.ID),
		attribute.Int("candidates", len(candidates)))
	defer span.End()

	limit := 1
	if cfg.Enabled {
		limit = cfg.MaxConcurrentRequests
	}
	if limit > len(candidates) {
		limit = len(candidates)
	}

	calls := c.admit(candidates, limit)
	if len(calls) == 0 {
		err := apperrors.NewNoBackendsError("no candidate backend admitted the call")
		span.SetStatus(codes.Error, err.Error())
		return models.AnalysisResult{}, err
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// buffered so abandoned calls never block
	results := make(chan outcome, len(calls))
	for _, d := range calls {
		go c.call(callCtx, d, req.Image, results)
	}

	timer := c.clock.NewTimer(cfg.Timeout)
	defer timer.Stop()

	pending := make(map[string]dispatched, len(calls))
	for _, d := range calls {
		pending[d.name] = d
	}
	succeeded := make(map[string]fusion.Contribution, len(calls))
	var failures []error

	for len(pending) > 0 {
		select {
		case o := <-results:
			d := pending[o.name]
			delete(pending, o.name)
			c.settle(ctx, d, o.latency, o.err == nil)
			if o.err != nil {
				failures = append(failures, fmt.Errorf("%s: %w", o.name, o.err))
				continue
			}
			succeeded[o.name] = fusion.Contribution{Backend: o.name, Result: o.result, Latency: o.latency}

		case <-timer.Chan():
			for _, d := range pending {
				c.settle(ctx, d, cfg.Timeout, false)
			}
			err := apperrors.NewTimeoutError(
				fmt.Sprintf("%d of %d backends did not answer within %s", len(pending), len(calls), cfg.Timeout), nil)
			span.SetStatus(codes.Error, err.Error())
			return models.AnalysisResult{}, err

		case <-ctx.Done():
			// the caller gave up; outstanding calls are not the backends' fault
			for _, d := range pending {
				d.release()
			}
			err := apperrors.NewTimeoutError("request cancelled while waiting for backends", ctx.Err())
			span.SetStatus(codes.Error, err.Error())
			return models.AnalysisResult{}, err
		}
	}

	if len(succeeded) == 0 {
		err := apperrors.NewBackendError(
			fmt.Sprintf("all %d backends failed", len(calls)), errors.Join(failures...))
		span.SetStatus(codes.Error, err.Error())
		return models.AnalysisResult{}, err
	}

	contributions := make([]fusion.Contribution, 0, len(succeeded))
	for _, d := range calls {
		if contrib, ok := succeeded[d.name]; ok {
			contributions = append(contributions, contrib)
		}
	}
	span.SetAttributes(attribute.Int("succeeded", len(contributions)))
	return fusion.Merge(contributions), nil
}

// admit walks the candidates in order and takes the first limit that the
// breaker lets through
func (c *Coordinator) admit(candidates []string, limit int) []dispatched {
	calls := make([]dispatched, 0, limit)
	seen := make(map[string]bool, limit)
	for _, name := range candidates {
		if len(calls) == limit {
			break
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		b, ok := c.backends.Get(name)
		if !ok {
			logger.WithBackend(name).Warn("candidate backend is not registered")
			continue
		}
		allowed, release := c.breaker.Allow(name)
		if !allowed {
			logger.WithBackend(name).Debug("circuit refused call")
			continue
		}
		calls = append(calls, dispatched{name: name, backend: b, release: release})
	}
	return calls
}

func (c *Coordinator) call(ctx context.Context, d dispatched, image []byte, results chan<- outcome) {
	start := c.clock.Now()
	res, err := safeAnalyze(ctx, d.backend, image)
	if err == nil {
		res = res.Normalize()
	}
	results <- outcome{name: d.name, result: res, err: err, latency: c.clock.Since(start)}
}

func safeAnalyze(ctx context.Context, b backend.Backend, image []byte) (res models.AnalysisResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewInternalError(fmt.Sprintf("backend %s panicked: %v", b.Name(), r), nil)
		}
	}()
	return b.Analyze(ctx, image)
}

// settle records one outcome exactly once and frees the breaker slot
func (c *Coordinator) settle(ctx context.Context, d dispatched, latency time.Duration, success bool) {
	m := c.metrics.Record(d.name, latency, success)
	c.breaker.Record(m, success)
	d.release()
	telemetry.RecordBackendCall(ctx, d.name, success, latency)

	entry := logger.WithBackend(d.name).WithFields(logrus.Fields{
		"latency_ms": latency.Milliseconds(),
		"success":    success,
	})
	if success {
		entry.Debug("backend call completed")
	} else {
		entry.WithField("consecutive_failures", m.ConsecutiveFailures).Warn("backend call failed")
	}
}
