// Package orchestrator ties the cache, selector, coordinator, validator and
// fallback chain into a single Analyze call that always produces a result.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/anime-shed/image-orchestrator/internal/backend"
	"github.com/anime-shed/image-orchestrator/internal/breaker"
	"github.com/anime-shed/image-orchestrator/internal/cache"
	"github.com/anime-shed/image-orchestrator/internal/config"
	apperrors "github.com/anime-shed/image-orchestrator/internal/errors"
	"github.com/anime-shed/image-orchestrator/internal/executor"
	"github.com/anime-shed/image-orchestrator/internal/fallback"
	"github.com/anime-shed/image-orchestrator/internal/fusion"
	"github.com/anime-shed/image-orchestrator/internal/logger"
	"github.com/anime-shed/image-orchestrator/internal/metrics"
	"github.com/anime-shed/image-orchestrator/internal/observer"
	"github.com/anime-shed/image-orchestrator/internal/repository"
	"github.com/anime-shed/image-orchestrator/internal/selector"
	"github.com/anime-shed/image-orchestrator/internal/telemetry"
	"github.com/anime-shed/image-orchestrator/internal/workerpool"
	"github.com/anime-shed/image-orchestrator/pkg/models"
)

const (
	defaultPreloadWorkers = 4
	defaultPreloadRate    = rate.Limit(10)
	defaultPreloadBurst   = 5
)

// Orchestrator serves analysis requests. It is safe for concurrent use.
type Orchestrator struct {
	mu  sync.RWMutex
	cfg config.Optimization
	sem *semaphore.Weighted // nil when unbounded

	clock       clockwork.Clock
	cache       *cache.ResultCache
	store       *metrics.Store
	breaker     *breaker.Registry
	selector    *selector.Selector
	coordinator *executor.Coordinator
	validator   *fusion.Validator
	fallback    *fallback.Chain
	repo        repository.ImageRepository
	events      *observer.EventPublisher
	stats       *observer.StatsObserver
	group       singleflight.Group

	pool     *workerpool.WorkerPool
	limiter  *rate.Limiter
	feeders  sync.WaitGroup
	extra    []observer.Observer
	workers  int
	closeOne sync.Once
}

type Option func(*Orchestrator)

func WithClock(clock clockwork.Clock) Option {
	return func(o *Orchestrator) {
		o.clock = clock
	}
}

// WithRepository enables PreloadURLs
func WithRepository(repo repository.ImageRepository) Option {
	return func(o *Orchestrator) {
		o.repo = repo
	}
}

// WithObserver subscribes an additional event observer
func WithObserver(obs observer.Observer) Option {
	return func(o *Orchestrator) {
		o.extra = append(o.extra, obs)
	}
}

// WithPreloadLimits bounds warm-up work to workers goroutines and limit
// analyses per second
func WithPreloadLimits(workers int, limit rate.Limit, burst int) Option {
	return func(o *Orchestrator) {
		o.workers = workers
		o.limiter = rate.NewLimiter(limit, burst)
	}
}

// New wires an orchestrator over the registered backends
func New(cfg *config.Config, backends *backend.Set, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:     cfg.Optimization,
		clock:   clockwork.NewRealClock(),
		events:  observer.NewEventPublisher(logger.Logger),
		stats:   observer.NewStatsObserver(),
		workers: defaultPreloadWorkers,
		limiter: rate.NewLimiter(defaultPreloadRate, defaultPreloadBurst),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.events.Subscribe(observer.NewLoggingObserver(logger.Logger))
	o.events.Subscribe(o.stats)
	for _, obs := range o.extra {
		o.events.Subscribe(obs)
	}

	opt := cfg.Optimization
	o.sem = newSemaphore(opt.Parallel.MaxGlobalConcurrent)
	o.cache = cache.New(o.clock, opt.Cache.MaxSize, opt.Cache.DefaultTTL)
	o.store = metrics.NewStore(o.clock)
	o.breaker = breaker.NewRegistry(opt.CircuitBreaker, o.store,
		breaker.WithClock(o.clock),
		breaker.WithTransitionHook(o.onTransition))
	for name, p := range backends.Probers() {
		o.breaker.RegisterProber(name, p)
	}

	sel, err := selector.New(backends.Names(), o.breaker, o.store, opt.LoadBalancing,
		selector.WithClock(o.clock),
		selector.WithRestPeriod(opt.CircuitBreaker.RecoveryTimeout))
	if err != nil {
		return nil, err
	}
	o.selector = sel
	o.coordinator = executor.New(backends, o.store, o.breaker, opt.Parallel, executor.WithClock(o.clock))
	o.validator = fusion.NewValidator(opt.Fusion)
	o.fallback = fallback.New(cfg.Fallback, o.cache, backends, fallback.WithClock(o.clock))
	o.pool = workerpool.NewWorkerPool(o.workers)
	o.pool.Start()

	logger.WithFields(logrus.Fields{
		"backends": backends.Names(),
		"strategy": sel.Strategy(),
	}).Info("orchestrator ready")
	return o, nil
}

func newSemaphore(n int) *semaphore.Weighted {
	if n <= 0 {
		return nil
	}
	return semaphore.NewWeighted(int64(n))
}

func (o *Orchestrator) onTransition(t breaker.Transition) {
	o.events.Notify(context.Background(), observer.Event{
		Type:      observer.CircuitStateChanged,
		Timestamp: t.At,
		Backend:   t.Backend,
		Metadata: map[string]interface{}{
			"from": t.From.String(),
			"to":   t.To.String(),
		},
	})
}

func (o *Orchestrator) config() config.Optimization {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// Analyze never fails. When no backend can answer, the result comes from
// the fallback chain and is marked degraded.
func (o *Orchestrator) Analyze(ctx context.Context, req models.AnalysisRequest) models.AnalysisResult {
	start := o.clock.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	key := cache.Fingerprint(req.Image)

	ctx, span := telemetry.StartSpan(ctx, "orchestrator.Analyze",
		attribute.String("request.id", req.ID),
		attribute.String("cache.key", key))
	defer span.End()

	o.events.Notify(ctx, observer.Event{Type: observer.AnalysisStarted, RequestID: req.ID, CacheKey: key})

	cfg := o.config()
	if cfg.Cache.Enabled {
		if res, ok := o.cache.Get(ctx, key); ok {
			res.Provenance.Source = models.SourceCache
			res.Provenance.CacheKey = key
			return o.finish(ctx, req, res, start)
		}
	}

	// identical images share one pipeline run. Only the wait for a global
	// slot follows the first caller's context; the run itself is detached
	// so that caller's cancellation cannot fail the others.
	ch := o.group.DoChan(key, func() (interface{}, error) {
		return o.pipeline(context.WithoutCancel(ctx), ctx, req, key), nil
	})

	var res models.AnalysisResult
	select {
	case r := <-ch:
		res = r.Val.(models.AnalysisResult).Clone()
		if r.Shared {
			span.SetAttributes(attribute.Bool("shared", true))
		}
	case <-ctx.Done():
		res = o.fallback.Resolve(ctx, req, apperrors.NewTimeoutError("request cancelled", ctx.Err()))
	}
	span.SetAttributes(attribute.String("source", string(res.Provenance.Source)))
	return o.finish(ctx, req, res, start)
}

func (o *Orchestrator) pipeline(ctx, waitCtx context.Context, req models.AnalysisRequest, key string) models.AnalysisResult {
	cfg := o.config()
	res, err := o.run(ctx, waitCtx, req)
	if err != nil {
		logger.WithRequest(req.ID, key).WithError(err).Warn("pipeline failed, falling back")
		return o.fallback.Resolve(ctx, req, err)
	}
	res.Provenance.CacheKey = key
	if cfg.Cache.Enabled && !res.Provenance.Degraded {
		o.cache.Put(ctx, key, res)
	}
	return res
}

// run covers selection, execution and validation. A panic anywhere in
// them surfaces as an internal error.
func (o *Orchestrator) run(ctx, waitCtx context.Context, req models.AnalysisRequest) (res models.AnalysisResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewInternalError(fmt.Sprintf("analysis pipeline panicked: %v", r), nil)
		}
	}()

	o.mu.RLock()
	sem := o.sem
	o.mu.RUnlock()
	if sem != nil {
		if err := sem.Acquire(waitCtx, 1); err != nil {
			return res, apperrors.NewTimeoutError("global concurrency limit reached", err)
		}
		defer sem.Release(1)
	}

	candidates := o.selector.Available()
	if len(candidates) == 0 {
		return res, apperrors.NewNoBackendsError("no backend is currently eligible")
	}

	res, err = o.coordinator.Run(ctx, req, candidates)
	if err != nil {
		return res, err
	}
	return o.validator.Validate(res), nil
}

func (o *Orchestrator) finish(ctx context.Context, req models.AnalysisRequest, res models.AnalysisResult, start time.Time) models.AnalysisResult {
	elapsed := o.clock.Since(start)
	event := observer.Event{
		Type:      observer.AnalysisCompleted,
		RequestID: req.ID,
		CacheKey:  res.Provenance.CacheKey,
		Source:    string(res.Provenance.Source),
		Duration:  elapsed,
	}
	switch {
	case res.Provenance.Source == models.SourceCache:
		event.Type = observer.CacheHit
	case res.Provenance.Degraded:
		event.Type = observer.AnalysisDegraded
		event.Error = res.Provenance.FallbackReason
	}
	o.events.Notify(ctx, event)
	telemetry.RecordAnalyze(ctx, string(res.Provenance.Source), elapsed)
	return res
}

// UpdateConfig merges overrides into the active settings. Invalid
// overrides are rejected and leave the previous settings in place.
func (o *Orchestrator) UpdateConfig(ctx context.Context, ov config.OptimizationOverrides) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	next, err := o.cfg.Merge(ov)
	if err != nil {
		return err
	}
	if err := o.selector.Configure(next.LoadBalancing); err != nil {
		return err
	}
	o.cache.Resize(ctx, next.Cache.MaxSize, next.Cache.DefaultTTL)
	o.breaker.Configure(next.CircuitBreaker)
	o.selector.SetRestPeriod(next.CircuitBreaker.RecoveryTimeout)
	o.coordinator.Configure(next.Parallel)
	o.validator.Configure(next.Fusion)
	if next.Parallel.MaxGlobalConcurrent != o.cfg.Parallel.MaxGlobalConcurrent {
		o.sem = newSemaphore(next.Parallel.MaxGlobalConcurrent)
	}
	o.cfg = next

	logger.WithFields(logrus.Fields{
		"strategy":        o.selector.Strategy(),
		"cache_enabled":   next.Cache.Enabled,
		"breaker_enabled": next.CircuitBreaker.Enabled,
	}).Info("optimization settings updated")
	return nil
}

// Config returns the active optimization settings
func (o *Orchestrator) Config() config.Optimization {
	return o.config()
}

// ClearCache drops every cached result
func (o *Orchestrator) ClearCache() {
	o.cache.Clear()
	logger.Logger.Info("result cache cleared")
}

// Snapshot is the introspection view returned by Metrics
type Snapshot struct {
	Strategy string                   `json:"strategy"`
	Cache    cache.Stats              `json:"cache"`
	Backends []metrics.BackendMetrics `json:"backends"`
	Circuits map[string]breaker.State `json:"circuits"`
	Requests observer.Stats           `json:"requests"`
	Preload  workerpool.Stats         `json:"preload"`
	Config   config.Optimization      `json:"config"`
}

func (o *Orchestrator) Metrics() Snapshot {
	circuits := make(map[string]breaker.State)
	for _, name := range o.selector.Backends() {
		circuits[name] = o.breaker.State(name)
	}
	return Snapshot{
		Strategy: o.selector.Strategy(),
		Cache:    o.cache.Stats(),
		Backends: o.store.All(),
		Circuits: circuits,
		Requests: o.stats.Stats(),
		Preload:  o.pool.GetStats(),
		Config:   o.config(),
	}
}

// Close stops background work. In-flight preload jobs finish first.
func (o *Orchestrator) Close() {
	o.closeOne.Do(func() {
		o.feeders.Wait()
		o.pool.Close()
		o.breaker.Stop()
	})
}
