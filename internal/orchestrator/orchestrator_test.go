package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/anime-shed/image-orchestrator/internal/backend"
	"github.com/anime-shed/image-orchestrator/internal/breaker"
	"github.com/anime-shed/image-orchestrator/internal/config"
	apperrors "github.com/anime-shed/image-orchestrator/internal/errors"
	"github.com/anime-shed/image-orchestrator/internal/logger"
	"github.com/anime-shed/image-orchestrator/internal/repository"
	"github.com/anime-shed/image-orchestrator/pkg/models"
	"github.com/anime-shed/image-orchestrator/pkg/validation"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type counted struct {
	calls atomic.Int32
	fn    func(ctx context.Context) (models.AnalysisResult, error)
}

func (c *counted) backend(name string) backend.Func {
	return backend.Func{ID: name, Fn: func(ctx context.Context, _ []byte) (models.AnalysisResult, error) {
		c.calls.Add(1)
		return c.fn(ctx)
	}}
}

func healthy(keywords ...string) *counted {
	return &counted{fn: func(context.Context) (models.AnalysisResult, error) {
		return models.AnalysisResult{Keywords: keywords, Colors: []string{"blue"}, Style: "minimalist", Mood: "calm", Confidence: 0.9}, nil
	}}
}

func failing() *counted {
	return &counted{fn: func(context.Context) (models.AnalysisResult, error) {
		return models.AnalysisResult{}, errors.New("backend down")
	}}
}

func blocking(release <-chan struct{}) *counted {
	return &counted{fn: func(context.Context) (models.AnalysisResult, error) {
		<-release
		return models.AnalysisResult{Keywords: []string{"slow"}, Confidence: 0.9}, nil
	}}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Backends = nil
	cfg.Fallback.LastResort = nil
	cfg.Optimization.Parallel.Timeout = time.Second
	return cfg
}

func newOrchestrator(t *testing.T, cfg *config.Config, backends map[string]*counted, opts ...Option) *Orchestrator {
	t.Helper()
	set := backend.NewSet()
	for _, name := range sortedNames(backends) {
		require.NoError(t, set.Add(backends[name].backend(name), nil))
	}
	o, err := New(cfg, set, opts...)
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o
}

func sortedNames(m map[string]*counted) []string {
	names := make([]string, 0, len(m))
	for _, n := range []string{"a", "b", "c", "vision", "tags", "ocr"} {
		if _, ok := m[n]; ok {
			names = append(names, n)
		}
	}
	return names
}

func request(image string) models.AnalysisRequest {
	return models.AnalysisRequest{Image: []byte(image)}
}

func forceFailures(o *Orchestrator, name string, n int) {
	for i := 0; i < n; i++ {
		m := o.store.Record(name, time.Millisecond, false)
		o.breaker.Record(m, false)
	}
}

// Scenario A: a repeated image is served from the cache without
// touching any backend.
func TestAnalyze_RepeatIsServedFromCache(t *testing.T) {
	a := healthy("cat", "sofa")
	o := newOrchestrator(t, testConfig(), map[string]*counted{"a": a})
	ctx := context.Background()

	first := o.Analyze(ctx, request("same image"))
	second := o.Analyze(ctx, request("same image"))

	assert.Equal(t, models.SourceBackend, first.Provenance.Source)
	assert.Equal(t, models.SourceCache, second.Provenance.Source)
	assert.Equal(t, first.Keywords, second.Keywords)
	assert.Equal(t, first.Provenance.CacheKey, second.Provenance.CacheKey)
	assert.Equal(t, int32(1), a.calls.Load())

	snap := o.Metrics()
	assert.Equal(t, int64(1), snap.Cache.Hits)
	require.Len(t, snap.Backends, 1)
	assert.Equal(t, int64(1), snap.Backends[0].TotalRequests)
	assert.Equal(t, int64(2), snap.Requests.Requests)
	assert.Equal(t, int64(1), snap.Requests.CacheHits)
}

// Scenario B: every backend tripped open leaves nothing to select, and
// Analyze still answers with the static default.
func TestAnalyze_AllBackendsOpenServesDefault(t *testing.T) {
	cfg := testConfig()
	cfg.Optimization.CircuitBreaker.FailureThreshold = 5
	a, b := failing(), failing()
	o := newOrchestrator(t, cfg, map[string]*counted{"a": a, "b": b})

	forceFailures(o, "a", 5)
	forceFailures(o, "b", 5)
	require.Equal(t, breaker.Open, o.breaker.State("a"))
	require.Equal(t, breaker.Open, o.breaker.State("b"))
	assert.Empty(t, o.selector.Available())

	var res models.AnalysisResult
	assert.NotPanics(t, func() {
		res = o.Analyze(context.Background(), request("img"))
	})
	assert.Equal(t, models.SourceDefault, res.Provenance.Source)
	assert.True(t, res.Provenance.Degraded)
	assert.Equal(t, []string{"artwork", "image", "visual"}, res.Keywords)
	assert.Contains(t, res.Provenance.FallbackReason, "no backend")
	assert.Zero(t, a.calls.Load())
	assert.Zero(t, b.calls.Load())
	assert.Equal(t, 0, o.cache.Len())
}

func TestAnalyze_FailingBackendsFallBackAndAreNotCached(t *testing.T) {
	a := failing()
	o := newOrchestrator(t, testConfig(), map[string]*counted{"a": a})

	for i := 0; i < 5; i++ {
		res := o.Analyze(context.Background(), request("img"))
		assert.True(t, res.Provenance.Degraded)
		assert.Equal(t, models.SourceDefault, res.Provenance.Source)
	}
	// one failure drops reliability below the floor, so the backend rests
	// for the recovery timeout and later requests never reach it
	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, 0, o.cache.Len())
	assert.Equal(t, int64(5), o.Metrics().Requests.Fallbacks)
}

// switchable fails until healed
func switchable(healed *atomic.Bool) *counted {
	return &counted{fn: func(context.Context) (models.AnalysisResult, error) {
		if !healed.Load() {
			return models.AnalysisResult{}, errors.New("backend down")
		}
		return models.AnalysisResult{Keywords: []string{"bridge", "river"}, Confidence: 0.8}, nil
	}}
}

func TestAnalyze_LowReliabilityBackendRecovers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := testConfig()
	cfg.Optimization.CircuitBreaker.FailureThreshold = 5
	recovery := cfg.Optimization.CircuitBreaker.RecoveryTimeout
	var healed atomic.Bool
	a := switchable(&healed)
	o := newOrchestrator(t, cfg, map[string]*counted{"a": a}, WithClock(clock))
	ctx := context.Background()

	res := o.Analyze(ctx, request("img-0"))
	require.Equal(t, models.SourceDefault, res.Provenance.Source)
	require.Equal(t, breaker.Closed, o.breaker.State("a"))
	assert.Empty(t, o.selector.Available())

	healed.Store(true)
	clock.Advance(recovery)
	assert.Equal(t, []string{"a"}, o.selector.Available())

	for i := 1; i <= 3; i++ {
		res := o.Analyze(ctx, request(fmt.Sprintf("img-%d", i)))
		assert.Equal(t, models.SourceBackend, res.Provenance.Source, "request %d", i)
		assert.Equal(t, []string{"bridge", "river"}, res.Keywords)
	}
	assert.Equal(t, int32(4), a.calls.Load())
}

// The full circuit round trip driven by Analyze alone: two failures trip
// the breaker, the recovery timer half-opens it and one success closes it.
func TestAnalyze_CircuitRoundTrip(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := testConfig()
	cfg.Optimization.CircuitBreaker.FailureThreshold = 2
	recovery := cfg.Optimization.CircuitBreaker.RecoveryTimeout
	var healed atomic.Bool
	a := switchable(&healed)
	o := newOrchestrator(t, cfg, map[string]*counted{"a": a}, WithClock(clock))
	ctx := context.Background()

	o.Analyze(ctx, request("img-0"))
	assert.Equal(t, breaker.Closed, o.breaker.State("a"))

	clock.Advance(recovery)
	res := o.Analyze(ctx, request("img-1"))
	assert.True(t, res.Provenance.Degraded)
	require.Equal(t, breaker.Open, o.breaker.State("a"))
	assert.Equal(t, int32(2), a.calls.Load())

	res = o.Analyze(ctx, request("img-2"))
	assert.Equal(t, models.SourceDefault, res.Provenance.Source)
	assert.Equal(t, int32(2), a.calls.Load())

	clock.Advance(recovery)
	require.Eventually(t, func() bool { return o.breaker.State("a") == breaker.HalfOpen },
		time.Second, 5*time.Millisecond)

	healed.Store(true)
	res = o.Analyze(ctx, request("img-3"))
	assert.Equal(t, models.SourceBackend, res.Provenance.Source)
	assert.Equal(t, breaker.Closed, o.breaker.State("a"))
	m, _ := o.store.Snapshot("a")
	assert.Zero(t, m.ConsecutiveFailures)

	res = o.Analyze(ctx, request("img-4"))
	assert.Equal(t, models.SourceBackend, res.Provenance.Source)
	assert.Equal(t, int32(4), a.calls.Load())
	assert.Equal(t, breaker.Closed, o.Metrics().Circuits["a"])
}

// Scenario C: with the others open, only the healthy backend is called
// and only its metrics move.
func TestAnalyze_OnlyHealthyBackendServes(t *testing.T) {
	cfg := testConfig()
	cfg.Optimization.CircuitBreaker.FailureThreshold = 2
	vision, tags, ocr := failing(), healthy("dog", "park"), failing()
	o := newOrchestrator(t, cfg, map[string]*counted{"vision": vision, "tags": tags, "ocr": ocr})

	forceFailures(o, "vision", 2)
	forceFailures(o, "ocr", 2)

	res := o.Analyze(context.Background(), request("img"))
	assert.Equal(t, models.SourceBackend, res.Provenance.Source)
	assert.False(t, res.Provenance.Degraded)
	assert.Equal(t, []string{"dog", "park"}, res.Keywords)
	assert.Len(t, res.Provenance.Backends, 1)
	assert.Contains(t, res.Provenance.Backends, "tags")

	assert.Zero(t, vision.calls.Load())
	assert.Zero(t, ocr.calls.Load())
	m, _ := o.store.Snapshot("tags")
	assert.Equal(t, int64(1), m.SuccessCount)
	m, _ = o.store.Snapshot("vision")
	assert.Equal(t, int64(2), m.TotalRequests)

	snap := o.Metrics()
	assert.Equal(t, breaker.Open, snap.Circuits["vision"])
	assert.Equal(t, breaker.Closed, snap.Circuits["tags"])
}

func TestAnalyze_FusesParallelBackends(t *testing.T) {
	a, b := healthy("cat", "sofa"), healthy("cat", "lamp")
	o := newOrchestrator(t, testConfig(), map[string]*counted{"a": a, "b": b})

	res := o.Analyze(context.Background(), request("img"))
	assert.True(t, res.Provenance.Fused)
	assert.Len(t, res.Provenance.Backends, 2)
	assert.Equal(t, "cat", res.Keywords[0])
	assert.NotEmpty(t, res.ID)
}

func TestAnalyze_ValidatorFillsGaps(t *testing.T) {
	bare := &counted{fn: func(context.Context) (models.AnalysisResult, error) {
		return models.AnalysisResult{Confidence: 0.2}, nil
	}}
	o := newOrchestrator(t, testConfig(), map[string]*counted{"a": bare})

	res := o.Analyze(context.Background(), request("img"))
	assert.NotEmpty(t, res.Keywords)
	assert.Equal(t, []string{"neutral"}, res.Colors)
	assert.NotEmpty(t, res.Style)
	assert.NotEmpty(t, res.Mood)
	assert.InDelta(t, 0.3, res.Confidence, 1e-9)
}

func TestAnalyze_PanickingBackendFallsBack(t *testing.T) {
	boom := &counted{fn: func(context.Context) (models.AnalysisResult, error) {
		panic("bad backend")
	}}
	o := newOrchestrator(t, testConfig(), map[string]*counted{"a": boom})

	res := o.Analyze(context.Background(), request("img"))
	assert.True(t, res.Provenance.Degraded)
	assert.Contains(t, res.Provenance.FallbackReason, "panicked")
}

func TestAnalyze_ConcurrentIdenticalRequestsShareOneRun(t *testing.T) {
	release := make(chan struct{})
	slow := blocking(release)
	o := newOrchestrator(t, testConfig(), map[string]*counted{"a": slow})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]models.AnalysisResult, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = o.Analyze(context.Background(), request("shared"))
		}(i)
	}

	require.Eventually(t, func() bool { return slow.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), slow.calls.Load())
	for _, r := range results {
		assert.Equal(t, []string{"slow"}, r.Keywords)
		assert.False(t, r.Provenance.Degraded)
	}
}

func TestAnalyze_CallerCancellationFallsBack(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	o := newOrchestrator(t, testConfig(), map[string]*counted{"a": blocking(release)})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res := o.Analyze(ctx, request("img"))
	assert.True(t, res.Provenance.Degraded)
	assert.Contains(t, res.Provenance.FallbackReason, "cancelled")
}

func TestAnalyze_GlobalBoundRoutesOverflowToFallback(t *testing.T) {
	cfg := testConfig()
	cfg.Optimization.Parallel.MaxGlobalConcurrent = 1
	release := make(chan struct{})
	slow := blocking(release)
	o := newOrchestrator(t, cfg, map[string]*counted{"a": slow})

	done := make(chan models.AnalysisResult, 1)
	go func() { done <- o.Analyze(context.Background(), request("first")) }()
	require.Eventually(t, func() bool { return slow.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	second := o.Analyze(ctx, request("second"))
	assert.True(t, second.Provenance.Degraded)
	assert.Equal(t, int32(1), slow.calls.Load())

	close(release)
	first := <-done
	assert.False(t, first.Provenance.Degraded)
}

func TestAnalyze_CacheDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Optimization.Cache.Enabled = false
	a := healthy("x")
	o := newOrchestrator(t, cfg, map[string]*counted{"a": a})

	o.Analyze(context.Background(), request("img"))
	res := o.Analyze(context.Background(), request("img"))
	assert.Equal(t, models.SourceBackend, res.Provenance.Source)
	assert.Equal(t, int32(2), a.calls.Load())
	assert.Equal(t, 0, o.cache.Len())
}

func TestUpdateConfig(t *testing.T) {
	o := newOrchestrator(t, testConfig(), map[string]*counted{"a": healthy("x")})
	ctx := context.Background()

	zero := 0
	err := o.UpdateConfig(ctx, config.OptimizationOverrides{
		Cache: &config.CacheOverrides{MaxSize: &zero},
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfiguration))
	assert.Equal(t, 1000, o.Config().Cache.MaxSize)

	strategy := config.StrategyRoundRobin
	size := 2
	global := 3
	disabled := false
	require.NoError(t, o.UpdateConfig(ctx, config.OptimizationOverrides{
		Cache:          &config.CacheOverrides{MaxSize: &size},
		LoadBalancing:  &config.LoadBalancingOverrides{Strategy: &strategy},
		CircuitBreaker: &config.CircuitBreakerOverrides{Enabled: &disabled},
		Parallel:       &config.ParallelOverrides{MaxGlobalConcurrent: &global},
	}))

	snap := o.Metrics()
	assert.Equal(t, config.StrategyRoundRobin, snap.Strategy)
	assert.Equal(t, 2, snap.Cache.MaxSize)
	assert.False(t, snap.Config.CircuitBreaker.Enabled)
	assert.NotNil(t, o.sem)

	for _, img := range []string{"1", "2", "3"} {
		o.Analyze(ctx, request(img))
	}
	assert.Equal(t, 2, o.cache.Len())
}

func TestClearCache(t *testing.T) {
	o := newOrchestrator(t, testConfig(), map[string]*counted{"a": healthy("x")})
	o.Analyze(context.Background(), request("img"))
	require.Equal(t, 1, o.cache.Len())

	o.ClearCache()
	assert.Equal(t, 0, o.cache.Len())
}

func TestPreload(t *testing.T) {
	a := healthy("x")
	o := newOrchestrator(t, testConfig(), map[string]*counted{"a": a},
		WithPreloadLimits(2, rate.Inf, 1))

	o.Preload(context.Background(), [][]byte{[]byte("1"), []byte("2"), []byte("3")})
	o.WaitPreload()

	assert.Equal(t, 3, o.cache.Len())
	assert.Equal(t, int32(3), a.calls.Load())
	assert.Equal(t, int64(3), o.Metrics().Preload.CompletedJobs)
}

type fakeRepo struct {
	urls   *validation.URLValidator
	images map[string][]byte
}

func (r *fakeRepo) FetchImage(_ context.Context, url string) (repository.Image, error) {
	data, ok := r.images[url]
	if !ok {
		return repository.Image{}, apperrors.NewNotFoundError("no such image", nil)
	}
	return repository.Image{URL: url, Data: data, Info: validation.ImageInfo{Size: len(data)}}, nil
}

func (r *fakeRepo) ValidateImageURL(url string) error {
	return r.urls.ValidateImageURL(url)
}

func TestPreloadURLs(t *testing.T) {
	repo := &fakeRepo{
		urls: validation.NewURLValidator(),
		images: map[string][]byte{
			"https://img.example.com/1.png": []byte("one"),
			"https://img.example.com/2.png": []byte("two"),
		},
	}
	a := healthy("x")
	o := newOrchestrator(t, testConfig(), map[string]*counted{"a": a},
		WithRepository(repo), WithPreloadLimits(2, rate.Inf, 1))
	ctx := context.Background()

	err := o.PreloadURLs(ctx, []string{"https://img.example.com/1.png", "ftp://nope"})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	require.NoError(t, o.PreloadURLs(ctx, []string{
		"https://img.example.com/1.png",
		"https://img.example.com/2.png",
		"https://img.example.com/missing.png",
	}))
	o.WaitPreload()

	assert.Equal(t, 2, o.cache.Len())
	assert.Equal(t, int32(2), a.calls.Load())
}

func TestPreloadURLs_WithoutRepository(t *testing.T) {
	o := newOrchestrator(t, testConfig(), map[string]*counted{"a": healthy("x")})
	err := o.PreloadURLs(context.Background(), []string{"https://img.example.com/1.png"})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfiguration))
}

func TestStartHealthChecks_PurgesExpiredEntries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := testConfig()
	cfg.Optimization.Cache.DefaultTTL = time.Minute
	cfg.Optimization.LoadBalancing.HealthCheckInterval = 30 * time.Second
	o := newOrchestrator(t, cfg, map[string]*counted{"a": healthy("x")}, WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.cache.Put(ctx, "k", models.AnalysisResult{Keywords: []string{"x"}, Confidence: 0.5})

	o.StartHealthChecks(ctx)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(2 * time.Minute)

	require.Eventually(t, func() bool { return o.cache.Len() == 0 }, time.Second, time.Millisecond)
}
