package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anime-shed/image-orchestrator/internal/backend"
	"github.com/anime-shed/image-orchestrator/internal/breaker"
	"github.com/anime-shed/image-orchestrator/internal/config"
	apperrors "github.com/anime-shed/image-orchestrator/internal/errors"
	"github.com/anime-shed/image-orchestrator/internal/metrics"
	"github.com/anime-shed/image-orchestrator/pkg/models"
)

const timeout = 100 * time.Millisecond

var errBoom = errors.New("boom")

type fixture struct {
	clock   *clockwork.FakeClock
	set     *backend.Set
	store   *metrics.Store
	breaker *breaker.Registry
	coord   *Coordinator
	calls   sync.Map // name -> *atomic.Int32
}

func newFixture(t *testing.T, parallel config.ParallelConfig, cb config.CircuitBreakerConfig) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	f := &fixture{
		clock: clock,
		set:   backend.NewSet(),
		store: metrics.NewStore(clock),
	}
	f.breaker = breaker.NewRegistry(cb, f.store, breaker.WithClock(clock))
	t.Cleanup(f.breaker.Stop)
	f.coord = New(f.set, f.store, f.breaker, parallel, WithClock(clock))
	return f
}

func defaultFixture(t *testing.T) *fixture {
	return newFixture(t,
		config.ParallelConfig{Enabled: true, MaxConcurrentRequests: 2, Timeout: timeout},
		config.CircuitBreakerConfig{Enabled: true, FailureThreshold: 100, RecoveryTimeout: time.Minute, HalfOpenMaxProbes: 1},
	)
}

func (f *fixture) add(t *testing.T, name string, fn func(ctx context.Context) (models.AnalysisResult, error)) {
	t.Helper()
	counter := &atomic.Int32{}
	f.calls.Store(name, counter)
	require.NoError(t, f.set.Add(backend.Func{ID: name, Fn: func(ctx context.Context, _ []byte) (models.AnalysisResult, error) {
		counter.Add(1)
		return fn(ctx)
	}}, nil))
}

func (f *fixture) callCount(name string) int32 {
	v, ok := f.calls.Load(name)
	if !ok {
		return 0
	}
	return v.(*atomic.Int32).Load()
}

func ok(keywords ...string) func(context.Context) (models.AnalysisResult, error) {
	return func(context.Context) (models.AnalysisResult, error) {
		return models.AnalysisResult{Keywords: keywords, Confidence: 0.8}, nil
	}
}

func fail(context.Context) (models.AnalysisResult, error) {
	return models.AnalysisResult{}, errBoom
}

func request() models.AnalysisRequest {
	return models.AnalysisRequest{ID: "req-1", Image: []byte("img")}
}

func TestRun_NoCandidates(t *testing.T) {
	f := defaultFixture(t)
	_, err := f.coord.Run(context.Background(), request(), nil)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNoBackends))
}

func TestRun_UnknownCandidatesOnly(t *testing.T) {
	f := defaultFixture(t)
	_, err := f.coord.Run(context.Background(), request(), []string{"ghost"})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNoBackends))
}

func TestRun_LimitsFanOut(t *testing.T) {
	f := defaultFixture(t)
	for _, name := range []string{"a", "b", "c", "d"} {
		f.add(t, name, ok("cat"))
	}

	res, err := f.coord.Run(context.Background(), request(), []string{"c", "a", "b", "d"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.callCount("c"))
	assert.Equal(t, int32(1), f.callCount("a"))
	assert.Zero(t, f.callCount("b"))
	assert.Zero(t, f.callCount("d"))
	assert.Len(t, res.Provenance.Backends, 2)
	assert.True(t, res.Provenance.Fused)
	assert.Equal(t, []string{"cat"}, res.Keywords)
}

func TestRun_ParallelDisabledUsesOne(t *testing.T) {
	f := newFixture(t,
		config.ParallelConfig{Enabled: false, MaxConcurrentRequests: 3, Timeout: timeout},
		config.CircuitBreakerConfig{Enabled: false},
	)
	f.add(t, "a", ok("x"))
	f.add(t, "b", ok("y"))

	res, err := f.coord.Run(context.Background(), request(), []string{"b", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, res.Keywords)
	assert.Zero(t, f.callCount("a"))
	assert.False(t, res.Provenance.Fused)
}

func TestRun_SkipsRefusedAndDuplicates(t *testing.T) {
	f := newFixture(t,
		config.ParallelConfig{Enabled: true, MaxConcurrentRequests: 2, Timeout: timeout},
		config.CircuitBreakerConfig{Enabled: true, FailureThreshold: 1, RecoveryTimeout: time.Hour, HalfOpenMaxProbes: 1},
	)
	f.add(t, "a", ok("x"))
	f.add(t, "b", ok("y"))
	f.add(t, "c", ok("z"))

	// trip a
	f.breaker.Record(f.store.Record("a", time.Millisecond, false), false)
	require.Equal(t, breaker.Open, f.breaker.State("a"))

	res, err := f.coord.Run(context.Background(), request(), []string{"a", "b", "b", "c"})
	require.NoError(t, err)
	assert.Zero(t, f.callCount("a"))
	assert.Equal(t, int32(1), f.callCount("b"))
	assert.Equal(t, int32(1), f.callCount("c"))
	assert.Contains(t, res.Provenance.Backends, "b")
	assert.Contains(t, res.Provenance.Backends, "c")
}

func TestRun_PartialFailureRecordsEach(t *testing.T) {
	f := defaultFixture(t)
	f.add(t, "good", ok("cat"))
	f.add(t, "bad", fail)

	res, err := f.coord.Run(context.Background(), request(), []string{"bad", "good"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cat"}, res.Keywords)
	assert.NotContains(t, res.Provenance.Backends, "bad")

	good, _ := f.store.Snapshot("good")
	bad, _ := f.store.Snapshot("bad")
	assert.Equal(t, int64(1), good.SuccessCount)
	assert.Equal(t, int64(1), bad.FailureCount)
	assert.Equal(t, 1, bad.ConsecutiveFailures)
}

func TestRun_AllFailJoinsCauses(t *testing.T) {
	f := defaultFixture(t)
	errOther := errors.New("other")
	f.add(t, "a", fail)
	f.add(t, "b", func(context.Context) (models.AnalysisResult, error) {
		return models.AnalysisResult{}, errOther
	})

	_, err := f.coord.Run(context.Background(), request(), []string{"a", "b"})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeBackend))
	assert.ErrorIs(t, err, errBoom)
	assert.ErrorIs(t, err, errOther)
}

func TestRun_PanickingBackendIsAFailure(t *testing.T) {
	f := defaultFixture(t)
	f.add(t, "a", func(context.Context) (models.AnalysisResult, error) {
		panic("kaboom")
	})

	_, err := f.coord.Run(context.Background(), request(), []string{"a"})
	require.Error(t, err)
	m, _ := f.store.Snapshot("a")
	assert.Equal(t, int64(1), m.FailureCount)
}

func TestRun_TripsBreaker(t *testing.T) {
	f := newFixture(t,
		config.ParallelConfig{Enabled: true, MaxConcurrentRequests: 1, Timeout: timeout},
		config.CircuitBreakerConfig{Enabled: true, FailureThreshold: 2, RecoveryTimeout: time.Hour, HalfOpenMaxProbes: 1},
	)
	f.add(t, "a", fail)

	for i := 0; i < 2; i++ {
		_, err := f.coord.Run(context.Background(), request(), []string{"a"})
		require.Error(t, err)
	}
	assert.Equal(t, breaker.Open, f.breaker.State("a"))

	_, err := f.coord.Run(context.Background(), request(), []string{"a"})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNoBackends))
	assert.Equal(t, int32(2), f.callCount("a"))
}

func TestRun_TimeoutRecordsOutstandingOnce(t *testing.T) {
	f := defaultFixture(t)
	unblock := make(chan struct{})
	f.add(t, "fast", ok("cat"))
	f.add(t, "stuck", func(context.Context) (models.AnalysisResult, error) {
		<-unblock // ignores cancellation
		return models.AnalysisResult{Keywords: []string{"late"}}, nil
	})

	type result struct {
		res models.AnalysisResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := f.coord.Run(context.Background(), request(), []string{"fast", "stuck"})
		done <- result{res, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	require.Eventually(t, func() bool {
		m, ok := f.store.Snapshot("fast")
		return ok && m.SuccessCount == 1
	}, time.Second, time.Millisecond)

	f.clock.Advance(timeout)

	select {
	case r := <-done:
		assert.True(t, apperrors.IsType(r.err, apperrors.ErrorTypeTimeout), "got %v", r.err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the deadline")
	}

	stuck, _ := f.store.Snapshot("stuck")
	assert.Equal(t, int64(1), stuck.FailureCount)
	assert.Equal(t, timeout, stuck.LastLatency)

	// the zombie finishes later and must not be recorded again
	close(unblock)
	time.Sleep(20 * time.Millisecond)
	stuck, _ = f.store.Snapshot("stuck")
	assert.Equal(t, int64(1), stuck.TotalRequests)
	fast, _ := f.store.Snapshot("fast")
	assert.Equal(t, int64(1), fast.TotalRequests)
}

func TestRun_TimeoutRealClock(t *testing.T) {
	store := metrics.NewStore(clockwork.NewRealClock())
	reg := breaker.NewRegistry(config.CircuitBreakerConfig{Enabled: false}, store)
	set := backend.NewSet()
	never := make(chan struct{})
	defer close(never)
	require.NoError(t, set.Add(backend.Func{ID: "never", Fn: func(context.Context, []byte) (models.AnalysisResult, error) {
		<-never
		return models.AnalysisResult{}, nil
	}}, nil))

	coord := New(set, store, reg, config.ParallelConfig{Enabled: true, MaxConcurrentRequests: 1, Timeout: timeout})

	start := time.Now()
	_, err := coord.Run(context.Background(), request(), []string{"never"})
	elapsed := time.Since(start)

	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeTimeout))
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, 3*timeout)
}

func TestRun_CallerCancellationIsNotRecorded(t *testing.T) {
	f := defaultFixture(t)
	hold := make(chan struct{})
	defer close(hold)
	f.add(t, "slow", func(context.Context) (models.AnalysisResult, error) {
		<-hold
		return models.AnalysisResult{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = f.clock.BlockUntilContext(context.Background(), 1)
		cancel()
	}()

	_, err := f.coord.Run(ctx, request(), []string{"slow"})
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeTimeout))
	_, recorded := f.store.Snapshot("slow")
	assert.False(t, recorded)
}

func TestConfigure(t *testing.T) {
	f := defaultFixture(t)
	f.add(t, "a", ok("x"))
	f.add(t, "b", ok("y"))

	f.coord.Configure(config.ParallelConfig{Enabled: true, MaxConcurrentRequests: 1, Timeout: timeout})
	_, err := f.coord.Run(context.Background(), request(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Zero(t, f.callCount("b"))
}
