package selector

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anime-shed/image-orchestrator/internal/breaker"
	"github.com/anime-shed/image-orchestrator/internal/config"
	"github.com/anime-shed/image-orchestrator/internal/metrics"
)

type gateFunc func(string) bool

func (f gateFunc) Permits(id string) bool { return f(id) }

func (f gateFunc) State(id string) breaker.State {
	if f(id) {
		return breaker.Closed
	}
	return breaker.Open
}

// states is a gate driven by explicit circuit states
type states map[string]breaker.State

func (s states) Permits(id string) bool { return s[id] != breaker.Open }

func (s states) State(id string) breaker.State { return s[id] }

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

var allowAll = gateFunc(func(string) bool { return true })

type fixedMetrics map[string]metrics.BackendMetrics

func (f fixedMetrics) Snapshot(id string) (metrics.BackendMetrics, bool) {
	m, ok := f[id]
	return m, ok
}

func withReliability(id string, rel float64) metrics.BackendMetrics {
	return metrics.BackendMetrics{
		BackendID:        id,
		TotalRequests:    100,
		SuccessCount:     int64(rel * 100),
		FailureCount:     100 - int64(rel*100),
		LastFailure:      epoch,
		Reliability:      rel,
		PerformanceScore: metrics.PerformanceScore(rel, 0),
	}
}

func newSelector(t *testing.T, backends []string, gate Gate, source MetricsSource, opts ...Option) *Selector {
	t.Helper()
	opts = append([]Option{WithClock(clockwork.NewFakeClockAt(epoch))}, opts...)
	s, err := New(backends, gate, source, adaptive(), opts...)
	require.NoError(t, err)
	return s
}

func adaptive() config.LoadBalancingConfig {
	return config.LoadBalancingConfig{Enabled: true, Strategy: config.StrategyAdaptive, HealthCheckInterval: time.Second}
}

func TestAvailable_ExcludesClosedGate(t *testing.T) {
	gate := gateFunc(func(id string) bool { return id != "open" })
	s, err := New([]string{"open", "ok"}, gate, fixedMetrics{}, adaptive())
	require.NoError(t, err)

	assert.Equal(t, []string{"ok"}, s.Available())
}

func TestAvailable_ReliabilityBoundary(t *testing.T) {
	source := fixedMetrics{
		"low":  withReliability("low", 0.29),
		"edge": withReliability("edge", 0.31),
	}
	s := newSelector(t, []string{"low", "edge"}, allowAll, source)

	assert.Equal(t, []string{"edge"}, s.Available())
}

func TestAvailable_LowReliabilityReturnsAfterRest(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	source := fixedMetrics{"a": withReliability("a", 0)}
	s := newSelector(t, []string{"a"}, allowAll, source,
		WithClock(clock), WithRestPeriod(time.Minute))

	assert.Empty(t, s.Available())

	clock.Advance(time.Minute - time.Second)
	assert.Empty(t, s.Available())

	clock.Advance(time.Second)
	assert.Equal(t, []string{"a"}, s.Available())

	// a fresh failure starts another rest
	m := source["a"]
	m.LastFailure = clock.Now()
	source["a"] = m
	assert.Empty(t, s.Available())

	s.SetRestPeriod(0)
	assert.Equal(t, []string{"a"}, s.Available())
}

func TestAvailable_HalfOpenIgnoresReliability(t *testing.T) {
	source := fixedMetrics{
		"probing": withReliability("probing", 0),
		"closed":  withReliability("closed", 0),
	}
	gate := states{"probing": breaker.HalfOpen, "closed": breaker.Closed}
	s := newSelector(t, []string{"probing", "closed"}, gate, source)

	assert.Equal(t, []string{"probing"}, s.Available())
}

func TestAvailable_AdaptiveOrder(t *testing.T) {
	source := fixedMetrics{
		"steady": withReliability("steady", 0.95),
		"flaky":  withReliability("flaky", 0.4),
	}
	s, err := New([]string{"flaky", "new", "steady"}, allowAll, source, adaptive())
	require.NoError(t, err)

	// flaky scores 0.58, an unobserved backend sits at 0.5
	assert.Equal(t, []string{"steady", "flaky", "new"}, s.Available())
}

func TestAvailable_UnobservedIsNeutral(t *testing.T) {
	source := fixedMetrics{
		"poor": withReliability("poor", 0.31),
	}
	s, err := New([]string{"poor", "new"}, allowAll, source, adaptive())
	require.NoError(t, err)

	// 0.7*0.31+0.3 = 0.517 still beats neutral
	assert.Equal(t, []string{"poor", "new"}, s.Available())

	source["poor"] = metrics.BackendMetrics{BackendID: "poor", TotalRequests: 10, SuccessCount: 3,
		Reliability: 0.3, PerformanceScore: 0.3}
	assert.Equal(t, []string{"new", "poor"}, s.Available())
}

func TestAvailable_Empty(t *testing.T) {
	s, err := New([]string{"a"}, gateFunc(func(string) bool { return false }), fixedMetrics{}, adaptive())
	require.NoError(t, err)

	got := s.Available()
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestConfigure(t *testing.T) {
	source := fixedMetrics{"b": withReliability("b", 1)}
	s, err := New([]string{"a", "b"}, allowAll, source, adaptive())
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, s.Available())

	require.NoError(t, s.Configure(config.LoadBalancingConfig{Enabled: false, Strategy: config.StrategyAdaptive}))
	assert.Equal(t, config.StrategyStatic, s.Strategy())
	assert.Equal(t, []string{"a", "b"}, s.Available())

	assert.Error(t, s.Configure(config.LoadBalancingConfig{Enabled: true, Strategy: "bogus"}))
	assert.Equal(t, config.StrategyStatic, s.Strategy())
	assert.Equal(t, []string{"a", "b"}, s.Backends())
}
