// Package selector decides which registered backends may serve the next
// request and in what order.
package selector

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/anime-shed/image-orchestrator/internal/breaker"
	"github.com/anime-shed/image-orchestrator/internal/config"
	"github.com/anime-shed/image-orchestrator/internal/metrics"
	"github.com/anime-shed/image-orchestrator/internal/strategy"
)

const (
	// MinReliability is the lowest observed reliability a backend may have
	// and still be selected
	MinReliability = 0.3

	// DefaultRestPeriod matches the default circuit recovery timeout
	DefaultRestPeriod = 60 * time.Second
)

// Gate reports whether a backend's circuit admits calls
type Gate interface {
	Permits(backendID string) bool
	State(backendID string) breaker.State
}

// MetricsSource provides per-backend history
type MetricsSource interface {
	Snapshot(backendID string) (metrics.BackendMetrics, bool)
}

type Selector struct {
	mu       sync.RWMutex
	backends []string
	gate     Gate
	metrics  MetricsSource
	ranker   strategy.Ranker
	clock    clockwork.Clock
	rest     time.Duration
}

type Option func(*Selector)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Selector) {
		s.clock = clock
	}
}

// WithRestPeriod sets how long a backend under the reliability cutoff is
// left alone after its last failure before it gets another call
func WithRestPeriod(d time.Duration) Option {
	return func(s *Selector) {
		s.rest = d
	}
}

// New builds a selector over backends in registration order
func New(backends []string, gate Gate, source MetricsSource, lb config.LoadBalancingConfig, opts ...Option) (*Selector, error) {
	s := &Selector{
		backends: append([]string(nil), backends...),
		gate:     gate,
		metrics:  source,
		clock:    clockwork.NewRealClock(),
		rest:     DefaultRestPeriod,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Configure(lb); err != nil {
		return nil, err
	}
	return s, nil
}

// Configure swaps the ranking strategy. Disabled load balancing keeps
// registration order.
func (s *Selector) Configure(lb config.LoadBalancingConfig) error {
	name := lb.Strategy
	if !lb.Enabled {
		name = config.StrategyStatic
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ranker != nil && s.ranker.Name() == name {
		return nil
	}
	ranker, err := strategy.New(name)
	if err != nil {
		return err
	}
	s.ranker = ranker
	return nil
}

// SetRestPeriod hot-applies a new rest period
func (s *Selector) SetRestPeriod(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rest = d
}

// Strategy names the active ranking strategy
func (s *Selector) Strategy() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ranker.Name()
}

// Backends returns the registered backend ids
func (s *Selector) Backends() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.backends...)
}

// Available returns the eligible backends, best first. An empty result
// means nothing can serve the request.
//
// A backend under MinReliability is skipped while it rests, that is until
// the rest period has passed since its last failure. It then gets calls
// again and stays eligible until it next fails. Half-open backends are
// never skipped for reliability; the breaker already rations their calls.
func (s *Selector) Available() []string {
	s.mu.RLock()
	backends := s.backends
	ranker := s.ranker
	rest := s.rest
	s.mu.RUnlock()
	now := s.clock.Now()

	candidates := make([]strategy.Candidate, 0, len(backends))
	for _, id := range backends {
		if !s.gate.Permits(id) {
			continue
		}
		m, observed := s.metrics.Snapshot(id)
		observed = observed && m.TotalRequests > 0
		if observed && m.Reliability < MinReliability &&
			now.Sub(m.LastFailure) < rest &&
			s.gate.State(id) != breaker.HalfOpen {
			continue
		}
		candidates = append(candidates, strategy.Candidate{
			ID:       id,
			Score:    m.PerformanceScore,
			Observed: observed,
		})
	}

	ranked := ranker.Rank(candidates)
	out := make([]string, len(ranked))
	for i, c := range ranked {
		out[i] = c.ID
	}
	return out
}
