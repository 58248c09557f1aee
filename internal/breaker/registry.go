// Package breaker keeps one circuit per backend. Circuits open on consecutive
// failures reported by the metrics store and are moved to half-open by a
// recovery timer, never by an incoming request.
package breaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/anime-shed/image-orchestrator/internal/config"
	"github.com/anime-shed/image-orchestrator/internal/logger"
	"github.com/anime-shed/image-orchestrator/internal/metrics"
	"github.com/anime-shed/image-orchestrator/internal/telemetry"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Prober is implemented by backends that expose a cheap health check
type Prober interface {
	Probe(ctx context.Context) bool
}

// FailureResetter clears the consecutive-failure count of a recovered backend
type FailureResetter interface {
	ResetFailures(backendID string)
}

// Transition describes one state change
type Transition struct {
	Backend string
	From    State
	To      State
	At      time.Time
}

type circuit struct {
	state      State
	generation uint64
	timer      clockwork.Timer
	inFlight   int
}

// Registry owns every backend circuit
type Registry struct {
	mu           sync.Mutex
	clock        clockwork.Clock
	cfg          config.CircuitBreakerConfig
	circuits     map[string]*circuit
	probers      map[string]Prober
	resetter     FailureResetter
	onTransition func(Transition)
	probeTimeout time.Duration
}

// Option configures a Registry
type Option func(*Registry)

func WithClock(clock clockwork.Clock) Option {
	return func(r *Registry) {
		r.clock = clock
	}
}

// WithTransitionHook registers a callback invoked after every state change,
// outside the registry lock
func WithTransitionHook(fn func(Transition)) Option {
	return func(r *Registry) {
		r.onTransition = fn
	}
}

func WithProbeTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.probeTimeout = d
	}
}

func NewRegistry(cfg config.CircuitBreakerConfig, resetter FailureResetter, opts ...Option) *Registry {
	r := &Registry{
		clock:        clockwork.NewRealClock(),
		cfg:          cfg,
		circuits:     make(map[string]*circuit),
		probers:      make(map[string]Prober),
		resetter:     resetter,
		probeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterProber attaches a health probe used when the backend's circuit
// reaches half-open
func (r *Registry) RegisterProber(backendID string, p Prober) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probers[backendID] = p
}

func (r *Registry) State(backendID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.cfg.Enabled {
		return Closed
	}
	if c, ok := r.circuits[backendID]; ok {
		return c.state
	}
	return Closed
}

// States reports every circuit that has left its initial state at least once
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.circuits))
	for id, c := range r.circuits {
		if r.cfg.Enabled {
			out[id] = c.state
		} else {
			out[id] = Closed
		}
	}
	return out
}

// Permits reports whether Allow would admit a call right now, without
// consuming a half-open probe slot
func (r *Registry) Permits(backendID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.cfg.Enabled {
		return true
	}
	c, ok := r.circuits[backendID]
	if !ok {
		return true
	}
	switch c.state {
	case Open:
		return false
	case HalfOpen:
		return c.inFlight < r.cfg.HalfOpenMaxProbes
	default:
		return true
	}
}

// Allow admits a call. In half-open the caller holds one of the probe slots
// until it invokes release; release is always safe to call.
func (r *Registry) Allow(backendID string) (bool, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	noop := func() {}
	if !r.cfg.Enabled {
		return true, noop
	}
	c, ok := r.circuits[backendID]
	if !ok {
		return true, noop
	}

	switch c.state {
	case Open:
		return false, noop
	case HalfOpen:
		if c.inFlight >= r.cfg.HalfOpenMaxProbes {
			return false, noop
		}
		c.inFlight++
		gen := c.generation
		var once sync.Once
		return true, func() {
			once.Do(func() {
				r.mu.Lock()
				defer r.mu.Unlock()
				if c.generation == gen && c.inFlight > 0 {
					c.inFlight--
				}
			})
		}
	default:
		return true, noop
	}
}

// Record applies one call outcome. m is the metrics snapshot taken right
// after the outcome was recorded.
func (r *Registry) Record(m metrics.BackendMetrics, success bool) {
	r.mu.Lock()
	if !r.cfg.Enabled {
		r.mu.Unlock()
		return
	}

	c := r.circuitLocked(m.BackendID)
	var events []Transition
	reset := false

	switch c.state {
	case Closed:
		if !success && m.ConsecutiveFailures >= r.cfg.FailureThreshold {
			events = append(events, r.openLocked(m.BackendID, c))
		}
	case HalfOpen:
		if success {
			events = append(events, r.transitionLocked(m.BackendID, c, Closed))
			reset = true
		} else {
			events = append(events, r.openLocked(m.BackendID, c))
		}
	case Open:
		// late outcome from a call admitted before the circuit opened
	}
	r.mu.Unlock()

	if reset && r.resetter != nil {
		r.resetter.ResetFailures(m.BackendID)
	}
	r.emit(events)
}

// ProbeHalfOpen runs the health probe of every half-open backend that has
// one, closing or reopening its circuit. It returns how many were probed.
func (r *Registry) ProbeHalfOpen(ctx context.Context) int {
	r.mu.Lock()
	type target struct {
		id  string
		gen uint64
		p   Prober
	}
	var targets []target
	if r.cfg.Enabled {
		for id, c := range r.circuits {
			if p, ok := r.probers[id]; ok && c.state == HalfOpen {
				targets = append(targets, target{id: id, gen: c.generation, p: p})
			}
		}
	}
	r.mu.Unlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	for _, t := range targets {
		r.probe(ctx, t.id, t.gen, t.p)
	}
	return len(targets)
}

// Configure hot-applies new settings. Disabling closes every circuit and
// cancels pending recovery timers.
func (r *Registry) Configure(cfg config.CircuitBreakerConfig) {
	r.mu.Lock()
	r.cfg = cfg

	var events []Transition
	if !cfg.Enabled {
		for id, c := range r.circuits {
			if c.state != Closed {
				events = append(events, r.transitionLocked(id, c, Closed))
			}
		}
	}
	r.mu.Unlock()
	r.emit(events)
}

// Stop cancels every pending recovery timer
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.circuits {
		c.generation++
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
	}
}

func (r *Registry) circuitLocked(id string) *circuit {
	c, ok := r.circuits[id]
	if !ok {
		c = &circuit{state: Closed}
		r.circuits[id] = c
	}
	return c
}

// transitionLocked moves c to a new state and invalidates any timer or
// probe slot tied to the previous one
func (r *Registry) transitionLocked(id string, c *circuit, to State) Transition {
	t := Transition{Backend: id, From: c.state, To: to, At: r.clock.Now()}
	c.state = to
	c.generation++
	c.inFlight = 0
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return t
}

func (r *Registry) openLocked(id string, c *circuit) Transition {
	t := r.transitionLocked(id, c, Open)
	gen := c.generation
	c.timer = r.clock.AfterFunc(r.cfg.RecoveryTimeout, func() {
		r.recover(id, gen)
	})
	return t
}

// recover fires when the recovery timer of generation gen expires
func (r *Registry) recover(id string, gen uint64) {
	r.mu.Lock()
	c, ok := r.circuits[id]
	if !ok || c.generation != gen || c.state != Open || !r.cfg.Enabled {
		r.mu.Unlock()
		return
	}
	c.timer = nil
	event := r.transitionLocked(id, c, HalfOpen)
	halfOpenGen := c.generation
	prober := r.probers[id]
	r.mu.Unlock()

	r.emit([]Transition{event})

	if prober != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.probeTimeout)
		defer cancel()
		r.probe(ctx, id, halfOpenGen, prober)
	}
}

func (r *Registry) probe(ctx context.Context, id string, gen uint64, p Prober) {
	healthy := p.Probe(ctx)

	r.mu.Lock()
	c, ok := r.circuits[id]
	if !ok || c.generation != gen || c.state != HalfOpen || !r.cfg.Enabled {
		r.mu.Unlock()
		return
	}
	var event Transition
	if healthy {
		event = r.transitionLocked(id, c, Closed)
	} else {
		logger.WithBackend(id).Warn("health probe failed, reopening circuit")
		event = r.openLocked(id, c)
	}
	r.mu.Unlock()

	if healthy && r.resetter != nil {
		r.resetter.ResetFailures(id)
	}
	r.emit([]Transition{event})
}

func (r *Registry) emit(events []Transition) {
	for _, e := range events {
		telemetry.RecordBreakerTransition(context.Background(), e.Backend, e.From.String(), e.To.String())
		if r.onTransition != nil {
			r.onTransition(e)
		}
	}
}
