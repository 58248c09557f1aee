// Package metrics tracks per-backend call outcomes and derives reliability
// and performance scores from them.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// LatencySmoothing is the EWMA weight given to the newest latency sample
	LatencySmoothing = 0.3

	reliabilityWeight   = 0.7
	responseTimeWeight  = 0.3
	minResponseTimeRate = 0.1
)

// BackendMetrics is a point-in-time view of one backend's history
type BackendMetrics struct {
	BackendID           string        `json:"backend_id"`
	TotalRequests       int64         `json:"total_requests"`
	SuccessCount        int64         `json:"success_count"`
	FailureCount        int64         `json:"failure_count"`
	AvgLatency          time.Duration `json:"avg_latency"`
	LastLatency         time.Duration `json:"last_latency"`
	LastFailure         time.Time     `json:"last_failure,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Reliability         float64       `json:"reliability"`
	PerformanceScore    float64       `json:"performance_score"`
}

type record struct {
	total, success, failure int64
	avgLatency              time.Duration
	lastLatency             time.Duration
	lastFailure             time.Time
	consecutive             int
	seeded                  bool
}

// Store keeps one record per backend for the life of the process
type Store struct {
	mu      sync.RWMutex
	clock   clockwork.Clock
	records map[string]*record
}

func NewStore(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		clock:   clock,
		records: make(map[string]*record),
	}
}

// Record folds one call outcome into the backend's history and returns the
// updated snapshot
func (s *Store) Record(backendID string, latency time.Duration, success bool) BackendMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[backendID]
	if !ok {
		r = &record{}
		s.records[backendID] = r
	}

	r.total++
	r.lastLatency = latency
	if success {
		r.success++
		r.consecutive = 0
		if !r.seeded {
			r.avgLatency = latency
			r.seeded = true
		} else {
			r.avgLatency = time.Duration(LatencySmoothing*float64(latency) + (1-LatencySmoothing)*float64(r.avgLatency))
		}
	} else {
		r.failure++
		r.consecutive++
		r.lastFailure = s.clock.Now()
	}

	return r.snapshot(backendID)
}

// Snapshot returns the backend's metrics; ok is false if it was never observed
func (s *Store) Snapshot(backendID string) (BackendMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[backendID]
	if !ok {
		return BackendMetrics{BackendID: backendID}, false
	}
	return r.snapshot(backendID), true
}

// All returns every observed backend sorted by id
func (s *Store) All() []BackendMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]BackendMetrics, 0, len(s.records))
	for id, r := range s.records {
		out = append(out, r.snapshot(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BackendID < out[j].BackendID })
	return out
}

// ResetFailures zeroes the consecutive-failure count after a recovery
func (s *Store) ResetFailures(backendID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.records[backendID]; ok {
		r.consecutive = 0
	}
}

func (r *record) snapshot(id string) BackendMetrics {
	m := BackendMetrics{
		BackendID:           id,
		TotalRequests:       r.total,
		SuccessCount:        r.success,
		FailureCount:        r.failure,
		AvgLatency:          r.avgLatency,
		LastLatency:         r.lastLatency,
		LastFailure:         r.lastFailure,
		ConsecutiveFailures: r.consecutive,
	}
	m.Reliability = Reliability(r.success, r.total)
	m.PerformanceScore = PerformanceScore(m.Reliability, r.avgLatency)
	return m
}

// Reliability is success/total, or 0 before any call
func Reliability(success, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(success) / float64(total)
}

// PerformanceScore weighs reliability against an inverse-latency factor
// that never drops below 0.1
func PerformanceScore(reliability float64, avgLatency time.Duration) float64 {
	responseTime := math.Max(minResponseTimeRate, 1/(1+avgLatency.Seconds()))
	return reliabilityWeight*reliability + responseTimeWeight*responseTime
}
