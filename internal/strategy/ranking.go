// Package strategy implements the load-balancing orders applied to the
// backends that survive selection.
package strategy

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/anime-shed/image-orchestrator/internal/config"
)

// NeutralScore ranks backends that have never been observed
const NeutralScore = 0.5

// Candidate is one eligible backend
type Candidate struct {
	ID       string
	Score    float64
	Observed bool
}

func (c Candidate) effectiveScore() float64 {
	if !c.Observed {
		return NeutralScore
	}
	return c.Score
}

// Ranker orders candidates; the input is in registration order and must
// not be modified
type Ranker interface {
	Name() string
	Rank(candidates []Candidate) []Candidate
}

// New returns the ranker registered under name
func New(name string) (Ranker, error) {
	switch name {
	case config.StrategyAdaptive:
		return &Adaptive{}, nil
	case config.StrategyRoundRobin:
		return &RoundRobin{}, nil
	case config.StrategyStatic:
		return &Static{}, nil
	default:
		return nil, fmt.Errorf("unknown ranking strategy %q", name)
	}
}

// Adaptive orders by performance score, best first. Equal scores keep
// registration order.
type Adaptive struct{}

func (a *Adaptive) Name() string { return config.StrategyAdaptive }

func (a *Adaptive) Rank(candidates []Candidate) []Candidate {
	out := append([]Candidate(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].effectiveScore() > out[j].effectiveScore()
	})
	return out
}

// RoundRobin rotates the starting backend on every call
type RoundRobin struct {
	next atomic.Uint64
}

func (r *RoundRobin) Name() string { return config.StrategyRoundRobin }

func (r *RoundRobin) Rank(candidates []Candidate) []Candidate {
	n := len(candidates)
	if n == 0 {
		return []Candidate{}
	}
	start := int((r.next.Add(1) - 1) % uint64(n))
	out := make([]Candidate, 0, n)
	out = append(out, candidates[start:]...)
	return append(out, candidates[:start]...)
}

// Static keeps registration order
type Static struct{}

func (s *Static) Name() string { return config.StrategyStatic }

func (s *Static) Rank(candidates []Candidate) []Candidate {
	return append([]Candidate{}, candidates...)
}
