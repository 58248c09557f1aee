// Package backend defines the analysis backend contract and the concrete
// backends the orchestrator can be configured with.
package backend

import (
	"context"
	"fmt"

	"github.com/anime-shed/image-orchestrator/pkg/models"
)

// Backend analyzes raw image bytes. Implementations must honour ctx
// cancellation where they can; callers tolerate ones that do not.
type Backend interface {
	Name() string
	Analyze(ctx context.Context, image []byte) (models.AnalysisResult, error)
}

// Prober is an optional health check consulted while a circuit is half-open
type Prober interface {
	Probe(ctx context.Context) bool
}

// Func adapts a function to the Backend interface
type Func struct {
	ID string
	Fn func(ctx context.Context, image []byte) (models.AnalysisResult, error)
}

func (f Func) Name() string { return f.ID }

func (f Func) Analyze(ctx context.Context, image []byte) (models.AnalysisResult, error) {
	return f.Fn(ctx, image)
}

// Set holds the registered backends in registration order
type Set struct {
	order   []string
	byName  map[string]Backend
	probers map[string]Prober
}

func NewSet() *Set {
	return &Set{
		byName:  make(map[string]Backend),
		probers: make(map[string]Prober),
	}
}

// Add registers b. The prober may be nil.
func (s *Set) Add(b Backend, p Prober) error {
	name := b.Name()
	if _, exists := s.byName[name]; exists {
		return fmt.Errorf("backend %q registered twice", name)
	}
	s.order = append(s.order, name)
	s.byName[name] = b
	if p != nil {
		s.probers[name] = p
	}
	return nil
}

func (s *Set) Get(name string) (Backend, bool) {
	b, ok := s.byName[name]
	return b, ok
}

// Names returns backend names in registration order
func (s *Set) Names() []string {
	return append([]string(nil), s.order...)
}

// Probers returns every registered health probe keyed by backend name
func (s *Set) Probers() map[string]Prober {
	out := make(map[string]Prober, len(s.probers))
	for k, v := range s.probers {
		out[k] = v
	}
	return out
}

func (s *Set) Len() int {
	return len(s.order)
}
