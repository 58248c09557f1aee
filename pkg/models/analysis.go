package models

import (
	"math"
	"time"
)

// Source identifies which stage of the pipeline produced a result
type Source string

const (
	// SourceBackend is a result produced by one or more live backends
	SourceBackend Source = "backend"
	// SourceCache is a result served from the content-addressed cache
	SourceCache Source = "cache"
	// SourceFallbackCache is the most popular cached result served as a stand-in
	SourceFallbackCache Source = "fallback_cache"
	// SourceFallbackBackend is a result from a last-resort backend
	SourceFallbackBackend Source = "fallback_backend"
	// SourceDefault is the static default result
	SourceDefault Source = "default"
)

// AnalysisRequest carries the raw image bytes of one inbound call
type AnalysisRequest struct {
	ID     string `json:"id"`
	Image  []byte `json:"-"`
	Source string `json:"source,omitempty"`
}

// AnalysisResult is the descriptive analysis of one image.
// Values are treated as immutable once produced; use Clone before adjusting.
type AnalysisResult struct {
	ID         string     `json:"id"`
	Keywords   []string   `json:"keywords"`
	Colors     []string   `json:"colors"`
	Style      string     `json:"style"`
	Mood       string     `json:"mood"`
	Confidence float64    `json:"confidence"`
	Embedding  []float64  `json:"embedding,omitempty"`
	Provenance Provenance `json:"provenance"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Provenance records where a result came from and how it was assembled
type Provenance struct {
	Source         Source                         `json:"source"`
	Backends       map[string]BackendContribution `json:"backends,omitempty"`
	Fused          bool                           `json:"fused"`
	Degraded       bool                           `json:"degraded"`
	CacheKey       string                         `json:"cache_key,omitempty"`
	FallbackReason string                         `json:"fallback_reason,omitempty"`
}

// BackendContribution describes one backend's part in a result
type BackendContribution struct {
	Confidence float64 `json:"confidence"`
	LatencyMs  int64   `json:"latency_ms"`
	Keywords   int     `json:"keywords"`
}

// Clone returns a deep copy of the result
func (r AnalysisResult) Clone() AnalysisResult {
	out := r
	out.Keywords = cloneStrings(r.Keywords)
	out.Colors = cloneStrings(r.Colors)
	if r.Embedding != nil {
		out.Embedding = make([]float64, len(r.Embedding))
		copy(out.Embedding, r.Embedding)
	}
	if r.Provenance.Backends != nil {
		out.Provenance.Backends = make(map[string]BackendContribution, len(r.Provenance.Backends))
		for k, v := range r.Provenance.Backends {
			out.Provenance.Backends[k] = v
		}
	}
	return out
}

// Normalize returns a copy with confidence clamped to [0,1] and
// keywords/colors guaranteed non-nil
func (r AnalysisResult) Normalize() AnalysisResult {
	out := r.Clone()
	if out.Keywords == nil {
		out.Keywords = []string{}
	}
	if out.Colors == nil {
		out.Colors = []string{}
	}
	out.Confidence = ClampConfidence(out.Confidence)
	return out
}

// ClampConfidence bounds a confidence value to [0,1]; NaN maps to 0
func ClampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c):
		return 0
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
