// Package fusion completes raw backend results and fuses the results of
// several backends into one.
package fusion

import (
	"sort"
	"strings"
	"sync"

	"github.com/anime-shed/image-orchestrator/internal/config"
	"github.com/anime-shed/image-orchestrator/pkg/models"
)

// Validator fills gaps in a result and nudges its confidence. It is safe
// for concurrent use and can be reconfigured while in use.
type Validator struct {
	mu          sync.RWMutex
	cfg         config.FusionConfig
	corrections map[string]Correction
}

// ValidatorOption configures a Validator
type ValidatorOption func(*Validator)

// WithCorrections replaces the per-backend colour corrections
func WithCorrections(c map[string]Correction) ValidatorOption {
	return func(v *Validator) {
		v.corrections = c
	}
}

func NewValidator(cfg config.FusionConfig, opts ...ValidatorOption) *Validator {
	v := &Validator{cfg: cfg, corrections: DefaultCorrections}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Configure applies new fusion settings to subsequent calls
func (v *Validator) Configure(cfg config.FusionConfig) {
	v.mu.Lock()
	v.cfg = cfg
	v.mu.Unlock()
}

// Validate returns a completed copy of raw; raw itself is never modified
func (v *Validator) Validate(raw models.AnalysisResult) models.AnalysisResult {
	v.mu.RLock()
	cfg := v.cfg
	v.mu.RUnlock()

	out := raw.Normalize()
	if !cfg.Enabled {
		return out
	}

	if len(out.Keywords) == 0 {
		out.Keywords = append([]string(nil), DefaultKeywords...)
	}
	if len(out.Colors) == 0 {
		out.Colors = v.correct(deriveColors(out.Keywords), backendsOf(out))
	}

	if out.Confidence < cfg.ConsensusThreshold {
		out.Confidence = models.ClampConfidence(out.Confidence + cfg.WeightAdjustmentFactor)
	}

	if styleSentinels[strings.ToLower(out.Style)] {
		out.Style = lookup(out.Keywords, styleTable, DefaultStyle)
	}
	if moodSentinels[strings.ToLower(out.Mood)] {
		out.Mood = lookup(out.Keywords, moodTable, DefaultMood)
	}
	return out
}

// deriveColors matches keywords against the colour vocabulary, falling back
// to theme inference when no keyword names a colour
func deriveColors(keywords []string) []string {
	var colors []string
	seen := make(map[string]bool)
	add := func(c string) {
		if !seen[c] {
			seen[c] = true
			colors = append(colors, c)
		}
	}

	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if colorFamilies[kw] {
			add(kw)
		} else if c, ok := colorVocabulary[kw]; ok {
			add(c)
		}
	}
	if len(colors) > 0 {
		return colors
	}

	for _, kw := range keywords {
		for _, c := range themeColors[strings.ToLower(strings.TrimSpace(kw))] {
			add(c)
		}
	}
	return colors
}

// correct applies the corrections of every contributing backend in name order
func (v *Validator) correct(colors []string, backends []string) []string {
	if len(colors) == 0 {
		return []string{}
	}
	for _, name := range backends {
		c, ok := v.corrections[name]
		if !ok {
			continue
		}
		colors = c.apply(colors)
	}
	return colors
}

func (c Correction) apply(colors []string) []string {
	out := make([]string, 0, len(colors))
	seen := make(map[string]bool, len(colors))
	for _, color := range colors {
		if r, ok := c.Replace[color]; ok {
			color = r
		}
		if !seen[color] {
			seen[color] = true
			out = append(out, color)
		}
	}

	kept := make([]string, 0, len(out))
	for _, color := range out {
		if !contains(c.Drop, color) {
			kept = append(kept, color)
		}
	}
	if len(kept) == 0 {
		return out
	}
	return kept
}

func backendsOf(r models.AnalysisResult) []string {
	names := make([]string, 0, len(r.Provenance.Backends))
	for name := range r.Provenance.Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// lookup returns the table entry of the first keyword that has one
func lookup(keywords []string, table map[string]string, fallback string) string {
	for _, kw := range keywords {
		if v, ok := table[strings.ToLower(strings.TrimSpace(kw))]; ok {
			return v
		}
	}
	return fallback
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
