// Package fallback produces a degraded but usable result when the normal
// pipeline cannot.
package fallback

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/anime-shed/image-orchestrator/internal/backend"
	"github.com/anime-shed/image-orchestrator/internal/cache"
	"github.com/anime-shed/image-orchestrator/internal/config"
	apperrors "github.com/anime-shed/image-orchestrator/internal/errors"
	"github.com/anime-shed/image-orchestrator/internal/logger"
	"github.com/anime-shed/image-orchestrator/internal/telemetry"
	"github.com/anime-shed/image-orchestrator/pkg/models"
)

// PopularSource yields the most requested cached result
type PopularSource interface {
	MostPopular(ctx context.Context) (cache.Entry, bool)
}

// Lookup resolves last-resort backend names
type Lookup interface {
	Get(name string) (backend.Backend, bool)
}

// Chain tries, in order, the most popular cached result, each last-resort
// backend and finally a static default
type Chain struct {
	cfg      config.FallbackConfig
	popular  PopularSource
	backends Lookup
	clock    clockwork.Clock
}

type Option func(*Chain)

func WithClock(clock clockwork.Clock) Option {
	return func(c *Chain) {
		c.clock = clock
	}
}

func New(cfg config.FallbackConfig, popular PopularSource, backends Lookup, opts ...Option) *Chain {
	c := &Chain{
		cfg:      cfg,
		popular:  popular,
		backends: backends,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultResult is the answer of last resort
func DefaultResult(embeddingDim int) models.AnalysisResult {
	return models.AnalysisResult{
		Keywords:   []string{"artwork", "image", "visual"},
		Colors:     []string{"neutral"},
		Style:      "mixed",
		Mood:       "balanced",
		Confidence: 0.5,
		Embedding:  make([]float64, embeddingDim),
	}
}

// Resolve never fails. cause is the error that sent the request here and
// ends up in the result's FallbackReason.
func (c *Chain) Resolve(ctx context.Context, req models.AnalysisRequest, cause error) models.AnalysisResult {
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	log := logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"reason":     reason,
	})

	if c.cfg.UseCachedPopular && c.popular != nil {
		if entry, ok := c.popular.MostPopular(ctx); ok {
			log.WithField("cache_key", entry.Key).Info("serving most popular cached result")
			out := entry.Result
			out.ID = uuid.NewString()
			out.Provenance.CacheKey = entry.Key
			return c.degrade(ctx, out, models.SourceFallbackCache, reason)
		}
	}

	for _, name := range c.cfg.LastResort {
		res, err := c.tryBackend(ctx, name, req.Image)
		if err != nil {
			log.WithError(err).WithField("backend", name).Warn("last-resort backend failed")
			continue
		}
		log.WithField("backend", name).Info("served by last-resort backend")
		return c.degrade(ctx, res, models.SourceFallbackBackend, reason)
	}

	log.Warn("serving default result")
	return c.degrade(ctx, DefaultResult(c.cfg.EmbeddingDim), models.SourceDefault, reason)
}

func (c *Chain) tryBackend(ctx context.Context, name string, image []byte) (res models.AnalysisResult, err error) {
	if ctx.Err() != nil {
		return res, apperrors.NewTimeoutError("request already cancelled", ctx.Err())
	}
	b, ok := c.backends.Get(name)
	if !ok {
		return res, apperrors.NewNoBackendsError(fmt.Sprintf("backend %q is not registered", name))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.BackendTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewInternalError(fmt.Sprintf("backend %s panicked: %v", name, r), nil)
		}
	}()

	start := c.clock.Now()
	res, err = b.Analyze(callCtx, image)
	if err != nil {
		return res, err
	}
	res = res.Normalize()
	res.Provenance.Backends = map[string]models.BackendContribution{
		name: {
			Confidence: res.Confidence,
			LatencyMs:  c.clock.Since(start).Milliseconds(),
			Keywords:   len(res.Keywords),
		},
	}
	return res, nil
}

func (c *Chain) degrade(ctx context.Context, r models.AnalysisResult, source models.Source, reason string) models.AnalysisResult {
	out := r.Normalize()
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = c.clock.Now().UTC()
	}
	out.Provenance.Source = source
	out.Provenance.Degraded = true
	out.Provenance.Fused = false
	out.Provenance.FallbackReason = reason
	telemetry.RecordFallback(ctx, string(source))
	return out
}

