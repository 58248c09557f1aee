package orchestrator

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	apperrors "github.com/anime-shed/image-orchestrator/internal/errors"
	"github.com/anime-shed/image-orchestrator/internal/logger"
	"github.com/anime-shed/image-orchestrator/internal/observer"
	"github.com/anime-shed/image-orchestrator/pkg/models"
)

// Preload warms the cache in the background. Work is spread over the
// preload pool and throttled by the preload rate limit; failures are
// logged and otherwise ignored.
func (o *Orchestrator) Preload(ctx context.Context, images [][]byte) {
	o.feed(ctx, len(images), func(ctx context.Context, i int) {
		o.preloadOne(ctx, images[i], "")
	})
}

// PreloadURLs fetches each image through the repository and preloads it.
// The batch is rejected up front when any URL is not acceptable.
func (o *Orchestrator) PreloadURLs(ctx context.Context, urls []string) error {
	if o.repo == nil {
		return apperrors.NewConfigurationError("no image repository configured for preloading", nil)
	}
	if len(urls) == 0 {
		return apperrors.NewValidationError("no URLs to preload", nil)
	}
	for _, u := range urls {
		if err := o.repo.ValidateImageURL(u); err != nil {
			return err
		}
	}

	o.feed(ctx, len(urls), func(ctx context.Context, i int) {
		img, err := o.repo.FetchImage(ctx, urls[i])
		if err != nil {
			o.events.Notify(ctx, observer.Event{
				Type:     observer.ImageFetchFailed,
				Error:    err.Error(),
				Metadata: map[string]interface{}{"url": urls[i]},
			})
			return
		}
		o.events.Notify(ctx, observer.Event{
			Type: observer.ImageFetched,
			Metadata: map[string]interface{}{
				"url":          urls[i],
				"content_type": img.Info.ContentType,
				"bytes":        img.Info.Size,
			},
		})
		o.preloadOne(ctx, img.Data, urls[i])
	})
	return nil
}

// WaitPreload blocks until every preload accepted so far has finished
func (o *Orchestrator) WaitPreload() {
	o.feeders.Wait()
	o.pool.Wait()
}

// feed submits n jobs from a separate goroutine so callers never wait on
// a full queue. Jobs outlive the caller's context but keep its values.
func (o *Orchestrator) feed(ctx context.Context, n int, job func(ctx context.Context, i int)) {
	if n == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)

	o.feeders.Add(1)
	go func() {
		defer o.feeders.Done()
		for i := 0; i < n; i++ {
			if err := o.limiter.Wait(ctx); err != nil {
				logger.WithError(err).Warn("preload throttling aborted")
				return
			}
			if !o.pool.Submit(func() { job(ctx, i) }) {
				logger.WithField("remaining", n-i).Warn("preload pool closed, dropping jobs")
				return
			}
		}
	}()
}

func (o *Orchestrator) preloadOne(ctx context.Context, image []byte, url string) {
	res := o.Analyze(ctx, models.AnalysisRequest{
		ID:     uuid.NewString(),
		Image:  image,
		Source: "preload",
	})
	if !res.Provenance.Degraded {
		return
	}
	o.events.Notify(ctx, observer.Event{
		Type:     observer.PreloadFailed,
		CacheKey: res.Provenance.CacheKey,
		Error:    res.Provenance.FallbackReason,
		Metadata: map[string]interface{}{"url": url},
	})
	logger.WithFields(logrus.Fields{
		"url":    url,
		"reason": res.Provenance.FallbackReason,
	}).Warn("preload produced a degraded result")
}
