package container

import (
	"context"
	"net/http"

	"github.com/anime-shed/image-orchestrator/internal/config"
	"github.com/anime-shed/image-orchestrator/internal/factory"
	"github.com/anime-shed/image-orchestrator/internal/logger"
	"github.com/anime-shed/image-orchestrator/internal/orchestrator"
	"github.com/anime-shed/image-orchestrator/internal/repository"
	"github.com/anime-shed/image-orchestrator/internal/telemetry"
	"github.com/anime-shed/image-orchestrator/internal/transport"
	"github.com/anime-shed/image-orchestrator/pkg/validation"
)

// Container holds all application dependencies
type Container struct {
	config       *config.Config
	telemetry    *telemetry.Provider
	orchestrator *orchestrator.Orchestrator
	handler      http.Handler
	stop         context.CancelFunc
}

// NewContainer builds the dependency graph described by cfg
func NewContainer(cfg *config.Config) (*Container, error) {
	provider, err := telemetry.Init(telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		TraceStdout: cfg.Telemetry.TraceStdout,
	})
	if err != nil {
		return nil, err
	}

	components := factory.NewComponentFactory()
	backends, err := components.BuildBackends(cfg.Backends)
	if err != nil {
		return nil, err
	}
	fetcher, err := components.StorageFactory.CreateFetcher(cfg.Storage)
	if err != nil {
		return nil, err
	}

	images := validation.NewImageValidator()
	repo := repository.NewImageRepository(fetcher, validation.NewURLValidator(), images)

	orch, err := orchestrator.New(cfg, backends, orchestrator.WithRepository(repo))
	if err != nil {
		return nil, err
	}

	handler := transport.NewHandler(orch, repo, images, transport.Options{
		ServiceName:        cfg.Telemetry.ServiceName,
		RequestTimeout:     cfg.Server.RequestTimeout,
		MaxRequestBodySize: cfg.Server.MaxRequestBodySize,
		MetricsHandler:     provider.Handler(),
	})

	return &Container{
		config:       cfg,
		telemetry:    provider,
		orchestrator: orch,
		handler:      handler,
	}, nil
}

// Start launches background health checks and, when configured, warms
// the cache from the preload URLs
func (c *Container) Start(ctx context.Context) {
	ctx, c.stop = context.WithCancel(ctx)
	c.orchestrator.StartHealthChecks(ctx)

	cache := c.config.Optimization.Cache
	if cache.Preload && len(cache.PreloadURLs) > 0 {
		if err := c.orchestrator.PreloadURLs(ctx, cache.PreloadURLs); err != nil {
			logger.WithError(err).Warn("startup preload rejected")
		}
	}
}

// Shutdown stops background work and flushes telemetry
func (c *Container) Shutdown(ctx context.Context) error {
	if c.stop != nil {
		c.stop()
	}
	c.orchestrator.Close()
	return c.telemetry.Shutdown(ctx)
}

// Handler returns the HTTP handler
func (c *Container) Handler() http.Handler {
	return c.handler
}

// Config returns the configuration
func (c *Container) Config() *config.Config {
	return c.config
}
