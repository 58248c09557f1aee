package factory

import (
	"fmt"

	"github.com/anime-shed/image-orchestrator/internal/analyzer"
	"github.com/anime-shed/image-orchestrator/internal/backend"
	"github.com/anime-shed/image-orchestrator/internal/config"
	apperrors "github.com/anime-shed/image-orchestrator/internal/errors"
	"github.com/anime-shed/image-orchestrator/internal/storage"
)

// BackendType represents the kinds of analysis backend that can be configured
type BackendType string

const (
	// HTTPBackend for remote vision services
	HTTPBackend BackendType = "http"
	// LocalBackend for the in-process pixel analyzer
	LocalBackend BackendType = "local"
	// OCRBackend for Tesseract text extraction
	OCRBackend BackendType = "ocr"
)

// BackendFactory creates analysis backends
type BackendFactory interface {
	CreateBackend(cfg config.BackendConfig) (backend.Backend, backend.Prober, error)
}

// StorageFactory creates image sources
type StorageFactory interface {
	CreateFetcher(cfg config.StorageConfig) (storage.ImageFetcher, error)
}

// backendFactory implements BackendFactory
type backendFactory struct{}

// NewBackendFactory creates a new backend factory
func NewBackendFactory() BackendFactory {
	return &backendFactory{}
}

// CreateBackend creates a backend based on the configured type. The prober
// is nil when the backend has no meaningful health check.
func (f *backendFactory) CreateBackend(cfg config.BackendConfig) (backend.Backend, backend.Prober, error) {
	switch BackendType(cfg.Type) {
	case HTTPBackend:
		var opts []backend.HTTPOption
		if cfg.HealthURL != "" {
			opts = append(opts, backend.WithHealthURL(cfg.HealthURL))
		}
		if cfg.APIKey != "" {
			opts = append(opts, backend.WithAPIKey(cfg.APIKey))
		}
		b := backend.NewHTTPBackend(cfg.Name, cfg.Endpoint, cfg.Timeout, opts...)
		if !b.HasProbe() {
			return b, nil, nil
		}
		return b, b, nil
	case LocalBackend:
		opts := analyzer.DefaultOptions()
		if cfg.Fast {
			opts = opts.WithFastMode()
		}
		a := analyzer.NewLocalAnalyzer(cfg.Name, opts)
		return a, a, nil
	case OCRBackend:
		b, err := backend.NewOCRBackend(cfg.Name, cfg.Language)
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	default:
		return nil, nil, apperrors.NewConfigurationError(
			fmt.Sprintf("unsupported backend type %q for %q", cfg.Type, cfg.Name), nil)
	}
}

// storageFactory implements StorageFactory
type storageFactory struct{}

// NewStorageFactory creates a new storage factory
func NewStorageFactory() StorageFactory {
	return &storageFactory{}
}

// CreateFetcher creates the image source. Azure is wired in only when an
// account is configured.
func (f *storageFactory) CreateFetcher(cfg config.StorageConfig) (storage.ImageFetcher, error) {
	httpFetcher := storage.NewHTTPImageFetcher(storage.WithFetchTimeout(cfg.FetchTimeout))
	if cfg.AzureAccountName == "" {
		return storage.NewRouter(httpFetcher, nil), nil
	}

	azureFetcher, err := storage.NewAzureBlobFetcher(cfg.AzureAccountName, cfg.AzureAccountKey)
	if err != nil {
		return nil, err
	}
	return storage.NewRouter(httpFetcher, azureFetcher), nil
}

// ComponentFactory combines all factories
type ComponentFactory struct {
	BackendFactory BackendFactory
	StorageFactory StorageFactory
}

// NewComponentFactory creates a new component factory
func NewComponentFactory() *ComponentFactory {
	return &ComponentFactory{
		BackendFactory: NewBackendFactory(),
		StorageFactory: NewStorageFactory(),
	}
}

// BuildBackends creates every configured backend in order
func (c *ComponentFactory) BuildBackends(cfgs []config.BackendConfig) (*backend.Set, error) {
	set := backend.NewSet()
	for _, cfg := range cfgs {
		b, p, err := c.BackendFactory.CreateBackend(cfg)
		if err != nil {
			return nil, err
		}
		if err := set.Add(b, p); err != nil {
			return nil, apperrors.NewConfigurationError("invalid backend set", err)
		}
	}
	return set, nil
}
