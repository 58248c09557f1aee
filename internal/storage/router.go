package storage

import (
	"context"
	"net/url"
	"strings"

	apperrors "github.com/anime-shed/image-orchestrator/internal/errors"
)

const azureBlobHostSuffix = ".blob.core.windows.net"

// Router sends blob-storage URLs to the Azure fetcher and everything else
// to the HTTP fetcher
type Router struct {
	http  ImageFetcher
	azure ImageFetcher
}

// NewRouter creates a router. azure may be nil, in which case blob URLs
// are fetched anonymously over HTTP.
func NewRouter(httpFetcher, azureFetcher ImageFetcher) *Router {
	return &Router{http: httpFetcher, azure: azureFetcher}
}

func (r *Router) FetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	u, err := url.Parse(imageURL)
	if err != nil {
		return nil, apperrors.NewValidationError("invalid URL", err)
	}
	if r.azure != nil && strings.HasSuffix(strings.ToLower(u.Hostname()), azureBlobHostSuffix) {
		return r.azure.FetchImage(ctx, imageURL)
	}
	return r.http.FetchImage(ctx, imageURL)
}
