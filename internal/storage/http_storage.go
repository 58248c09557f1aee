// Package storage fetches raw image bytes from the places images live:
// plain HTTP(S) origins and Azure Blob Storage.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	apperrors "github.com/anime-shed/image-orchestrator/internal/errors"
	"github.com/anime-shed/image-orchestrator/internal/logger"
)

const (
	defaultAttempts   = 3
	defaultRetryDelay = time.Second
	defaultMaxBytes   = 10 * 1024 * 1024
)

// ImageFetcher loads the raw bytes of an image
type ImageFetcher interface {
	FetchImage(ctx context.Context, imageURL string) ([]byte, error)
}

// HTTPImageFetcher implements ImageFetcher over HTTP with bounded retries
type HTTPImageFetcher struct {
	client     *http.Client
	clock      clockwork.Clock
	attempts   int
	retryDelay time.Duration
	maxBytes   int64
}

// HTTPFetcherOption configures an HTTPImageFetcher
type HTTPFetcherOption func(*HTTPImageFetcher)

// WithFetchTimeout bounds each attempt
func WithFetchTimeout(d time.Duration) HTTPFetcherOption {
	return func(f *HTTPImageFetcher) {
		f.client.Timeout = d
	}
}

// WithRetryDelay sets the base backoff; attempt n waits n*delay
func WithRetryDelay(d time.Duration) HTTPFetcherOption {
	return func(f *HTTPImageFetcher) {
		f.retryDelay = d
	}
}

func WithMaxBytes(n int64) HTTPFetcherOption {
	return func(f *HTTPImageFetcher) {
		f.maxBytes = n
	}
}

func WithFetcherClock(c clockwork.Clock) HTTPFetcherOption {
	return func(f *HTTPImageFetcher) {
		f.clock = c
	}
}

// NewHTTPImageFetcher creates an HTTP image fetcher
func NewHTTPImageFetcher(opts ...HTTPFetcherOption) *HTTPImageFetcher {
	// Connection pooling sized for single image downloads
	transport := &http.Transport{
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	f := &HTTPImageFetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,

			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("too many redirects (limit: 3)")
				}
				return nil
			},
		},
		clock:      clockwork.NewRealClock(),
		attempts:   defaultAttempts,
		retryDelay: defaultRetryDelay,
		maxBytes:   defaultMaxBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchImage downloads imageURL. Network failures and 5xx responses are
// retried; 4xx responses are not.
func (h *HTTPImageFetcher) FetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < h.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-h.clock.After(time.Duration(attempt) * h.retryDelay):
			case <-ctx.Done():
				return nil, apperrors.NewTimeoutError("image fetch cancelled", ctx.Err())
			}
		}

		data, retryable, err := h.fetchOnce(ctx, imageURL)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"url":     imageURL,
			"attempt": attempt + 1,
		}).WithError(err).Debug("image fetch failed, retrying")
	}
	return nil, apperrors.NewNetworkError(
		fmt.Sprintf("failed to fetch image after %d attempts", h.attempts), lastErr)
}

func (h *HTTPImageFetcher) fetchOnce(ctx context.Context, imageURL string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, false, apperrors.NewValidationError("invalid URL", err)
	}

	req.Header.Set("Accept", "image/jpeg, image/png, image/webp, image/gif, */*")
	req.Header.Set("User-Agent", "Image-Orchestrator/1.0")

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, apperrors.NewTimeoutError("image fetch cancelled", ctx.Err())
		}
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, apperrors.NewNotFoundError("image not found", fmt.Errorf("client error: status code %d", resp.StatusCode))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, false, apperrors.NewNetworkError("image origin rejected the request", fmt.Errorf("client error: status code %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, true, fmt.Errorf("server error: status code %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, false, apperrors.NewNetworkError(fmt.Sprintf("unexpected status code %d", resp.StatusCode), nil)
	}

	return readLimited(resp.Body, h.maxBytes)
}

// readLimited reads at most limit bytes, failing when the body is larger
func readLimited(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, true, err
	}
	if int64(len(data)) > limit {
		return nil, false, apperrors.NewValidationError(fmt.Sprintf("image exceeds %d bytes", limit), nil)
	}
	return data, false, nil
}
