package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/anime-shed/image-orchestrator/internal/errors"
	"github.com/anime-shed/image-orchestrator/pkg/models"
)

const maxResponseSize = 1 << 20

// HTTPBackend posts the raw image to a remote vision service and decodes a
// JSON analysis. It never retries; the orchestrator decides what to do
// with a failure.
type HTTPBackend struct {
	name      string
	endpoint  string
	healthURL string
	apiKey    string
	client    *http.Client
}

// HTTPOption configures an HTTPBackend
type HTTPOption func(*HTTPBackend)

// WithHTTPClient replaces the default client, mostly for tests
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(b *HTTPBackend) {
		b.client = c
	}
}

func WithHealthURL(u string) HTTPOption {
	return func(b *HTTPBackend) {
		b.healthURL = u
	}
}

func WithAPIKey(key string) HTTPOption {
	return func(b *HTTPBackend) {
		b.apiKey = key
	}
}

// NewHTTPBackend creates a backend for endpoint. A zero timeout leaves the
// call bounded only by the caller's context.
func NewHTTPBackend(name, endpoint string, timeout time.Duration, opts ...HTTPOption) *HTTPBackend {
	transport := &http.Transport{
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	b := &HTTPBackend{
		name:     name,
		endpoint: endpoint,
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *HTTPBackend) Name() string { return b.name }

// HasProbe reports whether a health URL was configured
func (b *HTTPBackend) HasProbe() bool { return b.healthURL != "" }

// wireResult is the response body expected from a vision service
type wireResult struct {
	Keywords   []string  `json:"keywords"`
	Colors     []string  `json:"colors"`
	Style      string    `json:"style"`
	Mood       string    `json:"mood"`
	Confidence float64   `json:"confidence"`
	Embedding  []float64 `json:"embedding"`
}

func (b *HTTPBackend) Analyze(ctx context.Context, image []byte) (models.AnalysisResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(image))
	if err != nil {
		return models.AnalysisResult{}, apperrors.NewInternalError("failed to build backend request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Image-Orchestrator/1.0")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return models.AnalysisResult{}, apperrors.NewTimeoutError(fmt.Sprintf("backend %s cancelled", b.name), ctx.Err())
		}
		return models.AnalysisResult{}, apperrors.NewNetworkError(fmt.Sprintf("backend %s unreachable", b.name), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return models.AnalysisResult{}, apperrors.NewBackendError(
			fmt.Sprintf("backend %s returned status %d", b.name, resp.StatusCode), nil)
	}

	var wire wireResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&wire); err != nil {
		return models.AnalysisResult{}, apperrors.NewBackendError(
			fmt.Sprintf("backend %s sent an unreadable response", b.name), err)
	}

	result := models.AnalysisResult{
		ID:         uuid.NewString(),
		Keywords:   wire.Keywords,
		Colors:     wire.Colors,
		Style:      wire.Style,
		Mood:       wire.Mood,
		Confidence: wire.Confidence,
		Embedding:  wire.Embedding,
		CreatedAt:  time.Now().UTC(),
	}
	return result.Normalize(), nil
}

// Probe issues a GET against the health URL; any 2xx is healthy
func (b *HTTPBackend) Probe(ctx context.Context) bool {
	if b.healthURL == "" {
		return true
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.healthURL, nil)
	if err != nil {
		return false
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
