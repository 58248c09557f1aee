// Package analyzer implements the local pixel backend: a network-free
// analyzer that describes an image from its colour, brightness, and edge
// statistics. It is cheap and always available, which makes it the default
// last-resort backend.
package analyzer

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/anime-shed/image-orchestrator/internal/errors"
	"github.com/anime-shed/image-orchestrator/pkg/models"
)

// LocalAnalyzer satisfies the backend contract without leaving the process
type LocalAnalyzer struct {
	name              string
	options           Options
	metricsCalculator MetricsCalculator
	grayPool          sync.Pool
}

// NewLocalAnalyzer creates a local backend registered as name
func NewLocalAnalyzer(name string, options Options) *LocalAnalyzer {
	return &LocalAnalyzer{
		name:              name,
		options:           options,
		metricsCalculator: NewMetricsCalculator(options.ChromaFloor, options.EdgeMagnitude),
		grayPool: sync.Pool{
			New: func() interface{} {
				return &image.Gray{}
			},
		},
	}
}

func (la *LocalAnalyzer) Name() string { return la.name }

// Probe always succeeds; the analyzer has no external dependency
func (la *LocalAnalyzer) Probe(context.Context) bool { return true }

// Analyze decodes the image and describes it
func (la *LocalAnalyzer) Analyze(ctx context.Context, data []byte) (models.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return models.AnalysisResult{}, apperrors.NewTimeoutError(fmt.Sprintf("backend %s cancelled", la.name), err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return models.AnalysisResult{}, apperrors.NewProcessingError("failed to decode image", err)
	}

	return la.describe(img), nil
}

func (la *LocalAnalyzer) describe(img image.Image) models.AnalysisResult {
	opts := la.options
	m := la.metricsCalculator.CalculateBasicMetrics(img)

	// Convert to grayscale for the neighbourhood scans
	bounds := img.Bounds()
	gray := la.grayPool.Get().(*image.Gray)
	defer la.grayPool.Put(gray)
	reshapeGray(gray, bounds)
	draw.Draw(gray, bounds, img, bounds.Min, draw.Src)

	brightness := la.metricsCalculator.CalculateBrightness(gray) / 255
	colors := la.dominantColors(m)

	var keywords []string
	switch {
	case brightness >= opts.BrightThreshold:
		keywords = append(keywords, "bright")
	case brightness <= opts.DarkThreshold:
		keywords = append(keywords, "dark")
	}
	switch {
	case m.neutralShare >= 0.9:
		keywords = append(keywords, "monochrome")
	case m.avgSaturation >= opts.VibrantThreshold:
		keywords = append(keywords, "vibrant")
	case m.avgSaturation <= opts.MutedThreshold:
		keywords = append(keywords, "muted")
	}

	style := "unknown"
	if !opts.SkipSharpness {
		if la.metricsCalculator.CalculateLaplacianVariance(gray) >= opts.SharpThreshold {
			keywords = append(keywords, "sharp")
		} else {
			keywords = append(keywords, "soft")
		}
	}
	if !opts.SkipEdgeDetection {
		density := la.metricsCalculator.CalculateEdgeDensity(gray)
		switch {
		case density >= opts.DetailedEdgeDensity:
			keywords = append(keywords, "detailed")
			style = "detailed"
		case density <= opts.MinimalEdgeDensity:
			keywords = append(keywords, "minimal")
			style = "minimalist"
		}
	}
	if len(colors) > 0 {
		keywords = append(keywords, colors[0])
	}

	mood := "neutral"
	switch {
	case brightness >= opts.BrightThreshold && m.avgSaturation >= opts.VibrantThreshold:
		mood = "cheerful"
	case brightness <= opts.DarkThreshold:
		mood = "somber"
	case m.avgSaturation <= opts.MutedThreshold:
		mood = "calm"
	case m.avgSaturation >= opts.VibrantThreshold:
		mood = "energetic"
	}

	embedding := make([]float64, hueBins)
	copy(embedding, m.hueShare[:])

	result := models.AnalysisResult{
		ID:         uuid.NewString(),
		Keywords:   keywords,
		Colors:     colors,
		Style:      style,
		Mood:       mood,
		Confidence: opts.Confidence,
		Embedding:  embedding,
		CreatedAt:  time.Now().UTC(),
	}
	return result.Normalize()
}

// reshapeGray points g at bounds, reusing its pixel buffer when it is big
// enough. Callers overwrite every pixel, so stale contents are not cleared.
func reshapeGray(g *image.Gray, bounds image.Rectangle) {
	n := bounds.Dx() * bounds.Dy()
	if cap(g.Pix) < n {
		g.Pix = make([]uint8, n)
	}
	g.Pix = g.Pix[:n]
	g.Stride = bounds.Dx()
	g.Rect = bounds
}

// dominantColors names the hues covering enough of the image, largest
// first, followed by a neutral tone when greys dominate
func (la *LocalAnalyzer) dominantColors(m metrics) []string {
	opts := la.options

	idx := make([]int, 0, hueBins)
	for i, share := range m.hueShare {
		if share >= opts.MinColorShare {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return m.hueShare[idx[a]] > m.hueShare[idx[b]]
	})
	if opts.MaxColors > 0 && len(idx) > opts.MaxColors {
		idx = idx[:opts.MaxColors]
	}

	colors := make([]string, 0, len(idx)+1)
	for _, i := range idx {
		colors = append(colors, hueNames[i])
	}

	if m.neutralShare >= opts.NeutralShare {
		switch {
		case m.avgLuminance >= 0.75:
			colors = append(colors, "white")
		case m.avgLuminance <= 0.25:
			colors = append(colors, "black")
		default:
			colors = append(colors, "gray")
		}
	}
	return colors
}
