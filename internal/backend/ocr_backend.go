//go:build tesseract

package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/otiai10/gosseract/v2"

	apperrors "github.com/anime-shed/image-orchestrator/internal/errors"
	"github.com/anime-shed/image-orchestrator/pkg/models"
)

// OCRBackend reads text from the image with Tesseract and turns the
// vocabulary into keywords
type OCRBackend struct {
	name     string
	language string
}

// NewOCRBackend creates a Tesseract-backed backend for language (default "eng")
func NewOCRBackend(name, language string) (*OCRBackend, error) {
	if language == "" {
		language = "eng"
	}
	return &OCRBackend{name: name, language: language}, nil
}

func (b *OCRBackend) Name() string { return b.name }

func (b *OCRBackend) Analyze(ctx context.Context, image []byte) (models.AnalysisResult, error) {
	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)

	// gosseract clients are not safe for concurrent use, so each call owns one
	go func() {
		client := gosseract.NewClient()
		defer client.Close()

		if err := client.SetLanguage(b.language); err != nil {
			done <- outcome{err: err}
			return
		}
		if err := client.SetImageFromBytes(image); err != nil {
			done <- outcome{err: err}
			return
		}
		text, err := client.Text()
		done <- outcome{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		return models.AnalysisResult{}, apperrors.NewTimeoutError(fmt.Sprintf("backend %s cancelled", b.name), ctx.Err())
	case out := <-done:
		if out.err != nil {
			return models.AnalysisResult{}, apperrors.NewBackendError(fmt.Sprintf("backend %s failed to read text", b.name), out.err)
		}
		keywords := TextKeywords(out.text)
		style := ""
		if len(keywords) > 0 {
			style = "typographic"
		}
		result := models.AnalysisResult{
			ID:         uuid.NewString(),
			Keywords:   keywords,
			Style:      style,
			Confidence: textConfidence(keywords),
			CreatedAt:  time.Now().UTC(),
		}
		return result.Normalize(), nil
	}
}

// Probe reports whether the Tesseract library is loadable
func (b *OCRBackend) Probe(context.Context) bool {
	return gosseract.Version() != ""
}
