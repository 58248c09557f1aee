//go:build !tesseract

package backend

import (
	"context"
	"fmt"

	apperrors "github.com/anime-shed/image-orchestrator/internal/errors"
	"github.com/anime-shed/image-orchestrator/pkg/models"
)

// OCRBackend is unavailable without the tesseract build tag
type OCRBackend struct {
	name string
}

// NewOCRBackend fails unless the binary was built with -tags tesseract
func NewOCRBackend(name, _ string) (*OCRBackend, error) {
	return nil, apperrors.NewConfigurationError(
		fmt.Sprintf("backend %q needs a build with -tags tesseract", name), nil)
}

func (b *OCRBackend) Name() string { return b.name }

func (b *OCRBackend) Analyze(context.Context, []byte) (models.AnalysisResult, error) {
	return models.AnalysisResult{}, apperrors.NewBackendError("ocr support not compiled in", nil)
}

func (b *OCRBackend) Probe(context.Context) bool { return false }
