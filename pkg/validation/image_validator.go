package validation

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"

	apperrors "github.com/anime-shed/image-orchestrator/internal/errors"
)

// ImageLimits bounds what is accepted as an image payload
type ImageLimits struct {
	MaxBytes     int64
	MaxPixels    int
	AllowedTypes []string
}

// DefaultImageLimits returns the default payload limits
func DefaultImageLimits() ImageLimits {
	return ImageLimits{
		MaxBytes:     10 * 1024 * 1024, // 10MB
		MaxPixels:    50_000_000,
		AllowedTypes: []string{"image/png", "image/jpeg", "image/gif"},
	}
}

// ImageInfo is what can be learned from a payload without decoding pixels
type ImageInfo struct {
	ContentType string `json:"content_type"`
	Format      string `json:"format"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Size        int    `json:"size"`
}

// ImageValidator checks raw image payloads before they reach any backend
type ImageValidator struct {
	limits ImageLimits
}

// NewImageValidator creates a validator with default limits
func NewImageValidator() *ImageValidator {
	return &ImageValidator{limits: DefaultImageLimits()}
}

// NewImageValidatorWithLimits creates a validator with custom limits
func NewImageValidatorWithLimits(limits ImageLimits) *ImageValidator {
	return &ImageValidator{limits: limits}
}

// ValidateImage sniffs the content type and reads the image header
func (v *ImageValidator) ValidateImage(data []byte) (ImageInfo, error) {
	if len(data) == 0 {
		return ImageInfo{}, apperrors.NewValidationError("image cannot be empty", nil)
	}
	if v.limits.MaxBytes > 0 && int64(len(data)) > v.limits.MaxBytes {
		return ImageInfo{}, apperrors.NewValidationError(
			fmt.Sprintf("image exceeds %d bytes", v.limits.MaxBytes), nil)
	}

	contentType := http.DetectContentType(data)
	if !v.isTypeAllowed(contentType) {
		return ImageInfo{}, apperrors.NewValidationError(
			fmt.Sprintf("unsupported image type %q", contentType), nil)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageInfo{}, apperrors.NewValidationError("image header is unreadable", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return ImageInfo{}, apperrors.NewValidationError("image has no pixels", nil)
	}
	if v.limits.MaxPixels > 0 && cfg.Width*cfg.Height > v.limits.MaxPixels {
		return ImageInfo{}, apperrors.NewValidationError(
			fmt.Sprintf("image is %dx%d, above the %d pixel limit", cfg.Width, cfg.Height, v.limits.MaxPixels), nil)
	}

	return ImageInfo{
		ContentType: contentType,
		Format:      format,
		Width:       cfg.Width,
		Height:      cfg.Height,
		Size:        len(data),
	}, nil
}

func (v *ImageValidator) isTypeAllowed(contentType string) bool {
	if len(v.limits.AllowedTypes) == 0 {
		return true
	}
	for _, allowed := range v.limits.AllowedTypes {
		if contentType == allowed {
			return true
		}
	}
	return false
}
