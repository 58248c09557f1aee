package repository

import (
	"context"

	"github.com/anime-shed/image-orchestrator/pkg/validation"
)

// ImageRepository defines the interface for image data access operations
type ImageRepository interface {
	// FetchImage retrieves and checks the bytes of an image from a URL
	FetchImage(ctx context.Context, imageURL string) (Image, error)

	// ValidateImageURL validates if the provided URL is acceptable
	ValidateImageURL(imageURL string) error
}

// Image is a fetched payload together with what its header revealed
type Image struct {
	URL  string
	Data []byte
	Info validation.ImageInfo
}
