package repository

import (
	"context"

	"github.com/anime-shed/image-orchestrator/internal/storage"
	"github.com/anime-shed/image-orchestrator/pkg/validation"
)

// imageRepository implements ImageRepository on top of a storage fetcher
type imageRepository struct {
	fetcher storage.ImageFetcher
	urls    *validation.URLValidator
	images  *validation.ImageValidator
}

// NewImageRepository creates a repository that validates the URL before
// fetching and the payload after
func NewImageRepository(fetcher storage.ImageFetcher, urls *validation.URLValidator, images *validation.ImageValidator) ImageRepository {
	if urls == nil {
		urls = validation.NewURLValidator()
	}
	if images == nil {
		images = validation.NewImageValidator()
	}
	return &imageRepository{
		fetcher: fetcher,
		urls:    urls,
		images:  images,
	}
}

// FetchImage retrieves an image from a URL
func (r *imageRepository) FetchImage(ctx context.Context, imageURL string) (Image, error) {
	if err := r.urls.ValidateImageURL(imageURL); err != nil {
		return Image{}, err
	}

	data, err := r.fetcher.FetchImage(ctx, imageURL)
	if err != nil {
		return Image{}, err
	}

	info, err := r.images.ValidateImage(data)
	if err != nil {
		return Image{}, err
	}
	return Image{URL: imageURL, Data: data, Info: info}, nil
}

func (r *imageRepository) ValidateImageURL(imageURL string) error {
	return r.urls.ValidateImageURL(imageURL)
}
