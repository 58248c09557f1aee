package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	apperrors "github.com/anime-shed/image-orchestrator/internal/errors"
)

// blobOpener opens a blob for reading
type blobOpener interface {
	Open(ctx context.Context, containerName, blobName string) (io.ReadCloser, error)
}

type azureOpener struct {
	client *azblob.Client
}

func (o azureOpener) Open(ctx context.Context, containerName, blobName string) (io.ReadCloser, error) {
	resp, err := o.client.DownloadStream(ctx, containerName, blobName, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// AzureBlobFetcher implements ImageFetcher against one storage account
type AzureBlobFetcher struct {
	opener   blobOpener
	maxBytes int64
}

// NewAzureBlobFetcher authenticates with a shared key
func NewAzureBlobFetcher(accountName, accountKey string) (*AzureBlobFetcher, error) {
	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, apperrors.NewConfigurationError("invalid azure storage credentials", err)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(
		fmt.Sprintf("https://%s.blob.core.windows.net", accountName),
		credential,
		nil,
	)
	if err != nil {
		return nil, apperrors.NewConfigurationError("failed to create azure blob client", err)
	}

	return &AzureBlobFetcher{opener: azureOpener{client: client}, maxBytes: defaultMaxBytes}, nil
}

// FetchImage downloads the blob addressed by blobURL. Both
// https://acct.blob.core.windows.net/container/path/to/blob and the legacy
// .../container?blob=path form are understood.
func (s *AzureBlobFetcher) FetchImage(ctx context.Context, blobURL string) ([]byte, error) {
	containerName, blobName, err := parseBlobURL(blobURL)
	if err != nil {
		return nil, err
	}

	body, err := s.opener.Open(ctx, containerName, blobName)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("blob %s/%s not found", containerName, blobName), err)
		}
		if ctx.Err() != nil {
			return nil, apperrors.NewTimeoutError("blob download cancelled", ctx.Err())
		}
		return nil, apperrors.NewNetworkError("blob download failed", err)
	}
	defer body.Close()

	data, _, err := readLimited(body, s.maxBytes)
	if err != nil {
		if _, ok := err.(*apperrors.AppError); ok {
			return nil, err
		}
		return nil, apperrors.NewNetworkError("blob download interrupted", err)
	}
	return data, nil
}

func parseBlobURL(blobURL string) (string, string, error) {
	parsedURL, err := url.Parse(blobURL)
	if err != nil {
		return "", "", apperrors.NewValidationError("invalid blob URL", err)
	}

	path := strings.TrimPrefix(parsedURL.Path, "/")
	containerName, blobName, _ := strings.Cut(path, "/")
	if blobName == "" {
		blobName = parsedURL.Query().Get("blob")
	}
	if containerName == "" || blobName == "" {
		return "", "", apperrors.NewValidationError(fmt.Sprintf("blob URL %q must name a container and a blob", blobURL), nil)
	}
	return containerName, blobName, nil
}
