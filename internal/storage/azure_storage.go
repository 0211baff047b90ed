package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	apperrors "github.com/anime-shed/avalanche-inspector-go/internal/errors"
	"github.com/anime-shed/avalanche-inspector-go/pkg/validation"
)

// AzureBlobSource reads images addressed as azblob://container/path/to/blob
// from one storage account.
type AzureBlobSource struct {
	client   *azblob.Client
	maxBytes int64
}

// NewAzureBlobSource authenticates against the account's public blob endpoint.
func NewAzureBlobSource(accountName, accountKey string, maxBytes int64) (*AzureBlobSource, error) {
	return NewAzureBlobSourceWithURL(
		fmt.Sprintf("https://%s.blob.core.windows.net", accountName), accountName, accountKey, maxBytes)
}

// NewAzureBlobSourceWithURL targets a custom service URL, such as an emulator.
func NewAzureBlobSourceWithURL(serviceURL, accountName, accountKey string, maxBytes int64) (*AzureBlobSource, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}

	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("invalid azure storage credentials: %w", err)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure blob client: %w", err)
	}

	return &AzureBlobSource{client: client, maxBytes: maxBytes}, nil
}

// Fetch downloads the referenced blob.
func (s *AzureBlobSource) Fetch(ctx context.Context, ref string) ([]byte, error) {
	containerName, blobName, err := parseBlobRef(ref)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.DownloadStream(ctx, containerName, blobName, nil)
	if err != nil {
		return nil, classifyBlobError(ctx, err)
	}
	body := resp.Body
	defer body.Close()

	if resp.ContentLength != nil && *resp.ContentLength > s.maxBytes {
		return nil, tooLarge(s.maxBytes)
	}
	data, err := readCapped(body, s.maxBytes)
	if err != nil {
		if _, ok := apperrors.As(err); ok {
			return nil, err
		}
		return nil, classifyBlobError(ctx, err)
	}
	return data, nil
}

func classifyBlobError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return apperrors.NewCanceledError("blob download canceled", err)
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound):
		return apperrors.NewValidationError("blob not found", err)
	case bloberror.HasCode(err, bloberror.AuthenticationFailed, bloberror.AuthorizationFailure):
		return apperrors.NewInternalError("blob storage rejected the configured credentials", err)
	}
	return apperrors.NewTransportError("blob download failed", err)
}

// parseBlobRef splits azblob://container/path/to/blob.
func parseBlobRef(ref string) (string, string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", "", apperrors.NewValidationError("invalid blob reference", err)
	}
	if !strings.EqualFold(u.Scheme, validation.SchemeAzureBlob) {
		return "", "", apperrors.NewValidationError("blob reference must use the azblob scheme", nil)
	}
	blobName := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || blobName == "" {
		return "", "", apperrors.NewValidationError("blob reference must be azblob://container/blob", nil)
	}
	return u.Host, blobName, nil
}
