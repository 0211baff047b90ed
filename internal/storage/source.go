package storage

import (
	"context"
	"net/url"
	"strings"

	apperrors "github.com/anime-shed/avalanche-inspector-go/internal/errors"
	"github.com/anime-shed/avalanche-inspector-go/pkg/validation"
)

// Router validates a reference and hands it to the source for its scheme.
type Router struct {
	validator *validation.URLValidator
	http      ImageSource
	blob      ImageSource
}

// NewRouter builds a router. blob may be nil when no storage account is
// configured; azblob references are then rejected.
func NewRouter(validator *validation.URLValidator, httpSource, blob ImageSource) *Router {
	return &Router{validator: validator, http: httpSource, blob: blob}
}

// Fetch implements ImageSource.
func (r *Router) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := r.validator.ValidateImageURL(ref); err != nil {
		return nil, err
	}

	u, err := url.Parse(ref)
	if err != nil {
		return nil, apperrors.NewValidationError("Invalid URL format", err)
	}

	switch strings.ToLower(u.Scheme) {
	case validation.SchemeAzureBlob:
		if r.blob == nil {
			return nil, apperrors.NewValidationError("blob storage is not configured", nil)
		}
		return r.blob.Fetch(ctx, ref)
	case "http", "https":
		if r.http == nil {
			return nil, apperrors.NewValidationError("URL downloads are not enabled", nil)
		}
		return r.http.Fetch(ctx, ref)
	}
	return nil, apperrors.NewValidationError("URL scheme not allowed", nil)
}
