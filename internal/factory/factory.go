package factory

import (
	"fmt"
	"net/http"

	"github.com/anime-shed/avalanche-inspector-go/internal/config"
	"github.com/anime-shed/avalanche-inspector-go/internal/remote"
	"github.com/anime-shed/avalanche-inspector-go/internal/storage"
	"github.com/anime-shed/avalanche-inspector-go/pkg/validation"
)

// ProviderFactory creates remote analysis clients
type ProviderFactory interface {
	CreateClient(provider string) (remote.Client, error)
}

// SourceFactory creates image sources
type SourceFactory interface {
	CreateSource() (storage.ImageSource, error)
}

// providerFactory implements ProviderFactory
type providerFactory struct {
	cfg        *config.Config
	httpClient *http.Client
}

// NewProviderFactory creates a new provider factory sharing one HTTP transport.
func NewProviderFactory(cfg *config.Config) ProviderFactory {
	return &providerFactory{cfg: cfg, httpClient: remote.NewHTTPClient()}
}

// CreateClient creates a client for the named provider
func (f *providerFactory) CreateClient(provider string) (remote.Client, error) {
	switch provider {
	case config.ProviderOpenAI:
		return remote.NewOpenAIClient(f.cfg.OpenAIBaseURL, f.httpClient, f.cfg.MaxReplyBytes), nil
	case config.ProviderGemini:
		return remote.NewGeminiClient(f.cfg.GeminiBaseURL, f.httpClient, f.cfg.MaxReplyBytes), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

// sourceFactory implements SourceFactory
type sourceFactory struct {
	cfg          *config.Config
	allowPrivate bool
}

// NewSourceFactory creates a new source factory. allowPrivate lets URL
// downloads reach loopback and private hosts, for local development only.
func NewSourceFactory(cfg *config.Config, allowPrivate bool) SourceFactory {
	return &sourceFactory{cfg: cfg, allowPrivate: allowPrivate}
}

// CreateSource builds the http(s) fetcher and, when credentials are set, the
// Azure blob source behind one scheme router.
func (f *sourceFactory) CreateSource() (storage.ImageSource, error) {
	validator := validation.NewURLValidatorWithOptions(
		[]string{"http", "https", validation.SchemeAzureBlob}, nil, f.allowPrivate)

	fetcher := storage.NewHTTPImageFetcher(storage.HTTPOptions{
		MaxBytes:     f.cfg.MaxRequestBodySize,
		Timeout:      f.cfg.ImageFetchTimeout,
		AllowPrivate: f.allowPrivate,
	})

	var blob storage.ImageSource
	if f.cfg.AzureEnabled() {
		source, err := storage.NewAzureBlobSource(f.cfg.AzureAccountName, f.cfg.AzureAccountKey, f.cfg.MaxRequestBodySize)
		if err != nil {
			return nil, err
		}
		blob = source
	}

	return storage.NewRouter(validator, fetcher, blob), nil
}

// ComponentFactory combines all factories
type ComponentFactory struct {
	ProviderFactory ProviderFactory
	SourceFactory   SourceFactory
}

// NewComponentFactory creates a new component factory
func NewComponentFactory(cfg *config.Config) *ComponentFactory {
	return &ComponentFactory{
		ProviderFactory: NewProviderFactory(cfg),
		SourceFactory:   NewSourceFactory(cfg, false),
	}
}
