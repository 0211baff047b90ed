package container

import (
	"fmt"
	"net/http"

	"github.com/anime-shed/avalanche-inspector-go/internal/config"
	"github.com/anime-shed/avalanche-inspector-go/internal/factory"
	"github.com/anime-shed/avalanche-inspector-go/internal/imaging"
	"github.com/anime-shed/avalanche-inspector-go/internal/logger"
	"github.com/anime-shed/avalanche-inspector-go/internal/metrics"
	"github.com/anime-shed/avalanche-inspector-go/internal/observer"
	"github.com/anime-shed/avalanche-inspector-go/internal/prompt"
	"github.com/anime-shed/avalanche-inspector-go/internal/remote"
	"github.com/anime-shed/avalanche-inspector-go/internal/service"
	"github.com/anime-shed/avalanche-inspector-go/internal/session"
	"github.com/anime-shed/avalanche-inspector-go/internal/storage"
	"github.com/anime-shed/avalanche-inspector-go/internal/transport"
	"github.com/anime-shed/avalanche-inspector-go/internal/worker"
	"github.com/anime-shed/avalanche-inspector-go/pkg/models"
)

// Container holds all application dependencies
type Container struct {
	config          *config.Config
	pool            *worker.Pool
	publisher       *observer.EventPublisher
	metricsObserver *observer.MetricsObserver
	client          remote.Client
	source          storage.ImageSource
	analysisService service.AnalysisService
	handler         http.Handler
}

// NewContainer creates a new dependency injection container
func NewContainer(cfg *config.Config) (*Container, error) {
	return build(cfg, factory.NewComponentFactory(cfg), true)
}

// NewContainerWithFactory builds the graph from custom factories.
func NewContainerWithFactory(cfg *config.Config, components *factory.ComponentFactory) (*Container, error) {
	return build(cfg, components, true)
}

// NewEngine builds the analysis graph without the HTTP adapter. Handler
// returns nil on the result.
func NewEngine(cfg *config.Config) (*Container, error) {
	return build(cfg, factory.NewComponentFactory(cfg), false)
}

func build(cfg *config.Config, components *factory.ComponentFactory, withHTTP bool) (*Container, error) {
	logger.SetLevel(cfg.LogLevel)
	metrics.Register()

	publisher := observer.NewEventPublisher()
	metricsObserver := observer.NewMetricsObserver()
	publisher.Subscribe(observer.NewLoggingObserver(logger.Logger))
	publisher.Subscribe(metricsObserver)

	client, err := components.ProviderFactory.CreateClient(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", cfg.Provider, err)
	}
	source, err := components.SourceFactory.CreateSource()
	if err != nil {
		return nil, fmt.Errorf("failed to create image source: %w", err)
	}

	pool := worker.NewPool(cfg.CodecWorkers)
	pool.Start()

	deps := session.Deps{
		Codec: imaging.NewCodec(imaging.Options{
			MaxDimension:    cfg.MaxImageDimension,
			JPEGQuality:     cfg.JPEGQuality,
			MaxPayloadBytes: cfg.MaxPayloadBytes,
			MaxSourcePixels: cfg.MaxSourcePixels,
		}),
		Builder: prompt.NewBuilder(models.ModelConfig{
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Detail:    cfg.ImageDetail,
		}),
		Client:    client,
		Pool:      pool,
		Publisher: publisher,
	}
	analysisService := service.NewAnalysisService(deps, service.Options{
		Session:    session.Options{Timeout: cfg.AnalysisTimeout},
		SessionTTL: cfg.SessionTTL,
	})

	var handler http.Handler
	if withHTTP {
		handler = transport.NewHandler(analysisService, source, cfg)
	}

	logger.WithFields(map[string]interface{}{
		"provider":      client.Name(),
		"model":         cfg.Model,
		"codec_workers": pool.GetStats().Workers,
		"azure_enabled": cfg.AzureEnabled(),
		"http":          withHTTP,
	}).Info("Container initialised")

	return &Container{
		config:          cfg,
		pool:            pool,
		publisher:       publisher,
		metricsObserver: metricsObserver,
		client:          client,
		source:          source,
		analysisService: analysisService,
		handler:         handler,
	}, nil
}

// Handler returns the HTTP handler
func (c *Container) Handler() http.Handler {
	return c.handler
}

// Config returns the configuration
func (c *Container) Config() *config.Config {
	return c.config
}

// Service returns the analysis engine.
func (c *Container) Service() service.AnalysisService {
	return c.analysisService
}

// Metrics returns the in-process analysis totals.
func (c *Container) Metrics() map[string]interface{} {
	return c.metricsObserver.GetMetrics()
}

// Close shuts down sessions first, then the worker pool they use.
func (c *Container) Close() {
	c.analysisService.Shutdown()
	c.pool.Close()
}
