package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Providers the remote analysis client can talk to.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

type Config struct {
	Host               string
	Port               string
	RequestTimeout     time.Duration
	ImageFetchTimeout  time.Duration
	AnalysisTimeout    time.Duration
	MaxRequestBodySize int64

	// Remote model
	Provider      string
	OpenAIBaseURL string
	GeminiBaseURL string
	Model         string
	MaxTokens     int
	ImageDetail   string
	MaxReplyBytes int64

	// Image codec
	MaxImageDimension int
	JPEGQuality       int
	MaxPayloadBytes   int
	MaxSourcePixels   int64
	CodecWorkers      int

	// Sessions
	SessionTTL time.Duration

	// HTTP adapter
	RateLimitPerSecond float64
	RateLimitBurst     int
	CORSOrigins        []string

	// Azure blob image source; empty disables it.
	AzureAccountName string
	AzureAccountKey  string

	LogLevel string
}

func (c *Config) ServerAddress() string {
	// Trim any whitespace from host and port
	host := strings.TrimSpace(c.Host)
	port := strings.TrimSpace(c.Port)
	return net.JoinHostPort(host, port)
}

// AzureEnabled reports whether blob references can be resolved.
func (c *Config) AzureEnabled() bool {
	return c.AzureAccountName != "" && c.AzureAccountKey != ""
}

// LoadDotEnv loads variables from path (".env" when empty) without
// overriding ones already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func LoadFromEnv() (*Config, error) {
	provider := strings.ToLower(getEnvOrDefault("PROVIDER", ProviderOpenAI))

	// Set defaults
	cfg := &Config{
		Host:               getEnvOrDefault("HOST", "0.0.0.0"),
		Port:               getEnvOrDefault("PORT", "8080"),
		RequestTimeout:     parseDurationOrDefault("REQUEST_TIMEOUT", 30*time.Second),
		ImageFetchTimeout:  parseDurationOrDefault("IMAGE_FETCH_TIMEOUT", 15*time.Second),
		AnalysisTimeout:    parseDurationOrDefault("ANALYSIS_TIMEOUT", 60*time.Second),
		MaxRequestBodySize: parseIntOrDefault("MAX_REQUEST_BODY_SIZE", 20*1024*1024), // 20MB

		Provider:      provider,
		OpenAIBaseURL: getEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		GeminiBaseURL: os.Getenv("GEMINI_BASE_URL"),
		Model:         getEnvOrDefault("MODEL", defaultModel(provider)),
		MaxTokens:     int(parseIntOrDefault("MAX_TOKENS", 800)),
		ImageDetail:   getEnvOrDefault("IMAGE_DETAIL", "high"),
		MaxReplyBytes: parseIntOrDefault("MAX_REPLY_BYTES", 2*1024*1024),

		MaxImageDimension: int(parseIntOrDefault("MAX_IMAGE_DIMENSION", 1568)),
		JPEGQuality:       int(parseIntOrDefault("JPEG_QUALITY", 85)),
		MaxPayloadBytes:   int(parseIntOrDefault("MAX_PAYLOAD_BYTES", 4*1024*1024)),
		MaxSourcePixels:   parseIntOrDefault("MAX_SOURCE_PIXELS", 80_000_000),
		CodecWorkers:      int(parseIntOrDefault("CODEC_WORKERS", 0)),

		SessionTTL: parseDurationOrDefault("SESSION_TTL", 30*time.Minute),

		RateLimitPerSecond: parseFloatOrDefault("RATE_LIMIT_PER_SECOND", 2),
		RateLimitBurst:     int(parseIntOrDefault("RATE_LIMIT_BURST", 5)),
		CORSOrigins:        parseListOrDefault("CORS_ORIGINS", []string{"*"}),

		AzureAccountName: os.Getenv("AZURE_STORAGE_ACCOUNT"),
		AzureAccountKey:  os.Getenv("AZURE_STORAGE_KEY"),

		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	// Validate port is numeric and in range
	p, err := strconv.Atoi(strings.TrimSpace(c.Port))
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid PORT: %q", c.Port)
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0 (got %d)", c.MaxRequestBodySize)
	}
	if c.RequestTimeout <= 0 || c.ImageFetchTimeout <= 0 || c.AnalysisTimeout <= 0 {
		return fmt.Errorf("timeouts must be > 0 (got request=%s, fetch=%s, analysis=%s)",
			c.RequestTimeout, c.ImageFetchTimeout, c.AnalysisTimeout)
	}
	switch c.Provider {
	case ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("unsupported PROVIDER %q (want %s or %s)", c.Provider, ProviderOpenAI, ProviderGemini)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("MODEL must not be empty")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("MAX_TOKENS must be > 0 (got %d)", c.MaxTokens)
	}
	if c.MaxImageDimension < 64 {
		return fmt.Errorf("MAX_IMAGE_DIMENSION must be >= 64 (got %d)", c.MaxImageDimension)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("JPEG_QUALITY must be within 1..100 (got %d)", c.JPEGQuality)
	}
	if c.MaxPayloadBytes <= 0 || c.MaxReplyBytes <= 0 || c.MaxSourcePixels <= 0 {
		return fmt.Errorf("size caps must be > 0 (got payload=%d, reply=%d, pixels=%d)",
			c.MaxPayloadBytes, c.MaxReplyBytes, c.MaxSourcePixels)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0 (got %s)", c.SessionTTL)
	}
	if c.RateLimitPerSecond <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit must be > 0 (got %.2f/s burst %d)", c.RateLimitPerSecond, c.RateLimitBurst)
	}
	return nil
}

func defaultModel(provider string) string {
	if provider == ProviderGemini {
		return "gemini-2.5-flash"
	}
	return "gpt-4o-mini"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && duration > 0 {
			return duration
		}
	}
	return defaultValue
}

func parseIntOrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func parseFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func parseListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
