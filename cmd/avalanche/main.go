// Command avalanche assesses the avalanche risk shown in one photo and prints
// the report as JSON on stdout. Logs and progress go to stderr.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/anime-shed/avalanche-inspector-go/internal/config"
	"github.com/anime-shed/avalanche-inspector-go/internal/container"
	"github.com/anime-shed/avalanche-inspector-go/internal/factory"
	"github.com/anime-shed/avalanche-inspector-go/internal/logger"
	"github.com/anime-shed/avalanche-inspector-go/pkg/models"
)

type options struct {
	imagePath string
	imageURL  string
	keyEnv    string
	envFile   string
	poll      time.Duration
	verbose   bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("avalanche", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.imagePath, "image", "", "Path to a png, jpeg, webp, gif, bmp or tiff photo.")
	fs.StringVar(&opts.imageURL, "url", "", "http(s):// or azblob:// reference to fetch instead of -image.")
	fs.StringVar(&opts.keyEnv, "key-env", "", "Environment variable holding the API key (default OPENAI_API_KEY, or GEMINI_API_KEY for the gemini provider).")
	fs.StringVar(&opts.envFile, "env-file", "", "Optional .env file to load first.")
	fs.DurationVar(&opts.poll, "poll", 200*time.Millisecond, "Phase polling interval.")
	fs.BoolVar(&opts.verbose, "v", false, "Print phase transitions to stderr.")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if (opts.imagePath == "") == (opts.imageURL == "") {
		fs.Usage()
		return opts, fmt.Errorf("exactly one of -image or -url is required")
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	logger.SetOutput(stderr)

	opts, err := parseFlags(args, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if err := config.LoadDotEnv(opts.envFile); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(stderr, "invalid configuration: %v\n", err)
		return 2
	}
	if !opts.verbose && os.Getenv("LOG_LEVEL") == "" {
		cfg.LogLevel = "error"
	}

	apiKey := os.Getenv(keyVariable(opts.keyEnv, cfg.Provider))

	image, err := loadImage(ctx, cfg, opts)
	if err != nil {
		fmt.Fprintf(stderr, "cannot read image: %v\n", err)
		return 1
	}

	c, err := container.NewEngine(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer c.Close()

	svc := c.Service()
	handle, err := svc.StartAnalysis(image, apiKey)
	if err != nil {
		fmt.Fprintf(stderr, "cannot start analysis: %v\n", err)
		return 1
	}

	ticker := time.NewTicker(opts.poll)
	defer ticker.Stop()

	var last models.PhaseState
	for {
		p, err := svc.Phase(handle)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		if opts.verbose && p.State != last {
			fmt.Fprintf(stderr, "%s\n", p.State)
			last = p.State
		}
		if p.State.Terminal() {
			return report(stdout, stderr, p)
		}

		select {
		case <-ctx.Done():
			_ = svc.Cancel(handle)
			p, _ = svc.Phase(handle)
			return report(stdout, stderr, p)
		case <-ticker.C:
		}
	}
}

func keyVariable(keyEnv, provider string) string {
	if keyEnv != "" {
		return keyEnv
	}
	if provider == config.ProviderGemini {
		return "GEMINI_API_KEY"
	}
	return "OPENAI_API_KEY"
}

func loadImage(ctx context.Context, cfg *config.Config, opts options) ([]byte, error) {
	if opts.imagePath != "" {
		return os.ReadFile(opts.imagePath)
	}
	source, err := factory.NewSourceFactory(cfg, false).CreateSource()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.ImageFetchTimeout)
	defer cancel()
	return source.Fetch(ctx, strings.TrimSpace(opts.imageURL))
}

func report(stdout, stderr io.Writer, p models.Phase) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	if p.State == models.PhaseSucceeded {
		if err := enc.Encode(p.Assessment); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		return 0
	}

	if err := enc.Encode(p); err != nil {
		fmt.Fprintln(stderr, err)
	}
	return 1
}
