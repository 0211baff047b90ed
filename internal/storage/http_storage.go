package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	apperrors "github.com/anime-shed/avalanche-inspector-go/internal/errors"
	"github.com/anime-shed/avalanche-inspector-go/pkg/validation"
)

// DefaultMaxImageBytes caps a downloaded image.
const DefaultMaxImageBytes = 20 * 1024 * 1024

const fetchAttempts = 3

// ImageSource loads the raw bytes of an image reference.
type ImageSource interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// HTTPOptions tune the HTTP fetcher.
type HTTPOptions struct {
	MaxBytes int64
	Timeout  time.Duration
	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration
	// AllowPrivate permits dialling loopback and private addresses.
	AllowPrivate bool
}

// HTTPImageFetcher downloads images over http(s), retrying transient failures
type HTTPImageFetcher struct {
	client   *http.Client
	maxBytes int64
	backoff  time.Duration
}

// NewHTTPImageFetcher creates an HTTP image fetcher
func NewHTTPImageFetcher(opts HTTPOptions) *HTTPImageFetcher {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxImageBytes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if !opts.AllowPrivate {
		dialer.Control = refusePrivate
	}

	transport := &http.Transport{
		Proxy:       http.ProxyFromEnvironment,
		DialContext: dialer.DialContext,

		// Connection pooling sized for single image downloads
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     30 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		MaxResponseHeaderBytes: 4096,

		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &HTTPImageFetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,

			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("too many redirects (limit: 3)")
				}
				return nil
			},
		},
		maxBytes: opts.MaxBytes,
		backoff:  opts.RetryBackoff,
	}
}

var errPrivateAddress = errors.New("refusing to dial private address")

// refusePrivate runs after DNS resolution, so redirects and hostnames that
// point inside the network are refused as well.
func refusePrivate(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if ip := net.ParseIP(host); ip != nil && validation.IsPrivateIP(ip) {
		return fmt.Errorf("%w %s", errPrivateAddress, ip)
	}
	return nil
}

// Fetch downloads imageURL. 5xx responses and network errors are retried up
// to three attempts; 4xx responses are not.
func (h *HTTPImageFetcher) Fetch(ctx context.Context, imageURL string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, apperrors.NewCanceledError("image download canceled", ctx.Err())
			case <-time.After(time.Duration(attempt) * h.backoff):
			}
		}

		data, retry, err := h.fetchOnce(ctx, imageURL)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() != nil {
		return nil, apperrors.NewCanceledError("image download canceled", ctx.Err())
	}
	if appErr, ok := apperrors.As(lastErr); ok {
		return nil, appErr
	}
	return nil, apperrors.NewTransportError(
		fmt.Sprintf("failed to fetch image after %d attempts", fetchAttempts), lastErr)
}

func (h *HTTPImageFetcher) fetchOnce(ctx context.Context, imageURL string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, false, apperrors.NewValidationError("invalid URL", err)
	}
	req.Header.Set("Accept", "image/jpeg, image/png, image/webp, image/gif, */*")
	req.Header.Set("User-Agent", "Avalanche-Inspector/1.0")

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, errPrivateAddress) {
			return nil, false, apperrors.NewValidationError("URL host resolves to a private or loopback address", err)
		}
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("server error: status code %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, false, apperrors.NewValidationError(
			fmt.Sprintf("image URL returned client error: status code %d", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, false, apperrors.NewValidationError(
			fmt.Sprintf("image URL returned unexpected status code %d", resp.StatusCode), nil)
	}

	if resp.ContentLength > h.maxBytes {
		return nil, false, tooLarge(h.maxBytes)
	}
	data, err := readCapped(resp.Body, h.maxBytes)
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return nil, false, err
		}
		return nil, true, err
	}
	return data, false, nil
}

// readCapped reads r fully, failing once more than limit bytes arrive.
func readCapped(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, tooLarge(limit)
	}
	return data, nil
}

func tooLarge(limit int64) error {
	return apperrors.NewEncodingTooLargeError(
		fmt.Sprintf("image exceeds the %d byte download limit", limit), nil)
}
