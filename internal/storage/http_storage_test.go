package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/anime-shed/avalanche-inspector-go/internal/errors"
	"github.com/anime-shed/avalanche-inspector-go/pkg/validation"
)

// Valid minimal PNG data for a 1x1 transparent pixel
var pngData = []byte{
	0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, // PNG signature
	0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52, // IHDR chunk
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01, // 1x1 dimensions
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1F, 0x15, 0xC4, // bit depth, color type, etc.
	0x89, 0x00, 0x00, 0x00, 0x0A, 0x49, 0x44, 0x41, // IDAT chunk start
	0x54, 0x78, 0x9C, 0x63, 0x00, 0x01, 0x00, 0x00, // compressed data
	0x05, 0x00, 0x01, 0x0D, 0x0A, 0x2D, 0xB4, 0x00, // compressed data end
	0x00, 0x00, 0x00, 0x49, 0x45, 0x4E, 0x44, 0xAE, // IEND chunk
	0x42, 0x60, 0x82,
}

func testFetcher() *HTTPImageFetcher {
	return NewHTTPImageFetcher(HTTPOptions{RetryBackoff: time.Millisecond, AllowPrivate: true})
}

func TestHTTPImageFetcher_RetryLogic(t *testing.T) {
	tests := []struct {
		name          string
		responses     []int // Status codes to return in sequence
		expectRetries int   // Expected number of requests
		expectError   bool
		errorKind     apperrors.Kind
		errorContains string
	}{
		{
			name:          "Success on first attempt",
			responses:     []int{200},
			expectRetries: 1,
		},
		{
			name:          "Success on second attempt after 5xx",
			responses:     []int{500, 200},
			expectRetries: 2,
		},
		{
			name:          "4xx client error - no retry",
			responses:     []int{404},
			expectRetries: 1,
			expectError:   true,
			errorKind:     apperrors.KindValidation,
			errorContains: "client error: status code 404",
		},
		{
			name:          "4xx after 5xx - should retry until 4xx then stop",
			responses:     []int{500, 404},
			expectRetries: 2,
			expectError:   true,
			errorKind:     apperrors.KindValidation,
			errorContains: "client error: status code 404",
		},
		{
			name:          "All 5xx errors - retry all attempts",
			responses:     []int{500, 502, 503},
			expectRetries: 3,
			expectError:   true,
			errorKind:     apperrors.KindTransport,
			errorContains: "server error: status code 503",
		},
		{
			name:          "Unexpected 204 - no retry",
			responses:     []int{204},
			expectRetries: 1,
			expectError:   true,
			errorKind:     apperrors.KindValidation,
			errorContains: "unexpected status code 204",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requestCount atomic.Int32

			// Create test server that returns responses in sequence
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := int(requestCount.Add(1)) - 1
				if n >= len(tt.responses) {
					w.WriteHeader(500)
					w.Write([]byte("Unexpected request"))
					return
				}
				statusCode := tt.responses[n]
				if statusCode == 200 {
					w.Header().Set("Content-Type", "image/png")
					w.Write(pngData)
					return
				}
				w.WriteHeader(statusCode)
				w.Write([]byte(fmt.Sprintf("Error %d", statusCode)))
			}))
			defer server.Close()

			data, err := testFetcher().Fetch(context.Background(), server.URL)

			if got := int(requestCount.Load()); got != tt.expectRetries {
				t.Errorf("Expected %d requests, got %d", tt.expectRetries, got)
			}

			if tt.expectError {
				if err == nil {
					t.Fatalf("Expected error, but got none")
				}
				if kind := apperrors.KindOf(err); kind != tt.errorKind {
					t.Errorf("Expected kind %s, got %s", tt.errorKind, kind)
				}
				if tt.errorContains != "" && !strings.Contains(err.Error(), tt.errorContains) {
					t.Errorf("Expected error to contain '%s', got: %s", tt.errorContains, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %s", err.Error())
			}
			if !bytes.Equal(data, pngData) {
				t.Errorf("Expected the served bytes back, got %d bytes", len(data))
			}
		})
	}
}

func TestHTTPImageFetcher_NetworkError_Retry(t *testing.T) {
	var requestCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestCount.Add(1) < 3 {
			// Simulate network error by closing connection
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, _ := hj.Hijack()
				conn.Close()
			}
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngData)
	}))
	defer server.Close()

	fetcher := NewHTTPImageFetcher(HTTPOptions{RetryBackoff: 10 * time.Millisecond, AllowPrivate: true})

	start := time.Now()
	_, err := fetcher.Fetch(context.Background(), server.URL)
	duration := time.Since(start)

	if err != nil {
		t.Errorf("Expected success after retries, got error: %s", err.Error())
	}
	if got := requestCount.Load(); got != 3 {
		t.Errorf("Expected 3 requests, got %d", got)
	}
	// Backoff is 1x then 2x the base delay.
	if duration < 30*time.Millisecond {
		t.Errorf("Expected at least 30ms due to backoff, took %v", duration)
	}
}

func TestHTTPImageFetcher_SizeCap(t *testing.T) {
	big := bytes.Repeat([]byte{0xFF}, 2048)

	t.Run("declared length", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(big)
		}))
		defer server.Close()

		fetcher := NewHTTPImageFetcher(HTTPOptions{MaxBytes: 1024, AllowPrivate: true})
		_, err := fetcher.Fetch(context.Background(), server.URL)
		if !apperrors.IsKind(err, apperrors.KindEncodingTooLarge) {
			t.Fatalf("Expected encoding_too_large, got %v", err)
		}
	})

	t.Run("chunked body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for i := 0; i < 4; i++ {
				w.Write(big[:512])
				w.(http.Flusher).Flush()
			}
		}))
		defer server.Close()

		fetcher := NewHTTPImageFetcher(HTTPOptions{MaxBytes: 1024, AllowPrivate: true})
		_, err := fetcher.Fetch(context.Background(), server.URL)
		if !apperrors.IsKind(err, apperrors.KindEncodingTooLarge) {
			t.Fatalf("Expected encoding_too_large, got %v", err)
		}
	})
}

func TestHTTPImageFetcher_RefusesPrivateDial(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(pngData)
	}))
	defer server.Close()

	// A retry would wait at least this long.
	fetcher := NewHTTPImageFetcher(HTTPOptions{RetryBackoff: 5 * time.Second})
	start := time.Now()
	_, err := fetcher.Fetch(context.Background(), server.URL)
	if err == nil {
		t.Fatal("Expected dialling a loopback address to fail")
	}
	if !apperrors.IsKind(err, apperrors.KindValidation) {
		t.Errorf("Expected a validation error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected no retry for a refused private address, took %s", elapsed)
	}
	if hits.Load() != 0 {
		t.Errorf("Expected no request to reach the server, got %d", hits.Load())
	}
}

func TestHTTPImageFetcher_Canceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testFetcher().Fetch(ctx, server.URL)
	if !apperrors.IsKind(err, apperrors.KindCanceled) {
		t.Fatalf("Expected canceled, got %v", err)
	}
}

type stubSource struct {
	data  []byte
	calls int
}

func (s *stubSource) Fetch(context.Context, string) ([]byte, error) {
	s.calls++
	return s.data, nil
}

func TestRouter(t *testing.T) {
	validator := validation.NewURLValidator()

	t.Run("routes by scheme", func(t *testing.T) {
		web, blob := &stubSource{data: []byte("web")}, &stubSource{data: []byte("blob")}
		router := NewRouter(validator, web, blob)

		data, err := router.Fetch(context.Background(), "https://example.com/slope.jpg")
		if err != nil || string(data) != "web" {
			t.Fatalf("Expected http source, got %q, %v", data, err)
		}
		data, err = router.Fetch(context.Background(), "azblob://photos/slope.jpg")
		if err != nil || string(data) != "blob" {
			t.Fatalf("Expected blob source, got %q, %v", data, err)
		}
	})

	t.Run("validates first", func(t *testing.T) {
		web := &stubSource{}
		router := NewRouter(validator, web, nil)

		_, err := router.Fetch(context.Background(), "http://127.0.0.1/slope.jpg")
		if !apperrors.IsKind(err, apperrors.KindValidation) {
			t.Fatalf("Expected validation error, got %v", err)
		}
		if web.calls != 0 {
			t.Error("Expected no fetch for an invalid reference")
		}
	})

	t.Run("blob not configured", func(t *testing.T) {
		router := NewRouter(validator, &stubSource{}, nil)
		_, err := router.Fetch(context.Background(), "azblob://photos/slope.jpg")
		var appErr *apperrors.AppError
		if !errors.As(err, &appErr) || appErr.Message != "blob storage is not configured" {
			t.Fatalf("Expected not configured error, got %v", err)
		}
	})
}

func TestParseBlobRef(t *testing.T) {
	tests := []struct {
		ref       string
		container string
		blob      string
		wantErr   bool
	}{
		{ref: "azblob://photos/slope.jpg", container: "photos", blob: "slope.jpg"},
		{ref: "azblob://photos/2024/jan/slope.jpg", container: "photos", blob: "2024/jan/slope.jpg"},
		{ref: "AZBLOB://photos/a.png", container: "photos", blob: "a.png"},
		{ref: "azblob://photos", wantErr: true},
		{ref: "https://photos/slope.jpg", wantErr: true},
		{ref: "azblob:///slope.jpg", wantErr: true},
	}

	for _, tt := range tests {
		container, blob, err := parseBlobRef(tt.ref)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseBlobRef(%q): expected error", tt.ref)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseBlobRef(%q): %v", tt.ref, err)
			continue
		}
		if container != tt.container || blob != tt.blob {
			t.Errorf("parseBlobRef(%q) = %q, %q", tt.ref, container, blob)
		}
	}
}

func TestNewAzureBlobSource_InvalidKey(t *testing.T) {
	if _, err := NewAzureBlobSource("account", "not base64 !!", 0); err == nil {
		t.Fatal("Expected an invalid account key to be rejected")
	}
}
