package remote

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/anime-shed/avalanche-inspector-go/internal/errors"
	"github.com/anime-shed/avalanche-inspector-go/internal/logger"
	"github.com/anime-shed/avalanche-inspector-go/pkg/models"
)

// DefaultMaxReplyBytes caps how much of a reply body is read.
const DefaultMaxReplyBytes = 2 * 1024 * 1024

// Client sends one analysis request to a remote vision model. Send makes
// exactly one outbound attempt; it never retries.
type Client interface {
	Send(ctx context.Context, req models.AnalysisRequest, apiKey string, timeout time.Duration) (*models.RawModelReply, error)
	Name() string
}

// NewHTTPClient returns the transport shared by the HTTP based providers.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		MaxResponseHeaderBytes: 64 * 1024,
	}

	// No client timeout: every call carries its own deadline.
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// callContext derives the per-call deadline.
func callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// classifyCallError maps a failed round trip to the taxonomy. parent is the
// caller's context, call the derived one carrying the deadline.
func classifyCallError(parent, call context.Context, err error, timeout time.Duration, apiKey string) error {
	if parent.Err() != nil && stderrors.Is(parent.Err(), context.Canceled) {
		return apperrors.NewCanceledError("analysis request cancelled", parent.Err())
	}
	if stderrors.Is(call.Err(), context.DeadlineExceeded) || stderrors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewTimeoutError(fmt.Sprintf("no reply within %s", timeout), context.DeadlineExceeded)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.NewTimeoutError(fmt.Sprintf("no reply within %s", timeout), context.DeadlineExceeded)
	}
	return apperrors.NewTransportError("could not reach analysis service",
		stderrors.New(redact(err.Error(), apiKey)))
}

// classifyStatus maps a non-2xx reply to the taxonomy. message is the
// provider's own description, already extracted from the body.
func classifyStatus(status int, header http.Header, message, apiKey string, now time.Time) error {
	message = redact(message, apiKey)
	if message == "" {
		message = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.NewAuthError("analysis service rejected the API key", nil).WithDetails(message)
	case status == http.StatusTooManyRequests:
		retryAfter := ParseRetryAfter(header.Get("Retry-After"), now)
		return apperrors.NewRateLimitedError("analysis service is rate limiting requests", retryAfter, nil).WithDetails(message)
	case status >= 500:
		return apperrors.NewServerError(fmt.Sprintf("analysis service failed with status %d", status), nil).WithDetails(message)
	default:
		return apperrors.NewRequestRejectedError(fmt.Sprintf("analysis service rejected the request with status %d", status), nil).WithDetails(message)
	}
}

// ParseRetryAfter accepts delta-seconds or an HTTP date. Unparsable or past
// values yield zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d.Round(time.Second)
		}
	}
	return 0
}

// providerErrorMessage pulls error.message (or a top-level message) out of
// an error body, falling back to a trimmed snippet of the raw text.
func providerErrorMessage(body []byte) string {
	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		var nested struct {
			Message string `json:"message"`
		}
		if len(envelope.Error) > 0 {
			if json.Unmarshal(envelope.Error, &nested) == nil && nested.Message != "" {
				return nested.Message
			}
			var plain string
			if json.Unmarshal(envelope.Error, &plain) == nil && plain != "" {
				return plain
			}
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 300 {
		text = text[:300]
	}
	return text
}

// isJSONObject reports whether body is a syntactically valid JSON object.
func isJSONObject(body []byte) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal(body, &obj) == nil && obj != nil
}

func redact(s, apiKey string) string {
	if apiKey = strings.TrimSpace(apiKey); apiKey != "" {
		s = strings.ReplaceAll(s, apiKey, "[REDACTED]")
	}
	return logger.Redact(s)
}

func missingKeyError() error {
	return apperrors.NewAuthError("an API key is required", nil)
}
