package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/genai"

	apperrors "github.com/anime-shed/avalanche-inspector-go/internal/errors"
	"github.com/anime-shed/avalanche-inspector-go/internal/logger"
	"github.com/anime-shed/avalanche-inspector-go/pkg/models"
)

// GeminiClient calls the Gemini API through the genai SDK. A fresh SDK
// client is created per call since the key arrives per call.
type GeminiClient struct {
	baseURL       string
	httpClient    *http.Client
	maxReplyBytes int64
	now           func() time.Time
}

// NewGeminiClient builds a client. An empty baseURL uses the SDK default.
func NewGeminiClient(baseURL string, httpClient *http.Client, maxReplyBytes int64) *GeminiClient {
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	if maxReplyBytes <= 0 {
		maxReplyBytes = DefaultMaxReplyBytes
	}
	return &GeminiClient{
		baseURL:       strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient:    httpClient,
		maxReplyBytes: maxReplyBytes,
		now:           time.Now,
	}
}

func (c *GeminiClient) Name() string { return string(models.EnvelopeGemini) }

func (c *GeminiClient) Send(ctx context.Context, req models.AnalysisRequest, apiKey string, timeout time.Duration) (*models.RawModelReply, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, missingKeyError()
	}

	imageBytes, err := base64.StdEncoding.DecodeString(req.Payload.Base64)
	if err != nil {
		return nil, apperrors.NewInternalError("payload is not valid base64", err)
	}

	callCtx, cancel := callContext(ctx, timeout)
	defer cancel()

	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: c.httpClient,
	}
	if c.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL + "/"}
	}
	client, err := genai.NewClient(callCtx, cfg)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to create Gemini client", stderrors.New(redact(err.Error(), apiKey)))
	}

	userText := req.UserText
	if userText == "" {
		userText = "Analyze this photo."
	}
	contents := []*genai.Content{{
		Role: genai.RoleUser,
		Parts: []*genai.Part{
			{Text: userText},
			{InlineData: &genai.Blob{MIMEType: req.Payload.MIMEType, Data: imageBytes}},
		},
	}}
	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: req.Instruction}}},
		Temperature:       genai.Ptr(float32(req.Config.Temperature)),
		ResponseMIMEType:  "application/json",
	}
	if req.Config.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(req.Config.MaxTokens)
	}

	start := time.Now()
	resp, err := client.Models.GenerateContent(callCtx, req.Config.Model, contents, genCfg)
	elapsed := time.Since(start)
	if err != nil {
		return nil, c.classify(ctx, callCtx, err, timeout, apiKey)
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return nil, apperrors.NewMalformedEnvelopeError("Gemini reply could not be serialised", err)
	}
	if int64(len(body)) > c.maxReplyBytes {
		return nil, apperrors.NewMalformedEnvelopeError(fmt.Sprintf("reply exceeds %d bytes", c.maxReplyBytes), nil)
	}

	logger.WithFields(logrus.Fields{
		"provider":    c.Name(),
		"model":       req.Config.Model,
		"reply_bytes": len(body),
		"elapsed_ms":  elapsed.Milliseconds(),
	}).Debug("Gemini generate content returned")

	return &models.RawModelReply{
		Format:     models.EnvelopeGemini,
		Body:       body,
		StatusCode: http.StatusOK,
		Model:      req.Config.Model,
		Elapsed:    elapsed,
	}, nil
}

func (c *GeminiClient) classify(parent, call context.Context, err error, timeout time.Duration, apiKey string) error {
	if apiErr, ok := asGenaiAPIError(err); ok {
		return classifyStatus(apiErr.Code, http.Header{}, apiErr.Message, apiKey, c.now())
	}
	return classifyCallError(parent, call, err, timeout, apiKey)
}

func asGenaiAPIError(err error) (genai.APIError, bool) {
	var value genai.APIError
	if stderrors.As(err, &value) {
		return value, true
	}
	var ptr *genai.APIError
	if stderrors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	return genai.APIError{}, false
}
