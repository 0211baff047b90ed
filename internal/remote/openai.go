package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/anime-shed/avalanche-inspector-go/internal/errors"
	"github.com/anime-shed/avalanche-inspector-go/internal/logger"
	"github.com/anime-shed/avalanche-inspector-go/pkg/models"
)

const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// OpenAIClient talks to an OpenAI compatible chat completions endpoint.
type OpenAIClient struct {
	baseURL       string
	httpClient    *http.Client
	maxReplyBytes int64
	now           func() time.Time
}

// NewOpenAIClient builds a client. A nil httpClient uses NewHTTPClient.
func NewOpenAIClient(baseURL string, httpClient *http.Client, maxReplyBytes int64) *OpenAIClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	if maxReplyBytes <= 0 {
		maxReplyBytes = DefaultMaxReplyBytes
	}
	return &OpenAIClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    httpClient,
		maxReplyBytes: maxReplyBytes,
		now:           time.Now,
	}
}

func (c *OpenAIClient) Name() string { return string(models.EnvelopeOpenAI) }

func (c *OpenAIClient) Send(ctx context.Context, req models.AnalysisRequest, apiKey string, timeout time.Duration) (*models.RawModelReply, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, missingKeyError()
	}

	body, err := json.Marshal(buildChatRequest(req))
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode chat request", err)
	}

	callCtx, cancel := callContext(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build chat request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyCallError(ctx, callCtx, err, timeout, apiKey)
	}
	defer resp.Body.Close()

	replyBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxReplyBytes+1))
	if err != nil {
		return nil, classifyCallError(ctx, callCtx, err, timeout, apiKey)
	}
	elapsed := time.Since(start)

	logger.WithFields(logrus.Fields{
		"provider":    c.Name(),
		"model":       req.Config.Model,
		"status":      resp.StatusCode,
		"reply_bytes": len(replyBody),
		"elapsed_ms":  elapsed.Milliseconds(),
	}).Debug("Chat completion returned")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(resp.StatusCode, resp.Header, providerErrorMessage(replyBody), apiKey, c.now())
	}
	if int64(len(replyBody)) > c.maxReplyBytes {
		return nil, apperrors.NewMalformedEnvelopeError(
			fmt.Sprintf("reply exceeds %d bytes", c.maxReplyBytes), nil)
	}
	if !isJSONObject(replyBody) {
		return nil, apperrors.NewMalformedEnvelopeError("reply body is not a JSON object", nil)
	}

	return &models.RawModelReply{
		Format:     models.EnvelopeOpenAI,
		Body:       replyBody,
		StatusCode: resp.StatusCode,
		Model:      req.Config.Model,
		Elapsed:    elapsed,
	}, nil
}

func buildChatRequest(req models.AnalysisRequest) chatRequest {
	userText := req.UserText
	if userText == "" {
		userText = "Analyze this photo."
	}
	return chatRequest{
		Model:          req.Config.Model,
		MaxTokens:      req.Config.MaxTokens,
		Temperature:    req.Config.Temperature,
		ResponseFormat: &responseFormat{Type: "json_object"},
		Messages: []chatMessage{
			{
				Role:    "system",
				Content: []contentPart{{Type: "text", Text: req.Instruction}},
			},
			{
				Role: "user",
				Content: []contentPart{
					{Type: "text", Text: userText},
					{Type: "image_url", ImageURL: &imageURL{URL: req.Payload.DataURL(), Detail: req.Config.Detail}},
				},
			},
		},
	}
}
