package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/anime-shed/avalanche-inspector-go/internal/errors"
	"github.com/anime-shed/avalanche-inspector-go/pkg/models"
)

func geminiRequest() models.AnalysisRequest {
	req := testRequest()
	req.Config.Model = "gemini-2.5-flash"
	return req
}

func TestGeminiClient_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "models/gemini-2.5-flash:generateContent"), r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		assert.NoError(t, json.Unmarshal(body, &payload))
		assert.Contains(t, payload, "systemInstruction")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"overall_risk\":\"low\"}"}]},"finishReason":"STOP"}]}`))
	}))
	defer server.Close()

	client := NewGeminiClient(server.URL, nil, 0)
	reply, err := client.Send(context.Background(), geminiRequest(), testKey, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, models.EnvelopeGemini, reply.Format)
	assert.Equal(t, "gemini-2.5-flash", reply.Model)
	assert.Contains(t, string(reply.Body), "overall_risk")
}

func TestGeminiClient_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":401,"message":"API key not valid","status":"UNAUTHENTICATED"}}`))
	}))
	defer server.Close()

	_, err := NewGeminiClient(server.URL, nil, 0).Send(context.Background(), geminiRequest(), testKey, 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindAuth, apperrors.KindOf(err))
	assert.NotContains(t, err.Error(), testKey)
}

func TestGeminiClient_EmptyKey(t *testing.T) {
	_, err := NewGeminiClient("", nil, 0).Send(context.Background(), geminiRequest(), "", time.Second)
	assert.Equal(t, apperrors.KindAuth, apperrors.KindOf(err))
}
