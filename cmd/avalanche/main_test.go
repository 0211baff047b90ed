package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anime-shed/avalanche-inspector-go/pkg/models"
)

// fakeOpenAI answers chat completions with a fixed assessment and counts calls.
func fakeOpenAI(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	content := `{"overall_risk":"moderate","confidence":0.7,"snow_texture":"blocky","terrain_features":["cornice"],"predicted_movement_pattern":"Slab release below the ridge."}`
	body, err := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
	})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func cliEnv(t *testing.T, baseURL string) {
	t.Helper()
	t.Setenv("PROVIDER", "openai")
	t.Setenv("OPENAI_BASE_URL", baseURL)
	t.Setenv("OPENAI_API_KEY", "sk-cli-test-key-0001")
	t.Setenv("LOG_LEVEL", "")
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestRun_SuccessPrintsAssessmentOnly(t *testing.T) {
	var calls int32
	cliEnv(t, fakeOpenAI(t, &calls).URL)

	var img bytes.Buffer
	require.NoError(t, png.Encode(&img, image.NewGray(image.Rect(0, 0, 40, 30))))
	path := writeFile(t, "slope.png", img.Bytes())

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-image", path, "-poll", "5ms"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	require.True(t, json.Valid(stdout.Bytes()), "stdout must be a single JSON document: %q", stdout.String())
	var a models.RiskAssessment
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &a))
	assert.Equal(t, models.RiskModerate, a.OverallRisk)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRun_FailurePrintsPhaseJSON(t *testing.T) {
	var calls int32
	cliEnv(t, fakeOpenAI(t, &calls).URL)
	path := writeFile(t, "notimg.jpg", []byte("this is not an image"))

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-image", path, "-poll", "5ms"}, &stdout, &stderr)
	assert.Equal(t, 1, code)

	require.True(t, json.Valid(stdout.Bytes()), "stdout must be a single JSON document: %q", stdout.String())
	var p struct {
		State string `json:"state"`
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &p))
	assert.Equal(t, string(models.PhaseFailed), p.State)
	assert.Equal(t, "unsupported_format", p.Error.Kind)
	assert.Zero(t, atomic.LoadInt32(&calls), "input failures never reach the provider")
	assert.NotContains(t, stdout.String(), "GIN")
}

func TestRun_Usage(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no source", nil},
		{"both sources", []string{"-image", "a.png", "-url", "https://example.com/a.png"}},
		{"unknown flag", []string{"-nope"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			assert.Equal(t, 2, run(context.Background(), tt.args, &stdout, &stderr))
			assert.Empty(t, stdout.String())
		})
	}
}

func TestKeyVariable(t *testing.T) {
	assert.Equal(t, "OPENAI_API_KEY", keyVariable("", "openai"))
	assert.Equal(t, "GEMINI_API_KEY", keyVariable("", "gemini"))
	assert.Equal(t, "MY_KEY", keyVariable("MY_KEY", "gemini"))
}
