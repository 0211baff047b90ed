package session

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/anime-shed/avalanche-inspector-go/internal/errors"
	"github.com/anime-shed/avalanche-inspector-go/internal/imaging"
	"github.com/anime-shed/avalanche-inspector-go/internal/observer"
	"github.com/anime-shed/avalanche-inspector-go/internal/prompt"
	"github.com/anime-shed/avalanche-inspector-go/internal/worker"
	"github.com/anime-shed/avalanche-inspector-go/pkg/models"
)

type sendFunc func(ctx context.Context, req models.AnalysisRequest, apiKey string, timeout time.Duration) (*models.RawModelReply, error)

type fakeClient struct {
	calls atomic.Int32
	send  sendFunc
}

func (f *fakeClient) Send(ctx context.Context, req models.AnalysisRequest, apiKey string, timeout time.Duration) (*models.RawModelReply, error) {
	f.calls.Add(1)
	return f.send(ctx, req, apiKey, timeout)
}

func (f *fakeClient) Name() string { return "fake" }

type recorder struct {
	mu     sync.Mutex
	events []observer.PhaseEvent
}

func (r *recorder) OnEvent(_ context.Context, e observer.PhaseEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) GetObserverName() string { return "recorder" }

func (r *recorder) states(seq uint64) []models.PhaseState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.PhaseState
	for _, e := range r.events {
		if e.EventType == observer.PhaseChanged && e.Seq == seq {
			out = append(out, e.To)
		}
	}
	return out
}

func (r *recorder) staleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType == observer.StaleResultDropped {
			n++
		}
	}
	return n
}

func testImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 210, B: 230, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func reply(t *testing.T, risk string) *models.RawModelReply {
	t.Helper()
	content, err := json.Marshal(map[string]any{
		"overall_risk":                 risk,
		"confidence":                   0.8,
		"snow_texture":                 "granular",
		"terrain_features":             []string{"gully"},
		"predicted_movement_pattern":   "Sluffing down the gully.",
		"slope_angle_estimate_degrees": 38,
	})
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{
		"choices": []any{map[string]any{
			"message":       map[string]any{"role": "assistant", "content": string(content)},
			"finish_reason": "stop",
		}},
	})
	require.NoError(t, err)
	return &models.RawModelReply{Format: models.EnvelopeOpenAI, Body: body, StatusCode: 200}
}

func newSession(t *testing.T, client *fakeClient, timeout time.Duration) (*Session, *recorder) {
	t.Helper()
	pool := worker.NewPool(2)
	pool.Start()
	t.Cleanup(pool.Close)

	rec := &recorder{}
	pub := observer.NewEventPublisher()
	pub.Subscribe(rec)

	s := New("test-session", Deps{
		Codec:     imaging.NewCodec(imaging.Options{}),
		Builder:   prompt.NewBuilder(models.ModelConfig{Model: "gpt-4o-mini", MaxTokens: 800}),
		Client:    client,
		Pool:      pool,
		Publisher: pub,
	}, Options{Timeout: timeout})
	t.Cleanup(s.Close)
	return s, rec
}

func waitForState(t *testing.T, s *Session, seq uint64, state models.PhaseState) models.Phase {
	t.Helper()
	require.Eventually(t, func() bool {
		p := s.Phase()
		return p.Seq == seq && p.State == state
	}, 5*time.Second, 5*time.Millisecond, "waiting for seq %d to reach %s", seq, state)
	return s.Phase()
}

// blockingSend waits for the context to end and reports cancellation.
func blockingSend(started chan<- struct{}) sendFunc {
	return func(ctx context.Context, _ models.AnalysisRequest, _ string, _ time.Duration) (*models.RawModelReply, error) {
		if started != nil {
			started <- struct{}{}
		}
		<-ctx.Done()
		return nil, apperrors.NewCanceledError("request canceled", ctx.Err())
	}
}

func TestSession_StartsIdle(t *testing.T) {
	s, _ := newSession(t, &fakeClient{}, time.Second)
	p := s.Phase()
	assert.Equal(t, models.PhaseIdle, p.State)
	assert.Zero(t, p.Seq)
	assert.Nil(t, p.Assessment)
	assert.Nil(t, p.Err)
}

func TestSession_Succeeds(t *testing.T) {
	var gotKey string
	var gotReq models.AnalysisRequest
	moderate := reply(t, "moderate")
	client := &fakeClient{send: func(_ context.Context, req models.AnalysisRequest, apiKey string, _ time.Duration) (*models.RawModelReply, error) {
		gotKey, gotReq = apiKey, req
		return moderate, nil
	}}
	s, rec := newSession(t, client, time.Second)

	seq := s.Start(testImage(t), "sk-test-key-123")
	p := waitForState(t, s, seq, models.PhaseSucceeded)

	require.NotNil(t, p.Assessment)
	assert.Equal(t, "sk-test-key-123", gotKey)
	assert.Equal(t, "image/jpeg", gotReq.Payload.MIMEType)
	assert.Equal(t, 64, gotReq.Payload.Width)
	assert.Equal(t, 48, gotReq.Payload.Height)
	assert.Equal(t, models.RiskModerate, p.Assessment.OverallRisk)
	assert.Equal(t, prompt.Version, p.Assessment.PromptVersion)
	assert.Equal(t, "gpt-4o-mini", p.Assessment.Model)
	assert.True(t, p.Assessment.HasWarning(models.WarningImageQuality, "sharpness"), "a flat photo is reported as blurry")
	assert.Nil(t, p.Err)
	assert.False(t, p.StartedAt.IsZero())

	assert.Equal(t, []models.PhaseState{
		models.PhaseEncoding, models.PhaseRequesting, models.PhaseParsing, models.PhaseSucceeded,
	}, rec.states(seq))
}

func TestSession_InputFailureSkipsRemote(t *testing.T) {
	client := &fakeClient{send: func(context.Context, models.AnalysisRequest, string, time.Duration) (*models.RawModelReply, error) {
		return nil, apperrors.NewInternalError("remote must not be called for an unreadable image", nil)
	}}
	s, rec := newSession(t, client, time.Second)

	seq := s.Start([]byte("definitely not an image"), "sk-test-key-123")
	p := waitForState(t, s, seq, models.PhaseFailed)

	require.NotNil(t, p.Err)
	assert.Equal(t, apperrors.KindUnsupportedFormat, p.Err.Kind)
	assert.Equal(t, []models.PhaseState{models.PhaseEncoding, models.PhaseFailed}, rec.states(seq))
	assert.Zero(t, client.calls.Load())
}

func TestSession_ParseFailure(t *testing.T) {
	body, err := json.Marshal(map[string]any{
		"choices": []any{map[string]any{
			"message": map[string]any{"content": `{"confidence": 0.5, "snow_texture": "fluffy", "terrain_features": ["ridge"], "predicted_movement_pattern": "x"}`},
		}},
	})
	require.NoError(t, err)
	incomplete := &models.RawModelReply{Format: models.EnvelopeOpenAI, Body: body, StatusCode: 200}
	client := &fakeClient{send: func(context.Context, models.AnalysisRequest, string, time.Duration) (*models.RawModelReply, error) {
		return incomplete, nil
	}}
	s, rec := newSession(t, client, time.Second)

	seq := s.Start(testImage(t), "sk-test-key-123")
	p := waitForState(t, s, seq, models.PhaseFailed)

	assert.Equal(t, apperrors.KindIncompleteAssessment, p.Err.Kind)
	assert.Contains(t, p.Err.Message, "overall_risk")
	assert.Equal(t, []models.PhaseState{
		models.PhaseEncoding, models.PhaseRequesting, models.PhaseParsing, models.PhaseFailed,
	}, rec.states(seq))
}

func TestSession_StaleResultNeverOverwrites(t *testing.T) {
	release := make(chan struct{})
	firstStarted := make(chan struct{}, 1)
	var n atomic.Int32
	extreme, low := reply(t, "extreme"), reply(t, "low")

	client := &fakeClient{send: func(context.Context, models.AnalysisRequest, string, time.Duration) (*models.RawModelReply, error) {
		if n.Add(1) == 1 {
			firstStarted <- struct{}{}
			// Ignores cancellation and answers late.
			<-release
			return extreme, nil
		}
		return low, nil
	}}
	s, rec := newSession(t, client, 5*time.Second)

	first := s.Start(testImage(t), "sk-test-key-123")
	<-firstStarted
	second := s.Start(testImage(t), "sk-test-key-123")
	require.Greater(t, second, first)

	p := waitForState(t, s, second, models.PhaseSucceeded)
	assert.Equal(t, models.RiskLow, p.Assessment.OverallRisk)

	close(release)
	require.Eventually(t, func() bool { return rec.staleCount() > 0 }, 5*time.Second, 5*time.Millisecond)

	p = s.Phase()
	assert.Equal(t, second, p.Seq)
	assert.Equal(t, models.PhaseSucceeded, p.State)
	assert.Equal(t, models.RiskLow, p.Assessment.OverallRisk)
	assert.NotContains(t, rec.states(first), models.PhaseParsing)
}

func TestSession_TimeoutThenImmediateRestart(t *testing.T) {
	var n atomic.Int32
	high := reply(t, "high")
	client := &fakeClient{send: func(ctx context.Context, _ models.AnalysisRequest, _ string, timeout time.Duration) (*models.RawModelReply, error) {
		if n.Add(1) == 1 {
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			<-callCtx.Done()
			return nil, apperrors.NewTimeoutError("no response within deadline", callCtx.Err())
		}
		return high, nil
	}}
	s, _ := newSession(t, client, 50*time.Millisecond)

	first := s.Start(testImage(t), "sk-test-key-123")
	p := waitForState(t, s, first, models.PhaseFailed)
	assert.Equal(t, apperrors.KindTimeout, p.Err.Kind)
	assert.True(t, p.Err.Transient())
	requireRunsExited(t, s, time.Second)

	stats := s.deps.Pool.GetStats()
	assert.Equal(t, stats.TotalJobs, stats.CompletedJobs, "no codec job left behind")

	second := s.Start(testImage(t), "sk-test-key-123")
	p = waitForState(t, s, second, models.PhaseSucceeded)
	assert.Equal(t, models.RiskHigh, p.Assessment.OverallRisk)

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return; a run goroutine is still alive")
	}
}

// requireRunsExited waits for every run goroutine of s to return.
func requireRunsExited(t *testing.T, s *Session, within time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(within):
		t.Fatalf("run goroutine still alive %s after reaching a terminal phase", within)
	}
}

func TestSession_Cancel(t *testing.T) {
	started := make(chan struct{}, 1)
	s, rec := newSession(t, &fakeClient{send: blockingSend(started)}, 5*time.Second)

	// Cancel while idle is a no-op.
	s.Cancel()
	assert.Equal(t, models.PhaseIdle, s.Phase().State)

	seq := s.Start(testImage(t), "sk-test-key-123")
	<-started
	waitForState(t, s, seq, models.PhaseRequesting)

	s.Cancel()
	p := s.Phase()
	assert.Equal(t, models.PhaseFailed, p.State)
	assert.Equal(t, seq, p.Seq)
	assert.Equal(t, apperrors.KindCanceled, p.Err.Kind)

	// The run's own failure after cancellation is dropped.
	require.Eventually(t, func() bool { return rec.staleCount() > 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, models.PhaseFailed, s.Phase().State)
	assert.Equal(t, []models.PhaseState{
		models.PhaseEncoding, models.PhaseRequesting, models.PhaseFailed,
	}, rec.states(seq))
}

func TestSession_Reset(t *testing.T) {
	t.Run("after success", func(t *testing.T) {
		low := reply(t, "low")
		client := &fakeClient{send: func(context.Context, models.AnalysisRequest, string, time.Duration) (*models.RawModelReply, error) {
			return low, nil
		}}
		s, _ := newSession(t, client, time.Second)

		seq := s.Start(testImage(t), "sk-test-key-123")
		waitForState(t, s, seq, models.PhaseSucceeded)

		s.Reset()
		p := s.Phase()
		assert.Equal(t, models.PhaseIdle, p.State)
		assert.Equal(t, seq+1, p.Seq)
		assert.Nil(t, p.Assessment)

		// Idle stays idle.
		s.Reset()
		assert.Equal(t, seq+1, s.Phase().Seq)
	})

	t.Run("while in flight", func(t *testing.T) {
		started := make(chan struct{}, 1)
		s, rec := newSession(t, &fakeClient{send: blockingSend(started)}, 5*time.Second)

		seq := s.Start(testImage(t), "sk-test-key-123")
		<-started

		s.Reset()
		p := s.Phase()
		assert.Equal(t, models.PhaseIdle, p.State)
		assert.Equal(t, seq+1, p.Seq)

		states := rec.states(seq)
		require.NotEmpty(t, states)
		assert.Equal(t, models.PhaseFailed, states[len(states)-1])
		assert.Equal(t, []models.PhaseState{models.PhaseIdle}, rec.states(seq+1))
	})
}

func TestSession_CloseWaitsForRun(t *testing.T) {
	started := make(chan struct{}, 1)
	var exited atomic.Bool
	client := &fakeClient{send: func(ctx context.Context, req models.AnalysisRequest, key string, timeout time.Duration) (*models.RawModelReply, error) {
		defer exited.Store(true)
		return blockingSend(started)(ctx, req, key, timeout)
	}}
	s, _ := newSession(t, client, 5*time.Second)

	seq := s.Start(testImage(t), "sk-test-key-123")
	<-started
	s.Close()

	assert.True(t, exited.Load(), "run goroutine must have returned")
	assert.Equal(t, models.PhaseFailed, s.Phase().State)
	assert.Equal(t, apperrors.KindCanceled, s.Phase().Err.Kind)

	next := s.Start(testImage(t), "sk-test-key-123")
	assert.Equal(t, seq+1, next)
	assert.Equal(t, models.PhaseFailed, s.Phase().State)
	assert.Equal(t, int32(1), client.calls.Load())
}

func TestSession_PanicBecomesInternal(t *testing.T) {
	client := &fakeClient{send: func(context.Context, models.AnalysisRequest, string, time.Duration) (*models.RawModelReply, error) {
		panic("provider exploded")
	}}
	s, _ := newSession(t, client, time.Second)

	seq := s.Start(testImage(t), "sk-test-key-123")
	p := waitForState(t, s, seq, models.PhaseFailed)
	assert.Equal(t, apperrors.KindInternal, p.Err.Kind)
	assert.Contains(t, p.Err.Message, "provider exploded")
}

func TestToAppError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperrors.Kind
	}{
		{"app error kept", apperrors.NewAuthError("bad key", nil), apperrors.KindAuth},
		{"context canceled", context.Canceled, apperrors.KindCanceled},
		{"deadline", context.DeadlineExceeded, apperrors.KindTimeout},
		{"pool closed", worker.ErrPoolClosed, apperrors.KindInternal},
		{"anything else", assert.AnError, apperrors.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, toAppError(tt.err).Kind)
		})
	}
}
