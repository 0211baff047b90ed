// Package session runs one analysis pipeline at a time for a single photo
// and exposes its progress as an immutable Phase snapshot.
//
// A run moves Idle → Encoding → Requesting → Parsing → Succeeded|Failed on
// its own goroutine. Every publish carries the run's sequence number; a
// publish from a superseded run is dropped, and a terminal phase of the
// current run is never overwritten.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/anime-shed/avalanche-inspector-go/internal/errors"
	"github.com/anime-shed/avalanche-inspector-go/internal/imaging"
	"github.com/anime-shed/avalanche-inspector-go/internal/observer"
	"github.com/anime-shed/avalanche-inspector-go/internal/parser"
	"github.com/anime-shed/avalanche-inspector-go/internal/prompt"
	"github.com/anime-shed/avalanche-inspector-go/internal/remote"
	"github.com/anime-shed/avalanche-inspector-go/internal/worker"
	"github.com/anime-shed/avalanche-inspector-go/pkg/models"
)

// DefaultTimeout bounds the remote call when Options.Timeout is zero.
const DefaultTimeout = 60 * time.Second

// Deps are the collaborators a session drives. Publisher may be nil.
type Deps struct {
	Codec     *imaging.Codec
	Builder   *prompt.Builder
	Client    remote.Client
	Pool      *worker.Pool
	Publisher observer.Subject
}

// Options tune a session.
type Options struct {
	Timeout time.Duration
	Quality imaging.QualityThresholds
}

// Session owns the lifecycle of analysis runs for one handle.
type Session struct {
	id      string
	deps    Deps
	timeout time.Duration
	quality imaging.QualityThresholds

	phase atomic.Pointer[models.Phase]

	// mu serialises the sequence check with the phase store, and the
	// observer notification that follows it.
	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
	closed bool

	wg sync.WaitGroup
}

// New creates an idle session. id only labels published events.
func New(id string, deps Deps, opts Options) *Session {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Quality == (imaging.QualityThresholds{}) {
		opts.Quality = imaging.DefaultThresholds()
	}

	s := &Session{
		id:      id,
		deps:    deps,
		timeout: opts.Timeout,
		quality: opts.Quality,
	}
	s.phase.Store(&models.Phase{State: models.PhaseIdle, UpdatedAt: time.Now()})
	return s
}

// ID returns the label the session was created with.
func (s *Session) ID() string {
	return s.id
}

// Phase returns the current snapshot without blocking.
func (s *Session) Phase() models.Phase {
	return *s.phase.Load()
}

// Start begins a run on image and returns its sequence number. A run already
// in flight is cancelled and superseded; its late results are discarded.
// apiKey is held only by the run goroutine.
func (s *Session) Start(image []byte, apiKey string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.seq++
	seq := s.seq
	now := time.Now()

	if s.closed {
		s.storeLocked(&models.Phase{
			State:     models.PhaseFailed,
			Seq:       seq,
			Err:       apperrors.NewCanceledError("session is closed", nil),
			StartedAt: now,
			UpdatedAt: now,
		})
		return seq
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.storeLocked(&models.Phase{State: models.PhaseEncoding, Seq: seq, StartedAt: now, UpdatedAt: now})

	s.wg.Add(1)
	go s.run(ctx, cancel, seq, image, apiKey)
	return seq
}

// Cancel stops the in-flight run and moves it to Failed(canceled). It is a
// no-op when nothing is in flight.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked("analysis canceled")
}

// Reset returns the session to Idle. An in-flight run is cancelled first.
// The sequence number is bumped so any late result is stale.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked("analysis canceled by reset")
	if s.phase.Load().State == models.PhaseIdle {
		return
	}
	s.seq++
	s.storeLocked(&models.Phase{State: models.PhaseIdle, Seq: s.seq, UpdatedAt: time.Now()})
}

// Close cancels any run and waits for its goroutine to exit. Later calls to
// Start fail immediately with a canceled error.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.cancelLocked("session closed")
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Session) cancelLocked(msg string) {
	cur := s.phase.Load()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if !cur.State.InFlight() {
		return
	}
	next := *cur
	next.State = models.PhaseFailed
	next.Err = apperrors.NewCanceledError(msg, context.Canceled)
	next.UpdatedAt = time.Now()
	s.storeLocked(&next)
}

// storeLocked replaces the phase and notifies observers. Observers run with
// mu held and must not call back into Start, Cancel, Reset or Close.
func (s *Session) storeLocked(next *models.Phase) {
	prev := s.phase.Load()
	s.phase.Store(next)

	if s.deps.Publisher == nil {
		return
	}
	event := observer.PhaseEvent{
		EventType: observer.PhaseChanged,
		Timestamp: next.UpdatedAt,
		SessionID: s.id,
		Seq:       next.Seq,
		From:      prev.State,
		To:        next.State,
	}
	if !next.StartedAt.IsZero() {
		event.Elapsed = next.UpdatedAt.Sub(next.StartedAt)
	}
	if next.Err != nil {
		event.ErrorKind = string(next.Err.Kind)
	}
	if next.Assessment != nil {
		for _, w := range next.Assessment.Warnings {
			event.Warnings = append(event.Warnings, w.Kind)
		}
	}
	s.deps.Publisher.NotifyObservers(context.Background(), event)
}

// publish moves run seq into state. It reports false when the run was
// superseded or already ended, in which case nothing is stored.
func (s *Session) publish(seq uint64, state models.PhaseState, assessment *models.RiskAssessment, err *apperrors.AppError) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.phase.Load()
	if seq != s.seq || cur.Seq != seq || cur.State.Terminal() {
		if s.deps.Publisher != nil {
			s.deps.Publisher.NotifyObservers(context.Background(), observer.PhaseEvent{
				EventType: observer.StaleResultDropped,
				Timestamp: time.Now(),
				SessionID: s.id,
				Seq:       seq,
				From:      cur.State,
				To:        state,
			})
		}
		return false
	}

	next := &models.Phase{
		State:      state,
		Seq:        seq,
		Assessment: assessment,
		Err:        err,
		StartedAt:  cur.StartedAt,
		UpdatedAt:  time.Now(),
	}
	if state.Terminal() && s.cancel != nil {
		s.cancel = nil
	}
	s.storeLocked(next)
	return true
}

func (s *Session) fail(seq uint64, err error) {
	s.publish(seq, models.PhaseFailed, nil, toAppError(err))
}

func (s *Session) run(ctx context.Context, cancel context.CancelFunc, seq uint64, image []byte, apiKey string) {
	defer s.wg.Done()
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.fail(seq, apperrors.NewInternalError(fmt.Sprintf("analysis panicked: %v", r), nil))
		}
	}()

	var (
		payload models.EncodedPayload
		report  imaging.QualityReport
	)
	err := s.deps.Pool.Do(ctx, func() error {
		bm, err := s.deps.Codec.Decode(image)
		if err != nil {
			return err
		}
		report = imaging.Inspect(bm, s.quality)
		payload, err = s.deps.Codec.EncodeForTransport(bm)
		return err
	})
	if err != nil {
		s.fail(seq, err)
		return
	}
	// publish is the stage boundary check: it refuses once the run was
	// cancelled or superseded.
	if !s.publish(seq, models.PhaseRequesting, nil, nil) {
		return
	}

	req := s.deps.Builder.Build(payload)
	reply, err := s.deps.Client.Send(ctx, req, apiKey, s.timeout)
	if err != nil {
		s.fail(seq, err)
		return
	}
	if !s.publish(seq, models.PhaseParsing, nil, nil) {
		return
	}

	assessment, err := parser.Parse(reply)
	if err != nil {
		s.fail(seq, err)
		return
	}
	assessment.PromptVersion = req.PromptVersion
	if assessment.Model == "" {
		assessment.Model = req.Config.Model
	}
	assessment.Warnings = append(assessment.Warnings, report.Warnings...)

	s.publish(seq, models.PhaseSucceeded, assessment, nil)
}

// toAppError maps any pipeline failure onto the closed error taxonomy.
func toAppError(err error) *apperrors.AppError {
	if appErr, ok := apperrors.As(err); ok {
		return appErr
	}
	switch {
	case errors.Is(err, context.Canceled):
		return apperrors.NewCanceledError("analysis canceled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.NewTimeoutError("analysis deadline exceeded", err)
	case errors.Is(err, worker.ErrPoolClosed):
		return apperrors.NewInternalError("image workers are shut down", err)
	}
	return apperrors.NewInternalError("analysis failed", err)
}
