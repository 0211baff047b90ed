package service

import (
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/anime-shed/avalanche-inspector-go/internal/errors"
	"github.com/anime-shed/avalanche-inspector-go/internal/logger"
	"github.com/anime-shed/avalanche-inspector-go/internal/metrics"
	"github.com/anime-shed/avalanche-inspector-go/internal/session"
	"github.com/anime-shed/avalanche-inspector-go/pkg/models"
)

// Handle identifies a session held by the service.
type Handle string

// ErrSessionNotFound is returned for handles the service does not hold.
var ErrSessionNotFound = apperrors.NewNotFoundError("analysis session not found", nil)

// AnalysisService is the engine's inbound interface. Every call returns
// promptly; the analysis itself runs in the background and is observed by
// polling Phase.
type AnalysisService interface {
	StartAnalysis(image []byte, apiKey string) (Handle, error)
	Restart(handle Handle, image []byte, apiKey string) error
	Phase(handle Handle) (models.Phase, error)
	Cancel(handle Handle) error
	Reset(handle Handle) error
	Close(handle Handle) error
	ActiveSessions() int
	Shutdown()
}

// Options configure the registry.
type Options struct {
	Session session.Options
	// SessionTTL is how long a finished or idle session is kept after its
	// last update. Zero disables eviction.
	SessionTTL time.Duration
}

type analysisService struct {
	deps session.Deps
	opts Options

	mu       sync.RWMutex
	sessions map[Handle]*session.Session

	stop     chan struct{}
	done     chan struct{}
	shutdown sync.Once
}

// NewAnalysisService creates the registry and starts its janitor.
func NewAnalysisService(deps session.Deps, opts Options) AnalysisService {
	s := &analysisService{
		deps:     deps,
		opts:     opts,
		sessions: make(map[Handle]*session.Session),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if opts.SessionTTL > 0 {
		go s.janitor(janitorInterval(opts.SessionTTL))
	} else {
		close(s.done)
	}
	return s
}

func janitorInterval(ttl time.Duration) time.Duration {
	interval := ttl / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

// StartAnalysis creates a session and starts its first run.
func (s *analysisService) StartAnalysis(image []byte, apiKey string) (Handle, error) {
	if len(image) == 0 {
		return "", apperrors.NewValidationError("image is empty", nil)
	}

	handle := Handle(uuid.NewString())
	sess := session.New(string(handle), s.deps, s.opts.Session)

	s.mu.Lock()
	select {
	case <-s.stop:
		s.mu.Unlock()
		return "", apperrors.NewInternalError("analysis service is shut down", nil)
	default:
	}
	s.sessions[handle] = sess
	metrics.SessionsActive.Set(float64(len(s.sessions)))
	s.mu.Unlock()

	seq := sess.Start(image, apiKey)
	logger.WithFields(map[string]interface{}{
		"session_id":  handle,
		"seq":         seq,
		"image_bytes": len(image),
	}).Debug("Session created")
	return handle, nil
}

// Restart supersedes whatever the session is doing with a new run.
func (s *analysisService) Restart(handle Handle, image []byte, apiKey string) error {
	if len(image) == 0 {
		return apperrors.NewValidationError("image is empty", nil)
	}
	sess, err := s.lookup(handle)
	if err != nil {
		return err
	}
	sess.Start(image, apiKey)
	return nil
}

func (s *analysisService) Phase(handle Handle) (models.Phase, error) {
	sess, err := s.lookup(handle)
	if err != nil {
		return models.Phase{}, err
	}
	return sess.Phase(), nil
}

func (s *analysisService) Cancel(handle Handle) error {
	sess, err := s.lookup(handle)
	if err != nil {
		return err
	}
	sess.Cancel()
	return nil
}

func (s *analysisService) Reset(handle Handle) error {
	sess, err := s.lookup(handle)
	if err != nil {
		return err
	}
	sess.Reset()
	return nil
}

// Close cancels the session's run, waits for it and forgets the handle.
func (s *analysisService) Close(handle Handle) error {
	s.mu.Lock()
	sess, ok := s.sessions[handle]
	if ok {
		delete(s.sessions, handle)
		metrics.SessionsActive.Set(float64(len(s.sessions)))
	}
	s.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	sess.Close()
	return nil
}

func (s *analysisService) ActiveSessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Shutdown stops the janitor and closes every session. Safe to call twice.
func (s *analysisService) Shutdown() {
	s.shutdown.Do(func() {
		s.mu.Lock()
		close(s.stop)
		sessions := s.sessions
		s.sessions = make(map[Handle]*session.Session)
		metrics.SessionsActive.Set(0)
		s.mu.Unlock()

		<-s.done

		var wg sync.WaitGroup
		for _, sess := range sessions {
			wg.Add(1)
			go func(sess *session.Session) {
				defer wg.Done()
				sess.Close()
			}(sess)
		}
		wg.Wait()
		logger.WithField("sessions", len(sessions)).Info("Analysis service shut down")
	})
}

func (s *analysisService) lookup(handle Handle) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[handle]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *analysisService) janitor(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.evictExpired(now)
		}
	}
}

// evictExpired closes sessions that are not running and were last updated
// more than SessionTTL before now. It returns how many were evicted.
func (s *analysisService) evictExpired(now time.Time) int {
	var expired []*session.Session

	s.mu.Lock()
	for handle, sess := range s.sessions {
		p := sess.Phase()
		if p.State.InFlight() || now.Sub(p.UpdatedAt) < s.opts.SessionTTL {
			continue
		}
		delete(s.sessions, handle)
		expired = append(expired, sess)
	}
	metrics.SessionsActive.Set(float64(len(s.sessions)))
	s.mu.Unlock()

	for _, sess := range expired {
		sess.Close()
		metrics.SessionsEvictedTotal.Inc()
		logger.WithField("session_id", sess.ID()).Debug("Evicted expired session")
	}
	return len(expired)
}
