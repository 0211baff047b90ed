package observer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anime-shed/avalanche-inspector-go/internal/metrics"
	"github.com/anime-shed/avalanche-inspector-go/pkg/models"
)

// EventType represents the type of session event
type EventType string

const (
	// PhaseChanged when a session enters a new phase
	PhaseChanged EventType = "phase_changed"
	// StaleResultDropped when a superseded run tries to publish
	StaleResultDropped EventType = "stale_result_dropped"
)

// PhaseEvent describes one session transition.
type PhaseEvent struct {
	EventType EventType            `json:"event_type"`
	Timestamp time.Time            `json:"timestamp"`
	SessionID string               `json:"session_id"`
	Seq       uint64               `json:"seq"`
	From      models.PhaseState    `json:"from"`
	To        models.PhaseState    `json:"to"`
	ErrorKind string               `json:"error_kind,omitempty"`
	Elapsed   time.Duration        `json:"elapsed"`
	Warnings  []models.WarningKind `json:"warnings,omitempty"`
}

// Observer defines the interface for event observers
type Observer interface {
	OnEvent(ctx context.Context, event PhaseEvent)
	GetObserverName() string
}

// Subject defines the interface for event publishers
type Subject interface {
	Subscribe(observer Observer)
	Unsubscribe(observer Observer)
	NotifyObservers(ctx context.Context, event PhaseEvent)
}

// LoggingObserver logs session events
type LoggingObserver struct {
	logger *logrus.Logger
}

// NewLoggingObserver creates a new logging observer
func NewLoggingObserver(logger *logrus.Logger) Observer {
	return &LoggingObserver{
		logger: logger,
	}
}

// OnEvent handles session events by logging them
func (o *LoggingObserver) OnEvent(ctx context.Context, event PhaseEvent) {
	fields := logrus.Fields{
		"event_type": event.EventType,
		"session_id": event.SessionID,
		"seq":        event.Seq,
		"from":       event.From,
		"to":         event.To,
	}
	if event.Elapsed > 0 {
		fields["elapsed_ms"] = event.Elapsed.Milliseconds()
	}
	if event.ErrorKind != "" {
		fields["error_kind"] = event.ErrorKind
	}
	if len(event.Warnings) > 0 {
		fields["warnings"] = len(event.Warnings)
	}

	entry := o.logger.WithFields(fields)
	switch {
	case event.EventType == StaleResultDropped:
		entry.Debug("Dropped result of superseded run")
	case event.To == models.PhaseSucceeded:
		entry.Info("Analysis succeeded")
	case event.To == models.PhaseFailed:
		entry.Warn("Analysis failed")
	case event.To == models.PhaseEncoding:
		entry.Info("Analysis started")
	default:
		entry.Debug("Session phase changed")
	}
}

// GetObserverName returns the observer name
func (o *LoggingObserver) GetObserverName() string {
	return "logging_observer"
}

// MetricsObserver feeds the Prometheus collectors and keeps in-process totals.
type MetricsObserver struct {
	mu                  sync.RWMutex
	totalAnalyses       int64
	successfulAnalyses  int64
	failedAnalyses      int64
	staleDropped        int64
	totalProcessingTime time.Duration
}

// NewMetricsObserver creates a new metrics observer
func NewMetricsObserver() *MetricsObserver {
	return &MetricsObserver{}
}

// OnEvent handles session events by collecting metrics
func (o *MetricsObserver) OnEvent(ctx context.Context, event PhaseEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if event.EventType == StaleResultDropped {
		o.staleDropped++
		metrics.StaleResultsTotal.Inc()
		return
	}

	metrics.PhaseTransitionsTotal.WithLabelValues(string(event.To)).Inc()
	switch event.To {
	case models.PhaseEncoding:
		o.totalAnalyses++
	case models.PhaseSucceeded:
		o.successfulAnalyses++
		o.totalProcessingTime += event.Elapsed
		metrics.AnalysesTotal.WithLabelValues("success", "").Inc()
		metrics.AnalysisDurationSeconds.WithLabelValues("success").Observe(event.Elapsed.Seconds())
		for _, w := range event.Warnings {
			metrics.AssessmentWarningsTotal.WithLabelValues(string(w)).Inc()
		}
	case models.PhaseFailed:
		o.failedAnalyses++
		metrics.AnalysesTotal.WithLabelValues("failed", event.ErrorKind).Inc()
		metrics.AnalysisDurationSeconds.WithLabelValues("failed").Observe(event.Elapsed.Seconds())
	}
}

// GetObserverName returns the observer name
func (o *MetricsObserver) GetObserverName() string {
	return "metrics_observer"
}

// GetMetrics returns current metrics
func (o *MetricsObserver) GetMetrics() map[string]interface{} {
	o.mu.RLock()
	defer o.mu.RUnlock()

	avgProcessingTime := time.Duration(0)
	if o.successfulAnalyses > 0 {
		avgProcessingTime = o.totalProcessingTime / time.Duration(o.successfulAnalyses)
	}

	return map[string]interface{}{
		"total_analyses":        o.totalAnalyses,
		"successful_analyses":   o.successfulAnalyses,
		"failed_analyses":       o.failedAnalyses,
		"stale_results_dropped": o.staleDropped,
		"avg_processing_time":   avgProcessingTime.String(),
	}
}

// EventPublisher implements the Subject interface
type EventPublisher struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher() *EventPublisher {
	return &EventPublisher{
		observers: make([]Observer, 0),
	}
}

// Subscribe adds an observer
func (p *EventPublisher) Subscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, observer)
}

// Unsubscribe removes an observer
func (p *EventPublisher) Unsubscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, obs := range p.observers {
		if obs.GetObserverName() == observer.GetObserverName() {
			p.observers = append(p.observers[:i], p.observers[i+1:]...)
			break
		}
	}
}

// NotifyObservers delivers event to every observer in subscription order on
// the caller's goroutine, so one session's events are seen in order. A
// panicking observer is logged and skipped.
func (p *EventPublisher) NotifyObservers(ctx context.Context, event PhaseEvent) {
	p.mu.RLock()
	observers := make([]Observer, len(p.observers))
	copy(observers, p.observers)
	p.mu.RUnlock()

	for _, observer := range observers {
		func(obs Observer) {
			defer func() {
				if r := recover(); r != nil {
					logrus.WithField("observer", obs.GetObserverName()).
						WithField("panic", r).
						Error("Observer panicked while handling event")
				}
			}()
			obs.OnEvent(ctx, event)
		}(observer)
	}
}
