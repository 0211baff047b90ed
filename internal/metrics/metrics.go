package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// PhaseTransitionsTotal counts session phase changes by target state.
	PhaseTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "avalanche",
		Subsystem: "session",
		Name:      "phase_transitions_total",
		Help:      "Total number of session phase transitions, labeled by the state entered.",
	}, []string{"state"})

	// AnalysesTotal counts finished runs by result and error kind.
	AnalysesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "avalanche",
		Subsystem: "session",
		Name:      "analyses_total",
		Help:      "Total number of finished analyses, labeled by result and error kind (empty on success).",
	}, []string{"result", "kind"})

	// AnalysisDurationSeconds is time from start to a terminal phase.
	AnalysisDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "avalanche",
		Subsystem: "session",
		Name:      "analysis_duration_seconds",
		Help:      "Time from run start to a terminal phase.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"result"})

	// StaleResultsTotal counts publishes dropped because a newer run superseded them.
	StaleResultsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "avalanche",
		Subsystem: "session",
		Name:      "stale_results_dropped_total",
		Help:      "Total number of phase publishes dropped because their run was superseded.",
	})

	// AssessmentWarningsTotal counts warnings attached to successful assessments.
	AssessmentWarningsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "avalanche",
		Subsystem: "parser",
		Name:      "warnings_total",
		Help:      "Total number of non-fatal warnings attached to assessments, labeled by warning kind.",
	}, []string{"kind"})

	// SessionsActive is the number of sessions held by the registry.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "avalanche",
		Subsystem: "service",
		Name:      "sessions_active",
		Help:      "Current number of sessions held by the registry.",
	})

	// SessionsEvictedTotal counts sessions removed by the janitor.
	SessionsEvictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "avalanche",
		Subsystem: "service",
		Name:      "sessions_evicted_total",
		Help:      "Total number of terminal sessions evicted after their TTL.",
	})

	// HTTPRateLimitedTotal counts requests refused by the per-client limiter.
	HTTPRateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "avalanche",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Total number of HTTP requests refused by the per-client rate limiter.",
	})
)

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			PhaseTransitionsTotal,
			AnalysesTotal,
			AnalysisDurationSeconds,
			StaleResultsTotal,
			AssessmentWarningsTotal,
			SessionsActive,
			SessionsEvictedTotal,
			HTTPRateLimitedTotal,
		)
	})
}
