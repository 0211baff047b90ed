package models

import (
	"time"

	apperrors "github.com/anime-shed/avalanche-inspector-go/internal/errors"
)

// PhaseState is the discrete stage of an analysis session.
type PhaseState string

const (
	PhaseIdle       PhaseState = "idle"
	PhaseEncoding   PhaseState = "encoding"
	PhaseRequesting PhaseState = "requesting"
	PhaseParsing    PhaseState = "parsing"
	PhaseSucceeded  PhaseState = "succeeded"
	PhaseFailed     PhaseState = "failed"
)

// Terminal reports whether the state ends a run.
func (s PhaseState) Terminal() bool {
	return s == PhaseSucceeded || s == PhaseFailed
}

// InFlight reports whether a run is between start and a terminal state.
func (s PhaseState) InFlight() bool {
	return s == PhaseEncoding || s == PhaseRequesting || s == PhaseParsing
}

// Phase is an immutable snapshot of a session. Assessment is set only when
// State is PhaseSucceeded, Err only when State is PhaseFailed.
type Phase struct {
	State      PhaseState          `json:"state"`
	Seq        uint64              `json:"seq"`
	Assessment *RiskAssessment     `json:"assessment,omitempty"`
	Err        *apperrors.AppError `json:"error,omitempty"`
	StartedAt  time.Time           `json:"started_at,omitempty"`
	UpdatedAt  time.Time           `json:"updated_at"`
}
