package models

import "strings"

// RiskLevel is the overall avalanche danger, following the five-level European scale.
type RiskLevel string

const (
	RiskLow          RiskLevel = "low"
	RiskModerate     RiskLevel = "moderate"
	RiskConsiderable RiskLevel = "considerable"
	RiskHigh         RiskLevel = "high"
	RiskExtreme      RiskLevel = "extreme"
)

// RiskLevels lists the levels in ascending order of danger.
var RiskLevels = []RiskLevel{RiskLow, RiskModerate, RiskConsiderable, RiskHigh, RiskExtreme}

// Rank returns 1 for Low through 5 for Extreme, 0 for anything else.
func (r RiskLevel) Rank() int {
	for i, level := range RiskLevels {
		if level == r {
			return i + 1
		}
	}
	return 0
}

// SnowTexture describes the dominant surface texture visible in the photo.
type SnowTexture string

const (
	TextureGranular SnowTexture = "granular"
	TextureBlocky   SnowTexture = "blocky"
	TextureFluffy   SnowTexture = "fluffy"
	TextureMixed    SnowTexture = "mixed"
	TextureUnknown  SnowTexture = "unknown"
)

// AvalancheType is the release type of an avalanche visible in the photo.
type AvalancheType string

const (
	AvalanchePowder    AvalancheType = "powder"
	AvalancheLooseSnow AvalancheType = "loose-snow"
	AvalancheSlab      AvalancheType = "slab"
	AvalancheNone      AvalancheType = "none"
	AvalancheUnknown   AvalancheType = "unknown"
)

// AvalancheObservation holds the optional visual indicators the model reports
// when it sees an avalanche in progress or its debris.
type AvalancheObservation struct {
	Present          bool          `json:"present"`
	Type             AvalancheType `json:"type"`
	PowderCloud      bool          `json:"powder_cloud"`
	FractureLine     bool          `json:"fracture_line"`
	PointRelease     bool          `json:"point_release"`
	DebrisPattern    string        `json:"debris_pattern,omitempty"`
	StartingWidth    string        `json:"starting_width,omitempty"`
	Propagation      string        `json:"propagation,omitempty"`
	VerticalMovement bool          `json:"vertical_movement"`
	LateralSpread    bool          `json:"lateral_spread"`
	SnowDensity      string        `json:"snow_density,omitempty"`
	SteepSlope       bool          `json:"steep_slope"`
}

// WarningKind classifies a non-fatal anomaly found while building an assessment.
type WarningKind string

const (
	WarningClampedField               WarningKind = "clamped_field"
	WarningTruncatedField             WarningKind = "truncated_field"
	WarningDroppedField               WarningKind = "dropped_field"
	WarningDeduplicatedField          WarningKind = "deduplicated_field"
	WarningFuzzyEnumMatch             WarningKind = "fuzzy_enum_match"
	WarningInconsistentClassification WarningKind = "inconsistent_classification"
	WarningImageQuality               WarningKind = "image_quality"
)

// Warning is attached to a successful assessment; it never fails the run.
type Warning struct {
	Kind     WarningKind `json:"kind"`
	Field    string      `json:"field,omitempty"`
	Message  string      `json:"message"`
	Original string      `json:"original,omitempty"`
	Adjusted string      `json:"adjusted,omitempty"`
}

// RiskAssessment is the validated result of one analysis.
type RiskAssessment struct {
	OverallRisk              RiskLevel             `json:"overall_risk"`
	Confidence               float64               `json:"confidence"`
	SnowTexture              SnowTexture           `json:"snow_texture"`
	TerrainFeatures          []string              `json:"terrain_features"`
	PredictedMovementPattern string                `json:"predicted_movement_pattern"`
	SlopeAngleDegrees        *float64              `json:"slope_angle_estimate_degrees,omitempty"`
	Avalanche                *AvalancheObservation `json:"avalanche,omitempty"`
	Warnings                 []Warning             `json:"warnings,omitempty"`

	PromptVersion string `json:"prompt_version,omitempty"`
	Provider      string `json:"provider,omitempty"`
	Model         string `json:"model,omitempty"`
}

// HasWarning reports whether a warning of kind was recorded for field.
// An empty field matches any field.
func (a *RiskAssessment) HasWarning(kind WarningKind, field string) bool {
	for _, w := range a.Warnings {
		if w.Kind == kind && (field == "" || strings.EqualFold(w.Field, field)) {
			return true
		}
	}
	return false
}

// AddWarning appends a warning.
func (a *RiskAssessment) AddWarning(w Warning) {
	a.Warnings = append(a.Warnings, w)
}
