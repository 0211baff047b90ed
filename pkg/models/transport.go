package models

// AnalysisSourceRequest asks the service to fetch the photo itself instead of
// receiving it as an upload.
type AnalysisSourceRequest struct {
	ImageURL string `json:"image_url" binding:"required"`
}

// StartAnalysisResponse is returned when a run has been accepted.
type StartAnalysisResponse struct {
	Handle string `json:"handle"`
	Seq    uint64 `json:"seq"`
	State  string `json:"state"`
}

// ErrorBody is the user-facing rendering of a failed phase.
type ErrorBody struct {
	Kind              string `json:"kind"`
	Stage             string `json:"stage"`
	Message           string `json:"message"`
	Details           string `json:"details,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	Transient         bool   `json:"transient"`
}

// PhaseResponse is the polling view of a session.
type PhaseResponse struct {
	Handle     string          `json:"handle"`
	State      string          `json:"state"`
	Seq        uint64          `json:"seq"`
	Assessment *RiskAssessment `json:"assessment,omitempty"`
	Error      *ErrorBody      `json:"error,omitempty"`
	StartedAt  string          `json:"started_at,omitempty"`
	UpdatedAt  string          `json:"updated_at"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}
