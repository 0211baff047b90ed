package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is the closed set of failure categories an analysis can end in.
type Kind string

const (
	// Input stage: the user must choose another image.
	KindUnsupportedFormat Kind = "unsupported_format"
	KindCorruptImage      Kind = "corrupt_image"
	KindEncodingTooLarge  Kind = "encoding_too_large"

	// Credential stage: the user must fix the key.
	KindAuth Kind = "auth_error"

	// Transient: the user may retry manually.
	KindRateLimited Kind = "rate_limited"
	KindTimeout     Kind = "timeout"
	KindTransport   Kind = "transport_error"
	KindServer      Kind = "server_error"

	// Remote contract: retrying is unlikely to help without a prompt or model change.
	KindMalformedEnvelope    Kind = "malformed_envelope"
	KindSchemaViolation      Kind = "schema_violation"
	KindIncompleteAssessment Kind = "incomplete_assessment"
	KindRequestRejected      Kind = "request_rejected"

	// Lifecycle
	KindCanceled Kind = "canceled"

	// Adapter-level kinds, never produced by the pipeline itself.
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindInternal   Kind = "internal"
)

// Stage groups kinds by what the user can do about them.
type Stage string

const (
	StageInput          Stage = "input"
	StageCredential     Stage = "credential"
	StageTransient      Stage = "transient"
	StageRemoteContract Stage = "remote_contract"
	StageLifecycle      Stage = "lifecycle"
	StageAdapter        Stage = "adapter"
)

var kindStages = map[Kind]Stage{
	KindUnsupportedFormat:    StageInput,
	KindCorruptImage:         StageInput,
	KindEncodingTooLarge:     StageInput,
	KindAuth:                 StageCredential,
	KindRateLimited:          StageTransient,
	KindTimeout:              StageTransient,
	KindTransport:            StageTransient,
	KindServer:               StageTransient,
	KindMalformedEnvelope:    StageRemoteContract,
	KindSchemaViolation:      StageRemoteContract,
	KindIncompleteAssessment: StageRemoteContract,
	KindRequestRejected:      StageRemoteContract,
	KindCanceled:             StageLifecycle,
	KindValidation:           StageAdapter,
	KindNotFound:             StageAdapter,
	KindInternal:             StageAdapter,
}

var kindStatus = map[Kind]int{
	KindUnsupportedFormat:    http.StatusUnsupportedMediaType,
	KindCorruptImage:         http.StatusUnprocessableEntity,
	KindEncodingTooLarge:     http.StatusRequestEntityTooLarge,
	KindAuth:                 http.StatusUnauthorized,
	KindRateLimited:          http.StatusTooManyRequests,
	KindTimeout:              http.StatusGatewayTimeout,
	KindTransport:            http.StatusBadGateway,
	KindServer:               http.StatusBadGateway,
	KindMalformedEnvelope:    http.StatusBadGateway,
	KindSchemaViolation:      http.StatusBadGateway,
	KindIncompleteAssessment: http.StatusBadGateway,
	KindRequestRejected:      http.StatusBadGateway,
	KindCanceled:             http.StatusConflict,
	KindValidation:           http.StatusBadRequest,
	KindNotFound:             http.StatusNotFound,
	KindInternal:             http.StatusInternalServerError,
}

// Stage returns the stage the kind belongs to.
func (k Kind) Stage() Stage {
	if s, ok := kindStages[k]; ok {
		return s
	}
	return StageAdapter
}

// AppError represents a structured application error
type AppError struct {
	Kind       Kind          `json:"kind"`
	Stage      Stage         `json:"stage"`
	Message    string        `json:"message"`
	Details    string        `json:"details,omitempty"`
	RetryAfter time.Duration `json:"-"`
	StatusCode int           `json:"-"`
	Cause      error         `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Transient reports whether a manual retry may succeed.
func (e *AppError) Transient() bool {
	return e.Kind.Stage() == StageTransient
}

// WithDetails returns the error with its details set.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// New creates an error of the given kind.
func New(kind Kind, message string, cause error) *AppError {
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &AppError{
		Kind:       kind,
		Stage:      kind.Stage(),
		Message:    message,
		StatusCode: status,
		Cause:      cause,
	}
}

// NewUnsupportedFormatError creates an error for bytes that are not a recognised raster image
func NewUnsupportedFormatError(message string, cause error) *AppError {
	return New(KindUnsupportedFormat, message, cause)
}

// NewCorruptImageError creates an error for images whose header parses but whose pixels do not
func NewCorruptImageError(message string, cause error) *AppError {
	return New(KindCorruptImage, message, cause)
}

// NewEncodingTooLargeError creates an error for payloads above the transport cap
func NewEncodingTooLargeError(message string, cause error) *AppError {
	return New(KindEncodingTooLarge, message, cause)
}

// NewAuthError creates an error for invalid or missing credentials
func NewAuthError(message string, cause error) *AppError {
	return New(KindAuth, message, cause)
}

// NewRateLimitedError creates an error for throttled requests. retryAfter may be zero.
func NewRateLimitedError(message string, retryAfter time.Duration, cause error) *AppError {
	e := New(KindRateLimited, message, cause)
	e.RetryAfter = retryAfter
	return e
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, cause error) *AppError {
	return New(KindTimeout, message, cause)
}

// NewTransportError creates an error for connection-level failures
func NewTransportError(message string, cause error) *AppError {
	return New(KindTransport, message, cause)
}

// NewServerError creates an error for 5xx replies
func NewServerError(message string, cause error) *AppError {
	return New(KindServer, message, cause)
}

// NewMalformedEnvelopeError creates an error for replies whose outer JSON is unusable
func NewMalformedEnvelopeError(message string, cause error) *AppError {
	return New(KindMalformedEnvelope, message, cause)
}

// NewSchemaViolationError creates an error for content that is not the expected structure
func NewSchemaViolationError(message string, cause error) *AppError {
	return New(KindSchemaViolation, message, cause)
}

// NewIncompleteAssessmentError creates an error for replies missing a required field
func NewIncompleteAssessmentError(message string, cause error) *AppError {
	return New(KindIncompleteAssessment, message, cause)
}

// NewRequestRejectedError creates an error for 4xx replies other than auth and throttling
func NewRequestRejectedError(message string, cause error) *AppError {
	return New(KindRequestRejected, message, cause)
}

// NewCanceledError creates an error for runs cancelled by the caller
func NewCanceledError(message string, cause error) *AppError {
	return New(KindCanceled, message, cause)
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *AppError {
	return New(KindValidation, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *AppError {
	return New(KindNotFound, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *AppError {
	return New(KindInternal, message, cause)
}

// As extracts the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	if appErr, ok := As(err); ok {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind checks if the error is of a specific kind
func IsKind(err error, kind Kind) bool {
	appErr, ok := As(err)
	return ok && appErr.Kind == kind
}

// GetStatusCode extracts the HTTP status code from an error
func GetStatusCode(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// Wrap converts any error into an AppError, keeping existing ones untouched.
func Wrap(err error, fallback Kind, message string) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := As(err); ok {
		return appErr
	}
	return New(fallback, message, err)
}
