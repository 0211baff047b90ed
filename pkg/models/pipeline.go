package models

import "time"

// EncodedPayload is an image re-encoded for transport inside a JSON request.
type EncodedPayload struct {
	MIMEType     string `json:"mime_type"`
	Base64       string `json:"-"`
	EncodedBytes int    `json:"encoded_bytes"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	SourceWidth  int    `json:"source_width"`
	SourceHeight int    `json:"source_height"`
}

// DataURL returns the payload as a data: URL.
func (p EncodedPayload) DataURL() string {
	return "data:" + p.MIMEType + ";base64," + p.Base64
}

// ModelConfig selects the remote model and its sampling settings.
type ModelConfig struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	// Detail is the image fidelity hint ("low", "high", "auto").
	Detail string `json:"detail,omitempty"`
}

// AnalysisRequest is built fresh for every run and never reused.
type AnalysisRequest struct {
	Payload       EncodedPayload
	Instruction   string
	UserText      string
	PromptVersion string
	Config        ModelConfig
}

// EnvelopeFormat names the provider wire format a reply body is in.
type EnvelopeFormat string

const (
	EnvelopeOpenAI EnvelopeFormat = "openai"
	EnvelopeGemini EnvelopeFormat = "gemini"
)

// RawModelReply is the unparsed body returned by the remote service.
type RawModelReply struct {
	Format     EnvelopeFormat
	Body       []byte
	StatusCode int
	Model      string
	Elapsed    time.Duration
}
