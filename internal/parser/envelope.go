package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/anime-shed/avalanche-inspector-go/internal/errors"
	"github.com/anime-shed/avalanche-inspector-go/pkg/models"
)

type openAIEnvelope struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
			Refusal *string         `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type geminiEnvelope struct {
	Candidates []struct {
		Content *struct {
			Parts []struct {
				Text    string `json:"text"`
				Thought bool   `json:"thought"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// generated is the model's text output plus how generation ended.
type generated struct {
	text         string
	finishReason string
}

func extractContent(raw *models.RawModelReply) (generated, error) {
	if raw == nil || len(bytes.TrimSpace(raw.Body)) == 0 {
		return generated{}, apperrors.NewMalformedEnvelopeError("reply body is empty", nil)
	}

	switch raw.Format {
	case models.EnvelopeGemini:
		return extractGemini(raw.Body)
	case models.EnvelopeOpenAI, "":
		return extractOpenAI(raw.Body)
	default:
		return generated{}, apperrors.NewMalformedEnvelopeError(fmt.Sprintf("unknown reply format %q", raw.Format), nil)
	}
}

func extractOpenAI(body []byte) (generated, error) {
	var env openAIEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return generated{}, apperrors.NewMalformedEnvelopeError("reply is not a chat completion object", err)
	}
	if len(env.Choices) == 0 {
		return generated{}, apperrors.NewMalformedEnvelopeError("reply has no choices", nil)
	}

	choice := env.Choices[0]
	if choice.Message.Refusal != nil && strings.TrimSpace(*choice.Message.Refusal) != "" {
		return generated{}, apperrors.NewSchemaViolationError("model refused to analyse the image", nil).
			WithDetails(truncateRunes(*choice.Message.Refusal, 300))
	}

	text, err := openAIContentText(choice.Message.Content)
	if err != nil {
		return generated{}, err
	}
	return generated{text: text, finishReason: choice.FinishReason}, nil
}

// openAIContentText accepts a plain string or an array of typed parts.
func openAIContentText(content json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", apperrors.NewSchemaViolationError("reply has no content", nil)
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s, nil
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(trimmed, &parts); err != nil {
		return "", apperrors.NewMalformedEnvelopeError("message content has an unexpected shape", err)
	}
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == "" || p.Type == "text" || p.Type == "output_text" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String(), nil
}

func extractGemini(body []byte) (generated, error) {
	var env geminiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return generated{}, apperrors.NewMalformedEnvelopeError("reply is not a generate content object", err)
	}
	if len(env.Candidates) == 0 {
		if env.PromptFeedback != nil && env.PromptFeedback.BlockReason != "" {
			return generated{}, apperrors.NewSchemaViolationError("model blocked the request", nil).
				WithDetails(env.PromptFeedback.BlockReason)
		}
		return generated{}, apperrors.NewMalformedEnvelopeError("reply has no candidates", nil)
	}

	cand := env.Candidates[0]
	if cand.Content == nil {
		return generated{}, apperrors.NewSchemaViolationError("candidate has no content", nil).WithDetails(cand.FinishReason)
	}
	var sb strings.Builder
	for _, p := range cand.Content.Parts {
		if !p.Thought {
			sb.WriteString(p.Text)
		}
	}
	return generated{text: sb.String(), finishReason: cand.FinishReason}, nil
}

// locateObject finds the JSON object in generated text: the whole text, a
// fenced code block, or the span from the first '{' to the last '}'.
func locateObject(gen generated) (map[string]json.RawMessage, error) {
	text := strings.TrimSpace(gen.text)
	if text == "" {
		return nil, apperrors.NewSchemaViolationError("model returned empty content", nil)
	}

	candidates := []string{text}
	if fenced, ok := fencedBlock(text); ok {
		candidates = append(candidates, strings.TrimSpace(fenced))
	}

	// Valid JSON of another shape is a wrong answer, not prose to dig through.
	for _, c := range candidates {
		if json.Valid([]byte(c)) && !strings.HasPrefix(c, "{") {
			return nil, apperrors.NewSchemaViolationError("model content is JSON but not an object", nil).
				WithDetails(truncateRunes(c, 200))
		}
	}

	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		candidates = append(candidates, text[start:end+1])
	}

	for _, c := range candidates {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(c), &obj); err == nil && obj != nil {
			return obj, nil
		}
	}

	err := apperrors.NewSchemaViolationError("model content is not a JSON object", nil).
		WithDetails(truncateRunes(text, 200))
	if isTruncatedFinish(gen.finishReason) {
		err.Message = "model output was cut off before the JSON object was complete"
	}
	return nil, err
}

func isTruncatedFinish(reason string) bool {
	switch strings.ToLower(reason) {
	case "length", "max_tokens":
		return true
	}
	return false
}

// fencedBlock returns the body of the first ``` fenced block, dropping a
// language tag on the opening line.
func fencedBlock(text string) (string, bool) {
	const marker = "```"
	start := strings.Index(text, marker)
	if start < 0 {
		return "", false
	}
	rest := text[start+len(marker):]
	end := strings.Index(rest, marker)
	if end < 0 {
		return "", false
	}
	body := rest[:end]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		if tag := strings.TrimSpace(body[:nl]); tag == "" || !strings.ContainsAny(tag, "{[") {
			body = body[nl+1:]
		}
	}
	return strings.TrimSpace(body), true
}
