package logger

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"arbitrary credential is left to the caller", "key=custom-secret-value", "key=custom-secret-value"},
		{"openai shaped key", "Bearer sk-abcdefgh12345678", "Bearer " + mask},
		{"gemini shaped key", "key=AIzaSyA1234567890abcdefghijk", "key=" + mask},
		{"plain text", "nothing to hide", "nothing to hide"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Redact(tt.in))
		})
	}
}

func TestRedact_KeepsOrdinaryWords(t *testing.T) {
	msg := "Analysis service shut down"
	assert.Equal(t, msg, Redact(msg))
}

func TestHookMasksEntryData(t *testing.T) {
	var buf bytes.Buffer
	Logger.SetOutput(&buf)
	defer Logger.SetOutput(os.Stdout)

	WithFields(logrus.Fields{
		"header": "Bearer sk-hooksecret12345",
		"error":  errors.New("rejected key sk-hooksecret12345"),
	}).Info("sending with sk-hooksecret12345")

	out := buf.String()
	assert.NotContains(t, out, "sk-hooksecret12345")
	assert.Contains(t, out, mask)
}

func TestSetLevel(t *testing.T) {
	defer SetLevel("info")

	SetLevel("DEBUG")
	assert.Equal(t, logrus.DebugLevel, Logger.GetLevel())
	SetLevel("warning")
	assert.Equal(t, logrus.WarnLevel, Logger.GetLevel())
	SetLevel("nonsense")
	assert.Equal(t, logrus.InfoLevel, Logger.GetLevel())
}
