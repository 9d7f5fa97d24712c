package obs

import (
	"bytes"
	"testing"
)

func TestNewReturnsNonNil(t *testing.T) {
	logger := New("info")
	if logger == nil {
		t.Fatal("New returned nil")
	}
}

func TestLoggerFluentAPI(t *testing.T) {
	logger := NewSilent()
	logger.Info().Str("key", "value").Msg("test message")
	logger.Warn().Int("count", 42).Msg("warning")
	logger.Error().Str("error", "boom").Msg("error message")
}

func TestNewWithOutputWritesToProvidedWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput("info", &buf)
	logger.Info().Str("key", "value").Msg("hello")

	if buf.Len() == 0 {
		t.Error("expected output to the provided writer, got none")
	}
}

func TestNewSilentDiscardsOutput(t *testing.T) {
	logger := NewSilent()
	if logger == nil {
		t.Fatal("NewSilent returned nil")
	}
	logger.Info().Msg("should not appear anywhere")
}

func TestWithCorrelationIDReturnsDerivedLogger(t *testing.T) {
	logger := NewSilent()
	derived := logger.WithCorrelationID("abc-123")
	if derived == nil {
		t.Fatal("WithCorrelationID returned nil")
	}
	derived.Info().Msg("tagged message")
}
