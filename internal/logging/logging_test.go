package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "text", &buf)

	logger.Info("test message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Errorf("expected output to contain 'test message', got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("expected output to contain 'key=value', got: %s", output)
	}
}

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "json", &buf)

	logger.Info("test message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, `"msg":"test message"`) {
		t.Errorf("expected JSON output with msg field, got: %s", output)
	}
	if !strings.Contains(output, `"key":"value"`) {
		t.Errorf("expected JSON output with key field, got: %s", output)
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		name         string
		configLevel  string
		shouldAppear bool
	}{
		{"debug suppressed at info", "info", false},
		{"debug shown at debug", "debug", true},
		{"debug suppressed at error", "error", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(tt.configLevel, "text", &buf)

			logger.Debug("debug message")

			got := strings.Contains(buf.String(), "debug message")
			if got != tt.shouldAppear {
				t.Errorf("level %q: message appeared=%v, want %v", tt.configLevel, got, tt.shouldAppear)
			}
		})
	}
}

func TestNewLogger_UnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("bogus", "text", &buf)

	logger.Debug("hidden")
	logger.Info("visible")

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Error("debug message should be filtered at default level")
	}
	if !strings.Contains(output, "visible") {
		t.Error("info message should appear at default level")
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	// Must not panic.
	logger.Info("discarded")
	logger.Error("discarded", KeyError, "nothing")
}
