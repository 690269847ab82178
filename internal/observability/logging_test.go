package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info(context.Background(), "configured",
		"detail", "api_key=sk_live_abcdefgh12345678 used")

	out := buf.String()
	if strings.Contains(out, "sk_live_abcdefgh12345678") {
		t.Errorf("secret leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("no redaction marker in: %s", out)
	}
}

func TestLoggerIncludesContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	ctx := WithSession(WithRequestID(context.Background(), "req-1"), "chat_42")
	logger.Info(ctx, "run started")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if record["request_id"] != "req-1" {
		t.Errorf("request_id = %v", record["request_id"])
	}
	if record["session"] != "chat_42" {
		t.Errorf("session = %v", record["session"])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})

	logger.Info(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Errorf("info record emitted at warn level: %s", buf.String())
	}
	logger.Warn(context.Background(), "shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn record missing")
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := LogLevelFromString(tt.in); got != tt.want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
