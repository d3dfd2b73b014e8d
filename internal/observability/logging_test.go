package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestLogger_Redaction(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Info(context.Background(), "provider configured",
		"key", "api_key = sk-ant-"+strings.Repeat("a", 100))

	out := buf.String()
	if strings.Contains(out, strings.Repeat("a", 100)) {
		t.Error("API key leaked into log output")
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker in output: %s", out)
	}
}

func TestLogger_ContextCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})

	ctx := AddConversationID(context.Background(), "conv-1")
	ctx = AddToolCallID(ctx, "call-1")
	logger.Info(ctx, "tool accepted")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if record["conversation_id"] != "conv-1" {
		t.Errorf("conversation_id = %v, want conv-1", record["conversation_id"])
	}
	if record["tool_call_id"] != "call-1" {
		t.Errorf("tool_call_id = %v, want call-1", record["tool_call_id"])
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
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

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Debug(context.Background(), "should not appear")
	logger.Info(context.Background(), "should not appear either")
	logger.Warn(context.Background(), "warning shown")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Errorf("below-level records leaked: %s", out)
	}
	if !strings.Contains(out, "warning shown") {
		t.Errorf("warn record missing: %s", out)
	}
}
