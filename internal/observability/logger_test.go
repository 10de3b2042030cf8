package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoggerFromContext_RequestID(t *testing.T) {
	var buf bytes.Buffer
	orig := Logger()
	defer logger.Store(orig)
	Setup(&buf, "info")

	ctx := WithRequestID(context.Background(), "req-42")
	LoggerFromContext(ctx).Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if entry["request_id"] != "req-42" {
		t.Errorf("request_id = %v, want req-42", entry["request_id"])
	}
	if entry["msg"] != "hello" {
		t.Errorf("msg = %v, want hello", entry["msg"])
	}
}

func TestLoggerFromContext_NoRequestID(t *testing.T) {
	if got := LoggerFromContext(context.Background()); got != Logger() {
		t.Error("expected process logger when no request id is set")
	}
}

func TestSetup_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	orig := Logger()
	defer logger.Store(orig)
	Setup(&buf, "warn")

	Logger().Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info line written at warn level: %s", buf.String())
	}
	Logger().Warn("kept")
	if buf.Len() == 0 {
		t.Error("warn line not written")
	}
}
