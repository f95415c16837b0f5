package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := LevelFromString(in); got != want {
			t.Errorf("LevelFromString(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithRequestID_TagsSubsequentLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithHandler(slog.NewJSONHandler(&buf, nil))

	l.WithRequestID("req-123").Info("handled request")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if line["requestId"] != "req-123" {
		t.Errorf("requestId = %v, want req-123", line["requestId"])
	}
}

func TestModule_TagsComponent(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithHandler(slog.NewJSONHandler(&buf, nil))

	l.Module("auction").Info("window closed")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if line["component"] != "auction" {
		t.Errorf("component = %v, want auction", line["component"])
	}
}
