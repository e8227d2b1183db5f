package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"golang.org/x/exp/slog"
)

func TestParseLevel(t *testing.T) {
	testCases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range testCases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewWithWriter(t *testing.T) {
	t.Run("production writes json", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewWithWriter(&buf, "production", "info")
		log.Debug("hidden")
		log.Info("sync cycle finished", "calendar_id", 3)

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 1 {
			t.Fatalf("expected one line, got %q", buf.String())
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
			t.Fatalf("expected json, got %q: %v", lines[0], err)
		}
		if entry["msg"] != "sync cycle finished" || entry["calendar_id"] != float64(3) {
			t.Errorf("unexpected entry %v", entry)
		}
	})

	t.Run("development writes text", func(t *testing.T) {
		var buf bytes.Buffer
		NewWithWriter(&buf, "development", "debug").Debug("collection tag unchanged")
		if !strings.Contains(buf.String(), "msg=\"collection tag unchanged\"") {
			t.Errorf("expected text output, got %q", buf.String())
		}
	})
}
