package telemetry

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLogLines(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("unmarshal log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestNewLoggerWritesJSONWithTimestampKey(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("dispatch complete", "task_id", "t1")
	_ = closer.Close()

	lines := readLogLines(t, home)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if _, ok := lines[0]["timestamp"]; !ok {
		t.Fatalf("missing timestamp key: %#v", lines[0])
	}
	if lines[0]["component"] != "opspipe" {
		t.Fatalf("missing component attr: %#v", lines[0])
	}
}

func TestLoggerRedactsContactAttrs(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("routed",
		"delivery_address", "Villa 12, phone: 0501234567",
		"note", "call client@example.com before arrival")
	_ = closer.Close()

	lines := readLogLines(t, home)
	if lines[0]["delivery_address"] != "[REDACTED]" {
		t.Fatalf("delivery address not redacted: %#v", lines[0])
	}
	note, _ := lines[0]["note"].(string)
	if strings.Contains(note, "example.com") {
		t.Fatalf("email survived in note: %q", note)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
