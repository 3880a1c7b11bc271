package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewWritesServiceAttribute(t *testing.T) {
	var buf bytes.Buffer
	log := New("hostd", slog.LevelInfo, Options{Output: &buf})
	log.Info("hello", "project_id", "p1")
	log.Debug("hidden")

	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &record); err != nil {
		t.Fatalf("expected a single json record, got %q: %v", buf.String(), err)
	}
	if record["service"] != "hostd" {
		t.Fatalf("expected service attribute, got %v", record["service"])
	}
	if record["project_id"] != "p1" {
		t.Fatalf("expected project_id attribute, got %v", record["project_id"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestJournalKey(t *testing.T) {
	if got := journalKey("project_id.stage-1"); got != "PROJECT_ID_STAGE_1" {
		t.Fatalf("unexpected journal key %q", got)
	}
}
