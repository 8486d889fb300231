package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewWithWriter_JSONShape(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter("debug", "json", &buf)
	if err != nil {
		t.Fatalf("NewWithWriter() error: %v", err)
	}
	log.Info("vendor channel open", zap.String("session_id", "s1"), zap.Int("attempt", 2))
	_ = log.Sync()

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
	}
	if entry["msg"] != "vendor channel open" || entry["session_id"] != "s1" || entry["attempt"] != float64(2) {
		t.Fatalf("entry = %v", entry)
	}
	ts, _ := entry["ts"].(string)
	if !strings.Contains(ts, "T") {
		t.Fatalf("ts = %q, want ISO8601", ts)
	}
	if _, ok := entry["caller"]; !ok {
		t.Fatalf("entry has no caller: %v", entry)
	}
}

func TestNewWithWriter_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter("warn", "json", &buf)
	if err != nil {
		t.Fatalf("NewWithWriter() error: %v", err)
	}
	log.Info("dropped")
	log.Warn("kept")
	_ = log.Sync()
	if strings.Contains(buf.String(), "dropped") || !strings.Contains(buf.String(), "kept") {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestNewWithWriter_RejectsUnknown(t *testing.T) {
	if _, err := NewWithWriter("loud", "json", &bytes.Buffer{}); err == nil {
		t.Fatal("expected level error")
	}
	if _, err := NewWithWriter("info", "xml", &bytes.Buffer{}); err == nil {
		t.Fatal("expected format error")
	}
}
