package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"gigline/internal/config"
)

func TestJSONFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWriter(&buf, config.LogConfig{Level: "warn", Format: "json"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "gig_id", "g1")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if rec["msg"] != "shown" || rec["gig_id"] != "g1" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestAutoFormatOnBufferIsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWriter(&buf, config.LogConfig{Format: "auto"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Info("hello")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("expected json output, got %q", buf.String())
	}
}

func TestRejectsUnknownValues(t *testing.T) {
	if _, err := NewWriter(&bytes.Buffer{}, config.LogConfig{Level: "loud"}); err == nil {
		t.Fatalf("expected level error")
	}
	if _, err := NewWriter(&bytes.Buffer{}, config.LogConfig{Format: "xml"}); err == nil {
		t.Fatalf("expected format error")
	}
}
