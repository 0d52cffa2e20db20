package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/aristath/taskrunner/internal/config"
)

func TestNewWriter_JSON(t *testing.T) {
	t.Cleanup(func() { _ = SetLevel("info") })

	var buf bytes.Buffer
	logger, err := NewWriter(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	logger.Info().Msg("hidden")
	logger.Warn().Str("task_id", "t1").Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if entry["message"] != "shown" || entry["task_id"] != "t1" || entry["level"] != "warn" {
		t.Errorf("entry = %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("entry has no timestamp")
	}
}

func TestNewWriter_Console(t *testing.T) {
	t.Cleanup(func() { _ = SetLevel("info") })

	var buf bytes.Buffer
	logger, err := NewWriter(config.LoggingConfig{Level: "debug"}, &buf)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	logger.Debug().Msg("hello")
	if !strings.Contains(buf.String(), "hello") || strings.HasPrefix(buf.String(), "{") {
		t.Errorf("console output = %q", buf.String())
	}
}

func TestSetLevel_Live(t *testing.T) {
	t.Cleanup(func() { _ = SetLevel("info") })

	var buf bytes.Buffer
	logger, err := NewWriter(config.LoggingConfig{Level: "error", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	child := logger.With().Str("comp", "engine").Logger()

	child.Info().Msg("before")
	if err := SetLevel("debug"); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	child.Info().Msg("after")

	if strings.Contains(buf.String(), "before") || !strings.Contains(buf.String(), "after") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestNewWriter_Invalid(t *testing.T) {
	t.Cleanup(func() { _ = SetLevel("info") })

	if _, err := NewWriter(config.LoggingConfig{Level: "loud"}, &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := NewWriter(config.LoggingConfig{Format: "xml"}, &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown format")
	}
}
