package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"trace":   zerolog.TraceLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestComponentAddsField(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New(&buf, zerolog.InfoLevel), "manager")
	log.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode log line: %v", err)
	}
	if entry["component"] != "manager" {
		t.Errorf("Expected component field, got %v", entry["component"])
	}
	if entry["message"] != "hello" {
		t.Errorf("Expected message field, got %v", entry["message"])
	}
	if _, ok := entry["time"]; !ok {
		t.Error("Expected timestamp field")
	}
}

func TestInitWithOptionsMutuallyExclusive(t *testing.T) {
	if _, err := InitWithOptions(filepath.Join(t.TempDir(), "x.log"), true); err == nil {
		t.Error("Expected error when both logfile and pretty are set")
	}
}

func TestInitWithOptionsLogFile(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	log, err := InitWithOptions(filepath.Join(t.TempDir(), "unillm.log"), false)
	if err != nil {
		t.Fatalf("InitWithOptions failed: %v", err)
	}
	if log.GetLevel() != zerolog.ErrorLevel {
		t.Errorf("Expected error level, got %v", log.GetLevel())
	}
}
