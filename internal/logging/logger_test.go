package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	testCases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" INFO ":  zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
	}
	for input, expected := range testCases {
		if got := ParseLevel(input); got != expected {
			t.Fatalf("ParseLevel(%q) = %s, want %s", input, got, expected)
		}
	}
}

func TestNewLoggerWritesRotatedFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "fieldqueue.log")
	logger, err := NewLogger(Options{Level: "warn", File: logPath})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.Info("suppressed entry")
	logger.Warn("upload stalled")
	_ = logger.Sync()

	contents, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	text := string(contents)
	if !strings.Contains(text, "upload stalled") {
		t.Fatalf("expected warn entry in log file, got %q", text)
	}
	if strings.Contains(text, "suppressed entry") {
		t.Fatalf("expected info entry to be filtered, got %q", text)
	}
}

func TestNewLoggerWithoutFile(t *testing.T) {
	logger, err := NewLogger(Options{Level: "debug"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected debug level to be enabled")
	}
}
