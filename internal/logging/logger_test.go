package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		l, err := New(level)
		if err != nil {
			t.Fatalf("New(%q): %v", level, err)
		}
		if l == nil {
			t.Fatalf("New(%q) returned nil logger", level)
		}
	}
}

func TestGlobalRoundTrip(t *testing.T) {
	prev := Global()
	defer SetGlobal(prev)

	core, logs := observer.New(zapcore.InfoLevel)
	SetGlobal(zap.New(core))

	Info("hello", zap.String("k", "v"))
	Warn("careful")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Message != "hello" {
		t.Errorf("message = %q", entries[0].Message)
	}
	if entries[0].ContextMap()["k"] != "v" {
		t.Errorf("field k = %v", entries[0].ContextMap()["k"])
	}
}

func TestNewWithOptionsFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	l, err := NewWithOptions(Options{Level: "info", File: path})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	l.Info("rotated sink works", zap.String("k", "v"))
	l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "rotated sink works") {
		t.Errorf("entry missing from file: %s", data)
	}
	if !strings.Contains(string(data), `"timestamp"`) {
		t.Errorf("JSON encoder not applied: %s", data)
	}
}

func TestNewWithOptionsConsoleFormat(t *testing.T) {
	l, err := NewWithOptions(Options{Level: "debug", Format: "console"})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	if !l.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level not enabled")
	}
}
