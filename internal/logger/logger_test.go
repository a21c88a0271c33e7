package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Level
		ok    bool
	}{
		{"lowercase debug", "debug", LevelDebug, true},
		{"uppercase error", "ERROR", LevelError, true},
		{"mixed case warn", "Warn", LevelWarn, true},
		{"warning alias", "warning", LevelWarn, true},
		{"padded info", "  info ", LevelInfo, true},
		{"unknown", "verbose", LevelInfo, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseLevel(tt.input)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("ParseLevel(%q) = (%v, %v), want (%v, %v)", tt.input, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer func() {
		SetOutput(os.Stdout)
		SetLevel("info")
	}()

	SetLevel("warn")
	Debug("debug message")
	Info("info message")
	Warn("warn message")
	Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Fatalf("levels below WARN should be suppressed, got:\n%s", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Fatalf("WARN and ERROR should be emitted, got:\n%s", out)
	}
}

func TestSetLevelIgnoresUnknown(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer func() {
		SetOutput(os.Stdout)
		SetLevel("info")
	}()

	SetLevel("debug")
	SetLevel("bogus")
	Debug("still visible")

	if !strings.Contains(buf.String(), "still visible") {
		t.Fatal("unknown level name should not change the current level")
	}
}

func TestMessageFormat(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer func() {
		SetOutput(os.Stdout)
		SetLevel("info")
	}()

	SetLevel("info")
	Info("volume %s ready (%d bytes)", "main", 4096)

	out := buf.String()
	if !strings.Contains(out, "[INFO]") {
		t.Fatalf("expected level prefix, got: %s", out)
	}
	if !strings.Contains(out, "volume main ready (4096 bytes)") {
		t.Fatalf("expected formatted message, got: %s", out)
	}
}
