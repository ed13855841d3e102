package xlog

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestComponentAddsScopedField(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	l := Component(base, "pipeline")
	l.Info("epoch started", "epoch", 1)

	out := buf.String()
	if !strings.Contains(out, `"component":"pipeline"`) {
		t.Fatalf("expected component field in output, got %s", out)
	}
}

func TestNewSelectsHandlerByFormat(t *testing.T) {
	jsonLogger := New(true, slog.LevelInfo)
	if jsonLogger == nil {
		t.Fatal("New(true, ...) returned nil")
	}
	textLogger := New(false, slog.LevelInfo)
	if textLogger == nil {
		t.Fatal("New(false, ...) returned nil")
	}
}
