package logging

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/collabcanvas/go-canvas-sync/errors"
)

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		level string
	}{
		{"debug", "debug"},
		{"info", "info"},
		{"warn", "warn"},
		{"error", "error"},
		{"unknown falls back to info", "verbose"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLogger(Config{Level: tt.level, Format: "text"})
			if l == nil || l.Logger == nil {
				t.Fatal("NewLogger() returned nil logger")
			}
		})
	}
}

func TestWithComponent(t *testing.T) {
	l := NewLogger(Config{Level: "info", Format: "text"})
	child := l.WithComponent(ComponentRelay)
	if child == l {
		t.Error("WithComponent() should return a new logger")
	}
	// Must not panic when logging through the child.
	child.Info("relay started", slog.Int("port", 8080))
}

func TestSyncErrorValuer(t *testing.T) {
	err := errors.NewNetworkError(errors.OpConnect, fmt.Errorf("refused"))
	err.Metadata = map[string]interface{}{"attempt": 3}

	v := SyncErrorValuer{SyncError: err}.LogValue()
	if v.Kind() != slog.KindGroup {
		t.Errorf("LogValue() kind = %v, want group", v.Kind())
	}

	// LogError must accept both SyncError and plain errors.
	l := NewLogger(Config{Level: "error", Format: "text"})
	l.LogError(context.Background(), err, "connect failed")
	l.LogError(context.Background(), fmt.Errorf("plain"), "plain failure")
}

func TestDefault_Initializes(t *testing.T) {
	defaultLogger = nil
	if Default() == nil {
		t.Fatal("Default() returned nil")
	}
	Info("default logger works")
}
