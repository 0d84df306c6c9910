package logging

import (
	"log/slog"
	"testing"

	"github.com/cync-lan/cync-lan/internal/infrastructure/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewFormats(t *testing.T) {
	for _, format := range []string{"json", "human", "both", ""} {
		t.Run("format "+format, func(t *testing.T) {
			l := New(config.LoggingConfig{Level: "debug", Format: format}, "test")
			if l == nil || l.Logger == nil {
				t.Fatal("New() returned a nil logger")
			}
			// Must not panic.
			l.Debug("probe", "key", "value")
		})
	}
}

func TestWithAddsAttributes(t *testing.T) {
	l := Default()
	child := l.With("component", "test")
	if child == nil || child.Logger == l.Logger {
		t.Error("With() must return a distinct logger")
	}
}
