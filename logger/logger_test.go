package logger

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNamedLoggerCarriesComponent(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	SetLogger(zap.New(core))
	defer SetLogger(nil)

	Named("ducking").Warn("ramp cancelled", String("track", "win-1"))
	Error("save failed", ErrorField(errors.New("boom")))

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].LoggerName != "ducking" {
		t.Fatalf("logger name = %q, want ducking", entries[0].LoggerName)
	}
	if entries[0].ContextMap()["track"] != "win-1" {
		t.Fatalf("missing track field: %v", entries[0].ContextMap())
	}
	if entries[1].ContextMap()["error"] != "boom" {
		t.Fatalf("missing error field: %v", entries[1].ContextMap())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   LogLevel
		want string
	}{
		{DebugLevel, "debug"},
		{WarnLevel, "warn"},
		{ErrorLevel, "error"},
		{"bogus", "info"},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			if got := parseLevel(tt.in).String(); got != tt.want {
				t.Fatalf("parseLevel(%s) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}
