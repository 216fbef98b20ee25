package observability

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineFormat(t *testing.T) {
	var buf strings.Builder
	logger := NewLogger(LogConfig{Level: "debug", Format: "text", Output: &buf})

	logger.With(ComponentKey, "router").Info("request queued", "channel", "c1", "position", 2)

	line := strings.TrimSuffix(buf.String(), "\n")
	fields := strings.SplitN(line, " ", 4)
	require.Len(t, fields, 4)
	assert.Len(t, fields[0], 8, "HH:MM:SS timestamp")
	assert.Equal(t, "INFO", fields[1])
	assert.Equal(t, "[router]", fields[2])
	assert.Contains(t, fields[3], "request queued")
	assert.Contains(t, fields[3], "channel=c1")
	assert.Contains(t, fields[3], "position=2")
}

func TestLineFormatLevelFilter(t *testing.T) {
	var buf strings.Builder
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"nonsense", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestParseLineRoundTrip(t *testing.T) {
	var buf strings.Builder
	logger := NewLogger(LogConfig{Level: "debug", Output: &buf})
	logger.With(ComponentKey, "scheduler").Warn("task overran", "task", "nightly")

	parsed, ok := ParseLine(strings.TrimSuffix(buf.String(), "\n"))
	require.True(t, ok)
	assert.Equal(t, slog.LevelWarn, parsed.Level)
	assert.Equal(t, "scheduler", parsed.Component)
	assert.Contains(t, parsed.Message, "task overran")
}

func TestParseLineRejectsForeignShapes(t *testing.T) {
	cases := []string{
		"",
		"plain adapter output",
		"2026-08-24 10:00:00 INFO [x] iso timestamps are not ours",
		"10:00:00 NOTICE [x] unknown level",
		"10:00:00 INFO no-brackets message",
	}
	for _, line := range cases {
		_, ok := ParseLine(line)
		assert.False(t, ok, line)
	}
}
