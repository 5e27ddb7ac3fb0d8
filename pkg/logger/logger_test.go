package logger

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "level %q", tt.in)
	}
}

func TestSimpleTextHandler(t *testing.T) {
	var buf strings.Builder
	h := &simpleTextHandler{
		handler: slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}),
		writer:  &buf,
	}

	record := slog.NewRecord(time.Time{}, slog.LevelWarn, "upstream failing", 0)
	record.AddAttrs(slog.String("provider", "glm"), slog.Int("status", 502))

	require.NoError(t, h.Handle(context.Background(), record))
	assert.Equal(t, "WARN upstream failing provider=glm status=502\n", buf.String())
}

func TestSimpleTextHandlerRespectsLevel(t *testing.T) {
	var buf strings.Builder
	h := &simpleTextHandler{
		handler: slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}),
		writer:  &buf,
	}

	assert.False(t, h.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestGetLoggerInitializesOnce(t *testing.T) {
	first := GetLogger()
	require.NotNil(t, first)
	assert.Same(t, first, GetLogger())
}
