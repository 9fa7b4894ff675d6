package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":     slog.LevelDebug,
		"DEBUG":     slog.LevelDebug,
		"info":      slog.LevelInfo,
		"warn":      slog.LevelWarn,
		"warning":   slog.LevelWarn,
		"error":     slog.LevelError,
		"  error  ": slog.LevelError,
		"":          slog.LevelInfo,
		"verbose":   slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "input %q", in)
	}
}

func TestSetup_InstallsDefaultLogger(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	Setup("debug")
	assert.True(t, slog.Default().Enabled(t.Context(), slog.LevelDebug))

	Setup("error")
	assert.False(t, slog.Default().Enabled(t.Context(), slog.LevelInfo))
}
