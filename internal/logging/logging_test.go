package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	for level, want := range map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"ERROR":   zapcore.ErrorLevel,
	} {
		log, err := New(level)
		require.NoError(t, err, "level %q", level)
		assert.True(t, log.Core().Enabled(want), "level %q", level)
		if want > zapcore.DebugLevel {
			assert.False(t, log.Core().Enabled(want-1), "level %q", level)
		}
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"loud"`)
}
