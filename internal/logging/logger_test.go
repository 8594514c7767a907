package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/mikey/mailsentry/internal/config"
)

func TestInitLogger_LevelSelection(t *testing.T) {
	tests := []struct {
		level   string
		debugOn bool
	}{
		{"debug", true},
		{"info", false},
		{"warn", false},
		{"not-a-level", false},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			v := config.NewEmptyViper()
			v.Set("logging.level", tt.level)
			v.Set("logging.format", "json")

			logger, err := InitLogger(config.NewFromViper(v))
			require.NoError(t, err)
			defer logger.Sync()

			assert.Equal(t, tt.debugOn, logger.Core().Enabled(zapcore.DebugLevel))
			assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
		})
	}
}

func TestInitConsoleLogger(t *testing.T) {
	quiet, err := InitConsoleLogger(false, true)
	require.NoError(t, err)
	assert.False(t, quiet.Core().Enabled(zapcore.DebugLevel))

	verbose, err := InitConsoleLogger(true, false)
	require.NoError(t, err)
	assert.True(t, verbose.Core().Enabled(zapcore.DebugLevel))
}
