package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{in: "debug", want: zapcore.DebugLevel},
		{in: " WARN ", want: zapcore.WarnLevel},
		{in: "info", want: zapcore.InfoLevel},
		{in: "chatty", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewLogger_Profiles(t *testing.T) {
	for _, profile := range []string{"", "structured", ProfileStructured, ProfileConsole} {
		l, err := NewLogger("goingest", "info", profile)
		require.NoError(t, err, profile)
		assert.NotNil(t, l)
	}

	_, err := NewLogger("goingest", "info", "fancy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid logging profile")
}

func TestInitCLIAndServerLoggers(t *testing.T) {
	origCLI, origServer := CLILogger, ServerLogger
	defer func() { CLILogger, ServerLogger = origCLI, origServer }()

	require.NoError(t, InitCLIAndServerLoggers("goingest", "debug", ProfileConsole))
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, ServerLogger.Core().Enabled(zapcore.DebugLevel))

	before := ServerLogger
	require.Error(t, InitCLIAndServerLoggers("goingest", "loud", ProfileConsole))
	assert.Same(t, before, ServerLogger)
}
