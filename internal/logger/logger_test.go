package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInit(t *testing.T) {
	defer Set(zap.NewNop().Sugar())

	require.NoError(t, Init("debug", "json"))
	assert.True(t, Get().Desugar().Core().Enabled(zapcore.DebugLevel))

	require.NoError(t, Init("warn", "console"))
	assert.False(t, Get().Desugar().Core().Enabled(zapcore.InfoLevel))
	assert.True(t, Get().Desugar().Core().Enabled(zapcore.WarnLevel))
}

func TestInit_Invalid(t *testing.T) {
	before := Get()

	assert.Error(t, Init("loud", "json"))
	assert.Error(t, Init("info", "xml"))
	assert.Same(t, before, Get())
}
