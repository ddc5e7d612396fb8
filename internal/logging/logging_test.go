package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	before := zap.L()

	logger, restore, err := New("warn", "console")
	require.NoError(t, err)
	assert.Same(t, logger, zap.L())
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	restore()
	assert.Same(t, before, zap.L())
}

func TestNew_Errors(t *testing.T) {
	_, _, err := New("loud", "json")
	require.Error(t, err)
	_, _, err = New("info", "xml")
	require.Error(t, err)
}
