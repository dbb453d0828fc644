package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/itohio/labdaq/pkg/config"
)

func TestNew(t *testing.T) {
	logger, err := New(config.LogConfig{Level: "warn", Encoding: "console"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labdaq.log")
	logger, err := New(config.LogConfig{Level: "debug", Encoding: "json", File: path})
	require.NoError(t, err)

	logger.Info("cycle complete")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"cycle complete"`)
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = New(config.LogConfig{Level: "info", Encoding: "xml"})
	assert.Error(t, err)
}
