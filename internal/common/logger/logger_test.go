package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/edgecomet/prerender/internal/common/configtypes"
)

func fileConfig(path, level string) configtypes.LogConfig {
	return configtypes.LogConfig{
		Level: level,
		File: configtypes.FileLogConfig{
			Enabled: true,
			Path:    path,
			Format:  configtypes.LogFormatJSON,
		},
	}
}

func TestNewLogger_ConsoleOnly(t *testing.T) {
	logger, err := NewLogger(configtypes.LogConfig{
		Level:   "info",
		Console: configtypes.ConsoleLogConfig{Enabled: true, Format: "console"},
	})
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Len(t, logger.levels, 1)
}

func TestNewLogger_FileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "prerender.log")

	logger, err := NewLogger(fileConfig(logPath, "debug"))
	require.NoError(t, err)

	logger.Info("render lock acquired", zap.String("work_key", "example.com/"))
	_ = logger.Sync()

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "render lock acquired")
	assert.Contains(t, string(content), "example.com/")
}

func TestNewLogger_Errors(t *testing.T) {
	_, err := NewLogger(configtypes.LogConfig{Level: "info"})
	assert.ErrorContains(t, err, "at least one log output")

	_, err = NewLogger(configtypes.LogConfig{
		Level: "info",
		File:  configtypes.FileLogConfig{Enabled: true},
	})
	assert.ErrorContains(t, err, "file.path must be specified")
}

func TestNewLoggerWithStartupOverride(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "startup.log")

	logger, err := NewLoggerWithStartupOverride(fileConfig(logPath, "error"))
	require.NoError(t, err)
	require.Len(t, logger.levels, 1)
	assert.Equal(t, zap.InfoLevel, logger.levels[0].Level())

	logger.SwitchToConfiguredLevel()
	assert.Equal(t, zap.ErrorLevel, logger.levels[0].Level())

	logger.EnsureInfoLevelForShutdown()
	assert.Equal(t, zap.InfoLevel, logger.levels[0].Level())
}

func TestNewLoggerWithStartupOverride_DebugUnchanged(t *testing.T) {
	logger, err := NewLoggerWithStartupOverride(fileConfig(filepath.Join(t.TempDir(), "d.log"), "debug"))
	require.NoError(t, err)
	assert.Equal(t, zap.DebugLevel, logger.levels[0].Level())
}

func TestPerOutputLevel(t *testing.T) {
	cfg := fileConfig(filepath.Join(t.TempDir(), "w.log"), "debug")
	cfg.File.Level = "warn"

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.Equal(t, zap.WarnLevel, logger.levels[0].Level())
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zap.DebugLevel,
		"info":    zap.InfoLevel,
		"warn":    zap.WarnLevel,
		"error":   zap.ErrorLevel,
		"":        zap.InfoLevel,
		"verbose": zap.InfoLevel,
	}
	for input, want := range tests {
		assert.Equal(t, want, ParseLevel(input), input)
	}

	assert.True(t, IsValidLevel("warn"))
	assert.False(t, IsValidLevel("verbose"))
}

func TestNewDefaultLogger(t *testing.T) {
	logger, err := NewDefaultLogger()
	require.NoError(t, err)
	assert.Equal(t, zap.DebugLevel, logger.levels[0].Level())
}
