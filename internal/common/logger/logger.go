package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/edgecomet/prerender/internal/common/configtypes"
)

// DynamicLogger wraps zap.Logger with per-output levels that can be switched at runtime.
// The prerender binary starts at INFO so the startup sequence is always visible, then drops
// to the configured level once the server is listening.
type DynamicLogger struct {
	*zap.Logger
	levels     []*zap.AtomicLevel
	outputs    []string
	configured configtypes.LogConfig
}

// NewLogger creates a zap logger with console and/or rotated file output
func NewLogger(config configtypes.LogConfig) (*DynamicLogger, error) {
	globalLevel := ParseLevel(config.Level)

	var cores []zapcore.Core
	dl := &DynamicLogger{configured: config}

	if config.Console.Enabled {
		level := zap.NewAtomicLevelAt(resolveLevel(config.Console.Level, globalLevel))
		cores = append(cores, zapcore.NewCore(createEncoder(config.Console.Format), zapcore.Lock(os.Stdout), level))
		dl.levels = append(dl.levels, &level)
		dl.outputs = append(dl.outputs, config.Console.Level)
	}

	if config.File.Enabled {
		if config.File.Path == "" {
			return nil, fmt.Errorf("file.path must be specified when file logging is enabled")
		}
		level := zap.NewAtomicLevelAt(resolveLevel(config.File.Level, globalLevel))
		cores = append(cores, zapcore.NewCore(createEncoder(config.File.Format), createFileWriter(config.File), level))
		dl.levels = append(dl.levels, &level)
		dl.outputs = append(dl.outputs, config.File.Level)
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("at least one log output (console or file) must be enabled")
	}

	if len(cores) == 1 {
		dl.Logger = zap.New(cores[0])
	} else {
		dl.Logger = zap.New(zapcore.NewTee(cores...))
	}
	return dl, nil
}

// NewLoggerWithStartupOverride creates a logger that runs at INFO until
// SwitchToConfiguredLevel is called, when the configured level is quieter than INFO.
func NewLoggerWithStartupOverride(config configtypes.LogConfig) (*DynamicLogger, error) {
	if ParseLevel(config.Level) <= zap.InfoLevel {
		return NewLogger(config)
	}

	startup := config
	startup.Level = configtypes.LogLevelInfo
	if startup.Console.Level == "" {
		startup.Console.Level = configtypes.LogLevelInfo
	}
	if startup.File.Level == "" {
		startup.File.Level = configtypes.LogLevelInfo
	}

	dl, err := NewLogger(startup)
	if err != nil {
		return nil, err
	}
	dl.configured = config
	return dl, nil
}

// SwitchToConfiguredLevel restores the levels from the original configuration
func (dl *DynamicLogger) SwitchToConfiguredLevel() {
	dl.Info("Switching logger to configured level", zap.String("level", dl.configured.Level))

	global := ParseLevel(dl.configured.Level)
	outputs := dl.configuredOutputLevels()
	for i, level := range dl.levels {
		level.SetLevel(resolveLevel(outputs[i], global))
	}
}

// EnsureInfoLevelForShutdown lowers every output to at most INFO so shutdown logs are visible
func (dl *DynamicLogger) EnsureInfoLevelForShutdown() {
	changed := false
	for _, level := range dl.levels {
		if level.Level() > zap.InfoLevel {
			level.SetLevel(zap.InfoLevel)
			changed = true
		}
	}
	if changed {
		dl.Info("Switched to INFO level for shutdown visibility")
	}
}

func (dl *DynamicLogger) configuredOutputLevels() []string {
	var outputs []string
	if dl.configured.Console.Enabled {
		outputs = append(outputs, dl.configured.Console.Level)
	}
	if dl.configured.File.Enabled {
		outputs = append(outputs, dl.configured.File.Level)
	}
	return outputs
}

// ParseLevel converts a config level string to a zap level, defaulting to INFO
func ParseLevel(level string) zapcore.Level {
	switch level {
	case configtypes.LogLevelDebug:
		return zap.DebugLevel
	case configtypes.LogLevelWarn:
		return zap.WarnLevel
	case configtypes.LogLevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// IsValidLevel reports whether level is one of the accepted level names
func IsValidLevel(level string) bool {
	switch level {
	case configtypes.LogLevelDebug, configtypes.LogLevelInfo, configtypes.LogLevelWarn, configtypes.LogLevelError:
		return true
	}
	return false
}

func resolveLevel(outputLevel string, global zapcore.Level) zapcore.Level {
	if outputLevel != "" {
		return ParseLevel(outputLevel)
	}
	return global
}

func createEncoder(format string) zapcore.Encoder {
	if format == configtypes.LogFormatJSON {
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	if format == configtypes.LogFormatText {
		// no color codes in files
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func createFileWriter(cfg configtypes.FileLogConfig) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.Rotation.MaxSize,
		MaxAge:     cfg.Rotation.MaxAge,
		MaxBackups: cfg.Rotation.MaxBackups,
		Compress:   cfg.Rotation.Compress,
	})
}

// NewDefaultLogger creates a console logger used before configuration is loaded
func NewDefaultLogger() (*DynamicLogger, error) {
	return NewLogger(configtypes.LogConfig{
		Level: configtypes.LogLevelDebug,
		Console: configtypes.ConsoleLogConfig{
			Enabled: true,
			Format:  configtypes.LogFormatConsole,
		},
	})
}
