package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Log *zap.Logger

func init() {
	Log = build(zapcore.DebugLevel, "console")
}

func encoderConfig(format string) zapcore.EncoderConfig {
	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stack",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeLevel:   zapcore.CapitalColorLevelEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}
	if format == "json" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return encCfg
}

func build(level zapcore.Level, format string) *zap.Logger {
	enc := zapcore.NewConsoleEncoder(encoderConfig(format))
	if format == "json" {
		enc = zapcore.NewJSONEncoder(encoderConfig(format))
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), level)
	return zap.New(core, zap.AddCaller())
}

// Init replaces the package logger. format is "console" or "json".
func Init(level, format string) error {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}
	switch format {
	case "", "console", "json":
	default:
		return fmt.Errorf("unsupported log format %q", format)
	}
	Log = build(lvl, format)
	return nil
}

// Named returns a child of the package logger, or of base when it is non-nil.
func Named(base *zap.Logger, name string) *zap.Logger {
	if base == nil {
		base = Log
	}
	return base.Named(name)
}

func Sync() { _ = Log.Sync() }

// shortcuts
func Info(msg string, fields ...zap.Field) { Log.Info(msg, fields...) }
func Infof(format string, args ...interface{}) {
	Log.Info(fmt.Sprintf(format, args...))
}
func Warn(msg string, fields ...zap.Field) { Log.Warn(msg, fields...) }
func Warnf(format string, args ...interface{}) {
	Log.Warn(fmt.Sprintf(format, args...))
}
func Error(msg string, fields ...zap.Field) { Log.Error(msg, fields...) }

func Errorf(format string, args ...interface{}) {
	Log.Error(fmt.Sprintf(format, args...))
}

func Debug(msg string, fields ...zap.Field) { Log.Debug(msg, fields...) }
