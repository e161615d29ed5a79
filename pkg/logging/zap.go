package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ZapOptions configures the zap backend used by the supervisor binaries.
type ZapOptions struct {
	Level  string
	Format string // "console" or "json"
	// File, when set, receives a copy of every entry through a rotating writer.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewZapLogger builds a zap logger writing to stderr and, optionally, a rotated file.
func NewZapLogger(options ZapOptions) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(levelOrDefault(options.Level))
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	switch options.Format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), level),
	}
	if options.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   options.File,
			MaxSize:    valueOr(options.MaxSizeMB, 50),
			MaxBackups: valueOr(options.MaxBackups, 5),
			MaxAge:     valueOr(options.MaxAgeDays, 30),
		}
		// Files always get JSON so they can be shipped as-is.
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(rotator), level))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}

// ZapLogFuncs adapts a zap logger to LogFuncs.
func ZapLogFuncs(z *zap.Logger) LogFuncs {
	sugar := z.Sugar()
	return LogFuncs{
		LogLevelf: func(level int, format string, args ...interface{}) {
			switch level {
			case LogLevelDebug:
				sugar.Debugf(format, args...)
			case LogLevelInfo:
				sugar.Infof(format, args...)
			case LogLevelWarn:
				sugar.Warnf(format, args...)
			default:
				sugar.Errorf(format, args...)
			}
		},
	}
}

func levelOrDefault(level string) string {
	if level == "" {
		return "info"
	}
	if level == "warning" {
		return "warn"
	}
	return level
}

func valueOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
