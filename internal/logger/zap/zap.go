// Package zap builds the zap-backed implementation of logger.Logger,
// writing to a lumberjack-rotated file and optionally mirroring to
// stderr.
package zap

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"chordring/internal/config"
	"chordring/internal/logger"
)

// New builds a *zap.Logger from a logging config section. Callers own
// the returned logger's lifetime and must Sync() it before exit.
func New(cfg config.LoggerConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("logger: invalid level %q: %w", cfg.Level, err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	if cfg.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(rotator), level))
	}
	if cfg.Console || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.Lock(zapcore.AddSync(os.Stderr)), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// zapAdapter satisfies logger.Logger by delegating to an underlying
// *zap.Logger, translating logger.Field into zap.Field lazily so
// callers that never hit an active level pay no allocation cost beyond
// the call itself.
type zapAdapter struct {
	z *zap.Logger
}

// NewZapAdapter wraps an already-built zap logger as a logger.Logger.
func NewZapAdapter(z *zap.Logger) logger.Logger {
	return &zapAdapter{z: z}
}

func toZapFields(fields []logger.Field) []zap.Field {
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		out[i] = zap.Any(f.Key, f.Value)
	}
	return out
}

func (a *zapAdapter) Debug(msg string, fields ...logger.Field) { a.z.Debug(msg, toZapFields(fields)...) }
func (a *zapAdapter) Info(msg string, fields ...logger.Field)  { a.z.Info(msg, toZapFields(fields)...) }
func (a *zapAdapter) Warn(msg string, fields ...logger.Field)  { a.z.Warn(msg, toZapFields(fields)...) }
func (a *zapAdapter) Error(msg string, fields ...logger.Field) { a.z.Error(msg, toZapFields(fields)...) }

func (a *zapAdapter) Named(name string) logger.Logger {
	return &zapAdapter{z: a.z.Named(name)}
}
