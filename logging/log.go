package logging

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxLoggerKey struct{}

// Config selects how New builds a logger. Empty fields keep the production
// defaults.
type Config struct {
	Level       string `yaml:"level"`
	Encoding    string `yaml:"encoding"`
	Development bool   `yaml:"development"`
}

// New builds a zap logger with RFC3339 timestamps under "timestamp".
func New(cfg Config) *zap.Logger {
	loggerConfig := zap.NewProductionConfig()
	if cfg.Development {
		loggerConfig = zap.NewDevelopmentConfig()
	}
	loggerConfig.EncoderConfig.TimeKey = "timestamp"
	loggerConfig.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	if cfg.Encoding != "" {
		loggerConfig.Encoding = cfg.Encoding
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			fmt.Printf("failed to parse log level %q: %v\n", cfg.Level, err)
		} else {
			loggerConfig.Level = level
		}
	}
	logger, err := loggerConfig.Build()
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		backupLogger, _ := zap.NewProduction()
		return backupLogger
	}
	return logger
}

// NewContextWithLogger derives a context carrying logger tagged with id.
func NewContextWithLogger(ctx context.Context, logger *zap.Logger, id string) context.Context {
	if logger == nil {
		logger = New(Config{})
	}
	return context.WithValue(ctx, ctxLoggerKey{}, logger.With(zap.String("loggerId", id)))
}

func LoggerFromContext(ctx context.Context) *zap.Logger {
	logger, ok := ctx.Value(ctxLoggerKey{}).(*zap.Logger)
	if !ok {
		return New(Config{})
	}
	return logger
}

func SugaredLoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	return LoggerFromContext(ctx).Sugar()
}
