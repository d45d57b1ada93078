package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/prequal/prequal/pkg/config"
)

// New builds the process logger. Format "json" selects the production encoder,
// anything else the development console encoder.
func New(cfg config.LoggingConfig, service string) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	var zcfg zap.Config
	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	if service != "" {
		logger = logger.With(zap.String("service", service))
	}
	return logger, nil
}

// MustNew is New for process entry points, where a logger failure is fatal.
func MustNew(cfg config.LoggingConfig, service string) *zap.Logger {
	logger, err := New(cfg, service)
	if err != nil {
		panic(err)
	}
	return logger
}
