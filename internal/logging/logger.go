package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Development mode writes human readable
// console output; otherwise JSON is written with stack traces disabled.
// An unrecognised level falls back to info.
func New(level string, development bool) (*zap.Logger, error) {
	var zapConfig zap.Config
	if development {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.DisableStacktrace = true
	}

	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err == nil {
			zapConfig.Level = zap.NewAtomicLevelAt(lvl)
		} else {
			zapConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
