// Package telemetry builds the process logger and the error reporter.
package telemetry

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a JSON production logger, or a console logger when development is set.
// An unknown level falls back to info.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	parsed, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil || strings.TrimSpace(level) == "" {
		parsed = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	return cfg.Build()
}
