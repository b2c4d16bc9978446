// Package telemetry builds the process logger, metrics and tracer, and renders pool and
// cleanup operation records onto them.
package telemetry

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a production zap logger, or a development one when requested.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	parsedLevel := zapcore.InfoLevel
	if trimmed := strings.TrimSpace(level); trimmed != "" {
		if err := parsedLevel.Set(trimmed); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}
	config := zap.NewProductionConfig()
	if development {
		config = zap.NewDevelopmentConfig()
	}
	config.Level = zap.NewAtomicLevelAt(parsedLevel)
	return config.Build()
}
