package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.SugaredLogger to provide a consistent logging interface
// across the project. It provides both structured logging (with fields) and
// printf-style logging methods.
type Logger struct {
	*zap.SugaredLogger
}

// ValidLogLevels enumerates the levels accepted by NewLogger.
var ValidLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

// NewLogger creates a new logger with the specified configuration.
// level can be "debug", "info", "warn" or "error"; the LOG_LEVEL environment
// variable, when set, takes precedence.
// development mode enables stack traces and uses the console encoder.
func NewLogger(level string, development bool) (*Logger, error) {
	var config zap.Config

	if development {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}

	zapLevel, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, err
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	zapLogger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{SugaredLogger: zapLogger.Sugar()}, nil
}

// NewNopLogger creates a no-op logger that discards all logs.
// Useful for testing.
func NewNopLogger() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

// WithComponent creates a child logger with a component name field.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{SugaredLogger: l.With("component", component)}
}

// WithNetwork creates a child logger tagged with the chain network name.
// Every per-chain component logs through one of these so multi-chain runs
// stay greppable.
func (l *Logger) WithNetwork(network string) *Logger {
	return &Logger{SugaredLogger: l.With("network", network)}
}

// Close flushes any buffered log entries.
func (l *Logger) Close() error {
	return l.Sync()
}
