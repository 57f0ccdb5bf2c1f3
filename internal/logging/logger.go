package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the structured logger for the given gin mode. Debug mode
// gets the human readable development encoder.
func NewLogger(mode string) (*zap.Logger, error) {
	if mode == "debug" {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// WithOperation enriches the logger with operation and request identifiers.
func WithOperation(logger *zap.Logger, operation, requestID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	return logger.With(fields...)
}

// WithSession tags scan log lines with the visitor session and upload sequence.
func WithSession(logger *zap.Logger, sessionID string, sequence uint64) *zap.Logger {
	return logger.With(zap.String("session_id", sessionID), zap.Uint64("sequence", sequence))
}
