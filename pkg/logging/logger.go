// Package logging backs the engine's core.ILogger with zap. Console output
// and the OpenTelemetry log bridge share one tee so every record reaches
// both the operator and the exporter pipeline.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"broker_engine/internal/core"
)

// Level is the engine's log level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "INFO"
	}
}

var zapLevels = map[string]zapcore.Level{
	"DEBUG": zap.DebugLevel,
	"INFO":  zap.InfoLevel,
	"WARN":  zap.WarnLevel,
	"ERROR": zap.ErrorLevel,
	"FATAL": zap.FatalLevel,
}

// ZapLogger adapts zap to core.ILogger: variadic key/value fields and
// child loggers through WithField/WithFields.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger builds a logger writing console output at the given level
// plus an OTel bridge core feeding the global logger provider.
func NewZapLogger(level string) (*ZapLogger, error) {
	zl, ok := zapLevels[strings.ToUpper(level)]
	if !ok {
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	console := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(os.Stdout), zl)
	bridge := otelzap.NewCore("broker_engine", otelzap.WithLoggerProvider(global.GetLoggerProvider()))

	return &ZapLogger{
		logger: zap.New(zapcore.NewTee(console, bridge), zap.AddCaller(), zap.AddCallerSkip(1)),
	}, nil
}

// NewLogger builds a logger from a Level, for callers that already hold
// one. Levels always map to a valid configuration.
func NewLogger(level Level) core.ILogger {
	logger, _ := NewZapLogger(level.String())
	return logger
}

// pairFields turns a flat key/value slice into zap fields. A trailing key
// without a value is dropped; non-string keys are stringified.
func pairFields(kv []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kv[i])
		}
		fields = append(fields, zap.Any(key, kv[i+1]))
	}
	return fields
}

func (l *ZapLogger) Debug(msg string, fields ...interface{}) {
	l.logger.Debug(msg, pairFields(fields)...)
}

func (l *ZapLogger) Info(msg string, fields ...interface{}) {
	l.logger.Info(msg, pairFields(fields)...)
}

func (l *ZapLogger) Warn(msg string, fields ...interface{}) {
	l.logger.Warn(msg, pairFields(fields)...)
}

func (l *ZapLogger) Error(msg string, fields ...interface{}) {
	l.logger.Error(msg, pairFields(fields)...)
}

func (l *ZapLogger) Fatal(msg string, fields ...interface{}) {
	l.logger.Fatal(msg, pairFields(fields)...)
}

func (l *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{logger: l.logger.With(zap.Any(key, value))}
}

func (l *ZapLogger) WithFields(fields map[string]interface{}) core.ILogger {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	return &ZapLogger{logger: l.logger.With(zapFields...)}
}

// Sync flushes buffered entries. Stdout sinks may not support it; callers
// ignore the error on shutdown.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}
