// Package logging implements core.ILogger on zap, with the OTel bridge
// so log records also flow to the configured log provider.
package logging

import (
	"fmt"
	"os"
	"strings"

	"exit_engine/internal/core"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levelNames = map[string]zapcore.Level{
	"DEBUG": zap.DebugLevel,
	"INFO":  zap.InfoLevel,
	"WARN":  zap.WarnLevel,
	"ERROR": zap.ErrorLevel,
	"FATAL": zap.FatalLevel,
}

// ParseLevel maps a config level string onto a zap level. Unknown levels
// fall back to INFO with an error.
func ParseLevel(level string) (zapcore.Level, error) {
	if l, ok := levelNames[strings.ToUpper(level)]; ok {
		return l, nil
	}
	return zap.InfoLevel, fmt.Errorf("invalid log level: %s", level)
}

// ZapLogger adapts zap's structured logger to the core.ILogger key/value
// calling convention.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger builds a console logger at the given level, teed into the
// OTel log bridge. An unknown level string logs at INFO.
func NewZapLogger(levelStr string) (*ZapLogger, error) {
	zapLevel, _ := ParseLevel(levelStr)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		zapLevel,
	)
	otelCore := otelzap.NewCore("exit_engine", otelzap.WithLoggerProvider(global.GetLoggerProvider()))

	logger := zap.New(zapcore.NewTee(consoleCore, otelCore), zap.AddCaller(), zap.AddCallerSkip(1))
	return &ZapLogger{logger: logger}, nil
}

// toZapFields pairs up variadic key/value arguments. A key that is not a
// string is stringified rather than dropped.
func toZapFields(fields []interface{}) []zap.Field {
	zapFields := make([]zap.Field, 0, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", fields[i])
		}
		zapFields = append(zapFields, zap.Any(key, fields[i+1]))
	}
	return zapFields
}

func (l *ZapLogger) Debug(msg string, fields ...interface{}) {
	l.logger.Debug(msg, toZapFields(fields)...)
}

func (l *ZapLogger) Info(msg string, fields ...interface{}) {
	l.logger.Info(msg, toZapFields(fields)...)
}

func (l *ZapLogger) Warn(msg string, fields ...interface{}) {
	l.logger.Warn(msg, toZapFields(fields)...)
}

func (l *ZapLogger) Error(msg string, fields ...interface{}) {
	l.logger.Error(msg, toZapFields(fields)...)
}

func (l *ZapLogger) Fatal(msg string, fields ...interface{}) {
	l.logger.Fatal(msg, toZapFields(fields)...)
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

// Sync flushes any buffered log entries.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

var globalLogger core.ILogger

func init() {
	logger, _ := NewZapLogger("INFO")
	globalLogger = logger
}

// SetGlobalLogger replaces the process-wide logger built at init.
func SetGlobalLogger(logger core.ILogger) {
	globalLogger = logger
}

// GetGlobalLogger returns the process-wide logger.
func GetGlobalLogger() core.ILogger {
	return globalLogger
}
