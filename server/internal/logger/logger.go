// Package logger provides structured logging for the server.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and destination.
type Config struct {
	Level  string
	Format string
	File   string
}

// Logger wraps zap.Logger with a sugared key/value API.
type Logger struct {
	zap   *zap.Logger
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
}

// New creates a new Logger from configuration.
func New(cfg Config) (*Logger, error) {
	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))

	var encoder zapcore.Encoder
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var output zapcore.WriteSyncer
	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, err
		}
		output = zapcore.AddSync(file)
	} else {
		output = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, output, level)
	return wrap(zap.New(core), level), nil
}

// Nop returns a Logger that discards everything. Used in tests.
func Nop() *Logger {
	return wrap(zap.NewNop(), zap.NewAtomicLevel())
}

func wrap(z *zap.Logger, level zap.AtomicLevel) *Logger {
	return &Logger{zap: z, sugar: z.Sugar(), level: level}
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// With returns a child logger that adds keysAndValues to every entry.
func (l *Logger) With(keysAndValues ...any) *Logger {
	child := l.sugar.With(keysAndValues...)
	return &Logger{zap: child.Desugar(), sugar: child, level: l.level}
}

// Component is shorthand for With("component", name).
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// SetLevel changes the level of this logger and every logger derived from it.
func (l *Logger) SetLevel(level string) {
	l.level.SetLevel(parseLevel(level))
}

// Zap exposes the underlying zap.Logger.
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, keysAndValues ...any) {
	l.sugar.Infow(msg, keysAndValues...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, keysAndValues ...any) {
	l.sugar.Warnw(msg, keysAndValues...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, keysAndValues...)
}

// Close flushes any buffered log entries.
func (l *Logger) Close() error {
	return l.zap.Sync()
}
