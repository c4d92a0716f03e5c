// Package logging provides the structured logger used throughout the
// scheduler, registry, transport and power plant. It keeps the small
// level/format/component surface the rest of this module is written
// against, backed by go.uber.org/zap instead of a hand-rolled writer.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents different logging levels.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case InfoLevel:
		return zapcore.InfoLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLogLevel parses a string into a LogLevel.
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// LogFormat represents different log output formats.
type LogFormat int

const (
	TextFormat LogFormat = iota
	JSONFormat
)

// Config holds logger configuration.
type Config struct {
	Level      LogLevel
	Format     LogFormat
	Output     io.Writer
	ShowCaller bool
	Component  string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      InfoLevel,
		Format:     TextFormat,
		Output:     os.Stdout,
		ShowCaller: false,
		Component:  "",
	}
}

// Logger is a thin, component-scoped wrapper around a zap.SugaredLogger.
type Logger struct {
	sugar     *zap.SugaredLogger
	level     *zap.AtomicLevel
	component string
}

// NewLogger creates a new logger with the given configuration.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Output == nil {
		config.Output = os.Stdout
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if config.Format == JSONFormat {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	level := zap.NewAtomicLevelAt(config.Level.zapLevel())
	core := zapcore.NewCore(encoder, zapcore.AddSync(config.Output), level)

	opts := []zap.Option{zap.AddCallerSkip(1)}
	if config.ShowCaller {
		opts = append(opts, zap.AddCaller())
	}

	zl := zap.New(core, opts...)
	sugar := zl.Sugar()
	if config.Component != "" {
		sugar = sugar.With("component", config.Component)
	}

	return &Logger{sugar: sugar, level: &level, component: config.Component}
}

// WithComponent returns a new logger with the specified component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		sugar:     l.sugar.Desugar().Sugar().With("component", component),
		level:     l.level,
		component: component,
	}
}

// SetLevel sets the logging level for this logger and every logger
// derived from it via WithComponent/WithField(s) (they share the same
// atomic level).
func (l *Logger) SetLevel(level LogLevel) {
	l.level.SetLevel(level.zapLevel())
}

// IsEnabled checks if a log level is enabled.
func (l *Logger) IsEnabled(level LogLevel) bool {
	return l.level.Enabled(level.zapLevel())
}

func toArgs(fields map[string]interface{}) []interface{} {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	var f map[string]interface{}
	if len(fields) > 0 {
		f = fields[0]
	}
	l.sugar.Debugw(message, toArgs(f)...)
}

func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	var f map[string]interface{}
	if len(fields) > 0 {
		f = fields[0]
	}
	l.sugar.Infow(message, toArgs(f)...)
}

func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	var f map[string]interface{}
	if len(fields) > 0 {
		f = fields[0]
	}
	l.sugar.Warnw(message, toArgs(f)...)
}

func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	var f map[string]interface{}
	if len(fields) > 0 {
		f = fields[0]
	}
	l.sugar.Errorw(message, toArgs(f)...)
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// WithField returns a new logger with the specified field attached to
// every subsequent entry.
func (l *Logger) WithField(key string, value interface{}) *FieldLogger {
	return &FieldLogger{sugar: l.sugar.With(key, value)}
}

// WithFields returns a new logger with the specified fields attached.
func (l *Logger) WithFields(fields map[string]interface{}) *FieldLogger {
	return &FieldLogger{sugar: l.sugar.With(toArgs(fields)...)}
}

// FieldLogger is a Logger pinned to a fixed set of structured fields.
type FieldLogger struct {
	sugar *zap.SugaredLogger
}

func (fl *FieldLogger) Debug(message string) { fl.sugar.Debug(message) }
func (fl *FieldLogger) Info(message string)  { fl.sugar.Info(message) }
func (fl *FieldLogger) Warn(message string)  { fl.sugar.Warn(message) }
func (fl *FieldLogger) Error(message string) { fl.sugar.Error(message) }

func (fl *FieldLogger) Debugf(format string, args ...interface{}) { fl.sugar.Debugf(format, args...) }
func (fl *FieldLogger) Infof(format string, args ...interface{})  { fl.sugar.Infof(format, args...) }
func (fl *FieldLogger) Warnf(format string, args ...interface{})  { fl.sugar.Warnf(format, args...) }
func (fl *FieldLogger) Errorf(format string, args ...interface{}) { fl.sugar.Errorf(format, args...) }

func (fl *FieldLogger) WithField(key string, value interface{}) *FieldLogger {
	return &FieldLogger{sugar: fl.sugar.With(key, value)}
}

// Global logger instance, mirroring the package-level convenience
// functions reactors expect before a PowerPlant has installed its own
// component logger.
var (
	defaultLogger   *Logger
	defaultLoggerMu sync.RWMutex
)

func InitGlobalLogger(config *Config) {
	defaultLoggerMu.Lock()
	defer defaultLoggerMu.Unlock()
	defaultLogger = NewLogger(config)
}

func GetGlobalLogger() *Logger {
	defaultLoggerMu.RLock()
	l := defaultLogger
	defaultLoggerMu.RUnlock()
	if l != nil {
		return l
	}
	defaultLoggerMu.Lock()
	defer defaultLoggerMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(DefaultConfig())
	}
	return defaultLogger
}

func Debug(message string, fields ...map[string]interface{}) { GetGlobalLogger().Debug(message, fields...) }
func Info(message string, fields ...map[string]interface{})  { GetGlobalLogger().Info(message, fields...) }
func Warn(message string, fields ...map[string]interface{})  { GetGlobalLogger().Warn(message, fields...) }
func Error(message string, fields ...map[string]interface{}) { GetGlobalLogger().Error(message, fields...) }

func Debugf(format string, args ...interface{}) { GetGlobalLogger().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { GetGlobalLogger().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { GetGlobalLogger().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { GetGlobalLogger().Errorf(format, args...) }

// CreateFileOutput creates a file writer for logging.
func CreateFileOutput(filename string) (io.Writer, error) {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}

// CreateCombinedOutput creates a writer that writes to both console and file.
func CreateCombinedOutput(filename string) (io.Writer, error) {
	fileWriter, err := CreateFileOutput(filename)
	if err != nil {
		return nil, err
	}
	return io.MultiWriter(os.Stdout, fileWriter), nil
}
