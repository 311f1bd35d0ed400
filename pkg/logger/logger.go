package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/killallgit/kortix/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger provides a unified structured logging interface. Methods take a
// message followed by alternating key/value pairs.
type Logger struct {
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
	file  *os.File
}

var defaultLogger *Logger

// Init initializes the default logger with configuration from global config
func Init() error {
	if defaultLogger != nil {
		return nil
	}

	settings := config.Get()
	l, err := New(settings.Logging.Level, settings.Logging.Format, settings.Logging.LogFile, settings.Logging.Preserve)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	defaultLogger = l
	return nil
}

// New creates a Logger. An empty logFile writes to stderr; a relative one is
// resolved against the settings directory. When preserve is false an existing
// log file is truncated.
func New(level, format, logFile string, preserve bool) (*Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	if logFile == "" {
		return newWithWriter(lvl, format, os.Stderr, nil), nil
	}

	logPath := logFile
	if !filepath.IsAbs(logPath) {
		logPath = config.BuildSettingsPath(filepath.Base(logPath))
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if preserve {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(logPath, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return newWithWriter(lvl, format, file, file), nil
}

// NewWithWriter creates a Logger writing to w, mostly useful in tests.
func NewWithWriter(level, format string, w io.Writer) (*Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	return newWithWriter(lvl, format, w, nil), nil
}

// Nop returns a Logger that discards everything
func Nop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar(), level: zap.NewAtomicLevel()}
}

func newWithWriter(lvl zapcore.Level, format string, w io.Writer, file *os.File) *Logger {
	atom := zap.NewAtomicLevelAt(lvl)

	var encoder zapcore.Encoder
	if strings.ToLower(format) == "json" {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(w), atom)
	return &Logger{
		sugar: zap.New(core).Sugar(),
		level: atom,
		file:  file,
	}
}

// parseLevel converts a string level to a zap level, defaulting to info
func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	}

	var lvl zapcore.Level
	if err := lvl.Set(strings.ToLower(level)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

// WithComponent returns a child logger tagged with a component name
func (l *Logger) WithComponent(component string) *Logger {
	return l.With("component", component)
}

// With returns a child logger carrying the given key/value pairs
func (l *Logger) With(keysAndValues ...any) *Logger {
	return &Logger{sugar: l.sugar.With(keysAndValues...), level: l.level, file: l.file}
}

// Enabled reports whether messages at level would be written
func (l *Logger) Enabled(level string) bool {
	lvl, err := parseLevel(level)
	if err != nil {
		return false
	}
	return l.level.Enabled(lvl)
}

func (l *Logger) Debug(msg string, keysAndValues ...any) { l.sugar.Debugw(msg, keysAndValues...) }
func (l *Logger) Info(msg string, keysAndValues ...any)  { l.sugar.Infow(msg, keysAndValues...) }
func (l *Logger) Warn(msg string, keysAndValues ...any)  { l.sugar.Warnw(msg, keysAndValues...) }
func (l *Logger) Error(msg string, keysAndValues ...any) { l.sugar.Errorw(msg, keysAndValues...) }

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string, keysAndValues ...any) { l.sugar.Fatalw(msg, keysAndValues...) }

// Close flushes buffered entries and closes the log file
func (l *Logger) Close() error {
	_ = l.sugar.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Package-level convenience functions using the default logger. They are
// no-ops until Init or SetDefault has been called.

// Default returns the default logger, or a no-op logger before Init
func Default() *Logger {
	if defaultLogger == nil {
		return Nop()
	}
	return defaultLogger
}

// SetDefault replaces the default logger
func SetDefault(l *Logger) {
	defaultLogger = l
}

// WithComponent returns a component logger derived from the default logger
func WithComponent(component string) *Logger {
	return Default().WithComponent(component)
}

func Debug(msg string, keysAndValues ...any) { Default().Debug(msg, keysAndValues...) }
func Info(msg string, keysAndValues ...any)  { Default().Info(msg, keysAndValues...) }
func Warn(msg string, keysAndValues ...any)  { Default().Warn(msg, keysAndValues...) }
func Error(msg string, keysAndValues ...any) { Default().Error(msg, keysAndValues...) }

// Fatal logs a fatal message and exits using the default logger
func Fatal(msg string, keysAndValues ...any) {
	if defaultLogger == nil {
		fmt.Fprintf(os.Stderr, "[FATAL] %s %v\n", msg, keysAndValues)
		os.Exit(1)
	}
	defaultLogger.Fatal(msg, keysAndValues...)
}

// Close closes the default logger
func Close() error {
	if defaultLogger == nil {
		return nil
	}
	err := defaultLogger.Close()
	defaultLogger = nil
	return err
}
