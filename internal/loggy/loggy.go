// Package loggy wraps log/slog with a process-wide default logger and
// cheap child loggers, so components can log key/value pairs without
// carrying handler setup around.
package loggy

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	globalLogger *Logger
	globalLock   sync.RWMutex
)

// Config configures the logger.
type Config struct {
	Level      slog.Level
	Format     string // "json" or "text"
	Output     string // "stdout", "stderr", or a file path
	AddSource  bool
	TimeFormat string // empty uses RFC3339
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Level:      slog.LevelInfo,
		Format:     "text",
		Output:     "stderr",
		TimeFormat: time.RFC3339,
	}
}

// Logger wraps slog.Logger.
type Logger struct {
	slogger *slog.Logger
}

// Init builds a logger from cfg and installs it as the global logger.
func Init(cfg Config) (*Logger, error) {
	var output io.Writer
	switch cfg.Output {
	case "stdout":
		output = os.Stdout
	case "stderr", "":
		output = os.Stderr
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Output), 0755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		output = file
	}

	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}
	if cfg.TimeFormat != "" {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(a.Key, t.Format(cfg.TimeFormat))
				}
			}
			return a
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	logger := &Logger{slogger: slog.New(handler)}
	SetGlobalLogger(logger)
	return logger, nil
}

// GetGlobalLogger returns the global logger, installing a noop logger
// if none was initialized.
func GetGlobalLogger() *Logger {
	globalLock.RLock()
	l := globalLogger
	globalLock.RUnlock()
	if l == nil {
		return NewNoopLogger()
	}
	return l
}

// SetGlobalLogger sets the global logger instance.
func SetGlobalLogger(logger *Logger) {
	globalLock.Lock()
	globalLogger = logger
	globalLock.Unlock()
}

// NewNoopLogger creates and installs a logger that discards all output.
// Used in tests.
func NewNoopLogger() *Logger {
	handler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})
	logger := &Logger{slogger: slog.New(handler)}
	SetGlobalLogger(logger)
	return logger
}

// Package-level logging on the global logger.

// Debug logs at debug level.
func Debug(msg string, args ...any) { GetGlobalLogger().Debug(msg, args...) }

// Info logs at info level.
func Info(msg string, args ...any) { GetGlobalLogger().Info(msg, args...) }

// Warn logs at warn level.
func Warn(msg string, args ...any) { GetGlobalLogger().Warn(msg, args...) }

// Error logs at error level.
func Error(msg string, args ...any) { GetGlobalLogger().Error(msg, args...) }

// With returns a child of the global logger with the given attributes.
func With(args ...any) *Logger { return GetGlobalLogger().With(args...) }

// Logger instance methods.

func (l *Logger) Debug(msg string, args ...any) {
	if l != nil && l.slogger != nil {
		l.slogger.Debug(msg, args...)
	}
}

func (l *Logger) Info(msg string, args ...any) {
	if l != nil && l.slogger != nil {
		l.slogger.Info(msg, args...)
	}
}

func (l *Logger) Warn(msg string, args ...any) {
	if l != nil && l.slogger != nil {
		l.slogger.Warn(msg, args...)
	}
}

func (l *Logger) Error(msg string, args ...any) {
	if l != nil && l.slogger != nil {
		l.slogger.Error(msg, args...)
	}
}

// With returns a new Logger with the given attributes attached.
func (l *Logger) With(args ...any) *Logger {
	if l == nil || l.slogger == nil {
		return l
	}
	return &Logger{slogger: l.slogger.With(args...)}
}

// Handler returns the underlying slog.Handler.
func (l *Logger) Handler() slog.Handler {
	return l.slogger.Handler()
}
