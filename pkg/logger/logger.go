// Package logger provides structured logging for the Glasswing SDK.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

var (
	globalLogger *Logger
	once         sync.Once
)

// Logger wraps slog.Logger with SDK-specific helpers.
type Logger struct {
	*slog.Logger
	component string
}

// Config holds logger configuration.
type Config struct {
	Level     string // "debug", "info", "warn", "error"
	Format    string // "json" or "text"
	Output    string // "stdout", "stderr", or file path
	Component string
}

// New creates a new logger instance.
func New(cfg Config) (*Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var writer io.Writer
	output := cfg.Output
	if output == "" {
		output = "stderr"
	}

	switch output {
	case "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writer = file
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	logger := slog.New(handler).With(
		"service", "glasswing",
		"component", cfg.Component,
	)

	return &Logger{
		Logger:    logger,
		component: cfg.Component,
	}, nil
}

// Initialize sets up the global logger with configuration.
func Initialize(level, format, output string) error {
	var onceErr error
	once.Do(func() {
		if format == "" {
			format = "text"
		}
		if level == "" {
			level = "info"
		}

		var err error
		globalLogger, err = New(Config{
			Level:     level,
			Format:    format,
			Output:    output,
			Component: "sdk",
		})
		if err != nil {
			onceErr = fmt.Errorf("failed to initialize logger: %w", err)
		}
	})

	return onceErr
}

// Global returns the global logger instance.
func Global() *Logger {
	if globalLogger == nil {
		logger, _ := New(Config{
			Level:     "info",
			Format:    "text",
			Output:    "stderr",
			Component: "sdk",
		})
		return logger
	}
	return globalLogger
}

// WithComponent returns a new logger with the component name set.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger:    l.Logger.With("component", component),
		component: component,
	}
}

// WithRoomID returns a new logger scoped to a room.
func (l *Logger) WithRoomID(roomID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With("room_id", roomID),
		component: l.component,
	}
}

// WithSessionID returns a new logger scoped to a group session.
func (l *Logger) WithSessionID(sessionID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With("session_id", sessionID),
		component: l.component,
	}
}
