// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for the Ora gateway and CLI.
//
// The logger is built on log/slog and writes to up to two destinations:
//
//   - Console: stderr (or a configured writer), JSON or text
//   - File: optional, always JSON, rotated by size and age
//
// # Basic Usage
//
//	logger := logging.New(logging.Config{Level: logging.LevelInfo, Service: "gateway"})
//	defer logger.Close()
//	logger.Info("listening", "port", 3001)
//
// # Request Scope
//
// Use With() to attach request attributes:
//
//	reqLogger := logger.With("request_id", requestID)
//	reqLogger.Warn("reference search failed", "error", err)
//
// # Security Considerations
//
// This package does NOT redact anything. Never log message text, log
// entries, or credentials; log lengths and presence flags instead:
//
//	// BAD
//	logger.Info("turn", "message", req.Message)
//
//	// GOOD
//	logger.Info("turn", "message_chars", len(req.Message))
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity levels, ordered Debug < Info < Warn < Error.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota

	// LevelInfo is for normal operational messages.
	LevelInfo

	// LevelWarn is for degraded but recoverable situations, such as a
	// failed reference search.
	LevelWarn

	// LevelError is for failed operations.
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// toSlogLevel converts Level to slog.Level.
func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a LOG_LEVEL value to a Level.
//
// Accepts "debug", "info", "warn"/"warning" and "error", case-insensitively.
// Anything else, including "", is LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Rotation defaults for file logging.
const (
	defaultMaxSizeMB  = 20
	defaultMaxBackups = 5
	defaultMaxAgeDays = 14
)

// Config configures the Logger.
//
// A zero-value Config writes Info+ text logs to stderr.
//
// Production:
//
//	Config{
//	    Level:   LevelInfo,
//	    Service: "gateway",
//	    JSON:    true,
//	    LogFile: "/var/log/ora/gateway.log",
//	}
type Config struct {
	// Level sets the minimum log level. Default: LevelInfo.
	Level Level

	// Service is added to every entry as the "service" attribute.
	Service string

	// JSON selects JSON console output. File output is always JSON.
	JSON bool

	// Quiet disables console output.
	Quiet bool

	// Output overrides the console destination. Default: os.Stderr.
	Output io.Writer

	// LogFile enables rotated file logging at this path. Supports ~.
	// The directory is created with 0750 permissions.
	LogFile string

	// MaxSizeMB, MaxBackups and MaxAgeDays tune rotation. Zero values use
	// 20 MB, 5 backups and 14 days.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// =============================================================================
// Logger
// =============================================================================

// Logger provides structured logging with console and rotated-file output.
//
// # Thread Safety
//
// Safe for concurrent use. Close is guarded by a mutex.
//
// # Resource Management
//
// Call Close when file logging is enabled so the file is released:
//
//	logger := logging.New(config)
//	defer logger.Close()
type Logger struct {
	slog   *slog.Logger
	config Config

	// file is the rotating writer, nil when file logging is disabled.
	file *lumberjack.Logger

	mu *sync.Mutex
}

// New creates a Logger.
//
// # Description
//
// Builds a console handler (unless Quiet) and, when LogFile is set, a JSON
// handler over a lumberjack rotating writer. Two handlers are combined
// with a fan-out handler. If the log directory cannot be created, file
// logging is skipped and a warning is written to the console.
//
// # Inputs
//
//   - config: Logger configuration.
//
// # Outputs
//
//   - *Logger: Ready for use.
func New(config Config) *Logger {
	var handlers []slog.Handler
	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}

	out := config.Output
	if out == nil {
		out = os.Stderr
	}
	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	logger := &Logger{config: config, mu: &sync.Mutex{}}

	var fileErr error
	if path := strings.TrimSpace(config.LogFile); path != "" {
		path = expandPath(path)
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			fileErr = err
		} else {
			logger.file = &lumberjack.Logger{
				Filename:   path,
				MaxSize:    orDefault(config.MaxSizeMB, defaultMaxSizeMB),
				MaxBackups: orDefault(config.MaxBackups, defaultMaxBackups),
				MaxAge:     orDefault(config.MaxAgeDays, defaultMaxAgeDays),
				Compress:   true,
			}
			handlers = append(handlers, slog.NewJSONHandler(logger.file, opts))
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}

	logger.slog = slog.New(handler)
	if fileErr != nil {
		logger.slog.Warn("file logging disabled", "path", config.LogFile, "error", fileErr)
	}
	return logger
}

// Debug logs at Debug level.
func (l *Logger) Debug(msg string, args ...any) {
	l.slog.Debug(msg, args...)
}

// Info logs at Info level.
func (l *Logger) Info(msg string, args ...any) {
	l.slog.Info(msg, args...)
}

// Warn logs at Warn level.
func (l *Logger) Warn(msg string, args ...any) {
	l.slog.Warn(msg, args...)
}

// Error logs at Error level.
func (l *Logger) Error(msg string, args ...any) {
	l.slog.Error(msg, args...)
}

// With returns a child logger carrying additional attributes. The child
// shares the parent's file.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:   l.slog.With(args...),
		config: l.config,
		file:   l.file,
		mu:     l.mu,
	}
}

// Slog returns the underlying slog.Logger, for packages that accept one.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close releases the log file. Safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}

// =============================================================================
// Multi-Handler (Internal)
// =============================================================================

// multiHandler fans out log records to multiple slog handlers.
type multiHandler struct {
	handlers []slog.Handler
}

// Enabled returns true if any handler is enabled for the level.
func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle sends the record to all enabled handlers.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

// WithAttrs returns a new handler with additional attributes.
func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

// WithGroup returns a new handler with a group name.
func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// =============================================================================
// Helper Functions
// =============================================================================

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
