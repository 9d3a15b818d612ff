// logging.go: Pluggable logging for the plugin manager and watcher
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dynplugins

import (
	"log/slog"
	"strings"
	"sync"
)

// Logger is the logging interface used throughout the package.
//
// Any logging framework can be plugged in by implementing these five methods.
// Arguments are alternating key-value pairs, as with log/slog.
//
// Example usage:
//
//	manager := NewManager(WithLogger(NewSlogLogger(slog.Default())))
type Logger interface {
	// Debug logs a debug message with optional key-value pairs
	Debug(msg string, args ...any)

	// Info logs an info message with optional key-value pairs
	Info(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs
	Warn(msg string, args ...any)

	// Error logs an error message with optional key-value pairs
	Error(msg string, args ...any)

	// With returns a new logger with persistent context key-value pairs
	With(args ...any) Logger
}

// NewLogger creates a Logger from supported logger types.
//
// Supported types:
//   - Logger interface: Used directly
//   - *slog.Logger: Wrapped with NewSlogLogger
//   - nil: Returns NoOpLogger for silent operation
//   - Unsupported types: Panic with descriptive message
func NewLogger(logger any) Logger {
	switch l := logger.(type) {
	case Logger:
		return l
	case *slog.Logger:
		return NewSlogLogger(l)
	case nil:
		return NewNoOpLogger()
	default:
		panic("unsupported logger type: expected Logger, *slog.Logger or nil")
	}
}

// SlogLogger adapts a *slog.Logger to the Logger interface.
type SlogLogger struct {
	l *slog.Logger
}

// NewSlogLogger wraps l. A nil l falls back to slog.Default().
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{l: l}
}

func (s *SlogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s *SlogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s *SlogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *SlogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }

// With implements Logger
func (s *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{l: s.l.With(args...)}
}

// NoOpLogger discards all log messages.
type NoOpLogger struct{}

// NewNoOpLogger creates a new no-operation logger.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) Debug(msg string, args ...any) {}
func (n *NoOpLogger) Info(msg string, args ...any)  {}
func (n *NoOpLogger) Warn(msg string, args ...any)  {}
func (n *NoOpLogger) Error(msg string, args ...any) {}

// With implements Logger interface (no-op)
func (n *NoOpLogger) With(args ...any) Logger {
	return n
}

// TestLogger captures log messages so tests can assert on them.
// Loggers derived through With share the capture buffer with their parent.
type TestLogger struct {
	mu       *sync.RWMutex
	messages *[]TestLogMessage
	fields   []any
}

// TestLogMessage represents a captured log message for testing.
type TestLogMessage struct {
	Level   string
	Message string
	Args    []any
}

// NewTestLogger creates a new test logger.
func NewTestLogger() *TestLogger {
	messages := make([]TestLogMessage, 0)
	return &TestLogger{
		mu:       &sync.RWMutex{},
		messages: &messages,
	}
}

func (t *TestLogger) record(level, msg string, args []any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := make([]any, 0, len(t.fields)+len(args))
	all = append(all, t.fields...)
	all = append(all, args...)
	*t.messages = append(*t.messages, TestLogMessage{
		Level:   level,
		Message: msg,
		Args:    all,
	})
}

func (t *TestLogger) Debug(msg string, args ...any) { t.record("DEBUG", msg, args) }
func (t *TestLogger) Info(msg string, args ...any)  { t.record("INFO", msg, args) }
func (t *TestLogger) Warn(msg string, args ...any)  { t.record("WARN", msg, args) }
func (t *TestLogger) Error(msg string, args ...any) { t.record("ERROR", msg, args) }

// With implements Logger interface (returns new logger with fields)
func (t *TestLogger) With(args ...any) Logger {
	fields := make([]any, 0, len(t.fields)+len(args))
	fields = append(fields, t.fields...)
	fields = append(fields, args...)
	return &TestLogger{mu: t.mu, messages: t.messages, fields: fields}
}

// Messages returns a copy of the captured messages.
func (t *TestLogger) Messages() []TestLogMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TestLogMessage, len(*t.messages))
	copy(out, *t.messages)
	return out
}

// HasMessage reports whether a message at level containing text was captured.
func (t *TestLogger) HasMessage(level, text string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, msg := range *t.messages {
		if msg.Level == level && strings.Contains(msg.Message, text) {
			return true
		}
	}
	return false
}

// Clear removes all captured messages.
func (t *TestLogger) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	*t.messages = (*t.messages)[:0]
}
