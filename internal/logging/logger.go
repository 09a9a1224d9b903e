// Package logging provides structured logging for the crypto machine,
// built on log/slog the way the rest of this codebase's ancestry does.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
)

// Logger wraps slog.Logger with a fixed component tag.
type Logger struct {
	*slog.Logger
	component string
}

// Config controls how a Logger writes.
type Config struct {
	Level     slog.Level
	Format    string // "json" or "text"
	Output    io.Writer
	Component string
}

var (
	defaultLogger *Logger
	defaultOnce   sync.Once
)

// New builds a Logger from Config.
func New(cfg Config) *Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{Level: cfg.Level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, handlerOpts)
	} else {
		handler = slog.NewTextHandler(output, handlerOpts)
	}

	base := slog.New(handler).With(
		slog.String("service", "e2eemachine"),
		slog.String("component", cfg.Component),
	)

	return &Logger{Logger: base, component: cfg.Component}
}

// Initialize sets up the global default logger. Safe to call more than
// once; only the first call takes effect.
func Initialize(level slog.Level, format, output string) {
	defaultOnce.Do(func() {
		var w io.Writer
		switch output {
		case "stderr":
			w = os.Stderr
		case "":
			w = os.Stdout
		default:
			f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
			if err != nil {
				w = os.Stdout
			} else {
				w = f
			}
		}
		defaultLogger = New(Config{Level: level, Format: format, Output: w, Component: "machine"})
	})
}

// Global returns the default logger, initializing a safe fallback if
// Initialize was never called.
func Global() *Logger {
	if defaultLogger == nil {
		Initialize(slog.LevelInfo, "text", "")
	}
	return defaultLogger
}

// WithComponent returns a child logger tagged with a new component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("component", component)), component: component}
}

// WithFlowID tags log lines with a verification or gossip flow ID.
func (l *Logger) WithFlowID(flowID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("flow_id", flowID)), component: l.component}
}

// WithDeviceID tags log lines with a device ID.
func (l *Logger) WithDeviceID(deviceID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("device_id", deviceID)), component: l.component}
}

// WithRoomID tags log lines with a room ID.
func (l *Logger) WithRoomID(roomID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("room_id", roomID)), component: l.component}
}

func runtimeCaller(skip int) (file string, line int) {
	_, file, line, _ = runtime.Caller(skip)
	return file, line
}

// SecurityEvent records a trust-relevant event: new cross-signature
// accepted, device verified, session wedge detected, key export
// performed. Never pass raw key material as an attr.
func (l *Logger) SecurityEvent(ctx context.Context, eventType string, attrs ...any) {
	file, line := runtimeCaller(2)
	all := append([]any{slog.String("category", "security"), slog.String("caller", file), slog.Int("line", line)}, attrs...)
	l.Logger.InfoContext(ctx, eventType, all...)
}

// AuditEvent records an action taken against trust or key state.
func (l *Logger) AuditEvent(ctx context.Context, action string, attrs ...any) {
	all := append([]any{slog.String("category", "audit")}, attrs...)
	l.Logger.InfoContext(ctx, action, all...)
}

// ErrorEvent logs an error with its message.
func (l *Logger) ErrorEvent(ctx context.Context, message string, err error, attrs ...any) {
	all := append([]any{slog.Any("error", err)}, attrs...)
	l.Logger.ErrorContext(ctx, message, all...)
}

// Package-level convenience functions delegating to the global logger.

func Info(msg string, args ...any)  { Global().Info(msg, args...) }
func Warn(msg string, args ...any)  { Global().Warn(msg, args...) }
func Error(msg string, args ...any) { Global().Error(msg, args...) }
func Debug(msg string, args ...any) { Global().Debug(msg, args...) }
