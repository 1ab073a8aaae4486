package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Logger wraps slog for structured logging.
type Logger struct {
	logger *slog.Logger
}

// LogConfig configures the logger.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output io.Writer
}

// NewLogger creates a new structured logger.
func NewLogger(config LogConfig) *Logger {
	level := slog.LevelInfo
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: level,
	}

	if config.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		logger: slog.New(handler),
	}
}

var (
	defaultLogger     *Logger
	defaultLoggerOnce sync.Once
	defaultLoggerMu   sync.RWMutex
)

// Default returns the process-wide logger, creating a text/info logger on
// first use when none has been installed.
func Default() *Logger {
	defaultLoggerMu.RLock()
	l := defaultLogger
	defaultLoggerMu.RUnlock()
	if l != nil {
		return l
	}
	defaultLoggerOnce.Do(func() {
		defaultLoggerMu.Lock()
		if defaultLogger == nil {
			defaultLogger = NewLogger(LogConfig{Output: os.Stderr})
		}
		defaultLoggerMu.Unlock()
	})
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLogger
}

// SetDefault installs the process-wide logger used by component loggers.
func SetDefault(l *Logger) {
	if l == nil {
		return
	}
	defaultLoggerMu.Lock()
	defaultLogger = l
	defaultLoggerMu.Unlock()
}

// WithContext adds correlation fields carried in ctx to the logger.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var args []any

	if executionID := ExecutionIDFromContext(ctx); executionID != "" {
		args = append(args, "execution_id", executionID)
	}

	if automationID := AutomationIDFromContext(ctx); automationID != "" {
		args = append(args, "automation_id", automationID)
	}

	if eventID := EventIDFromContext(ctx); eventID != "" {
		args = append(args, "event_id", eventID)
	}

	if len(args) == 0 {
		return l
	}

	return &Logger{
		logger: l.logger.With(args...),
	}
}

// With adds additional fields to the logger.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		logger: l.logger.With(args...),
	}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

// Info logs at info level.
func (l *Logger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

// Error logs at error level.
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

// DebugContext logs at debug level with context correlation fields.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Debug(msg, args...)
}

// InfoContext logs at info level with context correlation fields.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Info(msg, args...)
}

// WarnContext logs at warn level with context correlation fields.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Warn(msg, args...)
}

// ErrorContext logs at error level with context correlation fields.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Error(msg, args...)
}

// SanitizeToken masks credential material before it reaches a log line.
func SanitizeToken(token string) string {
	if len(token) <= 12 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// Context key types
type contextKey string

const (
	executionIDKey  contextKey = "execution_id"
	automationIDKey contextKey = "automation_id"
	eventIDKey      contextKey = "event_id"
)

// ContextWithExecutionID adds an execution id to context.
func ContextWithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey, executionID)
}

// ExecutionIDFromContext extracts the execution id from context.
func ExecutionIDFromContext(ctx context.Context) string {
	if executionID, ok := ctx.Value(executionIDKey).(string); ok {
		return executionID
	}
	return ""
}

// ContextWithAutomationID adds an automation id to context.
func ContextWithAutomationID(ctx context.Context, automationID string) context.Context {
	return context.WithValue(ctx, automationIDKey, automationID)
}

// AutomationIDFromContext extracts the automation id from context.
func AutomationIDFromContext(ctx context.Context) string {
	if automationID, ok := ctx.Value(automationIDKey).(string); ok {
		return automationID
	}
	return ""
}

// ContextWithEventID adds an external event id to context.
func ContextWithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, eventIDKey, eventID)
}

// EventIDFromContext extracts the external event id from context.
func EventIDFromContext(ctx context.Context) string {
	if eventID, ok := ctx.Value(eventIDKey).(string); ok {
		return eventID
	}
	return ""
}
