package monitoring

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/hengadev/medabe/internal/types"
)

// ServiceVersion is stamped on every log line; the root package sets it at init.
var ServiceVersion = "dev"

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
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

// ParseLogLevel maps "debug", "info", "warn" and "error" to a level, defaulting to info.
func ParseLogLevel(s string) LogLevel {
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

func (l LogLevel) slogLevel() slog.Level {
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

// LogFormat represents the output format for logs
type LogFormat int

const (
	FormatJSON LogFormat = iota
	FormatText
	FormatConsole
)

// ParseLogFormat maps "json", "text" and "console" to a format, defaulting to JSON.
func ParseLogFormat(s string) LogFormat {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text":
		return FormatText
	case "console":
		return FormatConsole
	default:
		return FormatJSON
	}
}

// StructuredLogger wraps slog with component fields and domain helpers.
// Plaintext, keys and ciphertext must never be passed to it.
type StructuredLogger struct {
	logger    *slog.Logger
	level     LogLevel
	fields    map[string]any
	component string
}

// LoggerConfig configures the structured logger
type LoggerConfig struct {
	Level     LogLevel
	Format    LogFormat
	Output    io.Writer
	Component string
	Fields    map[string]any
}

// NewStructuredLogger creates a new structured logger with the given configuration
func NewStructuredLogger(config LoggerConfig) *StructuredLogger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	fields := make(map[string]any, len(config.Fields)+3)
	for k, v := range config.Fields {
		fields[k] = v
	}

	opts := &slog.HandlerOptions{
		Level:     config.Level.slogLevel(),
		AddSource: config.Level == LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339Nano))
			}
			return a
		},
	}

	var handler slog.Handler
	switch config.Format {
	case FormatText:
		handler = slog.NewTextHandler(config.Output, opts)
	case FormatConsole:
		handler = NewConsoleHandler(config.Output, opts)
	default:
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	if config.Component != "" {
		fields["component"] = config.Component
	}
	fields["service"] = "medabe"
	fields["version"] = ServiceVersion

	return &StructuredLogger{
		logger:    slog.New(handler),
		level:     config.Level,
		fields:    fields,
		component: config.Component,
	}
}

// NewNopLogger discards everything; used where no logger is configured.
func NewNopLogger() *StructuredLogger {
	return NewStructuredLogger(LoggerConfig{Level: LevelError, Output: io.Discard})
}

// Component returns a child logger tagged with another component name.
func (l *StructuredLogger) Component(name string) *StructuredLogger {
	child := l.WithFields(map[string]any{"component": name})
	child.component = name
	return child
}

// WithFields returns a new logger with additional fields
func (l *StructuredLogger) WithFields(fields map[string]any) *StructuredLogger {
	newFields := make(map[string]any, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}
	return &StructuredLogger{
		logger:    l.logger,
		level:     l.level,
		fields:    newFields,
		component: l.component,
	}
}

// WithError attaches an error and its type.
func (l *StructuredLogger) WithError(err error) *StructuredLogger {
	if err == nil {
		return l
	}
	return l.WithFields(map[string]any{"error": err.Error(), "error_type": fmt.Sprintf("%T", err)})
}

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	jobIDKey     contextKey = "job_id"
)

// ContextWithRequestID tags ctx so WithContext logs the request id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// ContextWithJobID tags ctx with a detached job id.
func ContextWithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey, id)
}

// WithContext returns a new logger with context information
func (l *StructuredLogger) WithContext(ctx context.Context) *StructuredLogger {
	if ctx == nil {
		return l
	}
	fields := make(map[string]any)
	for _, key := range []contextKey{requestIDKey, jobIDKey} {
		if v := ctx.Value(key); v != nil {
			fields[string(key)] = v
		}
	}
	if len(fields) == 0 {
		return l
	}
	return l.WithFields(fields)
}

// Debug logs a debug level message
func (l *StructuredLogger) Debug(msg string, args ...any) {
	if l.level > LevelDebug {
		return
	}
	l.log(context.Background(), LevelDebug, msg, args...)
}

// Info logs an info level message
func (l *StructuredLogger) Info(msg string, args ...any) {
	if l.level > LevelInfo {
		return
	}
	l.log(context.Background(), LevelInfo, msg, args...)
}

// Warn logs a warning level message
func (l *StructuredLogger) Warn(msg string, args ...any) {
	if l.level > LevelWarn {
		return
	}
	l.log(context.Background(), LevelWarn, msg, args...)
}

// Error logs an error level message
func (l *StructuredLogger) Error(msg string, args ...any) {
	l.log(context.Background(), LevelError, msg, args...)
}

func (l *StructuredLogger) log(ctx context.Context, level LogLevel, msg string, args ...any) {
	logger := l.logger
	for k, v := range l.fields {
		logger = logger.With(k, v)
	}
	if level >= LevelError {
		if _, file, line, ok := runtime.Caller(2); ok {
			logger = logger.With("caller", fmt.Sprintf("%s:%d", filepath.Base(file), line))
		}
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	logger.Log(ctx, level.slogLevel(), msg)
}

// LogAccessDecision logs an access evaluation: Info when granted, Warn when denied.
func (l *StructuredLogger) LogAccessDecision(ctx context.Context, actx *types.AccessContext, result *types.AccessControlResult) {
	logger := l.WithContext(ctx).WithFields(map[string]any{
		"requester_id":   actx.RequesterID,
		"requester_role": string(actx.RequesterRole),
		"patient_id":     actx.PatientID,
		"organization":   actx.OrganizationID,
		"granted":        result.Granted,
		"tier":           result.Tier,
		"access_level":   string(result.AccessLevel),
		"categories":     len(result.AccessibleCategories),
	})
	if result.Granted {
		logger.Info("Access granted")
		return
	}
	logger.WithFields(map[string]any{"reason": result.DenialReason}).Warn("Access denied")
}

// LogIntegrityFailure logs a tampered container.
func (l *StructuredLogger) LogIntegrityFailure(ctx context.Context, dataID string, err error) {
	l.WithContext(ctx).WithError(err).WithFields(map[string]any{"data_id": dataID}).Error("Container integrity verification failed")
}

// LogJobTransition logs a detached job moving between states.
func (l *StructuredLogger) LogJobTransition(ctx context.Context, kind, jobID string, status types.JobStatus, fields map[string]any) {
	logger := l.WithContext(ctx).WithFields(map[string]any{"job_kind": kind, "job_id": jobID, "status": string(status)})
	if len(fields) > 0 {
		logger = logger.WithFields(fields)
	}
	if status == types.JobFailed {
		logger.Warn("Job transitioned")
		return
	}
	logger.Info("Job transitioned")
}

// LogOperation logs a timed engine operation.
func (l *StructuredLogger) LogOperation(ctx context.Context, operation string, duration time.Duration, err error) {
	logger := l.WithContext(ctx).WithFields(map[string]any{
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		logger.WithError(err).Error("Operation failed")
		return
	}
	logger.Debug("Operation completed")
}

// ConsoleHandler provides colorized console output
type ConsoleHandler struct {
	handler slog.Handler
	output  io.Writer
	attrs   []slog.Attr
}

// NewConsoleHandler creates a new console handler
func NewConsoleHandler(output io.Writer, opts *slog.HandlerOptions) *ConsoleHandler {
	return &ConsoleHandler{
		handler: slog.NewTextHandler(output, opts),
		output:  output,
	}
}

func (h *ConsoleHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *ConsoleHandler) Handle(ctx context.Context, record slog.Record) error {
	var levelStr string
	switch record.Level {
	case slog.LevelDebug:
		levelStr = "\033[36mDEBUG\033[0m"
	case slog.LevelInfo:
		levelStr = "\033[32mINFO\033[0m"
	case slog.LevelWarn:
		levelStr = "\033[33mWARN\033[0m"
	case slog.LevelError:
		levelStr = "\033[31mERROR\033[0m"
	default:
		levelStr = record.Level.String()
	}

	fmt.Fprintf(h.output, "%s [%s] %s", record.Time.Format("15:04:05.000"), levelStr, record.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(h.output, " %s=%s", a.Key, a.Value)
	}
	record.Attrs(func(a slog.Attr) bool {
		if a.Key != slog.TimeKey && a.Key != slog.LevelKey {
			fmt.Fprintf(h.output, " %s=%s", a.Key, a.Value)
		}
		return true
	})
	fmt.Fprintln(h.output)
	return nil
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ConsoleHandler{
		handler: h.handler.WithAttrs(attrs),
		output:  h.output,
		attrs:   append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	return &ConsoleHandler{
		handler: h.handler.WithGroup(name),
		output:  h.output,
		attrs:   h.attrs,
	}
}
