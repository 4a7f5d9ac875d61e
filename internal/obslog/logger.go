// Package obslog provides the daemon's structured logger: a thin wrap
// around logrus whose WithContext/WithFQN entries carry the component
// field plus the service FQN and trace ID where known, plus the helpers the
// supervisor, rollout controller, and control plane use for
// lifecycle/audit-shaped log lines.
package obslog

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carried alongside a request
// or control-plane operation.
type ContextKey string

const (
	TraceIDKey   ContextKey = "trace_id"
	FQNKey       ContextKey = "service_fqn"
	ComponentKey ContextKey = "component"
)

// Logger wraps logrus.Logger with the daemon's fixed field set.
type Logger struct {
	*logrus.Logger
	component string
}

// New builds a Logger for the given component ("supervisor", "proxy",
// "rollout", "control", ...) at the given level ("debug".."panic") and
// format ("text" or "json").
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, component: component}
}

// NewFromEnv builds a Logger using LOG_LEVEL (falling back to RUST_LOG,
// per spec §6) and LOG_FORMAT, defaulting to info/text.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = strings.TrimSpace(os.Getenv("RUST_LOG"))
	}
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "text"
	}
	return New(component, level, format)
}

// WithContext returns an entry carrying the component field plus any
// trace ID / service FQN found on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if fqn := ctx.Value(FQNKey); fqn != nil {
		entry = entry.WithField("service_fqn", fqn)
	}
	return entry
}

// WithFQN returns an entry scoped to a specific service FQN.
func (l *Logger) WithFQN(fqn string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component":   l.component,
		"service_fqn": fqn,
	})
}

// NewTraceID mints a control-plane operation or proxy request trace ID.
func NewTraceID() string { return uuid.New().String() }

// WithTraceID attaches a trace ID to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithFQN attaches a service FQN to ctx.
func WithFQN(ctx context.Context, fqn string) context.Context {
	return context.WithValue(ctx, FQNKey, fqn)
}

// LogTransition logs a lifecycle FSM state transition.
func (l *Logger) LogTransition(fqn string, from, to string) {
	l.WithFQN(fqn).WithFields(logrus.Fields{
		"from": from,
		"to":   to,
	}).Info("state transition")
}

// LogHealthChange logs a health status change for a service's checks.
func (l *Logger) LogHealthChange(fqn string, healthy bool, message string) {
	l.WithFQN(fqn).WithFields(logrus.Fields{
		"healthy": healthy,
		"message": message,
	}).Warn("health changed")
}

// LogRolloutStep logs a rollout FSM step execution.
func (l *Logger) LogRolloutStep(fqn, strategy, step string, err error) {
	entry := l.WithFQN(fqn).WithFields(logrus.Fields{
		"strategy": strategy,
		"step":     step,
	})
	if err != nil {
		entry.WithError(err).Error("rollout step failed")
		return
	}
	entry.Info("rollout step")
}

// LogControlRequest logs a control-plane command dispatch.
func (l *Logger) LogControlRequest(ctx context.Context, command string, args []string, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"command":     command,
		"args":        args,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("control request failed")
		return
	}
	entry.Info("control request")
}

// FormatDuration renders d in the millisecond form the text formatter favors.
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Nanoseconds())/1e6)
}

var defaultLogger *Logger

// InitDefault initializes the package-wide default logger, used by
// packages that have no natural Logger to thread through (e.g. plugin
// shims invoked off the main dependency path).
func InitDefault(component, level, format string) {
	defaultLogger = New(component, level, format)
}

// Default returns the default logger, lazily constructing one from the
// environment if InitDefault was never called.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = NewFromEnv("hive")
	}
	return defaultLogger
}
