// Package logging wraps logrus with context-aware helpers.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	TraceIDKey contextKey = "trace_id"
	UserIDKey  contextKey = "user_id"
	RoleKey    contextKey = "role"
)

// Logger is a structured logger bound to a service and optional component.
type Logger struct {
	*logrus.Logger
	service   string
	component string
}

// New creates a logger. format is "json" or "text".
func New(service, level, format string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if strings.EqualFold(format, "text") {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}

	return &Logger{Logger: l, service: service}
}

// NewDiscard returns a logger that writes nowhere. Used by tests and tools.
func NewDiscard() *Logger {
	l := New("discard", "panic", "json")
	l.SetOutput(io.Discard)
	return l
}

// WithComponent returns a logger that tags every entry with component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.Logger, service: l.service, component: component}
}

// WithContext returns an entry carrying service, component and trace fields.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{"service": l.service}
	if l.component != "" {
		fields["component"] = l.component
	}
	if ctx != nil {
		if traceID := GetTraceID(ctx); traceID != "" {
			fields["trace_id"] = traceID
		}
		if userID := GetUserID(ctx); userID != "" {
			fields["user_id"] = userID
		}
	}
	return l.Logger.WithFields(fields)
}

func (l *Logger) entry(ctx context.Context, fields map[string]interface{}) *logrus.Entry {
	e := l.WithContext(ctx)
	if len(fields) > 0 {
		e = e.WithFields(fields)
	}
	return e
}

func (l *Logger) Debug(ctx context.Context, msg string, fields map[string]interface{}) {
	l.entry(ctx, fields).Debug(msg)
}

func (l *Logger) Info(ctx context.Context, msg string, fields map[string]interface{}) {
	l.entry(ctx, fields).Info(msg)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields map[string]interface{}) {
	l.entry(ctx, fields).Warn(msg)
}

// Error logs msg with err attached under the standard "error" key.
func (l *Logger) Error(ctx context.Context, msg string, err error, fields map[string]interface{}) {
	e := l.entry(ctx, fields)
	if err != nil {
		e = e.WithError(err)
	}
	e.Error(msg)
}

// LogRequest records a completed HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	}).Info("HTTP request")
}

// LogSecurityEvent records an authentication or throttling decision.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, fields map[string]interface{}) {
	e := l.WithContext(ctx).WithField("security_event", event)
	if len(fields) > 0 {
		e = e.WithFields(fields)
	}
	e.Warn("Security event")
}

// =============================================================================
// Context helpers
// =============================================================================

func NewTraceID() string {
	return uuid.NewString()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

func GetRole(ctx context.Context) string {
	v, _ := ctx.Value(RoleKey).(string)
	return v
}
