package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Logger is the minimal structured-logging interface every core component
// accepts at construction. Components fall back to NoOpLogger when none is
// supplied.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger lets a shared base logger be scoped to a named
// component (e.g. "scheduler", "analysis") so structured logs can be
// filtered per subsystem without separate logger plumbing.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger discards everything. It is the zero-value default for tests
// and for embedding this module as a library without wiring a logger.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})  {}
func (NoOpLogger) Warn(string, map[string]interface{})  {}
func (NoOpLogger) Error(string, map[string]interface{}) {}
func (NoOpLogger) Debug(string, map[string]interface{}) {}

func (NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{}) {}

// LogFormat selects the wire shape ProductionLogger writes.
type LogFormat string

const (
	LogFormatJSON  LogFormat = "json"
	LogFormatHuman LogFormat = "human"
)

// ProductionLogger is the default Logger implementation, writing in the
// format passed to NewProductionLogger. JSON format writes one object per
// line with the fields, an optional component tag, and request/trace
// correlation pulled from the context; human format writes a compact line
// with time, level, component tag, message, and fields, without the context
// correlation.
type ProductionLogger struct {
	component string
	format    LogFormat
	minLevel  int
	out       *os.File
}

var logLevels = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}

// NewProductionLogger builds a logger writing to stderr. minLevel is one of
// "debug", "info", "warn", "error"; an unrecognized value defaults to "info".
func NewProductionLogger(format LogFormat, minLevel string) *ProductionLogger {
	lvl, ok := logLevels[minLevel]
	if !ok {
		lvl = logLevels["info"]
	}
	return &ProductionLogger{format: format, minLevel: lvl, out: os.Stderr}
}

// WithComponent returns a logger scoped to component, sharing this logger's
// format and level.
func (l *ProductionLogger) WithComponent(component string) Logger {
	return &ProductionLogger{component: component, format: l.format, minLevel: l.minLevel, out: l.out}
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.logEvent("info", msg, fields, nil)
}
func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.logEvent("warn", msg, fields, nil)
}
func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.logEvent("error", msg, fields, nil)
}
func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.logEvent("debug", msg, fields, nil)
}

func (l *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.logEvent("info", msg, fields, ctx)
}
func (l *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.logEvent("warn", msg, fields, ctx)
}
func (l *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.logEvent("error", msg, fields, ctx)
}
func (l *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.logEvent("debug", msg, fields, ctx)
}

func (l *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	if logLevels[level] < l.minLevel {
		return
	}
	entry := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		entry[k] = v
	}
	entry["level"] = level
	entry["msg"] = msg
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	if l.component != "" {
		entry["component"] = l.component
	}
	if ctx != nil {
		if rid, ok := ctx.Value(requestIDKey{}).(string); ok && rid != "" {
			entry["request_id"] = rid
		}
		if tid, ok := ctx.Value(traceIDKey{}).(string); ok && tid != "" {
			entry["trace_id"] = tid
		}
	}

	if l.format == LogFormatJSON {
		b, err := json.Marshal(entry)
		if err != nil {
			fmt.Fprintf(l.out, "%s log-marshal-error msg=%q err=%v\n", level, msg, err)
			return
		}
		fmt.Fprintln(l.out, string(b))
		return
	}

	line := fmt.Sprintf("%s [%s]", entry["time"], level)
	if l.component != "" {
		line += fmt.Sprintf(" (%s)", l.component)
	}
	line += " " + msg
	for k, v := range fields {
		line += fmt.Sprintf(" %s=%v", k, v)
	}
	fmt.Fprintln(l.out, line)
}

type requestIDKey struct{}
type traceIDKey struct{}

// WithRequestID attaches a request identifier to ctx for log correlation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// WithTraceID attaches a trace identifier to ctx for log correlation.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

// Telemetry is the optional metrics/tracing sink components emit through.
// telemetry.Recorder implements it against go.opentelemetry.io/otel/metric.
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents one traced unit of work.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// NoOpTelemetry discards all spans and metrics.
type NoOpTelemetry struct{}

func (NoOpTelemetry) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, NoOpSpan{}
}
func (NoOpTelemetry) RecordMetric(string, float64, map[string]string) {}

// NoOpSpan discards all span activity.
type NoOpSpan struct{}

func (NoOpSpan) End()                               {}
func (NoOpSpan) SetAttribute(string, interface{})   {}
func (NoOpSpan) RecordError(error)                  {}
