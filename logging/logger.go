// Package logging provides the platform's structured logger: JSON output in
// Kubernetes, human-readable text locally, component tagging, and rate
// limiting on error logs to avoid flooding during cascading failures.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger is the platform's minimal logging interface. Every component
// (catalog, registry, compiler, planner, dispatcher, VM, audit) is
// constructed with one of these rather than reaching for a global.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorContext(ctx context.Context, msg string, fields map[string]interface{})

	// WithComponent returns a Logger tagged with a component identifier,
	// e.g. "planner", "svm", "dispatch/central".
	WithComponent(component string) Logger
}

// ProductionLogger is the default Logger implementation.
type ProductionLogger struct {
	level     string
	debug     bool
	component string
	format    string
	output    io.Writer
	mu        sync.RWMutex

	errorLimiter *rateLimiter
}

// New creates a logger for the given component, reading SCP_LOG_LEVEL,
// SCP_LOG_FORMAT and SCP_DEBUG from the environment the way the teacher's
// telemetry logger reads GOMIND_LOG_LEVEL/GOMIND_DEBUG.
func New(component string) *ProductionLogger {
	level := os.Getenv("SCP_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}
	debug := os.Getenv("SCP_DEBUG") == "true" || strings.ToUpper(level) == "DEBUG"

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if envFormat := os.Getenv("SCP_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	return &ProductionLogger{
		level:        strings.ToUpper(level),
		debug:        debug,
		component:    component,
		format:       format,
		output:       os.Stdout,
		errorLimiter: newRateLimiter(1 * time.Second),
	}
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{})  { l.log("INFO", msg, fields) }
func (l *ProductionLogger) Warn(msg string, fields map[string]interface{})  { l.log("WARN", msg, fields) }
func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	if l.errorLimiter != nil && !l.errorLimiter.Allow() {
		return
	}
	l.log("ERROR", msg, fields)
}

func (l *ProductionLogger) InfoContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, withTraceFields(ctx, fields))
}

func (l *ProductionLogger) ErrorContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, withTraceFields(ctx, fields))
}

func (l *ProductionLogger) WithComponent(component string) Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &ProductionLogger{
		level:        l.level,
		debug:        l.debug,
		component:    component,
		format:       l.format,
		output:       l.output,
		errorLimiter: l.errorLimiter,
	}
}

func (l *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}

	timestamp := time.Now().Format(time.RFC3339)
	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
}

func (l *ProductionLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"component": l.component,
		"message":   msg,
	}
	for k, v := range fields {
		if k == "timestamp" || k == "level" || k == "component" || k == "message" {
			continue
		}
		entry[k] = v
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *ProductionLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var b strings.Builder
	if len(fields) > 0 {
		b.WriteString(" ")
		for k, v := range fields {
			fmt.Fprintf(&b, "%s=%v ", k, v)
		}
	}
	fmt.Fprintf(l.output, "%s [%s] [%s] %s%s\n", timestamp, level, l.component, msg, b.String())
}

func (l *ProductionLogger) shouldLog(level string) bool {
	levels := map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}
	current, ok1 := levels[l.level]
	target, ok2 := levels[level]
	if !ok1 || !ok2 {
		return true
	}
	return target >= current
}

// SetOutput redirects log output; used by tests to capture log lines.
func (l *ProductionLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

type correlationKey struct{}

// WithCorrelationID attaches a correlation id (the last audit event's
// selfHash, per the error handling design) to a context for propagation
// into log lines.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func withTraceFields(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	id, _ := ctx.Value(correlationKey{}).(string)
	if id == "" {
		return fields
	}
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["correlation_id"] = id
	return out
}

// NoOp is a Logger that discards everything; used as a safe zero value.
type NoOp struct{}

func (NoOp) Info(string, map[string]interface{})                              {}
func (NoOp) Warn(string, map[string]interface{})                              {}
func (NoOp) Error(string, map[string]interface{})                             {}
func (NoOp) Debug(string, map[string]interface{})                             {}
func (NoOp) InfoContext(context.Context, string, map[string]interface{})      {}
func (NoOp) ErrorContext(context.Context, string, map[string]interface{})     {}
func (n NoOp) WithComponent(string) Logger                                    { return n }
