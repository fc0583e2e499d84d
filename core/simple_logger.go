package core

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
)

// SimpleLogger is a minimal structured logger that writes to the standard
// library logger, adequate for CLIs and tests. Constructors that receive no
// Logger fall back to NoOpLogger, not to SimpleLogger; production
// deployments supply their own ComponentAwareLogger wired to their logging
// pipeline.
type SimpleLogger struct {
	component string
}

// NewSimpleLogger creates a logger with no component tag.
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{}
}

// WithComponent returns a logger that prefixes every line with the component.
func (l *SimpleLogger) WithComponent(component string) Logger {
	return &SimpleLogger{component: component}
}

func (l *SimpleLogger) Info(msg string, fields map[string]interface{})  { l.log("INFO", msg, fields) }
func (l *SimpleLogger) Error(msg string, fields map[string]interface{}) { l.log("ERROR", msg, fields) }
func (l *SimpleLogger) Warn(msg string, fields map[string]interface{})  { l.log("WARN", msg, fields) }
func (l *SimpleLogger) Debug(msg string, fields map[string]interface{}) { l.log("DEBUG", msg, fields) }

func (l *SimpleLogger) InfoWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}
func (l *SimpleLogger) ErrorWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.log("ERROR", msg, fields)
}
func (l *SimpleLogger) WarnWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}
func (l *SimpleLogger) DebugWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.log("DEBUG", msg, fields)
}

func (l *SimpleLogger) log(level, msg string, fields map[string]interface{}) {
	parts := make([]string, 0, len(fields)+2)
	parts = append(parts, fmt.Sprintf("[%s]", level))
	if l.component != "" {
		parts = append(parts, fmt.Sprintf("component=%s", l.component))
	}
	parts = append(parts, msg)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}

	log.Println(strings.Join(parts, " "))
}
