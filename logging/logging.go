// Package logging provides the structured logger used throughout
// partitioncache: a small printf-style interface backed by logrus, so
// every component logs through the same field-aware sink regardless of
// which cache backend, queue realisation, or command it runs inside.
package logging

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Level identifies a logging severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel parses a level name, defaulting to Info on an empty string.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return Info, nil
	case "debug":
		return Debug, nil
	case "warn", "warning":
		return Warn, nil
	case "error":
		return Error, nil
	default:
		return Info, &UnknownLevelError{Value: s}
	}
}

// UnknownLevelError is returned by ParseLevel for an unrecognised name.
type UnknownLevelError struct{ Value string }

func (e *UnknownLevelError) Error() string { return "logging: unknown level " + e.Value }

// Logger is the interface every package logs through. Implementations are
// expected to be safe for concurrent use.
type Logger interface {
	Debug(fmt string, a ...interface{})
	Info(fmt string, a ...interface{})
	Warn(fmt string, a ...interface{})
	Error(fmt string, a ...interface{})

	// WithFields returns a derived Logger that attaches the given fields to
	// every subsequent message.
	WithFields(fields map[string]interface{}) Logger
	GetFields() map[string]interface{}

	SetLevel(Level)
	GetLevel() Level
}

// StandardLogger is the logrus-backed Logger used outside tests.
type StandardLogger struct {
	entry *logrus.Entry
	level Level
}

// New returns a StandardLogger writing JSON lines to its logrus default
// output (stderr) at Info level.
func New() *StandardLogger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return &StandardLogger{entry: logrus.NewEntry(l), level: Info}
}

// SetOutput redirects where log lines are written.
func (l *StandardLogger) SetOutput(w io.Writer) { l.entry.Logger.SetOutput(w) }

// SetFormat selects the logrus formatter by name ("json" or "text"),
// defaulting to JSON for anything else.
func (l *StandardLogger) SetFormat(format string) {
	if strings.ToLower(format) == "text" {
		l.entry.Logger.SetFormatter(&logrus.TextFormatter{})
		return
	}
	l.entry.Logger.SetFormatter(&logrus.JSONFormatter{})
}

// SetLevel implements Logger.
func (l *StandardLogger) SetLevel(lvl Level) {
	l.level = lvl
	l.entry.Logger.SetLevel(toLogrusLevel(lvl))
}

// GetLevel implements Logger.
func (l *StandardLogger) GetLevel() Level { return l.level }

func (l *StandardLogger) WithFields(fields map[string]interface{}) Logger {
	return &StandardLogger{entry: l.entry.WithFields(fields), level: l.level}
}

func (l *StandardLogger) GetFields() map[string]interface{} { return l.entry.Data }

func (l *StandardLogger) Debug(f string, a ...interface{}) { l.entry.Debugf(f, a...) }
func (l *StandardLogger) Info(f string, a ...interface{})  { l.entry.Infof(f, a...) }
func (l *StandardLogger) Warn(f string, a ...interface{})  { l.entry.Warnf(f, a...) }
func (l *StandardLogger) Error(f string, a ...interface{}) { l.entry.Errorf(f, a...) }

func toLogrusLevel(lvl Level) logrus.Level {
	switch lvl {
	case Debug:
		return logrus.DebugLevel
	case Warn:
		return logrus.WarnLevel
	case Error:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// NoOpLogger discards every message. Useful as a default when a caller
// hasn't configured logging and doesn't want a nil-check at every call
// site.
type NoOpLogger struct {
	fields map[string]interface{}
	level  Level
}

// NewNoOpLogger returns a Logger that discards everything it's given.
func NewNoOpLogger() *NoOpLogger { return &NoOpLogger{} }

func (l *NoOpLogger) Debug(string, ...interface{}) {}
func (l *NoOpLogger) Info(string, ...interface{})  {}
func (l *NoOpLogger) Warn(string, ...interface{})  {}
func (l *NoOpLogger) Error(string, ...interface{}) {}

func (l *NoOpLogger) WithFields(fields map[string]interface{}) Logger {
	return &NoOpLogger{fields: fields, level: l.level}
}
func (l *NoOpLogger) GetFields() map[string]interface{} { return l.fields }
func (l *NoOpLogger) SetLevel(lvl Level)                { l.level = lvl }
func (l *NoOpLogger) GetLevel() Level                   { return l.level }
