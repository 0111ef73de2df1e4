// Package test provides a Logger that buffers every message instead of
// writing it anywhere, so tests can assert on what a component logged.
package test

import (
	"fmt"
	"sync"

	"github.com/MPoppinga/partitioncache/logging"
)

// Entry is one buffered log message.
type Entry struct {
	Level   logging.Level
	Fields  map[string]interface{}
	Message string
}

// Logger buffers messages in memory rather than emitting them.
type Logger struct {
	mtx     sync.Mutex
	level   logging.Level
	fields  map[string]interface{}
	entries []Entry
}

// New returns an empty buffering Logger at Info level.
func New() *Logger {
	return &Logger{level: logging.Info}
}

func (l *Logger) WithFields(fields map[string]interface{}) logging.Logger {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{level: l.level, fields: merged}
}

func (l *Logger) GetFields() map[string]interface{} { return l.fields }

func (l *Logger) Debug(f string, a ...interface{}) { l.record(logging.Debug, f, a...) }
func (l *Logger) Info(f string, a ...interface{})  { l.record(logging.Info, f, a...) }
func (l *Logger) Warn(f string, a ...interface{})  { l.record(logging.Warn, f, a...) }
func (l *Logger) Error(f string, a ...interface{}) { l.record(logging.Error, f, a...) }

func (l *Logger) SetLevel(level logging.Level) { l.level = level }
func (l *Logger) GetLevel() logging.Level      { return l.level }

// Entries returns every message buffered so far, in order.
func (l *Logger) Entries() []Entry {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Logger) record(lvl logging.Level, f string, a ...interface{}) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.entries = append(l.entries, Entry{Level: lvl, Fields: l.fields, Message: fmt.Sprintf(f, a...)})
}
