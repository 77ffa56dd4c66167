package mock

import (
	"fmt"
	"strings"
	"sync"
)

// Entry is a single recorded log line.
type Entry struct {
	Level  string
	Msg    string
	Fields []any
}

// Field returns the value logged under key.
func (e Entry) Field(key string) (any, bool) {
	for i := 0; i+1 < len(e.Fields); i += 2 {
		if k, ok := e.Fields[i].(string); ok && k == key {
			return e.Fields[i+1], true
		}
	}

	return nil, false
}

// Logger records every line. Safe for concurrent use.
type Logger struct {
	mu      sync.Mutex
	entries []Entry
}

// NewLogger return new recording logger
func NewLogger() *Logger { return &Logger{} }

func (l *Logger) Debug(msg string, fields ...any) { l.add("debug", msg, fields) }
func (l *Logger) Info(msg string, fields ...any)  { l.add("info", msg, fields) }
func (l *Logger) Warn(msg string, fields ...any)  { l.add("warn", msg, fields) }
func (l *Logger) Error(msg string, fields ...any) { l.add("error", msg, fields) }

func (l *Logger) add(level, msg string, fields []any) {
	l.mu.Lock()
	l.entries = append(l.entries, Entry{Level: level, Msg: msg, Fields: append([]any(nil), fields...)})
	l.mu.Unlock()
}

// Entries returns a copy of the recorded lines.
func (l *Logger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]Entry(nil), l.entries...)
}

// Find returns the first line at level whose message contains substr.
func (l *Logger) Find(level, substr string) (Entry, bool) {
	for _, e := range l.Entries() {
		if e.Level == level && strings.Contains(e.Msg, substr) {
			return e, true
		}
	}

	return Entry{}, false
}

// String renders all lines, one per row.
func (l *Logger) String() string {
	var b strings.Builder

	for _, e := range l.Entries() {
		fmt.Fprintf(&b, "%s %s %v\n", e.Level, e.Msg, e.Fields)
	}

	return b.String()
}
