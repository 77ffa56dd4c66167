// Package logging provides the leveled logging capability handed to every
// fdns component. The process-wide implementation forwards to zlog.
package logging

import (
	"fmt"
	"strings"

	"github.com/semihalev/zlog/v2"
)

// Logger is a leveled, structured logger. Fields are alternating key/value pairs.
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
}

// Setup installs a zlog structured logger with the given verbosity as the
// process default.
func Setup(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}

	logger := zlog.NewStructured()
	logger.SetWriter(zlog.StdoutTerminal())
	logger.SetLevel(lvl)
	zlog.SetDefault(logger)

	return nil
}

// ParseLevel maps a config verbosity name to a zlog level.
func ParseLevel(level string) (zlog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zlog.LevelDebug, nil
	case "", "info":
		return zlog.LevelInfo, nil
	case "warn", "warning":
		return zlog.LevelWarn, nil
	case "error", "crit":
		return zlog.LevelError, nil
	}

	return zlog.LevelInfo, fmt.Errorf("unknown log level %q", level)
}

// Default returns the logger backed by zlog's default logger.
func Default() Logger { return zlogger{} }

type zlogger struct{}

func (zlogger) Debug(msg string, fields ...any) { zlog.Debug(msg, fields...) }
func (zlogger) Info(msg string, fields ...any)  { zlog.Info(msg, fields...) }
func (zlogger) Warn(msg string, fields ...any)  { zlog.Warn(msg, fields...) }
func (zlogger) Error(msg string, fields ...any) { zlog.Error(msg, fields...) }

// Nop returns a logger that discards everything.
func Nop() Logger { return nop{} }

type nop struct{}

func (nop) Debug(string, ...any) {}
func (nop) Info(string, ...any)  {}
func (nop) Warn(string, ...any)  {}
func (nop) Error(string, ...any) {}

// Named returns a logger which adds a "component" field to every line.
func Named(l Logger, component string) Logger {
	if l == nil {
		l = Default()
	}

	return &named{parent: l, component: component}
}

type named struct {
	parent    Logger
	component string
}

func (n *named) fields(fields []any) []any {
	out := make([]any, 0, len(fields)+2)
	out = append(out, "component", n.component)
	return append(out, fields...)
}

func (n *named) Debug(msg string, fields ...any) { n.parent.Debug(msg, n.fields(fields)...) }
func (n *named) Info(msg string, fields ...any)  { n.parent.Info(msg, n.fields(fields)...) }
func (n *named) Warn(msg string, fields ...any)  { n.parent.Warn(msg, n.fields(fields)...) }
func (n *named) Error(msg string, fields ...any) { n.parent.Error(msg, n.fields(fields)...) }
