package core

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the structured logging surface used across the service. Args are
// alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// NewNoopLogger returns a Logger that discards everything.
func NewNoopLogger() Logger { return noopLogger{} }

type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger adapts a logrus logger.
func NewLogrusLogger(l *logrus.Logger) Logger {
	return logrusLogger{entry: logrus.NewEntry(l)}
}

// NewLogger builds a logrus-backed Logger writing to w. Format is "json" or
// "text".
func NewLogger(w io.Writer, level, format string) (Logger, error) {
	l := logrus.New()
	l.SetOutput(w)
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	l.SetLevel(parsed)
	switch strings.ToLower(format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return NewLogrusLogger(l), nil
}

func fields(args []any) logrus.Fields {
	out := make(logrus.Fields, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if i+1 == len(args) {
			out[key] = "(missing)"
			break
		}
		out[key] = args[i+1]
	}
	return out
}

func (l logrusLogger) Debug(msg string, args ...any) { l.entry.WithFields(fields(args)).Debug(msg) }
func (l logrusLogger) Info(msg string, args ...any)  { l.entry.WithFields(fields(args)).Info(msg) }
func (l logrusLogger) Warn(msg string, args ...any)  { l.entry.WithFields(fields(args)).Warn(msg) }
func (l logrusLogger) Error(msg string, args ...any) { l.entry.WithFields(fields(args)).Error(msg) }
