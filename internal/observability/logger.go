// Package observability defines shared logging primitives.
package observability

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync/atomic"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F builds a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

type loggerHolder struct {
	logger Logger
}

var defaultLogger atomic.Pointer[loggerHolder]

func init() {
	defaultLogger.Store(&loggerHolder{logger: noopLogger{}})
}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	defaultLogger.Store(&loggerHolder{logger: logger})
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger.Load().logger
}

// OrDefault returns logger when non-nil, otherwise the global logger.
func OrDefault(logger Logger) Logger {
	if logger == nil {
		return Log()
	}
	return logger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// Level orders log severities.
type Level int

const (
	// LevelDebug emits everything.
	LevelDebug Level = iota
	// LevelInfo suppresses debug output.
	LevelInfo
	// LevelError only emits errors.
	LevelError
)

// ParseLevel maps a textual level to a Level, defaulting to info.
func ParseLevel(text string) Level {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "debug":
		return LevelDebug
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// TextLogger renders entries as `LEVEL msg key=value ...` lines on a stdlib logger.
type TextLogger struct {
	level Level
	out   *log.Logger
}

// NewTextLogger constructs a TextLogger writing to w.
func NewTextLogger(w io.Writer, prefix string, level Level) *TextLogger {
	return &TextLogger{
		level: level,
		out:   log.New(w, prefix, log.LstdFlags|log.Lmicroseconds),
	}
}

// Debug logs at debug level.
func (l *TextLogger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, "DEBUG", msg, fields) }

// Info logs at info level.
func (l *TextLogger) Info(msg string, fields ...Field) { l.emit(LevelInfo, "INFO", msg, fields) }

// Error logs at error level.
func (l *TextLogger) Error(msg string, fields ...Field) { l.emit(LevelError, "ERROR", msg, fields) }

func (l *TextLogger) emit(level Level, tag, msg string, fields []Field) {
	if l == nil || level < l.level {
		return
	}
	var b strings.Builder
	b.WriteString(tag)
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, field := range fields {
		b.WriteByte(' ')
		b.WriteString(field.Key)
		b.WriteByte('=')
		b.WriteString(formatValue(field.Value))
	}
	_ = l.out.Output(3, b.String())
}

func formatValue(value any) string {
	switch typed := value.(type) {
	case string:
		if strings.ContainsAny(typed, " \t\"=") {
			return fmt.Sprintf("%q", typed)
		}
		return typed
	case error:
		return fmt.Sprintf("%q", typed.Error())
	default:
		return fmt.Sprint(typed)
	}
}
