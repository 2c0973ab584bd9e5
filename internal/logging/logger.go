// Package logging provides structured logging for labcal.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel maps a config string to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Logger is a structured logger
type Logger struct {
	zl zerolog.Logger
}

var (
	mu            sync.RWMutex
	defaultLogger = newLogger(os.Stdout, INFO, false)
)

func newLogger(w io.Writer, level Level, console bool) *Logger {
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return &Logger{zl: zerolog.New(w).Level(level.zerolog()).With().Timestamp().Logger()}
}

// Setup replaces the default logger. format is "json" or "console".
func Setup(level Level, format string, w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	mu.Lock()
	defaultLogger = newLogger(w, level, format == "console")
	mu.Unlock()
}

func std() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// SetLevel sets the global log level
func SetLevel(level Level) {
	mu.Lock()
	defaultLogger = &Logger{zl: defaultLogger.zl.Level(level.zerolog())}
	mu.Unlock()
}

// SetOutput sets the output writer
func SetOutput(w io.Writer) {
	mu.Lock()
	defaultLogger = &Logger{zl: defaultLogger.zl.Output(w)}
	mu.Unlock()
}

// Default returns the process-wide logger.
func Default() *Logger { return std() }

// Component returns a logger tagged with a component name.
func Component(name string) *Logger {
	return std().WithField("component", name)
}

// Nop returns a logger that discards everything.
func Nop() *Logger { return &Logger{zl: zerolog.Nop()} }

// WithField returns a logger with a field added
func WithField(key string, value interface{}) *Logger {
	return std().WithField(key, value)
}

// WithFields returns a logger with multiple fields added
func WithFields(fields map[string]interface{}) *Logger {
	return std().WithFields(fields)
}

// WithError returns a logger carrying err
func WithError(err error) *Logger {
	return std().WithError(err)
}

// WithField adds a field to the logger
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

// WithFields adds multiple fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{zl: l.zl.With().Fields(fields).Logger()}
}

// WithError attaches err under the "error" key.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{zl: l.zl.With().Err(err).Logger()}
}

// WithContext adds the trace and span ids of the active span, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return l
	}
	return &Logger{zl: l.zl.With().
		Str("trace_id", sc.TraceID().String()).
		Str("span_id", sc.SpanID().String()).
		Logger()}
}

// Zerolog exposes the underlying logger for libraries that accept one.
func (l *Logger) Zerolog() zerolog.Logger { return l.zl }

func (l *Logger) log(ev *zerolog.Event, msg string, args ...interface{}) {
	if len(args) > 0 {
		ev.Msgf(msg, args...)
		return
	}
	ev.Msg(msg)
}

// Debug logs a debug message
func Debug(msg string, args ...interface{}) { std().Debug(msg, args...) }

// Info logs an info message
func Info(msg string, args ...interface{}) { std().Info(msg, args...) }

// Warn logs a warning message
func Warn(msg string, args ...interface{}) { std().Warn(msg, args...) }

// Error logs an error message
func Error(msg string, args ...interface{}) { std().Error(msg, args...) }

// Logger methods
func (l *Logger) Debug(msg string, args ...interface{}) { l.log(l.zl.Debug(), msg, args...) }
func (l *Logger) Info(msg string, args ...interface{})  { l.log(l.zl.Info(), msg, args...) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.log(l.zl.Warn(), msg, args...) }
func (l *Logger) Error(msg string, args ...interface{}) { l.log(l.zl.Error(), msg, args...) }
