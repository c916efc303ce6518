package mqttasync

import (
	"io"
	"log"
	"maps"
	"os"
	"sync/atomic"
)

// LogLevel represents the logging level.
type LogLevel int

const (
	// LogLevelDebug is the debug log level.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is the info log level.
	LogLevelInfo
	// LogLevelWarn is the warn log level.
	LogLevelWarn
	// LogLevelError is the error log level.
	LogLevelError
	// LogLevelNone disables all logging.
	LogLevelNone
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// LogFields represents key-value pairs for structured logging.
// Fields are copied before use, so callers may reuse the map.
type LogFields map[string]any

// Logger defines the interface for logging.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, fields LogFields)

	// Info logs an info message.
	Info(msg string, fields LogFields)

	// Warn logs a warning message.
	Warn(msg string, fields LogFields)

	// Error logs an error message.
	Error(msg string, fields LogFields)

	// WithFields returns a new logger with the given fields added.
	WithFields(fields LogFields) Logger

	// Level returns the current log level.
	Level() LogLevel

	// SetLevel sets the log level.
	SetLevel(level LogLevel)
}

// NoOpLogger is a logger that does nothing.
type NoOpLogger struct {
	level LogLevel
}

// NewNoOpLogger creates a new no-op logger.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{level: LogLevelNone}
}

// Debug does nothing.
func (n *NoOpLogger) Debug(_ string, _ LogFields) {}

// Info does nothing.
func (n *NoOpLogger) Info(_ string, _ LogFields) {}

// Warn does nothing.
func (n *NoOpLogger) Warn(_ string, _ LogFields) {}

// Error does nothing.
func (n *NoOpLogger) Error(_ string, _ LogFields) {}

// WithFields returns the same logger.
func (n *NoOpLogger) WithFields(_ LogFields) Logger {
	return n
}

// Level returns the log level.
func (n *NoOpLogger) Level() LogLevel {
	return n.level
}

// SetLevel sets the log level.
func (n *NoOpLogger) SetLevel(level LogLevel) {
	n.level = level
}

// StdLogger writes one line per record through a log.Logger:
//
//	[LEVEL] mqttasync: message map[key:value ...]
//
// The level may be changed while other goroutines are logging. Loggers
// derived with WithFields share the parent's level.
type StdLogger struct {
	out    *log.Logger
	level  *atomic.Int32
	fields LogFields
}

// NewStdLogger creates a logger writing to w, or to stderr when w is nil.
func NewStdLogger(w io.Writer, level LogLevel) *StdLogger {
	if w == nil {
		w = os.Stderr
	}
	l := &StdLogger{
		out:   log.New(w, "", log.LstdFlags),
		level: new(atomic.Int32),
	}
	l.level.Store(int32(level))
	return l
}

func (s *StdLogger) Debug(msg string, fields LogFields) { s.emit(LogLevelDebug, msg, fields) }

func (s *StdLogger) Info(msg string, fields LogFields) { s.emit(LogLevelInfo, msg, fields) }

func (s *StdLogger) Warn(msg string, fields LogFields) { s.emit(LogLevelWarn, msg, fields) }

func (s *StdLogger) Error(msg string, fields LogFields) { s.emit(LogLevelError, msg, fields) }

// WithFields returns a logger that adds fields to every record.
func (s *StdLogger) WithFields(fields LogFields) Logger {
	return &StdLogger{
		out:    s.out,
		level:  s.level,
		fields: mergeFields(s.fields, fields),
	}
}

func (s *StdLogger) Level() LogLevel {
	return LogLevel(s.level.Load())
}

func (s *StdLogger) SetLevel(level LogLevel) {
	s.level.Store(int32(level))
}

func (s *StdLogger) emit(level LogLevel, msg string, fields LogFields) {
	if level < s.Level() {
		return
	}

	all := mergeFields(s.fields, fields)
	if len(all) == 0 {
		s.out.Printf("[%s] mqttasync: %s", level, msg)
		return
	}
	// fmt prints maps with sorted keys.
	s.out.Printf("[%s] mqttasync: %s %v", level, msg, all)
}

func mergeFields(base, extra LogFields) LogFields {
	if len(extra) == 0 {
		return base
	}
	merged := make(LogFields, len(base)+len(extra))
	maps.Copy(merged, base)
	maps.Copy(merged, extra)
	return merged
}

// Standard field names used by the client and engines.
const (
	LogFieldClientID   = "client_id"
	LogFieldServer     = "server"
	LogFieldTopic      = "topic"
	LogFieldQoS        = "qos"
	LogFieldRequest    = "request"
	LogFieldHandle     = "handle"
	LogFieldResultCode = "result_code"
	LogFieldReasonCode = "reason_code"
	LogFieldState      = "state"
	LogFieldAttempt    = "attempt"
	LogFieldDelay      = "delay"
	LogFieldCause      = "cause"
	LogFieldError      = "error"
)
