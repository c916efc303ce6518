package pahoengine

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/vitalvas/mqttasync"
)

// routed is the logger paho's package-level loggers forward to. Nil drops
// everything.
var routed atomic.Pointer[mqttasync.Logger]

var installOnce sync.Once

// installLoggers points paho's package-level loggers at the forwarding
// adapters. It runs once, before the first engine creates a paho client, so
// paho goroutines never observe the globals changing.
func installLoggers() {
	installOnce.Do(func() {
		mqtt.CRITICAL = pahoLogger{level: mqttasync.LogLevelError}
		mqtt.ERROR = pahoLogger{level: mqttasync.LogLevelError}
		mqtt.WARN = pahoLogger{level: mqttasync.LogLevelWarn}
		mqtt.DEBUG = pahoLogger{level: mqttasync.LogLevelDebug}
	})
}

// pahoLogger adapts the routed logger to paho's Println/Printf logger.
type pahoLogger struct {
	level mqttasync.LogLevel
}

func (l pahoLogger) target() mqttasync.Logger {
	p := routed.Load()
	if p == nil || l.level < (*p).Level() {
		return nil
	}
	return *p
}

func (l pahoLogger) Println(v ...any) {
	if logger := l.target(); logger != nil {
		l.emit(logger, strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
	}
}

func (l pahoLogger) Printf(format string, v ...any) {
	if logger := l.target(); logger != nil {
		l.emit(logger, fmt.Sprintf(format, v...))
	}
}

func (l pahoLogger) emit(logger mqttasync.Logger, msg string) {
	fields := mqttasync.LogFields{"component": "paho"}
	switch l.level {
	case mqttasync.LogLevelDebug:
		logger.Debug(msg, fields)
	case mqttasync.LogLevelWarn:
		logger.Warn(msg, fields)
	default:
		logger.Error(msg, fields)
	}
}

// RouteLogging sends paho's package-level logs to logger, or discards them
// when logger is nil. Paho's loggers are process-wide, so this affects every
// paho client in the process. It may be called while clients are running.
func RouteLogging(logger mqttasync.Logger) {
	installLoggers()
	if logger == nil {
		routed.Store(nil)
		return
	}
	routed.Store(&logger)
}
