package recording

import (
	"fmt"

	"github.com/pion/logging"
)

// pionLoggerFactory adapts our Logger to pion's LoggerFactory so the ICE,
// DTLS, and SRTP stacks log through the same sink as the rest of the task.
type pionLoggerFactory struct {
	base Logger
}

func newPionLoggerFactory(base Logger) logging.LoggerFactory {
	return &pionLoggerFactory{base: base}
}

func (f *pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLeveledLogger{base: f.base, scope: scope}
}

type pionLeveledLogger struct {
	base  Logger
	scope string
}

// Trace maps onto debug; our Logger has no trace level.
func (l *pionLeveledLogger) Trace(msg string) {
	l.base.Debug(msg, "scope", l.scope)
}

func (l *pionLeveledLogger) Tracef(format string, args ...interface{}) {
	l.base.Debug(fmt.Sprintf(format, args...), "scope", l.scope)
}

func (l *pionLeveledLogger) Debug(msg string) {
	l.base.Debug(msg, "scope", l.scope)
}

func (l *pionLeveledLogger) Debugf(format string, args ...interface{}) {
	l.base.Debug(fmt.Sprintf(format, args...), "scope", l.scope)
}

func (l *pionLeveledLogger) Info(msg string) {
	l.base.Info(msg, "scope", l.scope)
}

func (l *pionLeveledLogger) Infof(format string, args ...interface{}) {
	l.base.Info(fmt.Sprintf(format, args...), "scope", l.scope)
}

func (l *pionLeveledLogger) Warn(msg string) {
	l.base.Warn(msg, "scope", l.scope)
}

func (l *pionLeveledLogger) Warnf(format string, args ...interface{}) {
	l.base.Warn(fmt.Sprintf(format, args...), "scope", l.scope)
}

func (l *pionLeveledLogger) Error(msg string) {
	l.base.Error(msg, "scope", l.scope)
}

func (l *pionLeveledLogger) Errorf(format string, args ...interface{}) {
	l.base.Error(fmt.Sprintf(format, args...), "scope", l.scope)
}
