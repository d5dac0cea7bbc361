package main

import (
	"io"
	"os"

	"github.com/pion/logging"
	"github.com/sirupsen/logrus"
)

// logrusFactory routes the library's pion loggers into one logrus logger,
// one "scope" field per component.
type logrusFactory struct {
	base *logrus.Logger
}

func newLoggerFactory(out io.Writer, level logging.LogLevel) *logrusFactory {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level == logging.LogLevelDisabled {
		l.SetOutput(io.Discard)
	}
	l.SetLevel(logrusLevel(level))
	return &logrusFactory{base: l}
}

func defaultLoggerFactory(level logging.LogLevel) *logrusFactory {
	return newLoggerFactory(os.Stderr, level)
}

func logrusLevel(level logging.LogLevel) logrus.Level {
	switch level {
	case logging.LogLevelError:
		return logrus.ErrorLevel
	case logging.LogLevelWarn:
		return logrus.WarnLevel
	case logging.LogLevelDebug:
		return logrus.DebugLevel
	case logging.LogLevelTrace:
		return logrus.TraceLevel
	case logging.LogLevelDisabled:
		return logrus.PanicLevel
	}
	return logrus.InfoLevel
}

func (self *logrusFactory) NewLogger(scope string) logging.LeveledLogger {
	return &logrusLogger{entry: self.base.WithField("scope", scope)}
}

// Entry returns the CLI's own logger.
func (self *logrusFactory) Entry() *logrus.Entry {
	return self.base.WithField("scope", "cli")
}

type logrusLogger struct {
	entry *logrus.Entry
}

func (self *logrusLogger) Trace(msg string) { self.entry.Trace(msg) }
func (self *logrusLogger) Tracef(format string, args ...interface{}) {
	self.entry.Tracef(format, args...)
}
func (self *logrusLogger) Debug(msg string) { self.entry.Debug(msg) }
func (self *logrusLogger) Debugf(format string, args ...interface{}) {
	self.entry.Debugf(format, args...)
}
func (self *logrusLogger) Info(msg string) { self.entry.Info(msg) }
func (self *logrusLogger) Infof(format string, args ...interface{}) {
	self.entry.Infof(format, args...)
}
func (self *logrusLogger) Warn(msg string) { self.entry.Warn(msg) }
func (self *logrusLogger) Warnf(format string, args ...interface{}) {
	self.entry.Warnf(format, args...)
}
func (self *logrusLogger) Error(msg string) { self.entry.Error(msg) }
func (self *logrusLogger) Errorf(format string, args ...interface{}) {
	self.entry.Errorf(format, args...)
}
