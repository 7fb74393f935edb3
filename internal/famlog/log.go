// Package famlog centralises the daemon's structured logging on top of
// logrus, with a standalone Logger rather than a package-global
// instance.
package famlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Level mirrors the CLI's -d/-v switches.
type Level = logrus.Level

// Logger wraps a *logrus.Logger with the entity-prefixed helpers the
// daemon's components use: every call names a subject (a path or host
// name) alongside the usual format/args.
type Logger struct {
	*logrus.Logger
}

// New builds a Logger that writes to stderr, defaulting to Info level.
func New() *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logger{l}
}

// SetDebug switches to debug-level logging (-d).
func (l *Logger) SetDebug() { l.SetLevel(logrus.DebugLevel) }

// SetInfo switches to info-level logging (-v). This is the default level,
// kept as an explicit setter so the CLI flag has somewhere to call.
func (l *Logger) SetInfo() { l.SetLevel(logrus.InfoLevel) }

// Debugf logs at debug level, tagging the log line with subject (typically
// a path or host name).
func (l *Logger) Debugf(subject, format string, args ...interface{}) {
	l.WithField("subject", subject).Debugf(format, args...)
}

// Infof logs at info level.
func (l *Logger) Infof(subject, format string, args ...interface{}) {
	l.WithField("subject", subject).Infof(format, args...)
}

// Errorf logs at error level.
func (l *Logger) Errorf(subject, format string, args ...interface{}) {
	l.WithField("subject", subject).Errorf(format, args...)
}

// Fatalf logs at fatal level and exits the process with status 1, for
// configuration errors that leave the daemon unable to run at all.
func (l *Logger) Fatalf(subject, format string, args ...interface{}) {
	l.WithField("subject", subject).Fatalf(format, args...)
}
