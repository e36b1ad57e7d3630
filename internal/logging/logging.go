// Package logging is a thin leveled-logger wrapper over logrus, grounded on
// nabbar-golib/logger's shape (package-level Debug/Info/Warning/Error/Fatal
// over a shared entry) but reduced to what the daemon needs: per-component
// fields and a single process-wide instance handed to every component
// instead of a package global.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Entry scoped to one component (e.g. "registry",
// "stream", "dispatch"). Additional fields (e.g. a stream's port) are added
// per call site with With.
type Logger struct {
	entry *logrus.Entry
}

// New builds a root Logger writing to w at the given level name
// ("debug", "info", "warning", "error"). An unrecognized level falls back
// to info, matching logrus's own DefaultLevel.
func New(w io.Writer, level string) *Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	return &Logger{entry: logrus.NewEntry(l)}
}

// Component returns a child Logger tagged with component=name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{entry: l.entry.WithField("component", name)}
}

// With returns a child Logger with an additional field.
func (l *Logger) With(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

func (l *Logger) Debugf(format string, args ...interface{})   { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})    { l.entry.Infof(format, args...) }
func (l *Logger) Warningf(format string, args ...interface{}) { l.entry.Warningf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{})   { l.entry.Errorf(format, args...) }
