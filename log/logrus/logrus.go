// Package logrus adapts sirupsen/logrus to sitecache.Logger.
package logrus

import (
	"io"

	"github.com/sirupsen/logrus"
	"github.com/unkn0wn-root/sitecache"
)

var _ sitecache.Logger = LogrusLogger{}

type LogrusLogger struct{ E *logrus.Entry }

// New writes JSON lines to w at level (logrus level names; invalid => info).
func New(w io.Writer, level string) LogrusLogger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return LogrusLogger{E: logrus.NewEntry(l).WithField("component", "sitecache")}
}

func (l LogrusLogger) Debug(msg string, f sitecache.Fields) {
	l.E.WithFields(logrus.Fields(f)).Debug(msg)
}
func (l LogrusLogger) Info(msg string, f sitecache.Fields) { l.E.WithFields(logrus.Fields(f)).Info(msg) }
func (l LogrusLogger) Warn(msg string, f sitecache.Fields) { l.E.WithFields(logrus.Fields(f)).Warn(msg) }
func (l LogrusLogger) Error(msg string, f sitecache.Fields) {
	l.E.WithFields(logrus.Fields(f)).Error(msg)
}
