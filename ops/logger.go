// Package ops provides the tablet engine's structured-logging facade,
// adapted from the teacher repository's go/flow/ops package: a small
// Logger interface over logrus that lets call sites attach per-tablet
// fields once and reuse the derived logger everywhere.
package ops

import (
	log "github.com/sirupsen/logrus"
)

// Logger is implemented by anything that can record a tablet-engine log
// event. The standard implementation forwards to logrus; tests may swap
// in a capturing implementation.
type Logger interface {
	Log(level log.Level, fields log.Fields, message string)
	WithFields(fields log.Fields) Logger
	Level() log.Level
}

type logrusLogger struct {
	entry *log.Entry
}

// StdLogger returns a Logger backed by the logrus standard logger, for
// use outside of a running tablet (CLI tools, tests).
func StdLogger() Logger {
	return &logrusLogger{entry: log.NewEntry(log.StandardLogger())}
}

func (l *logrusLogger) Level() log.Level { return log.GetLevel() }

func (l *logrusLogger) Log(level log.Level, fields log.Fields, message string) {
	if level > l.Level() {
		return
	}
	l.entry.WithFields(fields).Log(level, message)
}

func (l *logrusLogger) WithFields(fields log.Fields) Logger {
	return &logrusLogger{entry: l.entry.WithFields(fields)}
}

// TabletFields builds the base field set every tablet-scoped logger
// should carry.
func TabletFields(tabletID string, term uint64) log.Fields {
	return log.Fields{"tablet": tabletID, "term": term}
}
