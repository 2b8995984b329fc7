// Package logrusadapter wraps sirupsen/logrus as a jobrunnerlog.Logger,
// matching the WithFields-based structured logging the teacher uses in
// its Redis-backed infrastructure (internal/infrastructure/database/redis.go,
// internal/workers/telemetry_stream_consumer.go).
package logrusadapter

import (
	"github.com/sirupsen/logrus"

	"jobrunner/jobrunnerlog"
)

type adapter struct {
	entry *logrus.Entry
}

// New wraps an existing *logrus.Logger.
func New(l *logrus.Logger) jobrunnerlog.Logger {
	return adapter{entry: logrus.NewEntry(l)}
}

// NewDefault builds a logrus.Logger with JSON output, matching the level
// the teacher's database connectors log at by default.
func NewDefault(level logrus.Level) jobrunnerlog.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(level)
	return New(l)
}

func fields(kv []any) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		f[key] = kv[i+1]
	}
	return f
}

func (a adapter) Debug(msg string, kv ...any) { a.entry.WithFields(fields(kv)).Debug(msg) }
func (a adapter) Info(msg string, kv ...any)  { a.entry.WithFields(fields(kv)).Info(msg) }
func (a adapter) Warn(msg string, kv ...any)  { a.entry.WithFields(fields(kv)).Warn(msg) }
func (a adapter) Error(msg string, kv ...any) { a.entry.WithFields(fields(kv)).Error(msg) }

func (a adapter) With(kv ...any) jobrunnerlog.Logger {
	return adapter{entry: a.entry.WithFields(fields(kv))}
}
