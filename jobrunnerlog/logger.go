// Package jobrunnerlog defines the structured logging contract every
// component in this module is constructed with. Nothing in producer,
// consumer, scheduler, or reclaim propagates errors except through this
// interface and the caller's own return values.
package jobrunnerlog

// Logger is a minimal leveled, structured-field logging surface. Field
// pairs are passed as alternating key/value arguments, matching the
// calling convention of both log/slog and logrus's WithFields-less
// helpers, so either can satisfy this interface with a thin adapter.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)

	// With returns a Logger that prepends the given fields to every
	// subsequent call, mirroring slog's Logger.With and logrus's
	// Entry.WithFields.
	With(kv ...any) Logger
}

// Nop is a Logger that discards everything. Useful as a zero-value
// default so components never need a nil check before logging.
type Nop struct{}

func (Nop) Debug(string, ...any) {}
func (Nop) Info(string, ...any)  {}
func (Nop) Warn(string, ...any)  {}
func (Nop) Error(string, ...any) {}
func (n Nop) With(...any) Logger { return n }
