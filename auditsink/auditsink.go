// Package auditsink records terminal events (ack/retry/dlq) for
// analytics, best-effort and outside the at-least-once correctness
// path (§4.5 step 4).
package auditsink

import (
	"context"
	"time"

	"jobrunner/retrypolicy"
)

// TerminalEvent describes one terminal action the consumer took on an
// inbound entry.
type TerminalEvent struct {
	Stream    string
	Group     string
	Consumer  string
	MessageID string
	Attempt   int
	Kind      retrypolicy.Kind
	Reason    string
	DelayMs   int64
	At        time.Time
}

// Sink records terminal events. Implementations must not block the
// consumer pipeline for long; errors are logged by the caller, not
// propagated into the processing path.
type Sink interface {
	Record(ctx context.Context, event TerminalEvent) error
}
