// Package reclaim implements C7's standalone claim-only tool: an
// operator-invoked alternative to consumer's in-worker claim loop, for a
// one-shot CLI run or a separate low-frequency cron-style process.
package reclaim

import (
	"context"
	"fmt"

	"jobrunner/jobrunnerlog"
	"jobrunner/streamclient"
)

// Handler receives one reclaimed entry's id and fields. Unlike consumer's
// claim loop, Sweeper does not decode, retry, or ack on the handler's
// behalf — the caller owns that.
type Handler func(id string, fields map[string]string)

// Config configures one sweep.
type Config struct {
	Stream     string
	Group      string
	Consumer   string // identity the reclaimed entries are assigned to
	MinIdleMs  int64
	MaxPerPass int64 // default 128
	Log        jobrunnerlog.Logger
}

func (c *Config) setDefaults() {
	if c.MaxPerPass <= 0 {
		c.MaxPerPass = 128
	}
	if c.Log == nil {
		c.Log = jobrunnerlog.Nop{}
	}
}

func (c *Config) validate() error {
	if c.Stream == "" {
		return fmt.Errorf("reclaim: stream is required")
	}
	if c.Group == "" {
		return fmt.Errorf("reclaim: group is required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("reclaim: consumer is required")
	}
	return nil
}

// Sweeper performs a single pending-idle-then-claim pass (§4.6 steps 1–2)
// and hands each reclaimed entry to a caller-supplied Handler.
type Sweeper struct {
	pending streamclient.PendingLister
	claimer streamclient.Claimer
	cfg     Config
}

// New constructs a Sweeper. client must implement both PendingLister and
// Claimer — there is no fallback path, since a claim-only tool has no
// purpose without both capabilities.
func New(client streamclient.Required, cfg Config) (*Sweeper, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	pending, ok := client.(streamclient.PendingLister)
	if !ok {
		return nil, fmt.Errorf("reclaim: client does not support PendingLister")
	}
	claimer, ok := client.(streamclient.Claimer)
	if !ok {
		return nil, fmt.Errorf("reclaim: client does not support Claimer")
	}
	return &Sweeper{pending: pending, claimer: claimer, cfg: cfg}, nil
}

// Sweep runs one pass, returning how many entries were reclaimed and
// handed to handle.
func (s *Sweeper) Sweep(ctx context.Context, handle Handler) (int, error) {
	entries, err := s.pending.PendingIdle(ctx, s.cfg.Stream, s.cfg.Group, s.cfg.MinIdleMs, s.cfg.MaxPerPass)
	if err != nil {
		return 0, fmt.Errorf("reclaim: pending query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}

	claimed, err := s.claimer.Claim(ctx, s.cfg.Stream, s.cfg.Group, s.cfg.Consumer, s.cfg.MinIdleMs, ids...)
	if err != nil {
		return 0, fmt.Errorf("reclaim: claim: %w", err)
	}

	for _, m := range claimed {
		handle(m.ID, m.Fields)
	}
	return len(claimed), nil
}

// SweepUntilDry calls Sweep repeatedly until a pass reclaims nothing,
// returning the total reclaimed across all passes. Useful for an
// operator one-shot run that wants to drain the whole pending list.
func (s *Sweeper) SweepUntilDry(ctx context.Context, handle Handler) (int, error) {
	total := 0
	for {
		n, err := s.Sweep(ctx, handle)
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}
