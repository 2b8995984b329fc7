// Package scheduler implements C6: a retry daemon that sweeps a sorted
// set acting as a time wheel and forwards due members back onto their
// target stream.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"jobrunner/jobrunnerlog"
	"jobrunner/streamclient"
)

// Strategy selects how the daemon collects due members from the sorted
// set. Both are equivalent in outcome (§4.6 step 2). PopMin collects a
// batch with a single ZPopMin call and re-adds members that are not yet
// due; RangeRemove reads due members by score and removes them one ZRem
// call per member. StrategyAuto resolves to RangeRemove.
type Strategy int

const (
	StrategyAuto Strategy = iota
	StrategyPopMin
	StrategyRangeRemove
)

// Config configures a Daemon. RetryZSet and TargetStream are required.
type Config struct {
	RetryZSet    string
	TargetStream string
	MaxBatch     int64 // default 256
	TickMs       int64 // default 250
	JitterPct    float64
	Strategy     Strategy
	Log          jobrunnerlog.Logger
}

func (c *Config) setDefaults() {
	if c.MaxBatch <= 0 {
		c.MaxBatch = 256
	}
	if c.TickMs <= 0 {
		c.TickMs = 250
	}
	if c.JitterPct == 0 {
		c.JitterPct = 0.2
	}
	if c.Log == nil {
		c.Log = jobrunnerlog.Nop{}
	}
}

func (c *Config) validate() error {
	if c.RetryZSet == "" {
		return fmt.Errorf("scheduler: retryZSet is required")
	}
	if c.TargetStream == "" {
		return fmt.Errorf("scheduler: targetStream is required")
	}
	return nil
}

// retryMember mirrors consumer.retryZSetMember's wire shape: the
// scheduler only needs to read it back, not construct it.
type retryMember struct {
	Stream string            `json:"stream"`
	Fields map[string]string `json:"fields"`
}

// Daemon periodically forwards due members of a sorted set onto their
// target stream (§4.6).
type Daemon struct {
	zset   streamclient.ZSetter
	append streamclient.Required
	cfg    Config
	strat  Strategy

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New constructs a Daemon. client must implement both ZSetter (to sweep
// the sorted set) and Required (to append due members to their target
// stream).
func New(client streamclient.Required, cfg Config) (*Daemon, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	zset, ok := client.(streamclient.ZSetter)
	if !ok {
		return nil, fmt.Errorf("scheduler: client does not support ZSetter")
	}

	strat := cfg.Strategy
	if strat == StrategyAuto {
		strat = StrategyRangeRemove
	}

	return &Daemon{zset: zset, append: client, cfg: cfg, strat: strat}, nil
}

// Start spawns the tick loop in the background.
func (d *Daemon) Start(ctx context.Context) error {
	d.stopCh = make(chan struct{})
	d.stoppedCh = make(chan struct{})
	go d.run(ctx)
	return nil
}

// Stop signals the tick loop to exit and waits for it.
func (d *Daemon) Stop(ctx context.Context) error {
	if d.stopCh == nil {
		return nil
	}
	close(d.stopCh)
	select {
	case <-d.stoppedCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.stoppedCh)
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		d.tick(ctx)

		sleep := d.jitteredSleep()
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (d *Daemon) jitteredSleep() time.Duration {
	base := time.Duration(d.cfg.TickMs) * time.Millisecond
	jitter := d.cfg.JitterPct * (2*rand.Float64() - 1) // uniform in [-jitterPct, jitterPct]
	sleep := time.Duration(float64(base) * (1 + jitter))
	if sleep < 25*time.Millisecond {
		sleep = 25 * time.Millisecond
	}
	return sleep
}

// tick runs one sweep: collect due members, then forward each in
// ascending due-time order (§4.6 step 4 ordering guarantee).
func (d *Daemon) tick(ctx context.Context) {
	now := float64(time.Now().UnixMilli())

	var owned []string
	var err error
	switch d.strat {
	case StrategyPopMin:
		owned, err = d.collectPopMin(ctx, now)
	default:
		owned, err = d.collectRangeRemove(ctx, now)
	}
	if err != nil {
		d.cfg.Log.Warn("scheduler: collect failed", "error", err)
		return
	}

	for _, raw := range owned {
		d.forward(ctx, raw)
	}
}

func (d *Daemon) collectRangeRemove(ctx context.Context, now float64) ([]string, error) {
	candidates, err := d.zset.ZRangeByScore(ctx, d.cfg.RetryZSet, 0, now, d.cfg.MaxBatch)
	if err != nil {
		return nil, fmt.Errorf("range by score: %w", err)
	}

	owned := make([]string, 0, len(candidates))
	for _, c := range candidates {
		n, err := d.zset.ZRem(ctx, d.cfg.RetryZSet, c.Member)
		if err != nil {
			d.cfg.Log.Warn("scheduler: zrem failed", "error", err)
			continue
		}
		if n > 0 {
			owned = append(owned, c.Member)
		}
	}
	return owned, nil
}

func (d *Daemon) collectPopMin(ctx context.Context, now float64) ([]string, error) {
	popped, err := d.zset.ZPopMin(ctx, d.cfg.RetryZSet, d.cfg.MaxBatch)
	if err != nil {
		return nil, fmt.Errorf("zpopmin: %w", err)
	}

	owned := make([]string, 0, len(popped))
	for i, p := range popped {
		if p.Score > now {
			// Not yet due: reinsert this and every subsequent member
			// (ascending order means they're all >= this score too).
			for _, extra := range popped[i:] {
				if err := d.zset.ZAdd(ctx, d.cfg.RetryZSet, extra.Score, extra.Member); err != nil {
					d.cfg.Log.Warn("scheduler: reinsert failed", "error", err)
				}
			}
			break
		}
		owned = append(owned, p.Member)
	}
	return owned, nil
}

func (d *Daemon) forward(ctx context.Context, raw string) {
	var m retryMember
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		d.cfg.Log.Warn("scheduler: dropping unparsable member", "error", err)
		return
	}
	stream := m.Stream
	if stream == "" {
		stream = d.cfg.TargetStream
	}
	if _, err := d.append.Append(ctx, stream, m.Fields); err != nil {
		d.cfg.Log.Warn("scheduler: dropping member, append failed", "stream", stream, "error", err)
	}
}
