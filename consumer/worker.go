// Package consumer implements C5: a single consumer-group worker with a
// sequential read loop and an optional pending-claim loop, matching the
// discovery/consume/claim loop shape of
// internal/workers/telemetry_stream_consumer.go but generalized to any
// stream and any handler.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"jobrunner/auditsink"
	"jobrunner/auditsink/noop"
	"jobrunner/envelope"
	"jobrunner/idempotency"
	"jobrunner/idempotency/redisidempotency"
	"jobrunner/jobrunnerlog"
	"jobrunner/retrypolicy"
	"jobrunner/streamclient"
)

// State is the worker's lifecycle state (§4.8).
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Meta carries per-message metadata passed to a Handler.
type Meta struct {
	ID      string
	Headers envelope.Headers
}

// Handler processes one decoded payload. A non-nil error is routed
// through the retry policy to compute a terminal (retry/dlq); a nil
// error defaults to ack, matching §4.5 step 3's "if it returns no
// terminal, default to ack."
type Handler func(ctx context.Context, payload string, meta Meta) error

// SchedulingMode selects how retry terminals are re-enqueued.
type SchedulingMode int

const (
	// SchedulingZSet schedules retries via a sorted-set time wheel
	// consumed by the scheduler package (default).
	SchedulingZSet SchedulingMode = iota
	// SchedulingNone appends retries directly back onto the stream with
	// no delay.
	SchedulingNone
)

// SchedulingConfig controls where retry terminals land.
type SchedulingConfig struct {
	Mode      SchedulingMode
	RetryZSet string // defaults to "<stream>:retry"
}

// BatchConfig controls the read loop's batching.
type BatchConfig struct {
	Count   int64 // default 16
	BlockMs int64 // default 2000
}

// PELClaimConfig controls the optional pending-claim loop (§4.5 "Claim
// loop").
type PELClaimConfig struct {
	Enabled    bool
	MinIdleMs  int64 // required when Enabled
	MaxPerTick int64 // default 128
	IntervalMs int64 // default 1000
}

// IdempotencyConfig enables handler-level idempotency (§4.5 step 2).
type IdempotencyConfig struct {
	PendingTTLSec int64
	DoneTTLSec    int64
}

// Config configures a Worker. Stream, Group, Consumer, Codec, and
// Handler are required.
type Config struct {
	Stream   string
	Group    string
	Consumer string
	Codec    envelope.Codec
	Handler  Handler

	RetryPolicy *retrypolicy.Policy
	Scheduling  SchedulingConfig
	Batch       BatchConfig
	PELClaim    PELClaimConfig
	Idempotency *IdempotencyConfig
	// Cache overrides the idempotency store used for handler-level
	// idempotency. If nil and Idempotency is set, the client's KV
	// capability is wrapped automatically.
	Cache idempotency.Cache
	Audit auditsink.Sink
	Log   jobrunnerlog.Logger
}

func (c *Config) setDefaults() {
	if c.Batch.Count <= 0 {
		c.Batch.Count = 16
	}
	if c.Batch.BlockMs <= 0 {
		c.Batch.BlockMs = 2000
	}
	if c.PELClaim.MaxPerTick <= 0 {
		c.PELClaim.MaxPerTick = 128
	}
	if c.PELClaim.IntervalMs <= 0 {
		c.PELClaim.IntervalMs = 1000
	}
	if c.Scheduling.RetryZSet == "" {
		c.Scheduling.RetryZSet = c.Stream + ":retry"
	}
	if c.Audit == nil {
		c.Audit = noop.New()
	}
	if c.Log == nil {
		c.Log = jobrunnerlog.Nop{}
	}
}

func (c *Config) validate() error {
	if c.Stream == "" {
		return fmt.Errorf("consumer: stream is required")
	}
	if c.Group == "" {
		return fmt.Errorf("consumer: group is required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("consumer: consumer is required")
	}
	if c.Codec == nil {
		return fmt.Errorf("consumer: codec is required")
	}
	if c.Handler == nil {
		return fmt.Errorf("consumer: handler is required")
	}
	if c.RetryPolicy == nil {
		return fmt.Errorf("consumer: retryPolicy is required")
	}
	if c.PELClaim.Enabled && c.PELClaim.MinIdleMs <= 0 {
		return fmt.Errorf("consumer: pelClaim.minIdleMs must be positive when enabled")
	}
	return nil
}

// Worker consumes one (stream, group, consumer) partition sequentially.
type Worker struct {
	client streamclient.Required
	cfg    Config

	claimer  streamclient.Claimer
	pending  streamclient.PendingLister
	zsetter  streamclient.ZSetter
	claimOK  bool

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	eg       *errgroup.Group

	inFlight atomic.Int64
}

// New constructs a Worker. It degrades the claim loop to disabled if
// the client lacks PendingLister or Claimer (§6.1).
func New(client streamclient.Required, cfg Config) (*Worker, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	w := &Worker{client: client, cfg: cfg}

	if pl, ok := client.(streamclient.PendingLister); ok {
		w.pending = pl
	}
	if cl, ok := client.(streamclient.Claimer); ok {
		w.claimer = cl
	}
	w.claimOK = cfg.PELClaim.Enabled && w.pending != nil && w.claimer != nil
	if zs, ok := client.(streamclient.ZSetter); ok {
		w.zsetter = zs
	}

	if cfg.Idempotency != nil && cfg.Cache == nil {
		kv, ok := client.(streamclient.KV)
		if !ok {
			return nil, fmt.Errorf("consumer: idempotency configured but neither Cache nor client KV capability is available")
		}
		w.cfg.Cache = redisidempotency.New(kv)
	}

	return w, nil
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// InFlight returns the number of messages currently being processed.
func (w *Worker) InFlight() int64 {
	return w.inFlight.Load()
}

// Start ensures the consumer group exists and spawns the read loop (and
// claim loop, if enabled). Idempotent while already Running (§4.8); after
// a failed group ensure the worker stays at Starting and Start may be
// called again.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state == Running {
		w.mu.Unlock()
		return nil
	}
	w.state = Starting
	w.mu.Unlock()

	if err := w.client.EnsureGroup(ctx, w.cfg.Stream, w.cfg.Group, "$", true); err != nil {
		// Left at Starting: the failure surfaces synchronously and the
		// caller may retry Start (§4.8, §7 propagation rule).
		return fmt.Errorf("consumer: ensure group: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(runCtx)

	w.mu.Lock()
	if w.state != Starting {
		// A concurrent Start already reached Running, or Stop ran meanwhile.
		w.mu.Unlock()
		cancel()
		return nil
	}
	w.state = Running
	w.cancel = cancel
	w.eg = eg
	w.mu.Unlock()

	eg.Go(func() error { return w.readLoop(egCtx) })
	if w.claimOK {
		eg.Go(func() error { return w.claimLoop(egCtx) })
	}

	return nil
}

// StopOpts configures Stop's drain behavior.
type StopOpts struct {
	Drain      bool
	TimeoutMs  int64
}

// Stop flips running to false, optionally drains in-flight work, and
// waits for loop goroutines to exit (§4.5 "Shutdown", §4.8).
func (w *Worker) Stop(ctx context.Context, opts StopOpts) error {
	w.mu.Lock()
	if w.state == Stopped {
		w.mu.Unlock()
		return nil
	}
	w.state = Stopping
	cancel := w.cancel
	eg := w.eg
	w.mu.Unlock()

	if opts.Drain {
		timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		deadline := time.Now().Add(timeout)
		for w.inFlight.Load() > 0 && time.Now().Before(deadline) {
			time.Sleep(25 * time.Millisecond)
		}
	}

	if cancel != nil {
		cancel()
	}
	var err error
	if eg != nil {
		err = eg.Wait()
	}

	w.mu.Lock()
	w.state = Stopped
	w.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// readLoop implements §4.5's "Read loop".
func (w *Worker) readLoop(ctx context.Context) error {
	block := time.Duration(w.cfg.Batch.BlockMs) * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := w.client.ReadGroup(ctx, w.cfg.Stream, w.cfg.Group, w.cfg.Consumer, w.cfg.Batch.Count, block)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			w.cfg.Log.Warn("consumer: read loop error", "stream", w.cfg.Stream, "group", w.cfg.Group, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}

		for _, m := range msgs {
			w.inFlight.Add(1)
			w.processMessage(ctx, m.ID, m.Fields)
			w.inFlight.Add(-1)
		}
	}
}

// claimLoop implements §4.5's "Claim loop".
func (w *Worker) claimLoop(ctx context.Context) error {
	interval := time.Duration(w.cfg.PELClaim.IntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.runClaimTick(ctx)
		}
	}
}

func (w *Worker) runClaimTick(ctx context.Context) {
	entries, err := w.pending.PendingIdle(ctx, w.cfg.Stream, w.cfg.Group, w.cfg.PELClaim.MinIdleMs, w.cfg.PELClaim.MaxPerTick)
	if err != nil {
		w.cfg.Log.Warn("consumer: claim loop pending query failed", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}

	claimed, err := w.claimer.Claim(ctx, w.cfg.Stream, w.cfg.Group, w.cfg.Consumer, w.cfg.PELClaim.MinIdleMs, ids...)
	if err != nil {
		w.cfg.Log.Warn("consumer: claim failed", "error", err)
		return
	}

	for _, m := range claimed {
		w.inFlight.Add(1)
		w.processMessage(ctx, m.ID, m.Fields)
		w.inFlight.Add(-1)
	}
}

// retryZSetMember is the JSON payload scheduled into the retry sorted
// set (§4.6).
type retryZSetMember struct {
	Stream string            `json:"stream"`
	Fields map[string]string `json:"fields"`
}

// processMessage implements §4.5's "processMessage" exactly.
func (w *Worker) processMessage(ctx context.Context, id string, fields map[string]string) {
	env, err := w.cfg.Codec.Decode(fields)
	if err != nil {
		w.cfg.Log.Error("consumer: decode failed, acking lost entry", "id", id, "error", err)
		w.ack(ctx, id)
		return
	}

	reservedByUs := false
	var idemKey string
	if w.cfg.Idempotency != nil && env.Headers.Key != "" {
		idemKey = fmt.Sprintf("consumed:%s:%s", w.cfg.Stream, env.Headers.Key)
		reserved, current, err := w.cfg.Cache.Reserve(ctx, idemKey, "PENDING:"+w.cfg.Consumer, time.Duration(w.cfg.Idempotency.PendingTTLSec)*time.Second)
		if err != nil {
			w.cfg.Log.Error("consumer: idempotency reserve failed, acking defensively", "id", id, "error", err)
			w.ack(ctx, id)
			return
		}
		if !reserved {
			if current == "DONE" {
				w.ack(ctx, id)
				return
			}
			// Another consumer holds the reservation: ack this copy and
			// reschedule a fresh one with a short delay so the rightful
			// owner (or a future attempt) completes it.
			w.ack(ctx, id)
			w.rescheduleShortDelay(ctx, env)
			return
		}
		reservedByUs = true
	}

	terminal, handlerErr := w.invokeHandler(ctx, env, id)
	if handlerErr != nil {
		terminal = w.cfg.RetryPolicy.Next(env.Headers, handlerErr)
	}

	w.applyTerminal(ctx, id, env, terminal, reservedByUs, idemKey)
}

// invokeHandler recovers from handler panics by turning them into an
// error, so a panic is routed through the retry policy like any other
// handler error.
func (w *Worker) invokeHandler(ctx context.Context, env envelope.Envelope, id string) (terminal retrypolicy.Terminal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer: handler panic: %v", r)
		}
	}()
	err = w.cfg.Handler(ctx, env.Payload, Meta{ID: id, Headers: env.Headers})
	if err == nil {
		terminal = retrypolicy.Terminal{Kind: retrypolicy.Ack}
	}
	return terminal, err
}

func (w *Worker) applyTerminal(ctx context.Context, id string, env envelope.Envelope, terminal retrypolicy.Terminal, reservedByUs bool, idemKey string) {
	switch terminal.Kind {
	case retrypolicy.Ack:
		w.ack(ctx, id)
		if reservedByUs {
			if err := w.cfg.Cache.Set(ctx, idemKey, "DONE", time.Duration(w.cfg.Idempotency.DoneTTLSec)*time.Second); err != nil {
				w.cfg.Log.Error("consumer: failed to mark idempotency done", "id", id, "error", err)
			}
		}
		w.recordAudit(ctx, id, env.Headers, terminal)

	case retrypolicy.Retry:
		if reservedByUs {
			w.clearIdempotency(ctx, id, idemKey)
		}
		nextHeaders := env.Headers
		nextHeaders.Attempt = env.Headers.Attempt + 1
		nextHeaders.EnqueuedAtMs = time.Now().UnixMilli()
		nextEnv := envelope.Envelope{Headers: nextHeaders, Payload: env.Payload}

		if err := w.scheduleRetry(ctx, nextEnv, terminal.DelayMs); err != nil {
			w.cfg.Log.Error("consumer: failed to schedule retry", "id", id, "error", err)
		}
		w.ack(ctx, id)
		w.cfg.Log.Info("consumer: retry scheduled", "id", id, "attempt", nextHeaders.Attempt, "delayMs", terminal.DelayMs)
		w.recordAudit(ctx, id, env.Headers, terminal)

	case retrypolicy.DLQ:
		if reservedByUs {
			w.clearIdempotency(ctx, id, idemKey)
		}
		if err := w.appendDLQ(ctx, env, terminal.Reason); err != nil {
			w.cfg.Log.Error("consumer: failed to append to dlq", "id", id, "error", err)
		}
		w.ack(ctx, id)
		w.cfg.Log.Warn("consumer: dlq", "id", id, "reason", terminal.Reason)
		w.recordAudit(ctx, id, env.Headers, terminal)
	}
}

// clearIdempotency frees a reservation this worker held but no longer
// needs (a retry or DLQ terminal). Cache has no delete operation, so
// clearing means overwriting with an empty value and a TTL short
// enough to be effectively immediate (§4.5 step 4).
func (w *Worker) clearIdempotency(ctx context.Context, id, idemKey string) {
	if err := w.cfg.Cache.Set(ctx, idemKey, "", time.Millisecond); err != nil {
		w.cfg.Log.Error("consumer: failed to clear idempotency reservation", "id", id, "error", err)
	}
}

func (w *Worker) scheduleRetry(ctx context.Context, nextEnv envelope.Envelope, delayMs int64) error {
	fields, err := w.cfg.Codec.Encode(nextEnv)
	if err != nil {
		return fmt.Errorf("encode retry envelope: %w", err)
	}

	if w.cfg.Scheduling.Mode == SchedulingZSet && w.zsetter != nil {
		member := retryZSetMember{Stream: w.cfg.Stream, Fields: fields}
		b, err := json.Marshal(member)
		if err != nil {
			return fmt.Errorf("marshal retry member: %w", err)
		}
		score := float64(time.Now().UnixMilli() + delayMs)
		return w.zsetter.ZAdd(ctx, w.cfg.Scheduling.RetryZSet, score, string(b))
	}

	_, err = w.client.Append(ctx, w.cfg.Stream, fields)
	return err
}

// rescheduleShortDelay is used when another consumer already holds the
// handler-level idempotency reservation (§4.5 step 2).
func (w *Worker) rescheduleShortDelay(ctx context.Context, env envelope.Envelope) {
	if err := w.scheduleRetry(ctx, env, 500); err != nil {
		w.cfg.Log.Error("consumer: failed to reschedule concurrently-held entry", "error", err)
	}
}

func (w *Worker) appendDLQ(ctx context.Context, env envelope.Envelope, reason string) error {
	headersJSON, err := json.Marshal(env.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	errJSON, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	handledByJSON, err := json.Marshal(map[string]string{"group": w.cfg.Group, "consumer": w.cfg.Consumer})
	if err != nil {
		return fmt.Errorf("marshal handledBy: %w", err)
	}

	fields := map[string]string{
		envelope.FieldHeaders: string(headersJSON),
		envelope.FieldPayload: env.Payload,
		"error":               string(errJSON),
		"handledBy":           string(handledByJSON),
	}
	_, err = w.client.Append(ctx, w.cfg.Stream+":dlq", fields)
	return err
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.client.Ack(ctx, w.cfg.Stream, w.cfg.Group, id); err != nil {
		w.cfg.Log.Error("consumer: ack failed", "id", id, "error", err)
	}
}

func (w *Worker) recordAudit(ctx context.Context, id string, headers envelope.Headers, terminal retrypolicy.Terminal) {
	event := auditsink.TerminalEvent{
		Stream:    w.cfg.Stream,
		Group:     w.cfg.Group,
		Consumer:  w.cfg.Consumer,
		MessageID: id,
		Attempt:   headers.Attempt,
		Kind:      terminal.Kind,
		Reason:    terminal.Reason,
		DelayMs:   terminal.DelayMs,
		At:        time.Now(),
	}
	if err := w.cfg.Audit.Record(ctx, event); err != nil {
		w.cfg.Log.Warn("consumer: audit record failed", "id", id, "error", err)
	}
}
