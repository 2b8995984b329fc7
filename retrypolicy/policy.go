// Package retrypolicy implements the pure retry/DLQ decision (C2): given
// the current headers and a handler error, decide whether the consumer
// should acknowledge, retry with a computed delay, or dead-letter the
// message. The policy never performs I/O or sleeps; callers interpret
// the resulting delay.
package retrypolicy

import (
	"fmt"
	"math/rand/v2"

	"jobrunner/envelope"
)

// Strategy selects how a retry delay is computed.
type Strategy int

const (
	// StrategyConstant always returns the same delay.
	StrategyConstant Strategy = iota
	// StrategyExponentialJitter computes a "full jitter" delay: a value
	// drawn uniformly from [0, min(maxDelayMs, baseMs*2^attempt)].
	StrategyExponentialJitter
)

// Kind is the terminal disposition a handler invocation resolves to.
type Kind int

const (
	Ack Kind = iota
	Retry
	DLQ
)

func (k Kind) String() string {
	switch k {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DLQ:
		return "dlq"
	default:
		return "unknown"
	}
}

// Terminal is the outcome of Policy.Next.
type Terminal struct {
	Kind Kind
	// DelayMs is populated only when Kind == Retry.
	DelayMs int64
	// Reason is populated only when Kind == DLQ.
	Reason string
}

// Config configures a Policy.
type Config struct {
	// MaxAttempts bounds the number of times a message may be
	// delivered; once the would-be next attempt reaches MaxAttempts,
	// the policy routes to DLQ instead of retry.
	MaxAttempts int
	Strategy    Strategy
	// DelayMs is used by StrategyConstant.
	DelayMs int64
	// BaseMs and MaxDelayMs are used by StrategyExponentialJitter.
	BaseMs     int64
	MaxDelayMs int64
	// IsRetryable classifies an error as non-retryable (routed straight
	// to DLQ) or eligible for the attempt-count check. A nil predicate
	// treats every error as retryable.
	IsRetryable func(error) bool
}

// Policy computes the terminal disposition for a handler error.
type Policy struct {
	cfg Config
}

// New validates cfg and returns a Policy.
func New(cfg Config) (*Policy, error) {
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("retrypolicy: MaxAttempts must be positive, got %d", cfg.MaxAttempts)
	}
	switch cfg.Strategy {
	case StrategyConstant:
		if cfg.DelayMs < 0 {
			return nil, fmt.Errorf("retrypolicy: DelayMs must be non-negative, got %d", cfg.DelayMs)
		}
	case StrategyExponentialJitter:
		if cfg.BaseMs <= 0 {
			return nil, fmt.Errorf("retrypolicy: BaseMs must be positive, got %d", cfg.BaseMs)
		}
		if cfg.MaxDelayMs <= 0 {
			return nil, fmt.Errorf("retrypolicy: MaxDelayMs must be positive, got %d", cfg.MaxDelayMs)
		}
	default:
		return nil, fmt.Errorf("retrypolicy: unknown strategy %d", cfg.Strategy)
	}
	return &Policy{cfg: cfg}, nil
}

// Next computes the terminal for headers h given handler error err. err
// is assumed non-nil; callers default to Ack when the handler returns no
// error at all (step 3 of §4.5 in the design).
func (p *Policy) Next(h envelope.Headers, err error) Terminal {
	if p.cfg.IsRetryable != nil && !p.cfg.IsRetryable(err) {
		return Terminal{Kind: DLQ, Reason: "non-retryable"}
	}

	nextAttempt := h.Attempt + 1
	if nextAttempt >= p.cfg.MaxAttempts {
		return Terminal{Kind: DLQ, Reason: fmt.Sprintf("maxAttempts(%d)", p.cfg.MaxAttempts)}
	}

	return Terminal{Kind: Retry, DelayMs: p.delay(h.Attempt)}
}

func (p *Policy) delay(attempt int) int64 {
	switch p.cfg.Strategy {
	case StrategyConstant:
		return p.cfg.DelayMs
	case StrategyExponentialJitter:
		capMs := p.cfg.BaseMs * pow2(attempt)
		if capMs > p.cfg.MaxDelayMs || capMs < 0 {
			capMs = p.cfg.MaxDelayMs
		}
		// Draw uniformly from [0, capMs] inclusive.
		return rand.Int64N(capMs + 1)
	default:
		return 0
	}
}

// pow2 computes 2^n for n >= 0, saturating to avoid overflow for large
// attempt counts (the result only matters relative to MaxDelayMs).
func pow2(n int) int64 {
	if n < 0 {
		return 1
	}
	if n >= 62 {
		return 1 << 62
	}
	return int64(1) << uint(n)
}
