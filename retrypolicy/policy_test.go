package retrypolicy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobrunner/envelope"
)

func TestPolicy_Next_NonRetryable(t *testing.T) {
	p, err := New(Config{
		MaxAttempts: 5,
		Strategy:    StrategyConstant,
		DelayMs:     100,
		IsRetryable: func(error) bool { return false },
	})
	require.NoError(t, err)

	term := p.Next(envelope.Headers{Attempt: 0}, errors.New("boom"))
	assert.Equal(t, DLQ, term.Kind)
	assert.Equal(t, "non-retryable", term.Reason)
}

func TestPolicy_Next_MaxAttempts(t *testing.T) {
	p, err := New(Config{MaxAttempts: 2, Strategy: StrategyConstant, DelayMs: 100})
	require.NoError(t, err)

	// attempt=0 -> nextAttempt=1, not >= 2, retry.
	term := p.Next(envelope.Headers{Attempt: 0}, errors.New("boom"))
	assert.Equal(t, Retry, term.Kind)

	// attempt=1 -> nextAttempt=2, >= 2, dlq.
	term = p.Next(envelope.Headers{Attempt: 1}, errors.New("boom"))
	assert.Equal(t, DLQ, term.Kind)
	assert.Equal(t, "maxAttempts(2)", term.Reason)
}

func TestPolicy_Next_Constant(t *testing.T) {
	p, err := New(Config{MaxAttempts: 10, Strategy: StrategyConstant, DelayMs: 250})
	require.NoError(t, err)

	term := p.Next(envelope.Headers{Attempt: 3}, errors.New("boom"))
	require.Equal(t, Retry, term.Kind)
	assert.Equal(t, int64(250), term.DelayMs)
}

func TestPolicy_Next_ExponentialJitterBounds(t *testing.T) {
	p, err := New(Config{
		MaxAttempts: 100,
		Strategy:    StrategyExponentialJitter,
		BaseMs:      250,
		MaxDelayMs:  60_000,
	})
	require.NoError(t, err)

	for attempt := 0; attempt < 20; attempt++ {
		wantCap := int64(250)
		for i := 0; i < attempt; i++ {
			wantCap *= 2
			if wantCap > 60_000 {
				wantCap = 60_000
				break
			}
		}
		for i := 0; i < 50; i++ {
			term := p.Next(envelope.Headers{Attempt: attempt}, errors.New("boom"))
			require.Equal(t, Retry, term.Kind)
			assert.GreaterOrEqual(t, term.DelayMs, int64(0))
			assert.LessOrEqual(t, term.DelayMs, wantCap)
		}
	}
}

func TestNew_ValidatesConfig(t *testing.T) {
	_, err := New(Config{MaxAttempts: 0})
	assert.Error(t, err)

	_, err = New(Config{MaxAttempts: 3, Strategy: StrategyExponentialJitter})
	assert.Error(t, err)

	_, err = New(Config{MaxAttempts: 3, Strategy: Strategy(99)})
	assert.Error(t, err)
}
