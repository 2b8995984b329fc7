package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobrunner/envelope"
	"jobrunner/retrypolicy"
	"jobrunner/streamclient/memclient"
)

func constantPolicy(t *testing.T, maxAttempts int) *retrypolicy.Policy {
	t.Helper()
	p, err := retrypolicy.New(retrypolicy.Config{
		MaxAttempts: maxAttempts,
		Strategy:    retrypolicy.StrategyConstant,
		DelayMs:     10,
	})
	require.NoError(t, err)
	return p
}

func appendEnvelope(t *testing.T, client *memclient.Client, stream, payload string) string {
	t.Helper()
	fields, err := envelope.JSONCodec{}.Encode(envelope.Envelope{
		Headers: envelope.Headers{Type: "msg"},
		Payload: payload,
	})
	require.NoError(t, err)
	id, err := client.Append(context.Background(), stream, fields)
	require.NoError(t, err)
	return id
}

// S1 Happy path.
func TestWorker_HappyPath(t *testing.T) {
	ctx := context.Background()
	client := memclient.New()

	var calls int32
	var lastPayload string
	var mu sync.Mutex
	handler := func(ctx context.Context, payload string, meta Meta) error {
		atomic.AddInt32(&calls, 1)
		mu.Lock()
		lastPayload = payload
		mu.Unlock()
		return nil
	}

	w, err := New(client, Config{
		Stream:      "orders",
		Group:       "g",
		Consumer:    "c1",
		Codec:       envelope.JSONCodec{},
		Handler:     handler,
		RetryPolicy: constantPolicy(t, 5),
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))
	defer w.Stop(ctx, StopOpts{Drain: true, TimeoutMs: 1000})

	appendEnvelope(t, client, "orders", `{"value":"hello"}`)

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, `{"value":"hello"}`, lastPayload)
	mu.Unlock()

	n, err := client.Len(ctx, "orders:dlq")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

// S2 Retry then succeed.
func TestWorker_RetryThenSucceed(t *testing.T) {
	ctx := context.Background()
	client := memclient.New()

	var calls int32
	handler := func(ctx context.Context, payload string, meta Meta) error {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return errors.New("not yet")
		}
		return nil
	}

	w, err := New(client, Config{
		Stream:      "orders",
		Group:       "g",
		Consumer:    "c1",
		Codec:       envelope.JSONCodec{},
		Handler:     handler,
		RetryPolicy: constantPolicy(t, 5),
		Scheduling:  SchedulingConfig{Mode: SchedulingNone},
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))
	defer w.Stop(ctx, StopOpts{Drain: true, TimeoutMs: 1000})

	appendEnvelope(t, client, "orders", `{"value":"hello"}`)

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 3 }, time.Second, 5*time.Millisecond)

	n, err := client.Len(ctx, "orders:dlq")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

// S3 DLQ on exhaustion.
func TestWorker_DLQOnExhaustion(t *testing.T) {
	ctx := context.Background()
	client := memclient.New()

	var calls int32
	handler := func(ctx context.Context, payload string, meta Meta) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	}

	w, err := New(client, Config{
		Stream:      "orders",
		Group:       "g",
		Consumer:    "c1",
		Codec:       envelope.JSONCodec{},
		Handler:     handler,
		RetryPolicy: constantPolicy(t, 2),
		Scheduling:  SchedulingConfig{Mode: SchedulingNone},
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))
	defer w.Stop(ctx, StopOpts{Drain: true, TimeoutMs: 1000})

	appendEnvelope(t, client, "orders", `{"value":"hello"}`)

	assert.Eventually(t, func() bool {
		n, _ := client.Len(ctx, "orders:dlq")
		return n == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

// S5 Crash recovery.
func TestWorker_ClaimLoopRecoversStalledEntry(t *testing.T) {
	ctx := context.Background()
	client := memclient.New()

	require.NoError(t, client.EnsureGroup(ctx, "orders", "g", "0", true))
	id := appendEnvelope(t, client, "orders", `{"value":"hello"}`)

	// Simulate a crashed worker: it read the entry but never acked.
	_, err := client.ReadGroup(ctx, "orders", "g", "stale-consumer", 10, 0)
	require.NoError(t, err)

	var calls int32
	handler := func(ctx context.Context, payload string, meta Meta) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	w, err := New(client, Config{
		Stream:      "orders",
		Group:       "g",
		Consumer:    "recovering-consumer",
		Codec:       envelope.JSONCodec{},
		Handler:     handler,
		RetryPolicy: constantPolicy(t, 5),
		PELClaim:    PELClaimConfig{Enabled: true, MinIdleMs: 10, IntervalMs: 10, MaxPerTick: 10},
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))
	defer w.Stop(ctx, StopOpts{Drain: true, TimeoutMs: 1000})

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, time.Second, 5*time.Millisecond)

	pending, err := client.PendingIdle(ctx, "orders", "g", 0, 10)
	require.NoError(t, err)
	for _, p := range pending {
		assert.NotEqual(t, id, p.ID)
	}
}

func TestWorker_StartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	client := memclient.New()
	w, err := New(client, Config{
		Stream:      "orders",
		Group:       "g",
		Consumer:    "c1",
		Codec:       envelope.JSONCodec{},
		Handler:     func(context.Context, string, Meta) error { return nil },
		RetryPolicy: constantPolicy(t, 5),
	})
	require.NoError(t, err)

	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Start(ctx))
	assert.Equal(t, Running, w.State())

	require.NoError(t, w.Stop(ctx, StopOpts{}))
	require.NoError(t, w.Stop(ctx, StopOpts{}))
	assert.Equal(t, Stopped, w.State())
}

func TestNew_ValidatesConfig(t *testing.T) {
	client := memclient.New()
	_, err := New(client, Config{})
	assert.Error(t, err)
}
