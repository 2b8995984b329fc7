package memclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendReadGroupAck(t *testing.T) {
	ctx := context.Background()
	c := New()

	require.NoError(t, c.EnsureGroup(ctx, "s", "g", "0", true))

	id1, err := c.Append(ctx, "s", map[string]string{"a": "1"})
	require.NoError(t, err)
	id2, err := c.Append(ctx, "s", map[string]string{"a": "2"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	msgs, err := c.ReadGroup(ctx, "s", "g", "consumer-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, id1, msgs[0].ID)
	assert.Equal(t, "1", msgs[0].Fields["a"])

	// A second read sees nothing new.
	msgs, err = c.ReadGroup(ctx, "s", "g", "consumer-1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, c.Ack(ctx, "s", "g", id1, id2))

	pending, err := c.PendingIdle(ctx, "s", "g", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEnsureGroup_ExistingIsNotError(t *testing.T) {
	ctx := context.Background()
	c := New()

	require.NoError(t, c.EnsureGroup(ctx, "s", "g", "0", true))
	require.NoError(t, c.EnsureGroup(ctx, "s", "g", "0", true))
}

func TestPendingIdleAndClaim(t *testing.T) {
	ctx := context.Background()
	c := New()
	now := time.Now()
	c.Now = func() time.Time { return now }

	require.NoError(t, c.EnsureGroup(ctx, "s", "g", "0", true))
	id, err := c.Append(ctx, "s", map[string]string{"a": "1"})
	require.NoError(t, err)

	_, err = c.ReadGroup(ctx, "s", "g", "consumer-1", 10, 0)
	require.NoError(t, err)

	// Not idle enough yet.
	pending, err := c.PendingIdle(ctx, "s", "g", 5000, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	now = now.Add(10 * time.Second)
	pending, err = c.PendingIdle(ctx, "s", "g", 5000, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, "consumer-1", pending[0].Consumer)
	assert.Equal(t, int64(1), pending[0].DeliveryCt)

	claimed, err := c.Claim(ctx, "s", "g", "consumer-2", 5000, id)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)

	pending, err = c.PendingIdle(ctx, "s", "g", 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "consumer-2", pending[0].Consumer)
	assert.Equal(t, int64(2), pending[0].DeliveryCt)
}

func TestZSetOperations(t *testing.T) {
	ctx := context.Background()
	c := New()

	require.NoError(t, c.ZAdd(ctx, "z", 3, "c"))
	require.NoError(t, c.ZAdd(ctx, "z", 1, "a"))
	require.NoError(t, c.ZAdd(ctx, "z", 2, "b"))

	ranged, err := c.ZRangeByScore(ctx, "z", 0, 2, 10)
	require.NoError(t, err)
	require.Len(t, ranged, 2)
	assert.Equal(t, "a", ranged[0].Member)
	assert.Equal(t, "b", ranged[1].Member)

	popped, err := c.ZPopMin(ctx, "z", 1)
	require.NoError(t, err)
	require.Len(t, popped, 1)
	assert.Equal(t, "a", popped[0].Member)

	n, err := c.ZRem(ctx, "z", "b", "c", "nonexistent")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestEvalReserveAndAppend_Idempotent(t *testing.T) {
	ctx := context.Background()
	c := New()

	id1, err := c.EvalReserveAndAppend(ctx, "idem:key", 60, "s", map[string]string{"a": "1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id1)

	id2, err := c.EvalReserveAndAppend(ctx, "idem:key", 60, "s", map[string]string{"a": "1"})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	n, err := c.Len(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEvalReserveAndAppend_ReReservesAfterExpiry(t *testing.T) {
	ctx := context.Background()
	c := New()
	now := time.Now()
	c.Now = func() time.Time { return now }

	id1, err := c.EvalReserveAndAppend(ctx, "idem:key", 1, "s", map[string]string{"a": "1"})
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	id2, err := c.EvalReserveAndAppend(ctx, "idem:key", 1, "s", map[string]string{"a": "2"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}

func TestKVSetNXGetDel(t *testing.T) {
	ctx := context.Background()
	c := New()

	ok, err := c.SetNX(ctx, "k", "v1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, "k", "v2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	val, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", val)

	require.NoError(t, c.Del(ctx, "k"))
	_, found, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReadGroup_BlocksUntilEntryArrives(t *testing.T) {
	ctx := context.Background()
	c := New()
	require.NoError(t, c.EnsureGroup(ctx, "s", "g", "0", true))

	done := make(chan []string)
	go func() {
		msgs, err := c.ReadGroup(ctx, "s", "g", "consumer-1", 10, 200*time.Millisecond)
		require.NoError(t, err)
		ids := make([]string, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		done <- ids
	}()

	time.Sleep(20 * time.Millisecond)
	id, err := c.Append(ctx, "s", map[string]string{"a": "1"})
	require.NoError(t, err)

	select {
	case ids := <-done:
		require.Len(t, ids, 1)
		assert.Equal(t, id, ids[0])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for blocking read")
	}
}
