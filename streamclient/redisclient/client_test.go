package redisclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobrunner/jobrunnerlog"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, jobrunnerlog.Nop{}), mr
}

func TestClient_AppendReadGroupAck(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	require.NoError(t, c.EnsureGroup(ctx, "s", "g", "0", true))

	id, err := c.Append(ctx, "s", map[string]string{"a": "1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := c.ReadGroup(ctx, "s", "g", "consumer-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, "1", msgs[0].Fields["a"])

	require.NoError(t, c.Ack(ctx, "s", "g", id))

	n, err := c.Len(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClient_EnsureGroup_BusyGroupIsNotError(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	require.NoError(t, c.EnsureGroup(ctx, "s", "g", "$", true))
	require.NoError(t, c.EnsureGroup(ctx, "s", "g", "$", true))
}

func TestClient_GroupsAndLen(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	_, err := c.Append(ctx, "s", map[string]string{"a": "1"})
	require.NoError(t, err)
	require.NoError(t, c.EnsureGroup(ctx, "s", "g1", "0", true))
	require.NoError(t, c.EnsureGroup(ctx, "s", "g2", "0", true))

	groups, err := c.Groups(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"g1", "g2"}, groups)

	n, err := c.Len(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClient_Groups_NoSuchKeyIsNotError(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	groups, err := c.Groups(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestClient_PendingAndClaim(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)

	require.NoError(t, c.EnsureGroup(ctx, "s", "g", "0", true))
	id, err := c.Append(ctx, "s", map[string]string{"a": "1"})
	require.NoError(t, err)

	_, err = c.ReadGroup(ctx, "s", "g", "consumer-1", 10, 0)
	require.NoError(t, err)

	mr.FastForward(10 * time.Second)

	pending, err := c.PendingIdle(ctx, "s", "g", 5000, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, "consumer-1", pending[0].Consumer)

	claimed, err := c.Claim(ctx, "s", "g", "consumer-2", 5000, id)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)
}

func TestClient_ZSetOperations(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

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

	n, err := c.ZRem(ctx, "z", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestClient_EvalReserveAndAppend(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	id1, err := c.EvalReserveAndAppend(ctx, "idem:key", 60, "s", map[string]string{"a": "1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id1)

	id2, err := c.EvalReserveAndAppend(ctx, "idem:key", 60, "s", map[string]string{"a": "2"})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	n, err := c.Len(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClient_KVSetGetSetNXDel(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

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
