package redisidempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobrunner/streamclient/memclient"
)

func TestReserve_FirstCallerWins(t *testing.T) {
	kv := memclient.New()
	c := New(kv)

	reserved, current, err := c.Reserve(context.Background(), "k", "PENDING", time.Minute)
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Equal(t, "PENDING", current)

	reserved, current, err = c.Reserve(context.Background(), "k", "PENDING", time.Minute)
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, "PENDING", current)
}

func TestSet_OverwritesReservation(t *testing.T) {
	kv := memclient.New()
	c := New(kv)

	_, _, err := c.Reserve(context.Background(), "k", "PENDING", time.Minute)
	require.NoError(t, err)

	require.NoError(t, c.Set(context.Background(), "k", "DONE", time.Hour))

	_, current, err := c.Reserve(context.Background(), "k", "PENDING", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "DONE", current)
}
