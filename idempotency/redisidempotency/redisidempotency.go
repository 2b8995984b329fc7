// Package redisidempotency implements idempotency.Cache over a
// streamclient.KV, for deployments that already run the Redis/Valkey
// server the streams live on.
package redisidempotency

import (
	"context"
	"fmt"
	"time"

	"jobrunner/idempotency"
	"jobrunner/streamclient"
)

type Cache struct {
	kv streamclient.KV
}

func New(kv streamclient.KV) *Cache {
	return &Cache{kv: kv}
}

func (c *Cache) Reserve(ctx context.Context, key, value string, ttl time.Duration) (bool, string, error) {
	ok, err := c.kv.SetNX(ctx, key, value, ttl)
	if err != nil {
		return false, "", fmt.Errorf("redisidempotency: setnx %s: %w", key, err)
	}
	if ok {
		return true, value, nil
	}
	current, found, err := c.kv.Get(ctx, key)
	if err != nil {
		return false, "", fmt.Errorf("redisidempotency: get %s: %w", key, err)
	}
	if !found {
		// Raced with an expiry between SetNX and Get: the key is free
		// again, so attempt the reservation once more.
		return c.Reserve(ctx, key, value, ttl)
	}
	return false, current, nil
}

func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.kv.Set(ctx, key, value, ttl); err != nil {
		return fmt.Errorf("redisidempotency: set %s: %w", key, err)
	}
	return nil
}

var _ idempotency.Cache = (*Cache)(nil)
