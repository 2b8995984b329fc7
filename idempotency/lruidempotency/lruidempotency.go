// Package lruidempotency implements idempotency.Cache backed by
// hashicorp/golang-lru/v2, for single-process deployments or tests that
// want idempotency semantics without a shared store.
//
// Not safe across multiple consumer processes: two processes each
// holding their own cache will both believe they reserved the same
// key. Use redisidempotency when more than one process needs a shared
// view.
package lruidempotency

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"jobrunner/idempotency"
)

// entry wraps a cached value with its own expiry, mirroring the
// teacher's filterOptionsCacheEntry pattern — the LRU library itself
// has no TTL notion, so expiry is tracked alongside the value.
type entry struct {
	value     string
	expiresAt time.Time
}

type Cache struct {
	mu  sync.Mutex // protects cache (LRU Get/Add mutate internal state)
	c   *lru.Cache[string, *entry]
	ttl time.Duration
}

// New creates a cache holding up to size distinct keys, each defaulting
// to defaultTTL unless a call passes its own ttl.
func New(size int, defaultTTL time.Duration) *Cache {
	c, _ := lru.New[string, *entry](size)
	return &Cache{c: c, ttl: defaultTTL}
}

func (c *Cache) Reserve(ctx context.Context, key, value string, ttl time.Duration) (bool, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.c.Get(key); ok && time.Now().Before(e.expiresAt) {
		return false, e.value, nil
	}
	c.add(key, value, ttl)
	return true, value, nil
}

func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.add(key, value, ttl)
	return nil
}

func (c *Cache) add(key, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.c.Add(key, &entry{value: value, expiresAt: time.Now().Add(ttl)})
}

var _ idempotency.Cache = (*Cache)(nil)
