// Package idempotency defines the reservation contract the consumer's
// handler-level idempotency uses (§4.5 step 2). The producer's atomic
// reserve-and-append path goes through streamclient.Scripter instead.
package idempotency

import (
	"context"
	"time"
)

// Cache reserves a key for at-most-once semantics within a TTL window.
type Cache interface {
	// Reserve attempts to set key to value with ttl if key is not
	// already held. If reserved is false, current holds the value
	// already stored at key.
	Reserve(ctx context.Context, key, value string, ttl time.Duration) (reserved bool, current string, err error)
	// Set overwrites key's value, refreshing its TTL, regardless of
	// whether a reservation is held. Used to transition a reservation
	// to a terminal state (e.g. PENDING -> DONE).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}
