// Package streamclient defines the capability surface (C3) the core
// depends on: a narrow required interface plus a set of independently
// nullable optional interfaces. No concrete client type leaks into
// producer, consumer, scheduler, or reclaim — they depend only on these
// interfaces, which makes them testable against an in-memory fake
// (see streamclient/memclient) without a live Valkey/Redis server.
package streamclient

import (
	"context"
	"time"
)

// Message is a single stream entry: a server-assigned id plus the flat
// field map the codec reads and writes.
type Message struct {
	ID     string
	Fields map[string]string
}

// Required is the minimum capability set every client must provide.
type Required interface {
	// Append adds fields to stream, returning the server-assigned id.
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)

	// ReadGroup reads up to count new entries (id ">") for consumer in
	// group on stream, blocking up to block for entries to arrive.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error)

	// Ack acknowledges ids for group on stream.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// EnsureGroup creates group on stream starting at start (e.g. "$" or
	// "0"), creating the stream if makeStream is true. "Group already
	// exists" is not an error (§3 invariant 6).
	EnsureGroup(ctx context.Context, stream, group, start string, makeStream bool) error

	// Groups lists the consumer group names currently defined on stream.
	Groups(ctx context.Context, stream string) ([]string, error)

	// Len returns the number of entries currently in stream.
	Len(ctx context.Context, stream string) (int64, error)
}

// PendingEntry describes one entry in a consumer group's pending list.
type PendingEntry struct {
	ID         string
	Consumer   string
	IdleMs     int64
	DeliveryCt int64
}

// PendingLister is an optional capability: listing pending entries by
// idle time, used by the claim loop (C7) to find reclaim candidates.
type PendingLister interface {
	// PendingIdle returns up to count pending entries for group on
	// stream that have been idle at least minIdleMs.
	PendingIdle(ctx context.Context, stream, group string, minIdleMs int64, count int64) ([]PendingEntry, error)
}

// Claimer is an optional capability: transferring pending entries to a
// different consumer (the actual reclaim operation).
type Claimer interface {
	// Claim reassigns ids to consumer if they are still idle at least
	// minIdleMs, returning the reclaimed entries with their fields.
	Claim(ctx context.Context, stream, group, consumer string, minIdleMs int64, ids ...string) ([]Message, error)
}

// ScoredMember is one member of a sorted set together with its score.
type ScoredMember struct {
	Member string
	Score  float64
}

// ZSetter is an optional capability: sorted-set operations backing the
// retry scheduler (C6).
type ZSetter interface {
	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZPopMin pops up to count of the smallest-scored members.
	ZPopMin(ctx context.Context, key string, count int64) ([]ScoredMember, error)
	// ZRangeByScore returns up to limit members with score in [min, max].
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ScoredMember, error)
	// ZRem removes members, returning how many were actually removed.
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
}

// Scripter is an optional capability: atomic server-side script
// invocation, required for the producer's reserve-and-append idempotency
// path (§4.4) since that sequence cannot be split across round trips.
type Scripter interface {
	// EvalReserveAndAppend atomically: (a) attempts SET NX key PENDING
	// EX ttlSec; (b) if reserved, XADD stream fields then SET key <id>
	// KEEPTTL; (c) if not reserved, returns the current value of key.
	// Returns the stream id when newly appended, or the prior stored
	// value ("PENDING" or an earlier id) otherwise.
	EvalReserveAndAppend(ctx context.Context, key string, ttlSec int64, stream string, fields map[string]string) (string, error)
}

// KV is an optional capability: simple keyspace operations backing
// idempotency reservations that don't go through Scripter (e.g. the
// consumer's handler-level idempotency key, which only needs a plain
// SETNX/GET/SET, not an atomic append).
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets key to value with ttl only if key does not already
	// exist, reporting whether the set happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// Ranger is an optional capability: scanning raw stream entries by id
// range, independent of any consumer group. Used by dlqarchive to walk
// a DLQ stream's full history when deciding what to archive.
type Ranger interface {
	// Range returns up to count entries with id in [start, end] ("-" and
	// "+" mean the lowest/highest possible id, matching XRANGE).
	Range(ctx context.Context, stream, start, end string, count int64) ([]Message, error)
}

// Deleter is an optional capability: removing specific entries from a
// stream outright (XDEL), used by dlqarchive to trim entries once their
// archival upload is confirmed.
type Deleter interface {
	Delete(ctx context.Context, stream string, ids ...string) (int64, error)
}

// Client is the same method set as Required; it does not include the
// optional capabilities. Dependents type-assert individual optional
// interfaces off a Required value to detect what's available, degrading
// gracefully when a capability is absent (§6.1, §7).
type Client interface {
	Required
}
