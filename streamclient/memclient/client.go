// Package memclient implements the full streamclient capability set
// in-process, with no network dependency, so producer, consumer,
// scheduler, and reclaim can be exercised deterministically in tests —
// matching §4.3's requirement that "the core must be testable against an
// in-memory fake."
package memclient

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"jobrunner/streamclient"
)

type entry struct {
	id     string
	fields map[string]string
}

type pendingEntry struct {
	consumer      string
	deliveredAt   time.Time
	deliveryCount int64
}

type group struct {
	cursor  int // index into stream.entries of the next undelivered entry
	pending map[string]*pendingEntry
}

type stream struct {
	entries []entry
	groups  map[string]*group
	seq     int64
}

type kvEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// Client is an in-memory implementation of every streamclient optional
// and required capability.
type Client struct {
	mu      sync.Mutex
	streams map[string]*stream
	zsets   map[string]map[string]float64
	kv      map[string]kvEntry

	// Now returns the current time; overridable in tests to simulate
	// idle time passing without a real sleep.
	Now func() time.Time
}

// New returns an empty in-memory client.
func New() *Client {
	return &Client{
		streams: make(map[string]*stream),
		zsets:   make(map[string]map[string]float64),
		kv:      make(map[string]kvEntry),
		Now:     time.Now,
	}
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Client) stream(name string) *stream {
	s, ok := c.streams[name]
	if !ok {
		s = &stream{groups: make(map[string]*group)}
		c.streams[name] = s
	}
	return s
}

func (c *Client) Append(ctx context.Context, name string, fields map[string]string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stream(name)
	s.seq++
	id := fmt.Sprintf("%d-0", s.seq)

	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	s.entries = append(s.entries, entry{id: id, fields: cp})
	return id, nil
}

func (c *Client) ReadGroup(ctx context.Context, streamName, groupName, consumer string, count int64, block time.Duration) ([]streamclient.Message, error) {
	deadline := c.now().Add(block)
	for {
		msgs := c.readGroupOnce(streamName, groupName, consumer, count)
		if len(msgs) > 0 || block <= 0 || c.now().After(deadline) {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (c *Client) readGroupOnce(streamName, groupName, consumer string, count int64) []streamclient.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stream(streamName)
	g, ok := s.groups[groupName]
	if !ok {
		return nil
	}

	var out []streamclient.Message
	for int64(len(out)) < count && g.cursor < len(s.entries) {
		e := s.entries[g.cursor]
		g.cursor++
		g.pending[e.id] = &pendingEntry{consumer: consumer, deliveredAt: c.now(), deliveryCount: 1}
		out = append(out, toMessage(e))
	}
	return out
}

func (c *Client) Ack(ctx context.Context, streamName, groupName string, ids ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.streams[streamName]
	if !ok {
		return nil
	}
	g, ok := s.groups[groupName]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (c *Client) EnsureGroup(ctx context.Context, streamName, groupName, start string, makeStream bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stream(streamName)
	if _, exists := s.groups[groupName]; exists {
		return nil // BUSYGROUP is not an error.
	}

	cursor := len(s.entries)
	if start == "0" {
		cursor = 0
	}
	s.groups[groupName] = &group{cursor: cursor, pending: make(map[string]*pendingEntry)}
	return nil
}

func (c *Client) Groups(ctx context.Context, streamName string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.streams[streamName]
	if !ok {
		return nil, nil
	}
	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *Client) Len(ctx context.Context, streamName string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.streams[streamName]
	if !ok {
		return 0, nil
	}
	return int64(len(s.entries)), nil
}

// Range returns entries with id in [start, end] in stream order, up to
// count. "-" and "+" stand in for the lowest/highest id, matching XRANGE.
func (c *Client) Range(ctx context.Context, streamName, start, end string, count int64) ([]streamclient.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.streams[streamName]
	if !ok {
		return nil, nil
	}

	var out []streamclient.Message
	for _, e := range s.entries {
		if start != "-" && compareIDs(e.id, start) < 0 {
			continue
		}
		if end != "+" && compareIDs(e.id, end) > 0 {
			continue
		}
		out = append(out, streamclient.Message{ID: e.id, Fields: e.fields})
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

// Delete removes ids from stream outright, returning how many were
// actually present and removed.
func (c *Client) Delete(ctx context.Context, streamName string, ids ...string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.streams[streamName]
	if !ok {
		return 0, nil
	}

	toDelete := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		toDelete[id] = struct{}{}
	}

	var removed int64
	kept := s.entries[:0]
	for _, e := range s.entries {
		if _, match := toDelete[e.id]; match {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed, nil
}

// compareIDs compares two "<seq>-0" stream ids numerically by sequence.
func compareIDs(a, b string) int {
	pa, pb := seqOf(a), seqOf(b)
	switch {
	case pa < pb:
		return -1
	case pa > pb:
		return 1
	default:
		return 0
	}
}

func seqOf(id string) int64 {
	var seq int64
	for i := 0; i < len(id) && id[i] != '-'; i++ {
		if id[i] < '0' || id[i] > '9' {
			return 0
		}
		seq = seq*10 + int64(id[i]-'0')
	}
	return seq
}

func (c *Client) PendingIdle(ctx context.Context, streamName, groupName string, minIdleMs int64, count int64) ([]streamclient.PendingEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.streams[streamName]
	if !ok {
		return nil, nil
	}
	g, ok := s.groups[groupName]
	if !ok {
		return nil, nil
	}

	var out []streamclient.PendingEntry
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := c.now()
	for _, id := range ids {
		p := g.pending[id]
		idle := now.Sub(p.deliveredAt).Milliseconds()
		if idle < minIdleMs {
			continue
		}
		out = append(out, streamclient.PendingEntry{
			ID: id, Consumer: p.consumer, IdleMs: idle, DeliveryCt: p.deliveryCount,
		})
		if int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (c *Client) Claim(ctx context.Context, streamName, groupName, consumer string, minIdleMs int64, ids ...string) ([]streamclient.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.streams[streamName]
	if !ok {
		return nil, nil
	}
	g, ok := s.groups[groupName]
	if !ok {
		return nil, nil
	}

	byID := make(map[string]entry, len(s.entries))
	for _, e := range s.entries {
		byID[e.id] = e
	}

	now := c.now()
	var out []streamclient.Message
	for _, id := range ids {
		p, ok := g.pending[id]
		if !ok {
			continue
		}
		if now.Sub(p.deliveredAt).Milliseconds() < minIdleMs {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveryCount++
		if e, ok := byID[id]; ok {
			out = append(out, toMessage(e))
		}
	}
	return out, nil
}

func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	z, ok := c.zsets[key]
	if !ok {
		z = make(map[string]float64)
		c.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (c *Client) ZPopMin(ctx context.Context, key string, count int64) ([]streamclient.ScoredMember, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	z := c.zsets[key]
	members := sortedMembers(z)
	if int64(len(members)) > count {
		members = members[:count]
	}
	for _, m := range members {
		delete(z, m.Member)
	}
	return members, nil
}

func (c *Client) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]streamclient.ScoredMember, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	z := c.zsets[key]
	var out []streamclient.ScoredMember
	for _, m := range sortedMembers(z) {
		if m.Score < min || m.Score > max {
			continue
		}
		out = append(out, m)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (c *Client) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	z, ok := c.zsets[key]
	if !ok {
		return 0, nil
	}
	var n int64
	for _, m := range members {
		if _, ok := z[m]; ok {
			delete(z, m)
			n++
		}
	}
	return n, nil
}

// EvalReserveAndAppend mirrors the Redis Lua script in
// streamclient/redisclient/script.go: atomic because the in-memory
// client serializes every call behind c.mu.
func (c *Client) EvalReserveAndAppend(ctx context.Context, key string, ttlSec int64, streamName string, fields map[string]string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	existing, ok := c.kv[key]
	reserved := !ok || (!existing.expiresAt.IsZero() && now.After(existing.expiresAt))
	if !reserved {
		return existing.value, nil
	}

	expiresAt := now.Add(time.Duration(ttlSec) * time.Second)
	c.kv[key] = kvEntry{value: "PENDING", expiresAt: expiresAt}

	s := c.stream(streamName)
	s.seq++
	id := fmt.Sprintf("%d-0", s.seq)
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	s.entries = append(s.entries, entry{id: id, fields: cp})

	// SET ... KEEPTTL: preserve the expiry set above.
	c.kv[key] = kvEntry{value: id, expiresAt: expiresAt}
	return id, nil
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.kv[key]
	if !ok || (!e.expiresAt.IsZero() && c.now().After(e.expiresAt)) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	c.kv[key] = kvEntry{value: value, expiresAt: expiresAt}
	return nil
}

func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.kv[key]
	if exists && (e.expiresAt.IsZero() || !c.now().After(e.expiresAt)) {
		return false, nil
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	c.kv[key] = kvEntry{value: value, expiresAt: expiresAt}
	return true, nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, k := range keys {
		delete(c.kv, k)
	}
	return nil
}

func sortedMembers(z map[string]float64) []streamclient.ScoredMember {
	out := make([]streamclient.ScoredMember, 0, len(z))
	for m, score := range z {
		out = append(out, streamclient.ScoredMember{Member: m, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

func toMessage(e entry) streamclient.Message {
	cp := make(map[string]string, len(e.fields))
	for k, v := range e.fields {
		cp[k] = v
	}
	return streamclient.Message{ID: e.id, Fields: cp}
}

var (
	_ streamclient.Required      = (*Client)(nil)
	_ streamclient.PendingLister = (*Client)(nil)
	_ streamclient.Claimer       = (*Client)(nil)
	_ streamclient.ZSetter       = (*Client)(nil)
	_ streamclient.Scripter      = (*Client)(nil)
	_ streamclient.KV            = (*Client)(nil)
	_ streamclient.Ranger        = (*Client)(nil)
	_ streamclient.Deleter       = (*Client)(nil)
)
