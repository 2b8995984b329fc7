// Package redisclient implements streamclient.Client (plus every optional
// capability) over github.com/redis/go-redis/v9, matching the connection
// setup in internal/infrastructure/database/redis.go and the
// XADD/XREADGROUP/XACK/XGROUPCREATE usage in
// internal/workers/telemetry_stream_consumer.go.
package redisclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"jobrunner/jobrunnerlog"
	"jobrunner/streamclient"
)

// Client wraps a *redis.Client, implementing the full streamclient
// capability set: Required plus PendingLister, Claimer, ZSetter,
// Scripter, KV, Ranger, and Deleter.
type Client struct {
	rdb *redis.Client
	log jobrunnerlog.Logger
}

// New wraps an already-connected *redis.Client. Connection setup
// (timeouts, pool sizing) is the caller's concern, matching
// NewRedisDB's pattern of configuring options before construction.
func New(rdb *redis.Client, log jobrunnerlog.Logger) *Client {
	if log == nil {
		log = jobrunnerlog.Nop{}
	}
	return &Client{rdb: rdb, log: log}
}

// Open parses addr as a redis:// URL, applies production-sane pool
// defaults, and verifies connectivity, mirroring NewRedisDB.
func Open(ctx context.Context, addr string, log jobrunnerlog.Logger) (*Client, error) {
	opt, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("redisclient: parse url: %w", err)
	}
	opt.MaxRetries = 3
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second
	opt.PoolSize = 10
	opt.PoolTimeout = 30 * time.Second
	opt.MaxIdleConns = 5

	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redisclient: ping: %w", err)
	}

	return New(rdb, log), nil
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Raw exposes the underlying *redis.Client for callers that need direct
// access (e.g. the demo binaries wiring health checks).
func (c *Client) Raw() *redis.Client { return c.rdb }

func (c *Client) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("redisclient: xadd %s: %w", stream, err)
	}
	return id, nil
}

func (c *Client) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]streamclient.Message, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redisclient: xreadgroup %s: %w", stream, err)
	}

	var out []streamclient.Message
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, toMessage(m))
		}
	}
	return out, nil
}

func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("redisclient: xack %s: %w", stream, err)
	}
	return nil
}

func (c *Client) EnsureGroup(ctx context.Context, stream, group, start string, makeStream bool) error {
	var err error
	if makeStream {
		err = c.rdb.XGroupCreateMkStream(ctx, stream, group, start).Err()
	} else {
		err = c.rdb.XGroupCreate(ctx, stream, group, start).Err()
	}
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redisclient: create group %s/%s: %w", stream, group, err)
	}
	return nil
}

func (c *Client) Groups(ctx context.Context, stream string) ([]string, error) {
	infos, err := c.rdb.XInfoGroups(ctx, stream).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return nil, nil
		}
		return nil, fmt.Errorf("redisclient: xinfo groups %s: %w", stream, err)
	}
	names := make([]string, len(infos))
	for i, g := range infos {
		names[i] = g.Name
	}
	return names, nil
}

func (c *Client) Len(ctx context.Context, stream string) (int64, error) {
	n, err := c.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("redisclient: xlen %s: %w", stream, err)
	}
	return n, nil
}

func (c *Client) Range(ctx context.Context, stream, start, end string, count int64) ([]streamclient.Message, error) {
	res, err := c.rdb.XRangeN(ctx, stream, start, end, count).Result()
	if err != nil {
		return nil, fmt.Errorf("redisclient: xrange %s: %w", stream, err)
	}

	out := make([]streamclient.Message, len(res))
	for i, m := range res {
		out[i] = toMessage(m)
	}
	return out, nil
}

func (c *Client) Delete(ctx context.Context, stream string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := c.rdb.XDel(ctx, stream, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("redisclient: xdel %s: %w", stream, err)
	}
	return n, nil
}

func (c *Client) PendingIdle(ctx context.Context, stream, group string, minIdleMs int64, count int64) ([]streamclient.PendingEntry, error) {
	res, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   time.Duration(minIdleMs) * time.Millisecond,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisclient: xpending %s/%s: %w", stream, group, err)
	}

	out := make([]streamclient.PendingEntry, len(res))
	for i, p := range res {
		out[i] = streamclient.PendingEntry{
			ID:         p.ID,
			Consumer:   p.Consumer,
			IdleMs:     p.Idle.Milliseconds(),
			DeliveryCt: p.RetryCount,
		}
	}
	return out, nil
}

func (c *Client) Claim(ctx context.Context, stream, group, consumer string, minIdleMs int64, ids ...string) ([]streamclient.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  time.Duration(minIdleMs) * time.Millisecond,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisclient: xclaim %s/%s: %w", stream, group, err)
	}
	out := make([]streamclient.Message, len(msgs))
	for i, m := range msgs {
		out[i] = toMessage(m)
	}
	return out, nil
}

func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("redisclient: zadd %s: %w", key, err)
	}
	return nil
}

func (c *Client) ZPopMin(ctx context.Context, key string, count int64) ([]streamclient.ScoredMember, error) {
	res, err := c.rdb.ZPopMin(ctx, key, count).Result()
	if err != nil {
		return nil, fmt.Errorf("redisclient: zpopmin %s: %w", key, err)
	}
	return toScoredMembers(res), nil
}

func (c *Client) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]streamclient.ScoredMember, error) {
	res, err := c.rdb.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:   fmt.Sprintf("%f", min),
		Max:   fmt.Sprintf("%f", max),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisclient: zrangebyscore %s: %w", key, err)
	}
	return toScoredMembers(res), nil
}

func (c *Client) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := c.rdb.ZRem(ctx, key, args...).Result()
	if err != nil {
		return 0, fmt.Errorf("redisclient: zrem %s: %w", key, err)
	}
	return n, nil
}

func (c *Client) EvalReserveAndAppend(ctx context.Context, key string, ttlSec int64, stream string, fields map[string]string) (string, error) {
	args := make([]interface{}, 0, 2+len(fields)*2)
	args = append(args, ttlSec, stream)
	for k, v := range fields {
		args = append(args, k, v)
	}

	res, err := reserveAndAppendScript.Run(ctx, c.rdb, []string{key}, args...).Result()
	if err != nil {
		return "", fmt.Errorf("redisclient: reserve-and-append %s: %w", key, err)
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("redisclient: reserve-and-append %s: unexpected script result %T", key, res)
	}
	return id, nil
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redisclient: get %s: %w", key, err)
	}
	return val, true, nil
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redisclient: set %s: %w", key, err)
	}
	return nil
}

func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redisclient: setnx %s: %w", key, err)
	}
	return ok, nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redisclient: del: %w", err)
	}
	return nil
}

func toMessage(m redis.XMessage) streamclient.Message {
	fields := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		if s, ok := v.(string); ok {
			fields[k] = s
		} else {
			fields[k] = fmt.Sprint(v)
		}
	}
	return streamclient.Message{ID: m.ID, Fields: fields}
}

func toScoredMembers(zs []redis.Z) []streamclient.ScoredMember {
	out := make([]streamclient.ScoredMember, len(zs))
	for i, z := range zs {
		member, _ := z.Member.(string)
		out[i] = streamclient.ScoredMember{Member: member, Score: z.Score}
	}
	return out
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
