// Package ratelimit throttles enqueue requests on the HTTP API. Each enqueue
// walks the filesystem and opens every PDF it finds, so callers are limited
// per client address.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ocr:ratelimit:"

// Bucket is a token bucket kept in Redis so that several serve instances
// sharing an inbox also share one budget.
type Bucket struct {
	client   *redis.Client
	capacity int
	refill   float64
	ttl      time.Duration
	now      func() time.Time
}

// NewBucket allows capacity requests in a burst, refilled at refillPerSecond.
func NewBucket(client *redis.Client, capacity int, refillPerSecond float64) *Bucket {
	ttl := time.Hour
	if refillPerSecond > 0 {
		ttl = time.Duration(float64(capacity)/refillPerSecond*float64(time.Second)) + time.Minute
	}
	return &Bucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow takes one token for key and reports whether the request may proceed.
func (b *Bucket) Allow(ctx context.Context, key string) (bool, error) {
	res, err := takeScript.Run(ctx, b.client, []string{keyPrefix + key},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) == 0 {
		return false, fmt.Errorf("rate limit %s: empty reply", key)
	}
	return res[0] == 1, nil
}

var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'at')
local tokens = tonumber(state[1]) or capacity
local at = tonumber(state[2]) or now

tokens = math.min(capacity, tokens + math.max(0, now - at) / 1000 * refill)
local ok = 0
if tokens >= 1 then
  ok = 1
  tokens = tokens - 1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'at', now)
redis.call('PEXPIRE', KEYS[1], ttl)
return {ok, math.floor(tokens)}
`)
