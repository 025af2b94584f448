package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the result of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// TokenBucket limits submissions per client with a token bucket kept in
// Redis, so every API replica shares the same budget.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity and refill
// rate. Idle buckets expire after ttl.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   "genjob:rl:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow consumes a single token from the bucket of clientKey if one is left.
func (b *TokenBucket) Allow(ctx context.Context, clientKey string) (Decision, error) {
	if clientKey == "" {
		clientKey = "anonymous"
	}
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + clientKey},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) < 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}

	d := Decision{Allowed: toFloat(res[0]) == 1, Remaining: toFloat(res[1])}
	if !d.Allowed && b.refill > 0 {
		missing := 1 - d.Remaining
		d.RetryAfter = time.Duration(math.Ceil(missing/b.refill*1000)) * time.Millisecond
	}
	return d, nil
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case float64:
		return t
	case string:
		var f float64
		_, _ = fmt.Sscanf(t, "%g", &f)
		return f
	}
	return 0
}

// Redis truncates Lua numbers to integers in replies, so the token count is
// returned as a string.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
