// Package ratelimit implements the per-channel token bucket in the
// coordination store, so the limit holds across all worker processes.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/notifyhub/courier/internal/config"
)

const keyPrefix = "bucket:"

// Refill is lazy: tokens accrue from the elapsed wall clock since
// last_refill, capped at max. The whole read-modify-write is one script
// so concurrent consumers cannot both spend the last token.
var consumeScript = redis.NewScript(`
local max = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local vals = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local tokens = tonumber(vals[1])
local last = tonumber(vals[2])
if tokens == nil then
    tokens = max
    last = now
end

local elapsed = (now - last) / 1000.0
if elapsed > 0 then
    tokens = math.min(max, tokens + elapsed * rate)
end

if tokens >= 1 then
    redis.call('HSET', KEYS[1], 'tokens', tokens - 1, 'last_refill', now)
    return {1, 0}
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'last_refill', now)
return {0, math.ceil((1 - tokens) / rate * 1000)}
`)

// Decision is the outcome of a token request. RetryAfter is only set
// when the request was not allowed.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter hands out send tokens per channel. Channels without an
// explicit limit use the fallback configuration.
type Limiter struct {
	rdb      *redis.Client
	limits   map[string]config.RateLimitConfig
	fallback config.RateLimitConfig
}

func New(rdb *redis.Client, limits map[string]config.RateLimitConfig, fallback config.RateLimitConfig) *Limiter {
	if limits == nil {
		limits = make(map[string]config.RateLimitConfig)
	}
	return &Limiter{rdb: rdb, limits: limits, fallback: fallback}
}

// SetLimit binds a channel to a bucket configuration; used when a
// provider registers with its own rate_limit_config.
func (l *Limiter) SetLimit(channel string, rl config.RateLimitConfig) {
	if rl.MaxTokens > 0 && rl.RefillRate > 0 {
		l.limits[channel] = rl
	}
}

// ConsumeToken atomically takes one token from the channel's bucket or
// reports how long the caller should wait before retrying.
func (l *Limiter) ConsumeToken(ctx context.Context, channel string) (Decision, error) {
	rl, ok := l.limits[channel]
	if !ok {
		rl = l.fallback
	}

	res, err := consumeScript.Run(ctx, l.rdb,
		[]string{keyPrefix + channel},
		rl.MaxTokens,
		rl.RefillRate,
		time.Now().UnixMilli(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("consume token for %s: %w", channel, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("consume token for %s: unexpected script reply %v", channel, res)
	}

	if res[0] == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, RetryAfter: time.Duration(res[1]) * time.Millisecond}, nil
}
