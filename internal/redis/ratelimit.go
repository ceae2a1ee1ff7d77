package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum admissions per window
	Window time.Duration // Length of the sliding window
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the next slot frees up if the request was denied.
	ResetAt time.Time
}

// slidingWindowScript trims, counts and admits inside one round trip so that
// several worker processes sharing a key never exceed the limit together.
// Scores are microseconds.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local n = tonumber(ARGV[4])
local member = ARGV[5]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
if count + n > limit then
	local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
	local reset = now + window
	if oldest[2] then
		reset = tonumber(oldest[2]) + window
	end
	return {0, count, reset}
end
for i = 1, n do
	redis.call("ZADD", key, now + i - 1, member .. ":" .. i)
end
redis.call("PEXPIRE", key, math.floor(window / 1000) + 1000)
return {1, count + n, now + window}
`)

// RateLimiter implements sliding window rate limiting using Redis sorted sets.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow checks if a request is allowed under the rate limit.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks if n requests are allowed under the rate limit and records
// them when they are.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := time.Now().UnixMicro()
	window := r.config.Window.Microseconds()

	vals, err := slidingWindowScript.Run(ctx, r.client.rdb,
		[]string{fmt.Sprintf("ratelimit:%s", key)},
		now, window, r.config.Limit, n, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis rate limit script failed: %w", err)
	}

	count := int(vals[1])
	result := &RateLimitResult{
		Allowed:   vals[0] == 1,
		Limit:     r.config.Limit,
		Remaining: max(0, r.config.Limit-count),
		ResetAt:   time.UnixMicro(vals[2]),
	}
	if !result.Allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", count),
			zap.Int("limit", r.config.Limit),
		)
	}
	return result, nil
}

// For binds the limiter to a single key.
func (r *RateLimiter) For(key string) *KeyLimiter {
	return &KeyLimiter{limiter: r, key: key}
}

// KeyLimiter admits callers against one shared window.
type KeyLimiter struct {
	limiter *RateLimiter
	key     string
}

// Wait blocks until a slot in the window is free or ctx is done.
func (k *KeyLimiter) Wait(ctx context.Context) error {
	for {
		res, err := k.limiter.Allow(ctx, k.key)
		if err != nil {
			return err
		}
		if res.Allowed {
			return nil
		}

		delay := time.Until(res.ResetAt)
		if delay < 10*time.Millisecond {
			delay = 10 * time.Millisecond
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
