// Package ratelimit throttles repeated attempts per key (login attempts per
// client address) with a token bucket kept in Redis, so every server
// instance shares the same budget.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Limit() int
}

// bucketScript refills the bucket for the elapsed whole intervals, then
// takes one token if there is one. It returns {allowed, tokens, retry_ms}.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local interval_ms = tonumber(ARGV[3])
local ttl_seconds = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if tokens == nil or last_refill == nil then
	tokens = capacity
	last_refill = now_ms
end

if interval_ms > 0 then
	local elapsed = math.max(0, now_ms - last_refill)
	local intervals = math.floor(elapsed / interval_ms)
	if intervals > 0 then
		tokens = math.min(capacity, tokens + intervals)
		last_refill = last_refill + (intervals * interval_ms)
	end
end

local allowed = 0
local retry_ms = 0
if tokens > 0 then
	allowed = 1
	tokens = tokens - 1
else
	retry_ms = math.max(0, interval_ms - (now_ms - last_refill))
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
redis.call('EXPIRE', key, ttl_seconds)

return { allowed, tokens, retry_ms }
`)

var evalBucket = func(ctx context.Context, rdb redis.Scripter, key string, args ...any) (any, error) {
	return bucketScript.Run(ctx, rdb, []string{key}, args...).Result()
}

// RedisLimiter grants capacity attempts per key, refilling one token every
// refillInterval.
type RedisLimiter struct {
	rdb            redis.Scripter
	prefix         string
	capacity       int
	refillInterval time.Duration
	now            func() time.Time
}

func NewRedisLimiter(rdb redis.Scripter, prefix string, capacity int, refillInterval time.Duration) *RedisLimiter {
	return &RedisLimiter{
		rdb:            rdb,
		prefix:         prefix,
		capacity:       capacity,
		refillInterval: refillInterval,
		now:            time.Now,
	}
}

func (l *RedisLimiter) Limit() int { return l.capacity }

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	// Keep the key until a drained bucket would be full again.
	ttl := time.Duration(l.capacity+1) * l.refillInterval
	if ttl < time.Second {
		ttl = time.Second
	}

	res, err := evalBucket(ctx, l.rdb, l.prefix+key,
		l.now().UnixMilli(),
		l.capacity,
		l.refillInterval.Milliseconds(),
		int64(ttl/time.Second),
	)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}

	arr, ok := res.([]any)
	if !ok || len(arr) != 3 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected result %#v", res)
	}
	return Decision{
		Allowed:    asInt64(arr[0]) == 1,
		Remaining:  asInt64(arr[1]),
		RetryAfter: time.Duration(asInt64(arr[2])) * time.Millisecond,
	}, nil
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// NewRedisClient opens a client and checks it with PING.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}
