// Package ratelimit 提供基于 Redis 的令牌桶限流器，约束出站抓取速率。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

const maxWait = 30 * time.Second

const tokenBucketLua = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

if rate <= 0 or burst <= 0 then
  return {1, 0, burst}
end

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = burst
end
if ts == nil then
  ts = now
end

local delta = math.max(0, now - ts)
local refill = (delta * rate) / 1000.0
tokens = math.min(burst, tokens + refill)

local allowed = tokens >= requested
local wait_ms = 0
if allowed then
  tokens = tokens - requested
else
  wait_ms = math.ceil((requested - tokens) * 1000.0 / rate)
end

redis.call("HMSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, math.ceil((burst / rate) * 1000.0 * 2))

return {allowed and 1 or 0, wait_ms, tokens}
`

// RateLimiter 分布式令牌桶。nil 接收者是合法的空实现，Acquire 直接放行。
type RateLimiter struct {
	rdb    *redis.Client
	key    string
	rate   float64
	burst  float64
	logger *slog.Logger
	script *redis.Script
}

// NewRedisRateLimiter 创建一个限流器。
//
// rate 为每秒补充的令牌数，burst 为桶容量；任一为 0 时 Acquire 不做限制。
func NewRedisRateLimiter(rdb *redis.Client, logger *slog.Logger, key string, rate float64, burst float64) *RateLimiter {
	if key == "" {
		key = "cardhunter:ratelimit:default"
	}
	return &RateLimiter{
		rdb:    rdb,
		key:    key,
		rate:   rate,
		burst:  burst,
		logger: logger,
		script: redis.NewScript(tokenBucketLua),
	}
}

// Acquire 阻塞直到拿到一个令牌、等待超时或 ctx 取消。
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if r == nil || r.rdb == nil || r.rate <= 0 || r.burst <= 0 {
		return nil
	}

	const jitterMax = 10 * time.Millisecond
	start := time.Now()
	for {
		allowed, waitMs, err := r.tryAcquire(ctx)
		if err != nil {
			// Redis 故障时放行而不是卡死抓取
			r.logger.Warn("rate limiter unavailable, allowing request",
				slog.String("error", err.Error()))
			return nil
		}
		if allowed {
			return nil
		}

		if time.Since(start) > maxWait {
			return ErrRateLimitTimeout
		}

		wait := time.Duration(waitMs)*time.Millisecond + time.Duration(rand.Int63n(int64(jitterMax)))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *RateLimiter) tryAcquire(ctx context.Context) (bool, int64, error) {
	now := time.Now().UnixMilli()
	res, err := r.script.Run(ctx, r.rdb, []string{r.key},
		strconv.FormatFloat(r.rate, 'f', -1, 64),
		strconv.FormatFloat(r.burst, 'f', -1, 64),
		now,
		1,
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("run token bucket script: %w", err)
	}
	if len(res) < 2 {
		return false, 0, fmt.Errorf("unexpected script result: %v", res)
	}

	allowed, _ := res[0].(int64)
	waitMs, _ := res[1].(int64)
	return allowed == 1, waitMs, nil
}
