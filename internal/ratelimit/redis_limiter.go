package ratelimit

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"preflight-upload/pkg/logger"
)

// Key pattern: ratelimit:upload:{ip}, TTL = window.

// RedisLimiter is a drop-in Limiter backend for deployments that already run
// Redis. Same window semantics as StoreLimiter, same fail-open policy.
type RedisLimiter struct {
	client *goredis.Client
	limit  int
	window time.Duration
	logger *logger.Logger
}

func NewRedisLimiter(client *goredis.Client, limit int, window time.Duration, l *logger.Logger) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limit:  limit,
		window: window,
		logger: l,
	}
}

func uploadKey(sourceIP string) string {
	return fmt.Sprintf("ratelimit:upload:%s", sourceIP)
}

// Lua script for atomic increment and check
var checkScript = goredis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local current = redis.call('GET', key)
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end

	local ttl = redis.call('TTL', key)
	if ttl < 0 then
		ttl = window
	end

	if current < limit then
		redis.call('INCR', key)
		if ttl == window then
			redis.call('EXPIRE', key, window)
		end
		return {1, limit - current - 1, ttl}
	else
		return {0, 0, ttl}
	end
`)

func (r *RedisLimiter) Allow(ctx context.Context, sourceIP string) Result {
	result, err := checkScript.Run(ctx, r.client, []string{uploadKey(sourceIP)},
		r.limit, int(r.window.Seconds())).Result()
	if err != nil {
		if r.logger != nil {
			r.logger.Warnf("rate limit check failed for %s, allowing: %s", sourceIP, err)
		}
		return Result{Allowed: true, Remaining: r.limit}
	}

	values, ok := result.([]interface{})
	if !ok || len(values) < 3 {
		if r.logger != nil {
			r.logger.Warnf("unexpected rate limit result format, allowing")
		}
		return Result{Allowed: true, Remaining: r.limit}
	}

	allowed := values[0].(int64) == 1
	remaining := int(values[1].(int64))
	retryAfter := time.Duration(values[2].(int64)) * time.Second

	if allowed {
		return Result{Allowed: true, Remaining: remaining}
	}
	return Result{Allowed: false, RetryAfter: retryAfter}
}

func (r *RedisLimiter) Reset(ctx context.Context, sourceIP string) error {
	return r.client.Del(ctx, uploadKey(sourceIP)).Err()
}

func (r *RedisLimiter) ResetAll(ctx context.Context) (int64, error) {
	var cleared int64
	iter := r.client.Scan(ctx, 0, uploadKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return cleared, err
		}
		cleared++
	}
	return cleared, iter.Err()
}
