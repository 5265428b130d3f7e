package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "notifyd:rl:"

// checkScript prunes expired entries, then either records the new call or
// reports the score of the oldest survivor. Running it as one script keeps
// check-and-record atomic across instances.
//
// KEYS[1] = window key
// ARGV[1] = now (unix milli), ARGV[2] = window (milli), ARGV[3] = max calls,
// ARGV[4] = unique member for this call
//
// Returns {1} when admitted, {0, oldestScore} when rejected.
var checkScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - window)
local n = redis.call('ZCARD', KEYS[1])
if n >= max then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  return {0, oldest[2]}
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return {1}
`)

// redisLimiter stores each key's window as a sorted set scored by unix milli.
// Keys expire on their own, so Sweep is a no-op.
type redisLimiter struct {
	client *redis.Client
	cfg    Config
}

// NewRedis returns a limiter sharing window state across instances.
func NewRedis(client *redis.Client, cfg Config) Limiter {
	return &redisLimiter{client: client, cfg: cfg.withDefaults()}
}

func (l *redisLimiter) CheckAndRecord(ctx context.Context, key string) (Result, error) {
	now := time.Now()
	res, err := checkScript.Run(ctx, l.client,
		[]string{redisKeyPrefix + key},
		now.UnixMilli(), l.cfg.Window.Milliseconds(), l.cfg.MaxCalls, uuid.NewString(),
	).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check: %w", err)
	}
	if len(res) == 0 {
		return Result{}, fmt.Errorf("rate limit check: empty reply")
	}

	admitted, _ := res[0].(int64)
	if admitted == 1 {
		return Result{Admitted: true}, nil
	}

	var oldest int64
	if len(res) > 1 {
		switch v := res[1].(type) {
		case int64:
			oldest = v
		case string:
			// redis returns sorted-set scores as strings
			_, _ = fmt.Sscan(v, &oldest)
		}
	}
	retry := time.UnixMilli(oldest).Add(l.cfg.Window).Sub(now)
	if retry < 0 {
		retry = 0
	}
	return Result{Admitted: false, RetryAfter: retry}, nil
}

func (l *redisLimiter) Remaining(ctx context.Context, key string) (int, error) {
	now := time.Now()
	k := redisKeyPrefix + key

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "0", fmt.Sprint(now.Add(-l.cfg.Window).UnixMilli()))
	card := pipe.ZCard(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, fmt.Errorf("rate limit remaining: %w", err)
	}

	rem := l.cfg.MaxCalls - int(card.Val())
	if rem < 0 {
		rem = 0
	}
	return rem, nil
}

func (l *redisLimiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, redisKeyPrefix+key).Err()
}

func (l *redisLimiter) Sweep(context.Context) error {
	// Window keys carry a TTL; redis reclaims them without help.
	return nil
}
