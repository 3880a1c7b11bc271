package httpx

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const redisRatePrefix = "hostd:ratelimit:"

type redisRateLimiter struct {
	client  *redis.Client
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration
}

// NewRedisRateLimiter shares budgets between every engine using the same
// Redis. It owns client.
func NewRedisRateLimiter(client *redis.Client, logger *slog.Logger) RateLimiter {
	return &redisRateLimiter{
		client:  client,
		logger:  logger,
		now:     time.Now,
		timeout: 250 * time.Millisecond,
	}
}

// Allow counts against one key per class, principal and window, so no TTL
// read is needed to find the reset time. It fails open when Redis is
// unreachable.
func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	start, end := windowBounds(rl.now(), window)
	redisKey := redisWindowKey(key, start)

	ctx, cancel := context.WithTimeout(context.Background(), rl.timeout)
	defer cancel()
	var incr *redis.IntCmd
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireAt(ctx, redisKey, end.Add(time.Second))
		return nil
	})
	if err != nil {
		if rl.logger != nil {
			rl.logger.Error("redis rate limiter error", "key", key, "error", err)
		}
		return rateDecision{allowed: true}
	}
	count := int(incr.Val())
	return rateDecision{allowed: count <= limit, count: count, windowEnd: end}
}

func (rl *redisRateLimiter) Close() {
	if rl.client != nil {
		_ = rl.client.Close()
	}
}

func redisWindowKey(key string, start time.Time) string {
	return redisRatePrefix + key + ":" + strconv.FormatInt(start.Unix(), 10)
}
