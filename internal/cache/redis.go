package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/hostd/internal/domain"
)

const redisPrefix = "hostd:projects:"

// Redis is a ListingCache shared between hostd instances. Invalidation bumps
// a generation counter so stale keys simply age out.
type Redis struct {
	client  *redis.Client
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{client: client, ttl: ttl, timeout: 250 * time.Millisecond, logger: logger.With("component", "cache")}
}

// Dial connects to redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]domain.Project, Generation, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	gen, err := r.generation(ctx)
	if err != nil {
		r.logError("generation", err)
		return nil, noGeneration, false
	}
	data, err := r.client.Get(ctx, entryKey(gen, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, gen, false
	}
	if err != nil {
		r.logError("get", err)
		return nil, noGeneration, false
	}
	var projects []domain.Project
	if err := json.Unmarshal(data, &projects); err != nil {
		r.logError("decode", err)
		return nil, gen, false
	}
	return projects, gen, true
}

// Set stores projects under gen with environment values removed.
func (r *Redis) Set(ctx context.Context, key string, gen Generation, projects []domain.Project) {
	if gen == noGeneration {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := encodeListing(projects)
	if err != nil {
		r.logError("encode", err)
		return
	}
	if err := r.client.Set(ctx, entryKey(gen, key), data, r.ttl).Err(); err != nil {
		r.logError("set", err)
	}
}

func (r *Redis) Invalidate(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Incr(ctx, redisPrefix+"gen").Err(); err != nil {
		r.logError("invalidate", err)
	}
}

func (r *Redis) generation(ctx context.Context) (Generation, error) {
	gen, err := r.client.Get(ctx, redisPrefix+"gen").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return Generation(gen), err
}

func encodeListing(projects []domain.Project) ([]byte, error) {
	redacted := make([]domain.Project, len(projects))
	for i, p := range projects {
		redacted[i] = p.Redacted()
	}
	return json.Marshal(redacted)
}

func (r *Redis) logError(op string, err error) {
	r.logger.Warn("redis cache error", "op", op, "error", err)
}

func entryKey(gen Generation, key string) string {
	return redisPrefix + strconv.FormatInt(int64(gen), 10) + ":" + key
}
