package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultRedisTTL  = 30 * time.Second
	defaultRetryWait = 25 * time.Millisecond
	redisKeyPrefix   = "admission:lock:"
)

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-acquired by another caller is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a keyed lock shared by every process using the same Redis.
// Locks expire after ttl so a crashed holder cannot block a key forever.
type Redis struct {
	client    *redis.Client
	ttl       time.Duration
	retryWait time.Duration
	logger    zerolog.Logger
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithRedisLogger logs failed releases.
func WithRedisLogger(logger zerolog.Logger) RedisOption {
	return func(r *Redis) { r.logger = logger }
}

// NewRedis returns a Redis-backed locker. ttl <= 0 uses 30s.
func NewRedis(client *redis.Client, ttl time.Duration, opts ...RedisOption) *Redis {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	r := &Redis{client: client, ttl: ttl, retryWait: defaultRetryWait, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialRedis parses a redis:// URL, connects and pings.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Lock polls SET NX until the key is acquired or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := redisKeyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.retryWait)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() { r.release(redisKey, token) }, nil
}

// release deletes redisKey if it still holds token. A failed release leaves
// the key held until its TTL runs out.
func (r *Redis) release(redisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, r.client, []string{redisKey}, token).Err(); err != nil {
		r.logger.Debug().Err(err).Str("key", redisKey).Dur("ttl", r.ttl).Msg("redis lock release failed")
	}
}
