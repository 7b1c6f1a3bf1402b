package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/clinicai/intake-assistant/pkg/logger"
)

const (
	defaultKeyPrefix = "clinic:turn:"
	releaseTimeout   = 2 * time.Second
)

var errHeld = errors.New("lock held")

// releaseScript deletes the key only if it still holds our token, so an
// expired lock taken over by another replica is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig configures a Redis locker.
type RedisConfig struct {
	KeyPrefix string
	// TTL bounds how long a crashed holder can block a sender.
	TTL time.Duration
}

// Redis is a Locker shared by every replica that talks to the same Redis.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *logger.Logger
}

// NewRedisFromURL connects to Redis at url (redis://...) and pings it.
func NewRedisFromURL(ctx context.Context, url string, cfg RedisConfig, log *logger.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client, cfg, log), nil
}

// NewRedis creates a locker on an existing client.
func NewRedis(client *redis.Client, cfg RedisConfig, log *logger.Logger) *Redis {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Redis{
		client: client,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
		logger: log,
	}
}

// Acquire polls SET NX with exponential backoff until the key is taken,
// ctx is done, or one TTL has elapsed.
func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	fullKey := r.prefix + key
	token := uuid.NewString()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = r.ttl

	err := backoff.Retry(func() error {
		ok, err := r.client.SetNX(ctx, fullKey, token, r.ttl).Result()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("redis setnx: %w", err))
		}
		if !ok {
			return errHeld
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, errHeld) {
			return nil, fmt.Errorf("turn lock for %s still held after %s", logger.MaskSender(key), r.ttl)
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{fullKey}, token).Err(); err != nil {
				r.logger.Warn("failed to release turn lock",
					zap.String("sender", logger.MaskSender(key)),
					zap.Error(err),
				)
			}
		})
	}, nil
}

// Ping checks Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
