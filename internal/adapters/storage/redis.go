package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/televisit/internal/core"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Namespace is prepended to every key so several agents can share a server.
	Namespace string
}

// NewRedisClient dials and pings the server.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return rc, nil
}

// Redis persists session keys across agent restarts.
type Redis struct {
	rc redis.UniversalClient
	ns string
}

func NewRedis(rc redis.UniversalClient, namespace string) *Redis {
	return &Redis{rc: rc, ns: namespace}
}

func (r *Redis) key(k string) string { return r.ns + k }

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rc.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", core.ErrKeyNotFound
	}
	if err != nil {
		log.Error().Err(err).Str("module", "storage.redis").Str("key", key).Msg("get")
		return "", err
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	return r.rc.Set(ctx, r.key(key), value, 0).Err()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, r.key(k))
	}
	return r.rc.Del(ctx, full...).Err()
}

func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, next, err := r.rc.Scan(ctx, cursor, r.key(prefix)+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			out = append(out, k[len(r.ns):])
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}
