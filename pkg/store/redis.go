package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const maxWatchRetries = 8

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisBackend keeps the documents in a shared redis so several agents can
// work on one store. Updates use WATCH/MULTI and retry when another writer
// touched the same keys.
type RedisBackend struct {
	rdb    *redis.Client
	prefix string
}

func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis store: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "arbai"
	}
	return &RedisBackend{rdb: rdb, prefix: prefix}, nil
}

func (r *RedisBackend) key(k string) string {
	return r.prefix + ":" + k
}

func (r *RedisBackend) View(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		body, err := r.rdb.Get(ctx, r.key(k)).Bytes()
		if errors.Is(err, redis.Nil) {
			out[k] = nil
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read document %s: %w", k, err)
		}
		out[k] = body
	}
	return out, nil
}

func (r *RedisBackend) Update(ctx context.Context, keys []string, fn func(docs map[string][]byte) error) error {
	watched := make([]string, len(keys))
	for i, k := range keys {
		watched[i] = r.key(k)
	}

	txf := func(tx *redis.Tx) error {
		docs := make(map[string][]byte, len(keys))
		for _, k := range keys {
			body, err := tx.Get(ctx, r.key(k)).Bytes()
			if errors.Is(err, redis.Nil) {
				docs[k] = nil
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to read document %s: %w", k, err)
			}
			docs[k] = body
		}

		if err := fn(docs); err != nil {
			return err
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for k, body := range docs {
				if body != nil {
					pipe.Set(ctx, r.key(k), body, 0)
				}
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := r.rdb.Watch(ctx, txf, watched...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis store update gave up after %d conflicting writes", maxWatchRetries)
}

func (r *RedisBackend) Close() error {
	return r.rdb.Close()
}
