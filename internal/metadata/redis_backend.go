package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"episode-cache/internal/domain"
)

// RedisBackend stores keys as plain Redis strings. A server running with
// maxmemory and a noeviction policy reports quota exhaustion as OOM.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(ctx context.Context, redisURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisBackend{client: client}, nil
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *RedisBackend) Update(ctx context.Context, sets map[string][]byte, deletes []string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(deletes) > 0 {
			pipe.Del(ctx, deletes...)
		}
		for key, value := range sets {
			pipe.Set(ctx, key, value, 0)
		}
		return nil
	})
	if err != nil && isOOM(err) {
		return fmt.Errorf("%w: %v", domain.ErrQuotaExceeded, err)
	}
	return err
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func isOOM(err error) bool {
	return strings.HasPrefix(err.Error(), "OOM ")
}
