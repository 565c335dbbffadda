package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 500

// RedisBackend implements Backend using Redis. Values are stored as JSON and read back
// as generic JSON values; use Decode to get concrete types.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend creates a Redis backend and verifies connectivity.
func NewRedisBackend(opts ...RedisOption) (*RedisBackend, error) {
	cfg := &RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		PoolTimeout:  30 * time.Second,
		MinIdleConns: 5,
		Prefix:       "marketcache",
		DialTimeout:  5 * time.Second,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		PoolTimeout:  cfg.PoolTimeout,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisBackend{client: client, prefix: cfg.Prefix}, nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

// Client returns underlying redis client.
func (c *RedisBackend) Client() redis.UniversalClient {
	return c.client
}

// Close closes the Redis connection.
func (c *RedisBackend) Close() error {
	return c.client.Close()
}

// Ping checks connectivity.
func (c *RedisBackend) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisBackend) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if value == nil {
		return ErrNilValue
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %q: %w", key, err)
	}
	return c.client.Set(ctx, c.wrapKey(key), data, ttl).Err()
}

func (c *RedisBackend) Get(ctx context.Context, key string) (any, bool, error) {
	data, err := c.client.Get(ctx, c.wrapKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false, fmt.Errorf("unmarshal %q: %w", key, err)
	}
	return v, true, nil
}

func (c *RedisBackend) Delete(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Unlink(ctx, c.wrapKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisBackend) GetMultiple(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	results, err := c.client.MGet(ctx, c.wrapKeys(keys...)...).Result()
	if err != nil {
		return nil, err
	}

	for i, key := range keys {
		raw, ok := results[i].(string)
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			continue
		}
		out[key] = v
	}
	return out, nil
}

// DeletePrefix removes the key equal to prefix and every key under "prefix:".
func (c *RedisBackend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	base := c.wrapKey(prefix)
	deleted, err := c.client.Unlink(ctx, base).Result()
	if err != nil {
		return 0, err
	}

	batch := make([]string, 0, scanBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.client.Unlink(ctx, batch...).Result()
		deleted += n
		batch = batch[:0]
		return err
	}

	iter := c.client.Scan(ctx, 0, escapeGlob(base)+":*", scanBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				return int(deleted), err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return int(deleted), err
	}
	if err := flush(); err != nil {
		return int(deleted), err
	}
	return int(deleted), nil
}

func (c *RedisBackend) Stats(ctx context.Context) map[string]any {
	stats := map[string]any{"backend": "redis", "prefix": c.prefix}
	if n, err := c.client.DBSize(ctx).Result(); err == nil {
		stats["keys"] = n
	} else {
		stats["error"] = err.Error()
	}
	return stats
}

func (c *RedisBackend) wrapKey(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}

func (c *RedisBackend) wrapKeys(keys ...string) []string {
	wrapped := make([]string, len(keys))
	for i, key := range keys {
		wrapped[i] = c.wrapKey(key)
	}
	return wrapped
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
