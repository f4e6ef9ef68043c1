// Package redis provides a Redis-backed storage backend for short-lived
// objects such as in-flight chunk parts. Every key carries a TTL so parts of
// abandoned uploads expire on their own.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ardzix/masjid-display-service/internal/metrics"
)

const defaultTTL = 24 * time.Hour

// Config holds Redis backend settings.
type Config struct {
	Addr       string `json:"addr"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	Prefix     string `json:"prefix"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// RedisBackend implements storage.Backend on Redis strings.
type RedisBackend struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
}

// New creates a Redis backend and verifies connectivity.
func New(ctx context.Context, cfg Config) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return NewWithClient(client, cfg.Prefix, time.Duration(cfg.TTLSeconds)*time.Second), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, prefix string, ttl time.Duration) *RedisBackend {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if prefix == "" {
		prefix = "masjid:chunk:"
	}
	return &RedisBackend{client: client, prefix: prefix, ttl: ttl}
}

// NewFromJSON creates a RedisBackend from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (*RedisBackend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse redis config: %w", err)
	}
	return New(ctx, cfg)
}

func (b *RedisBackend) key(key string) string {
	return b.prefix + key
}

// GetObject reads a value.
func (b *RedisBackend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	start := time.Now()
	val, err := b.client.Get(ctx, b.key(key)).Result()
	if errors.Is(err, goredis.Nil) {
		metrics.RecordStorageOperation("redis", "get_object", time.Since(start), true)
		return nil, 0, fmt.Errorf("get %s: %w", key, fs.ErrNotExist)
	}
	if err != nil {
		metrics.RecordStorageOperation("redis", "get_object", time.Since(start), false)
		return nil, 0, fmt.Errorf("get %s: %w", key, err)
	}
	metrics.RecordStorageOperation("redis", "get_object", time.Since(start), true)
	return io.NopCloser(strings.NewReader(val)), int64(len(val)), nil
}

// PutObject stores a value with the backend TTL.
func (b *RedisBackend) PutObject(ctx context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()
	buf, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read body for %s: %w", key, err)
	}
	if size >= 0 && int64(len(buf)) != size {
		return fmt.Errorf("put %s: short write %d of %d bytes", key, len(buf), size)
	}
	if err := b.client.Set(ctx, b.key(key), buf, b.ttl).Err(); err != nil {
		metrics.RecordStorageOperation("redis", "put_object", time.Since(start), false)
		return fmt.Errorf("set %s: %w", key, err)
	}
	metrics.RecordStorageOperation("redis", "put_object", time.Since(start), true)
	return nil
}

// DeleteObject removes a value.
func (b *RedisBackend) DeleteObject(ctx context.Context, key string) error {
	start := time.Now()
	if err := b.client.Del(ctx, b.key(key)).Err(); err != nil {
		metrics.RecordStorageOperation("redis", "delete_object", time.Since(start), false)
		return fmt.Errorf("del %s: %w", key, err)
	}
	metrics.RecordStorageOperation("redis", "delete_object", time.Since(start), true)
	return nil
}

// ObjectExists checks whether a value is present.
func (b *RedisBackend) ObjectExists(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, b.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Type returns "redis".
func (b *RedisBackend) Type() string { return "redis" }

// Close closes the Redis client.
func (b *RedisBackend) Close() error { return b.client.Close() }
