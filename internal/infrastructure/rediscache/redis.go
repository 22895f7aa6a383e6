// Package rediscache keeps fetch outcomes in Redis so several collector runs
// can share one cache.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"KeyRateScanner/internal/cache"
)

// connectionTimeout bounds the startup ping.
const connectionTimeout = 5 * time.Second

// ErrEmptyAddress is returned when no Redis address is configured.
var ErrEmptyAddress = errors.New("redis address is required")

// Config holds the connection settings and the key prefix.
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	// TTL lets Redis evict entries once they can no longer be fresh.
	TTL time.Duration
}

// Backend implements cache.Backend on top of a Redis client.
type Backend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ cache.Backend = (*Backend)(nil)

// Dial connects and pings Redis.
func Dial(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return New(client, cfg.Prefix, cfg.TTL), nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string, ttl time.Duration) *Backend {
	return &Backend{client: client, prefix: prefix, ttl: ttl}
}

// Load reads and decodes the entry stored under key.
func (b *Backend) Load(ctx context.Context, key string) (cache.Entry, bool, error) {
	raw, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("redis get: %w", err)
	}

	var entry cache.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return cache.Entry{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return entry, true, nil
}

// Save encodes the entry and writes it in a single SET.
func (b *Backend) Save(ctx context.Context, key string, entry cache.Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := b.client.Set(ctx, b.prefix+key, raw, b.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the client.
func (b *Backend) Close() error {
	return b.client.Close()
}
