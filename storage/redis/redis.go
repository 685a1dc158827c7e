// Package redis provides a Redis-backed storage.Storage so that several
// processes validating tokens for the same provider can share fetched
// signing key documents.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/adfs-auth-go/storage"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis storage.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys.
	// Default: "adfs:cache:"
	KeyPrefix string
}

// EnvConfig is populated by envdecode in NewFromEnv.
type EnvConfig struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: ADFS_CACHE_KEY_PREFIX
	KeyPrefix string `env:"ADFS_CACHE_KEY_PREFIX,default=adfs:cache:"`
}

// Storage implements storage.Storage using Redis.
type Storage struct {
	client    *redis.Client
	keyPrefix string
}

type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a new Redis-based storage instance.
func New(config Config) (*Storage, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "adfs:cache:"
	}

	return &Storage{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
	}, nil
}

// NewFromEnv connects using REDIS_ADDR / ADFS_CACHE_KEY_PREFIX and pings the
// server before returning.
func NewFromEnv(ctx context.Context) (*Storage, error) {
	var cfg EnvConfig
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("redis storage env: %w", err)
	}
	cl := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(Config{Client: cl, KeyPrefix: cfg.KeyPrefix})
}

// Get retrieves data for a key within the selected namespace.
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	options := storage.Apply(opts...)
	redisKey := s.buildKey(options.Namespace, key)

	raw, err := s.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key %s: %w", redisKey, err)
	}

	var stored storedItem
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored data: %w", err)
	}

	item := &storage.Item{
		Data:      stored.Data,
		CreatedAt: stored.CreatedAt,
		ExpiresAt: stored.ExpiresAt,
	}
	if item.IsExpired() {
		s.client.Del(ctx, redisKey)
		return nil, nil
	}

	return item, nil
}

// Set stores data for a key within the selected namespace.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)
	redisKey := s.buildKey(options.Namespace, key)

	now := time.Now()
	stored := storedItem{
		Data:      data,
		CreatedAt: now,
	}

	var redisTTL time.Duration
	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		stored.ExpiresAt = &expiresAt
		redisTTL = *options.TTL
	}

	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal storage item: %w", err)
	}

	if err := s.client.Set(ctx, redisKey, payload, redisTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", redisKey, err)
	}
	return nil
}

// Delete removes a key, or every key in the namespace when no key is given.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	if options.Key != nil {
		redisKey := s.buildKey(options.Namespace, *options.Key)
		if err := s.client.Del(ctx, redisKey).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", redisKey, err)
		}
		return nil
	}

	pattern := s.buildKey(options.Namespace, "*")
	keys, err := s.scanKeys(ctx, pattern)
	if err != nil {
		return fmt.Errorf("failed to scan keys for pattern %s: %w", pattern, err)
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to delete keys: %w", err)
		}
	}
	return nil
}

// Close closes the underlying client.
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) buildKey(namespace, key string) string {
	if namespace == "" {
		return s.keyPrefix + "global:" + key
	}
	return s.keyPrefix + "ns:" + namespace + ":" + key
}

func (s *Storage) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64

	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

var _ storage.Storage = (*Storage)(nil)
