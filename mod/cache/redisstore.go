package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements CacheStore using Redis. Useful when several gateway
// instances in one workshop share an offline cache.
type RedisStore struct {
	client  redis.Cmdable
	closer  func() error
	prefix  string
	maxSize int64 // Maximum size for cached bodies
	ttl     time.Duration
}

// RedisStoreConfig holds configuration for Redis store
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // Key prefix for all cache entries
	MaxSize  int64         // Maximum size for cached bodies (default: 10MB)
	TTL      time.Duration // Redis level expiry, 0 keeps entries until purged
}

// NewRedisStore creates a new Redis-based cache store
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	store := NewRedisStoreWithClient(client, cfg)
	store.closer = client.Close
	return store, nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client redis.Cmdable, cfg RedisStoreConfig) *RedisStore {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10 * 1024 * 1024 // 10MB default
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "offlinegw:cache:"
	}

	return &RedisStore{
		client:  client,
		closer:  func() error { return nil },
		prefix:  cfg.Prefix,
		maxSize: cfg.MaxSize,
		ttl:     cfg.TTL,
	}
}

// Get retrieves a cached entry from Redis
func (rs *RedisStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	raw, err := rs.client.Get(ctx, rs.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get from Redis: %w", err)
	}

	entry, err := DecodeEntry(raw)
	if err != nil {
		// Corrupt record, drop it so the next network response replaces it
		rs.Delete(ctx, key)
		return nil, false, nil
	}
	return entry, true, nil
}

// Put stores an entry in Redis
func (rs *RedisStore) Put(ctx context.Context, key string, entry *Entry) error {
	if int64(len(entry.Body)) > rs.maxSize {
		return fmt.Errorf("cache entry exceeds maximum size: %d > %d", len(entry.Body), rs.maxSize)
	}

	data, err := entry.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}

	if err := rs.client.Set(ctx, rs.prefix+key, data, rs.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store in Redis: %w", err)
	}
	return nil
}

// Delete removes a cached entry from Redis
func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	if err := rs.client.Del(ctx, rs.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete from Redis: %w", err)
	}
	return nil
}

// PurgePrefix removes all cache entries with keys starting with the prefix
func (rs *RedisStore) PurgePrefix(ctx context.Context, prefix string) error {
	pattern := rs.prefix + prefix + "*"

	var cursor uint64
	for {
		keys, next, err := rs.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan Redis keys: %w", err)
		}

		if len(keys) > 0 {
			if err := rs.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete Redis keys: %w", err)
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return nil
}

// Close cleanly shuts down the Redis connection
func (rs *RedisStore) Close() error {
	return rs.closer()
}
