package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/safemode/link-scanner/internal/ports"
)

// Key builders shared by every component that touches the cache.
func VerdictKey(urlHash string) string  { return "url:verdict:" + urlHash }
func ScanKey(urlHash string) string     { return "scan:" + urlHash }
func ShortKey(urlHash string) string    { return "url:shortener:" + urlHash }
func AnalysisKey(urlHash, provider string) string {
	return fmt.Sprintf("url:analysis:%s:%s", urlHash, provider)
}

// RedisCache implements ports.Cache on a Redis connection, optionally
// encrypting every stored value.
type RedisCache struct {
	client    *redis.Client
	encryptor *Encryptor
	logger    *slog.Logger
}

// NewRedisCache connects to Redis and verifies the connection. encryptor may
// be nil to store values in the clear.
func NewRedisCache(ctx context.Context, addr, password string, db int, encryptor *Encryptor, logger *slog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisCache{client: client, encryptor: encryptor, logger: logger}, nil
}

// NewRedisCacheFromClient wraps an existing client, mainly for tests.
func NewRedisCacheFromClient(client *redis.Client, encryptor *Encryptor, logger *slog.Logger) *RedisCache {
	return &RedisCache{client: client, encryptor: encryptor, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ports.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}
	if c.encryptor == nil {
		return []byte(value), nil
	}
	plaintext, err := c.encryptor.Decrypt(value)
	if err != nil {
		// A corrupt or foreign-key entry is treated as a miss so the
		// caller refetches and overwrites it.
		c.logger.Warn("discarding undecryptable cache entry", "key", key, "error", err)
		return nil, ports.ErrCacheMiss
	}
	return plaintext, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	value := string(payload)
	if c.encryptor != nil {
		encrypted, err := c.encryptor.Encrypt(payload)
		if err != nil {
			return fmt.Errorf("cache encrypt %s: %w", key, err)
		}
		value = encrypted
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache del %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
