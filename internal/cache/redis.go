package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisCache handles Redis-based caching of analysis results
type RedisCache struct {
	client *redis.Client
	config Config
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisCache creates a new Redis-based analysis cache
func NewRedisCache(config Config, logger *zap.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}

	cache := &RedisCache{
		client: redis.NewClient(opts),
		config: config,
		logger: logger,
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cache.Ping(ctx); err != nil {
		cache.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Analysis cache initialized successfully",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Int("pool_size", opts.PoolSize),
		zap.Duration("ttl", config.TTL))

	return cache, nil
}

// Ping tests the Redis connection
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get looks up a cached analysis by sanitized-text hash. Lookup failures
// are reported as misses so the pipeline falls through to the service.
func (c *RedisCache) Get(ctx context.Context, hash string) (*Entry, bool, error) {
	key := c.key(hash)

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		c.logger.Debug("Cache miss", zap.String("key", key))
		return nil, false, nil
	}
	if err != nil {
		c.misses.Add(1)
		c.logger.Error("Cache lookup failed", zap.Error(err))
		return nil, false, fmt.Errorf("cache lookup failed: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.misses.Add(1)
		c.logger.Error("Failed to unmarshal cached analysis", zap.Error(err))
		// Delete corrupted cache entry
		c.client.Del(ctx, key)
		return nil, false, nil
	}

	c.hits.Add(1)
	c.logger.Debug("Cache hit", zap.String("key", key))
	return &entry, true, nil
}

// Set stores an analysis with the configured TTL
func (c *RedisCache) Set(ctx context.Context, hash string, entry *Entry) error {
	entry.CachedAt = time.Now().UTC()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis for caching: %w", err)
	}

	if err := c.client.Set(ctx, c.key(hash), data, c.config.TTL).Err(); err != nil {
		c.logger.Error("Failed to cache analysis", zap.Error(err))
		return fmt.Errorf("failed to cache analysis: %w", err)
	}
	return nil
}

// GetStats returns cache performance statistics
func (c *RedisCache) GetStats(ctx context.Context) (*Stats, error) {
	info, err := c.client.Info(ctx, "memory").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get Redis info: %w", err)
	}

	stats := &Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
	stats.HitRate = hitRate(stats.Hits, stats.Misses)

	// Parse memory usage from Redis info
	for _, line := range strings.Split(info, "\r\n") {
		if memStr, ok := strings.CutPrefix(line, "used_memory:"); ok {
			if mem, err := strconv.ParseInt(memStr, 10, 64); err == nil {
				stats.MemoryUsage = mem
			}
		}
	}

	keys, err := c.scanKeys(ctx)
	if err == nil {
		stats.TotalKeys = int64(len(keys))
	}

	return stats, nil
}

// Clear removes all cached analyses under the key prefix
func (c *RedisCache) Clear(ctx context.Context) error {
	keys, err := c.scanKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	// Delete keys in batches
	batchSize := 100
	for i := 0; i < len(keys); i += batchSize {
		end := min(i+batchSize, len(keys))
		if err := c.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			c.logger.Error("Failed to delete cache keys", zap.Error(err))
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	c.logger.Info("Cache cleared", zap.Int("deleted_keys", len(keys)))
	return nil
}

func (c *RedisCache) scanKeys(ctx context.Context) ([]string, error) {
	iter := c.client.Scan(ctx, 0, c.config.KeyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan cache keys: %w", err)
	}
	return keys, nil
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *RedisCache) key(hash string) string {
	return c.config.KeyPrefix + hash
}

// maskRedisURL masks the password in a Redis URL for logging
func maskRedisURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	userPart := url[:at]
	scheme := ""
	if i := strings.Index(userPart, "://"); i >= 0 {
		scheme = userPart[:i+3]
		userPart = userPart[i+3:]
	}
	if colon := strings.Index(userPart, ":"); colon >= 0 {
		userPart = userPart[:colon+1] + "***"
	} else if userPart != "" {
		userPart = "***"
	}
	return scheme + userPart + url[at:]
}
