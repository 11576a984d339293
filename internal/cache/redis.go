package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kjstillabower/weather-proxy/internal/models"
)

const redisScanCount = 100

// RedisCache implements Cache on top of Redis. Expiry is delegated to Redis key TTLs;
// Items, Clear and Stats scan the keyPrefix namespace.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a RedisCache for addr. timeout bounds dial, read and write.
func NewRedisCache(addr string, timeout time.Duration) (*RedisCache, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redis cache: address is required")
	}
	opts := &redis.Options{Addr: addr}
	if timeout > 0 {
		opts.DialTimeout = timeout
		opts.ReadTimeout = timeout
		opts.WriteTimeout = timeout
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) key(k string) string {
	return keyPrefix + k
}

// Get implements Cache.Get. redis.Nil is reported as a miss.
func (c *RedisCache) Get(ctx context.Context, key string) (models.Observation, bool, error) {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.Observation{}, false, nil
		}
		return models.Observation{}, false, err
	}
	var data models.Observation
	if err := json.Unmarshal(raw, &data); err != nil {
		return models.Observation{}, false, err
	}
	return data, true, nil
}

// Set implements Cache.Set.
func (c *RedisCache) Set(ctx context.Context, key string, value models.Observation, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(key), raw, ttl).Err()
}

func (c *RedisCache) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, keyPrefix+"*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Items returns entries with a positive remaining TTL, sorted by key.
func (c *RedisCache) Items(ctx context.Context) ([]models.CacheItem, error) {
	keys, err := c.scanKeys(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []models.CacheItem{}, nil
	}

	pipe := c.client.Pipeline()
	gets := make([]*redis.StringCmd, len(keys))
	ttls := make([]*redis.DurationCmd, len(keys))
	for i, k := range keys {
		gets[i] = pipe.Get(ctx, k)
		ttls[i] = pipe.PTTL(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]models.CacheItem, 0, len(keys))
	for i, k := range keys {
		left := ttls[i].Val()
		raw, err := gets[i].Bytes()
		if err != nil || left <= 0 {
			continue
		}
		var obs models.Observation
		if err := json.Unmarshal(raw, &obs); err != nil {
			continue
		}
		out = append(out, models.CacheItem{
			Key:         strings.TrimPrefix(k, keyPrefix),
			ExpiresIn:   int64(left / time.Second),
			Observation: obs,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Clear deletes every key in the cache namespace.
func (c *RedisCache) Clear(ctx context.Context) error {
	keys, err := c.scanKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// Stats counts keys in the cache namespace.
func (c *RedisCache) Stats(ctx context.Context) (models.CacheStats, error) {
	keys, err := c.scanKeys(ctx)
	if err != nil {
		return models.CacheStats{}, err
	}
	return models.CacheStats{Size: len(keys)}, nil
}

// Ping checks if redis is reachable. Used for health checks.
func (c *RedisCache) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
