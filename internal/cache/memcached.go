package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/weather-proxy/internal/models"
)

const keyPrefix = "weather:"

// MemcachedCache implements Cache using memcached for storage.
// Memcached cannot enumerate keys, so the instance keeps an index of the keys it wrote
// and their expiry; Items, Clear and Stats operate on that index only.
type MemcachedCache struct {
	client *memcache.Client
	clock  Clock

	mu    sync.Mutex
	index map[string]time.Time
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{
		client: client,
		clock:  systemClock{},
		index:  make(map[string]time.Time),
	}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (c *MemcachedCache) key(k string) string {
	// memcached keys may not contain spaces or control characters; cache keys never do.
	return keyPrefix + k
}

// Get implements Cache.Get. Returns false, nil on cache miss; false, err on error.
func (c *MemcachedCache) Get(ctx context.Context, key string) (models.Observation, bool, error) {
	if ctx.Err() != nil {
		return models.Observation{}, false, ctx.Err()
	}
	// memcached expires in whole seconds; entries this instance wrote expire on the index instant.
	c.mu.Lock()
	exp, indexed := c.index[key]
	if indexed && exp.Sub(c.clock.Now()) <= 0 {
		delete(c.index, key)
		c.mu.Unlock()
		return models.Observation{}, false, nil
	}
	c.mu.Unlock()

	item, err := c.client.Get(c.key(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			c.forget(key)
			return models.Observation{}, false, nil
		}
		return models.Observation{}, false, err
	}
	var data models.Observation
	if err := json.Unmarshal(item.Value, &data); err != nil {
		return models.Observation{}, false, err
	}
	return data, true, nil
}

// Set implements Cache.Set.
func (c *MemcachedCache) Set(ctx context.Context, key string, value models.Observation, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	expSec := int32(ttl.Seconds())
	const maxRelativeExp = 30 * 24 * 60 * 60 // 30 days
	if expSec <= 0 {
		expSec = 1
	}
	if expSec > maxRelativeExp {
		expSec = maxRelativeExp
	}
	if err := c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      raw,
		Expiration: expSec,
	}); err != nil {
		return err
	}
	c.mu.Lock()
	c.index[key] = c.clock.Now().Add(ttl)
	c.mu.Unlock()
	return nil
}

// Items lists indexed entries still present in memcached, sorted by key.
func (c *MemcachedCache) Items(ctx context.Context) ([]models.CacheItem, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	now := c.clock.Now()
	c.mu.Lock()
	keys := make([]string, 0, len(c.index))
	expiry := make(map[string]time.Time, len(c.index))
	for k, exp := range c.index {
		if exp.Sub(now) <= 0 {
			delete(c.index, k)
			continue
		}
		keys = append(keys, c.key(k))
		expiry[k] = exp
	}
	c.mu.Unlock()

	if len(keys) == 0 {
		return []models.CacheItem{}, nil
	}
	found, err := c.client.GetMulti(keys)
	if err != nil {
		return nil, err
	}
	out := make([]models.CacheItem, 0, len(found))
	for k, exp := range expiry {
		item, ok := found[c.key(k)]
		if !ok {
			c.forget(k)
			continue
		}
		var obs models.Observation
		if err := json.Unmarshal(item.Value, &obs); err != nil {
			continue
		}
		out = append(out, models.CacheItem{
			Key:         k,
			ExpiresIn:   int64(exp.Sub(now) / time.Second),
			Observation: obs,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Clear deletes every key this instance wrote. Other writers sharing the server are untouched.
func (c *MemcachedCache) Clear(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.mu.Lock()
	keys := make([]string, 0, len(c.index))
	for k := range c.index {
		keys = append(keys, k)
	}
	c.index = make(map[string]time.Time)
	c.mu.Unlock()

	for _, k := range keys {
		if err := c.client.Delete(c.key(k)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
			return err
		}
	}
	return nil
}

// Stats reports the size of the local key index.
func (c *MemcachedCache) Stats(ctx context.Context) (models.CacheStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.CacheStats{Size: len(c.index)}, nil
}

func (c *MemcachedCache) forget(key string) {
	c.mu.Lock()
	delete(c.index, key)
	c.mu.Unlock()
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
