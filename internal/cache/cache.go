package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kjstillabower/weather-proxy/internal/models"
)

// DefaultTTL is used when a caller passes a non-positive ttl to Set.
const DefaultTTL = 300 * time.Second

// Cache defines the interface for observation caching implementations.
// Get returns cached data if present and not expired, Set stores data with TTL,
// Items lists valid entries, Clear drops everything and Stats reports the raw size.
type Cache interface {
	Get(ctx context.Context, key string) (models.Observation, bool, error)
	Set(ctx context.Context, key string, value models.Observation, ttl time.Duration) error
	Items(ctx context.Context) ([]models.CacheItem, error)
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (models.CacheStats, error)
}

// Clock supplies the current instant. time.Now readings carry the monotonic clock,
// so expiry math done with Sub/Before is immune to wall-clock adjustments.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// InMemoryCache implements Cache using a map guarded by a single mutex.
// Every operation holds the lock for its whole body. Expired entries are removed
// lazily on Get and Items; there is no background sweep.
type InMemoryCache struct {
	mu    sync.Mutex
	data  map[string]cacheEntry
	clock Clock
}

// cacheEntry stores a cached observation with its expiration instant.
type cacheEntry struct {
	value     models.Observation
	expiresAt time.Time
}

// remaining returns how long the entry stays valid after now.
func (e cacheEntry) remaining(now time.Time) time.Duration {
	return e.expiresAt.Sub(now)
}

// NewInMemoryCache creates a new in-memory cache instance backed by the system clock.
func NewInMemoryCache() *InMemoryCache {
	return NewInMemoryCacheWithClock(systemClock{})
}

// NewInMemoryCacheWithClock creates an in-memory cache that reads time from clock.
func NewInMemoryCacheWithClock(clock Clock) *InMemoryCache {
	if clock == nil {
		clock = systemClock{}
	}
	return &InMemoryCache{
		data:  make(map[string]cacheEntry),
		clock: clock,
	}
}

// Get returns (data, true, nil) on a hit and (zero, false, nil) on a miss or expiry.
// An expired entry is deleted in the same critical section.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.Observation, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return models.Observation{}, false, nil
	}
	if entry.remaining(c.clock.Now()) <= 0 {
		delete(c.data, key)
		return models.Observation{}, false, nil
	}
	return entry.value, true, nil
}

// Set inserts or overwrites key. The expiration is always reset to now+ttl.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.Observation, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = cacheEntry{
		value:     value,
		expiresAt: c.clock.Now().Add(ttl),
	}
	return nil
}

// Items returns a snapshot of valid entries sorted by key, with ExpiresIn floored to
// whole seconds relative to the scan instant. Expired entries found during the scan are purged.
func (c *InMemoryCache) Items(ctx context.Context) ([]models.CacheItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	out := make([]models.CacheItem, 0, len(c.data))
	for key, entry := range c.data {
		left := entry.remaining(now)
		if left <= 0 {
			delete(c.data, key)
			continue
		}
		out = append(out, models.CacheItem{
			Key:         key,
			ExpiresIn:   int64(left / time.Second),
			Observation: entry.value,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Clear removes all entries unconditionally.
func (c *InMemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]cacheEntry)
	return nil
}

// Stats reports the number of stored entries, including expired ones not yet purged.
func (c *InMemoryCache) Stats(ctx context.Context) (models.CacheStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.CacheStats{Size: len(c.data)}, nil
}
