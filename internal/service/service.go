package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kjstillabower/weather-proxy/internal/cache"
	"github.com/kjstillabower/weather-proxy/internal/client"
	"github.com/kjstillabower/weather-proxy/internal/models"
	"github.com/kjstillabower/weather-proxy/internal/observability"
)

// DefaultBatchConcurrency is the number of upstream calls a batch may have in flight.
const DefaultBatchConcurrency = 5

// ErrBatchDefect fails a whole batch when an item panics. Upstream failures never do.
var ErrBatchDefect = errors.New("batch item defect")

// Config tunes the orchestrator.
type Config struct {
	TTL              time.Duration // cache TTL for fetched observations; <= 0 uses cache.DefaultTTL
	BatchConcurrency int           // upstream admission gate size; <= 0 uses DefaultBatchConcurrency
	CoalesceEnabled  bool
	CoalesceTimeout  time.Duration
	CacheBackend     string // metric label
}

// WeatherService orchestrates weather retrieval using the cache-aside pattern
// with upstream fallback, for single coordinates and batches.
type WeatherService struct {
	client     client.WeatherClient
	cache      cache.Cache
	ttl        time.Duration
	backend    string
	batchLimit int64
	misses     *missTracker
	coalescer  *requestCoalescer // nil if disabled
}

// NewWeatherService creates a WeatherService over the given client and store.
func NewWeatherService(c client.WeatherClient, store cache.Cache, cfg Config) *WeatherService {
	if cfg.TTL <= 0 {
		cfg.TTL = cache.DefaultTTL
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = DefaultBatchConcurrency
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	var coalescer *requestCoalescer
	if cfg.CoalesceEnabled {
		coalescer = newRequestCoalescer(cfg.CoalesceTimeout)
	}
	return &WeatherService{
		client:     c,
		cache:      store,
		ttl:        cfg.TTL,
		backend:    cfg.CacheBackend,
		batchLimit: int64(cfg.BatchConcurrency),
		misses:     newMissTracker(),
		coalescer:  coalescer,
	}
}

// FetchOrCache returns the observation for c from the cache, or fetches, caches and
// returns it. Upstream failures wrap client.ErrUpstreamUnavailable.
func (s *WeatherService) FetchOrCache(ctx context.Context, c models.Coordinates) (models.WeatherResult, error) {
	ctx, span := observability.Tracer().Start(ctx, "weather.fetch_or_cache", trace.WithAttributes(coordAttrs(c)...))
	defer span.End()

	start := time.Now()
	logger := observability.LoggerFromContext(ctx)
	key := cache.MakeKey(c.Lat, c.Lon, c.Units)

	if obs, ok := s.lookup(ctx, key); ok {
		observability.CacheHitsTotal.WithLabelValues(s.backend).Inc()
		span.SetAttributes(attribute.Bool("weather.cached", true))
		logger.Debug("weather served", zap.String("key", key), zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
		return models.NewWeatherResult(c, obs, true), nil
	}
	observability.CacheMissesTotal.WithLabelValues(s.backend).Inc()

	res, err := s.fetchAndStore(ctx, c, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return models.WeatherResult{}, err
	}
	logger.Debug("weather served", zap.String("key", key), zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	return res, nil
}

// BatchFetch runs FetchOrCache for every item. Upstream calls are admitted through
// the batch gate; cache hits skip it. result[i] always corresponds to items[i], and
// an upstream failure becomes an error record in its slot.
//
// The fan-out ignores caller cancellation: items already started run to completion.
// A panicking item fails the whole batch with ErrBatchDefect.
func (s *WeatherService) BatchFetch(ctx context.Context, items []models.Coordinates) ([]models.BatchItem, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := observability.Tracer().Start(ctx, "weather.batch_fetch", trace.WithAttributes(
		attribute.Int("weather.batch_size", len(items)),
	))
	defer span.End()

	observability.BatchRequestsTotal.Inc()
	observability.BatchSize.Observe(float64(len(items)))
	logger := observability.LoggerFromContext(ctx)

	// Each batch gets its own gate so one large batch cannot starve another.
	gate := semaphore.NewWeighted(s.batchLimit)
	out := make([]models.BatchItem, len(items))
	var (
		wg         sync.WaitGroup
		defectOnce sync.Once
		defect     error
	)
	for i, c := range items {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("batch item panicked",
						zap.Int("index", i),
						zap.Any("panic", r),
						zap.Stack("stack"))
					defectOnce.Do(func() {
						defect = fmt.Errorf("%w: item %d: %v", ErrBatchDefect, i, r)
					})
				}
			}()
			out[i] = s.batchItem(ctx, gate, c)
		}()
	}
	wg.Wait()

	if defect != nil {
		span.RecordError(defect)
		span.SetStatus(codes.Error, "batch defect")
		return nil, defect
	}
	return out, nil
}

func (s *WeatherService) batchItem(ctx context.Context, gate *semaphore.Weighted, c models.Coordinates) models.BatchItem {
	key := cache.MakeKey(c.Lat, c.Lon, c.Units)
	if obs, ok := s.lookup(ctx, key); ok {
		return s.batchHit(c, obs)
	}

	waitStart := time.Now()
	if err := gate.Acquire(ctx, 1); err != nil {
		return s.batchFailure(c, err)
	}
	defer gate.Release(1)
	observability.BatchAdmissionWaitSeconds.Observe(time.Since(waitStart).Seconds())
	observability.BatchInFlight.Inc()
	defer observability.BatchInFlight.Dec()

	// A sibling holding the slot before us may have filled the key.
	if obs, ok := s.lookup(ctx, key); ok {
		return s.batchHit(c, obs)
	}
	observability.CacheMissesTotal.WithLabelValues(s.backend).Inc()

	res, err := s.fetchAndStore(ctx, c, key)
	if err != nil {
		return s.batchFailure(c, err)
	}
	observability.BatchItemsTotal.WithLabelValues("miss").Inc()
	return models.BatchItem{Result: &res}
}

func (s *WeatherService) batchHit(c models.Coordinates, obs models.Observation) models.BatchItem {
	observability.CacheHitsTotal.WithLabelValues(s.backend).Inc()
	observability.BatchItemsTotal.WithLabelValues("hit").Inc()
	res := models.NewWeatherResult(c, obs, true)
	return models.BatchItem{Result: &res}
}

func (s *WeatherService) batchFailure(c models.Coordinates, err error) models.BatchItem {
	observability.BatchItemsTotal.WithLabelValues("error").Inc()
	return models.BatchItem{Err: &models.BatchItemError{
		Lat:   c.Lat,
		Lon:   c.Lon,
		Units: c.Units,
		Error: err.Error(),
	}}
}

// lookup reads key from the cache. Backend errors are logged and served as misses.
func (s *WeatherService) lookup(ctx context.Context, key string) (models.Observation, bool) {
	getStart := time.Now()
	obs, ok, err := s.cache.Get(ctx, key)
	getDuration := time.Since(getStart).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(getDuration)
		observability.LoggerFromContext(ctx).Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return models.Observation{}, false
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
	return obs, ok
}

// fetchAndStore calls the upstream for a missed key, normalizes and caches the result.
// Concurrent writers of the same key are last-write-wins.
func (s *WeatherService) fetchAndStore(ctx context.Context, c models.Coordinates, key string) (models.WeatherResult, error) {
	logger := observability.LoggerFromContext(ctx)

	concurrentMisses, done := s.misses.begin(key)
	defer done()
	if concurrentMisses > 1 {
		observability.CacheStampedeDetectedTotal.Inc()
		observability.CacheStampedeConcurrency.Observe(float64(concurrentMisses))
	}

	logger.Debug("cache miss, fetching upstream", zap.String("key", key))

	fetch := func(ctx context.Context) (models.Observation, error) {
		raw, err := s.client.Fetch(ctx, c.Lat, c.Lon, c.Units)
		if err != nil {
			return models.Observation{}, err
		}
		return client.Normalize(raw), nil
	}

	var obs models.Observation
	var err error
	if s.coalescer != nil {
		var shared bool
		obs, shared, err = s.coalescer.Do(ctx, key, fetch)
		if shared {
			observability.RequestCoalescingHitsTotal.Inc()
		}
	} else {
		obs, err = fetch(ctx)
	}
	if err != nil {
		logger.Warn("upstream fetch failed", zap.String("key", key), zap.Error(err))
		if !errors.Is(err, client.ErrUpstreamUnavailable) {
			err = fmt.Errorf("%w: %w", client.ErrUpstreamUnavailable, err)
		}
		return models.WeatherResult{}, fmt.Errorf("fetch weather for %s: %w", key, err)
	}

	setStart := time.Now()
	if setErr := s.cache.Set(ctx, key, obs, s.ttl); setErr != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(setErr)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
		logger.Warn("cache set failed", zap.String("key", key), zap.Error(setErr))
	} else {
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
	}
	return models.NewWeatherResult(c, obs, false), nil
}

// CacheItems lists the live cache entries ordered by key.
func (s *WeatherService) CacheItems(ctx context.Context) ([]models.CacheItem, error) {
	items, err := s.cache.Items(ctx)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("items", categorizeCacheError(err)).Inc()
		return nil, fmt.Errorf("list cache items: %w", err)
	}
	return items, nil
}

// ClearCache removes every cache entry.
func (s *WeatherService) ClearCache(ctx context.Context) error {
	if err := s.cache.Clear(ctx); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("clear", categorizeCacheError(err)).Inc()
		return fmt.Errorf("clear cache: %w", err)
	}
	observability.CacheClearsTotal.Inc()
	observability.LoggerFromContext(ctx).Info("cache cleared")
	return nil
}

// CacheStats reports the raw entry count.
func (s *WeatherService) CacheStats(ctx context.Context) (models.CacheStats, error) {
	stats, err := s.cache.Stats(ctx)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("stats", categorizeCacheError(err)).Inc()
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return stats, nil
}

// ActiveMisses returns the number of keys currently being fetched from the upstream.
func (s *WeatherService) ActiveMisses() int {
	return s.misses.keys()
}

func coordAttrs(c models.Coordinates) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Float64("weather.lat", c.Lat),
		attribute.Float64("weather.lon", c.Lon),
		attribute.String("weather.units", c.Units),
	}
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}
