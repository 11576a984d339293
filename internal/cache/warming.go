package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-proxy/internal/models"
	"github.com/kjstillabower/weather-proxy/internal/observability"
)

// WeatherFetcher is implemented by the service layer to fetch weather for a coordinate.
// Used by CacheWarmer to avoid a circular dependency on the service package.
type WeatherFetcher interface {
	FetchOrCache(ctx context.Context, c models.Coordinates) (models.WeatherResult, error)
}

// CacheWarmer warms the cache by prefetching weather for a list of coordinates.
type CacheWarmer struct {
	fetcher WeatherFetcher
	logger  *zap.Logger

	mu        sync.Mutex
	scheduler *gocron.Scheduler
}

// NewCacheWarmer creates a CacheWarmer that uses the given fetcher and logger.
func NewCacheWarmer(fetcher WeatherFetcher, logger *zap.Logger) *CacheWarmer {
	return &CacheWarmer{fetcher: fetcher, logger: logger}
}

// Warm fetches weather for each coordinate concurrently and populates the cache via the fetcher.
// Returns an aggregated error if any coordinate failed.
func (w *CacheWarmer) Warm(ctx context.Context, coords []models.Coordinates) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming cache", zap.Int("coordinates", len(coords)))
	}
	var wg sync.WaitGroup
	errCh := make(chan error, len(coords))
	for _, c := range coords {
		wg.Add(1)
		go func(c models.Coordinates) {
			defer wg.Done()
			if _, err := w.fetcher.FetchOrCache(ctx, c); err != nil {
				errCh <- fmt.Errorf("warm %s: %w", MakeKey(c.Lat, c.Lon, c.Units), err)
			}
		}(c)
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Info("cache warming complete", zap.Int("coordinates", len(coords)), zap.Int("errors", len(errs)), zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// StartPeriodic schedules Warm every interval, starting immediately. Runs never overlap.
// Call Stop to cancel the schedule.
func (w *CacheWarmer) StartPeriodic(ctx context.Context, coords []models.Coordinates, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("cache warming: interval must be positive")
	}
	s := gocron.NewScheduler(time.UTC)
	_, err := s.Every(interval).SingletonMode().Do(func() {
		if err := w.Warm(ctx, coords); err != nil && w.logger != nil {
			w.logger.Warn("periodic cache warm failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("cache warming: schedule: %w", err)
	}

	w.mu.Lock()
	if w.scheduler != nil {
		w.scheduler.Stop()
	}
	w.scheduler = s
	w.mu.Unlock()

	s.StartAsync()
	return nil
}

// Stop halts the periodic schedule, if any.
func (w *CacheWarmer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.scheduler != nil {
		w.scheduler.Stop()
		w.scheduler = nil
	}
}
