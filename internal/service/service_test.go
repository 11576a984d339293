package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-proxy/internal/cache"
	"github.com/kjstillabower/weather-proxy/internal/client"
	"github.com/kjstillabower/weather-proxy/internal/models"
	"github.com/kjstillabower/weather-proxy/internal/observability"
)

// mockWeatherClient answers Fetch through fn, counting calls and tracking peak concurrency.
type mockWeatherClient struct {
	fn       func(ctx context.Context, lat, lon float64, units string) (client.RawResponse, error)
	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (m *mockWeatherClient) Fetch(ctx context.Context, lat, lon float64, units string) (client.RawResponse, error) {
	m.calls.Add(1)
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if m.fn == nil {
		return rawFor(lat), nil
	}
	return m.fn(ctx, lat, lon, units)
}

// rawFor builds a response whose temperature echoes lat, so results can be matched to requests.
func rawFor(lat float64) client.RawResponse {
	return client.RawResponse{
		Timezone: models.String("UTC"),
		Current: &client.CurrentConditions{
			Time:          models.String("2024-01-01T00:00"),
			Temperature2m: models.Float(lat),
			WindSpeed10m:  models.Float(5),
		},
	}
}

// failingCache returns err from every operation.
type failingCache struct {
	err error
}

func (f *failingCache) Get(ctx context.Context, key string) (models.Observation, bool, error) {
	return models.Observation{}, false, f.err
}

func (f *failingCache) Set(ctx context.Context, key string, value models.Observation, ttl time.Duration) error {
	return f.err
}

func (f *failingCache) Items(ctx context.Context) ([]models.CacheItem, error) { return nil, f.err }
func (f *failingCache) Clear(ctx context.Context) error                     { return f.err }
func (f *failingCache) Stats(ctx context.Context) (models.CacheStats, error) {
	return models.CacheStats{}, f.err
}

func newTestService(c client.WeatherClient, store cache.Cache) *WeatherService {
	return NewWeatherService(c, store, Config{TTL: 300 * time.Second})
}

func metric(lat, lon float64) models.Coordinates {
	return models.Coordinates{Lat: lat, Lon: lon, Units: models.UnitsMetric}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// TestFetchOrCache_MissThenHit verifies that coordinates rounding to the same key are
// served from the cache on the second call with an identical payload.
func TestFetchOrCache_MissThenHit(t *testing.T) {
	mc := &mockWeatherClient{}
	svc := newTestService(mc, cache.NewInMemoryCache())
	ctx := context.Background()

	first, err := svc.FetchOrCache(ctx, metric(50.5, 45.45))
	if err != nil {
		t.Fatalf("FetchOrCache() error = %v", err)
	}
	if first.Cached {
		t.Error("first call Cached = true, want false")
	}

	second, err := svc.FetchOrCache(ctx, metric(50.50001, 45.44996))
	if err != nil {
		t.Fatalf("FetchOrCache() error = %v", err)
	}
	if !second.Cached {
		t.Error("second call Cached = false, want true")
	}
	if !reflect.DeepEqual(first.Observation, second.Observation) {
		t.Errorf("cached payload = %+v, want %+v", second.Observation, first.Observation)
	}
	if second.Lat != 50.50001 || second.Lon != 45.44996 {
		t.Errorf("result echoes (%v,%v), want the request's coordinates", second.Lat, second.Lon)
	}
	if got := mc.calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
}

func TestFetchOrCache_UnitsAreSeparateKeys(t *testing.T) {
	mc := &mockWeatherClient{}
	svc := newTestService(mc, cache.NewInMemoryCache())
	ctx := context.Background()

	_, _ = svc.FetchOrCache(ctx, metric(1, 1))
	res, err := svc.FetchOrCache(ctx, models.Coordinates{Lat: 1, Lon: 1, Units: models.UnitsImperial})
	if err != nil {
		t.Fatalf("FetchOrCache() error = %v", err)
	}
	if res.Cached {
		t.Error("imperial request served from metric entry")
	}
	if got := mc.calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
}

func TestFetchOrCache_UpstreamFailure(t *testing.T) {
	store := cache.NewInMemoryCache()
	mc := &mockWeatherClient{fn: func(ctx context.Context, lat, lon float64, units string) (client.RawResponse, error) {
		return client.RawResponse{}, fmt.Errorf("%w after 3 attempt(s): %w", client.ErrUpstreamUnavailable, client.ErrTransient)
	}}
	svc := newTestService(mc, store)

	_, err := svc.FetchOrCache(context.Background(), metric(1, 2))
	if !errors.Is(err, client.ErrUpstreamUnavailable) {
		t.Fatalf("FetchOrCache() error = %v, want ErrUpstreamUnavailable", err)
	}
	stats, _ := store.Stats(context.Background())
	if stats.Size != 0 {
		t.Errorf("cache size after failure = %d, want 0", stats.Size)
	}
	if got := mc.calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1 (no retries in the orchestrator)", got)
	}
}

func TestFetchOrCache_WrapsUnclassifiedClientError(t *testing.T) {
	mc := &mockWeatherClient{fn: func(ctx context.Context, lat, lon float64, units string) (client.RawResponse, error) {
		return client.RawResponse{}, errors.New("boom")
	}}
	svc := newTestService(mc, cache.NewInMemoryCache())

	_, err := svc.FetchOrCache(context.Background(), metric(1, 2))
	if !errors.Is(err, client.ErrUpstreamUnavailable) {
		t.Fatalf("FetchOrCache() error = %v, want ErrUpstreamUnavailable", err)
	}
}

// TestFetchOrCache_CacheErrorsServedAsMiss verifies that a failing backend neither fails
// the request nor hides the upstream result, and that the failure is logged.
func TestFetchOrCache_CacheErrorsServedAsMiss(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	ctx := observability.WithLogger(context.Background(), zap.New(core))
	mc := &mockWeatherClient{}
	svc := newTestService(mc, &failingCache{err: errors.New("connection refused")})

	res, err := svc.FetchOrCache(ctx, metric(3, 4))
	if err != nil {
		t.Fatalf("FetchOrCache() error = %v", err)
	}
	if res.Cached {
		t.Error("Cached = true, want false")
	}
	if logs.FilterMessage("cache get failed").Len() != 1 {
		t.Error("expected one 'cache get failed' log entry")
	}
	if logs.FilterMessage("cache set failed").Len() != 1 {
		t.Error("expected one 'cache set failed' log entry")
	}
}

// TestBatchFetch_FailureIsolation covers the mixed batch: the out-of-range item fails
// upstream and becomes an error record while its sibling succeeds.
func TestBatchFetch_FailureIsolation(t *testing.T) {
	mc := &mockWeatherClient{fn: func(ctx context.Context, lat, lon float64, units string) (client.RawResponse, error) {
		if lat == 999 {
			return client.RawResponse{}, fmt.Errorf("%w: %w", client.ErrUpstreamUnavailable, &client.StatusError{Code: 400})
		}
		return rawFor(lat), nil
	}}
	svc := newTestService(mc, cache.NewInMemoryCache())

	got, err := svc.BatchFetch(context.Background(), []models.Coordinates{metric(10, 10), metric(999, 999)})
	if err != nil {
		t.Fatalf("BatchFetch() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("BatchFetch() len = %d, want 2", len(got))
	}
	if got[0].Failed() || got[0].Result == nil {
		t.Fatalf("result[0] = %+v, want success", got[0])
	}
	if got[0].Result.Lat != 10 || got[0].Result.Lon != 10 || got[0].Result.Units != models.UnitsMetric {
		t.Errorf("result[0] coordinates = %+v", got[0].Result)
	}
	if !got[1].Failed() {
		t.Fatalf("result[1] = %+v, want error record", got[1])
	}
	if got[1].Err.Lat != 999 || got[1].Err.Lon != 999 || got[1].Err.Units != models.UnitsMetric {
		t.Errorf("result[1] coordinates = %+v", got[1].Err)
	}

	body, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if _, ok := decoded[0]["error"]; ok {
		t.Errorf("result[0] has an error field: %s", body)
	}
	if _, ok := decoded[1]["error"]; !ok {
		t.Errorf("result[1] has no error field: %s", body)
	}
}

// TestBatchFetch_PreservesOrder verifies that results line up with inputs regardless of
// completion order, with error records exactly at the failing positions.
func TestBatchFetch_PreservesOrder(t *testing.T) {
	const n = 20
	mc := &mockWeatherClient{fn: func(ctx context.Context, lat, lon float64, units string) (client.RawResponse, error) {
		time.Sleep(time.Duration(n-int(lat)) * time.Millisecond)
		if int(lat)%3 == 0 {
			return client.RawResponse{}, fmt.Errorf("%w: simulated", client.ErrUpstreamUnavailable)
		}
		return rawFor(lat), nil
	}}
	svc := newTestService(mc, cache.NewInMemoryCache())

	items := make([]models.Coordinates, n)
	for i := range items {
		items[i] = metric(float64(i), 0)
	}
	got, err := svc.BatchFetch(context.Background(), items)
	if err != nil {
		t.Fatalf("BatchFetch() error = %v", err)
	}
	if len(got) != n {
		t.Fatalf("BatchFetch() len = %d, want %d", len(got), n)
	}
	for i, item := range got {
		if i%3 == 0 {
			if !item.Failed() || item.Err.Lat != float64(i) {
				t.Errorf("result[%d] = %+v, want error record for lat %d", i, item, i)
			}
			continue
		}
		if item.Failed() {
			t.Errorf("result[%d] failed: %s", i, item.Err.Error)
			continue
		}
		if *item.Result.Temperature != float64(i) {
			t.Errorf("result[%d] temperature = %v, want %d", i, *item.Result.Temperature, i)
		}
	}
}

func TestBatchFetch_Empty(t *testing.T) {
	svc := newTestService(&mockWeatherClient{}, cache.NewInMemoryCache())
	got, err := svc.BatchFetch(context.Background(), nil)
	if err != nil {
		t.Fatalf("BatchFetch() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("BatchFetch() len = %d, want 0", len(got))
	}
}

// TestBatchFetch_ConcurrencyCap verifies that no more than DefaultBatchConcurrency upstream
// calls are in flight at once.
func TestBatchFetch_ConcurrencyCap(t *testing.T) {
	release := make(chan struct{})
	mc := &mockWeatherClient{}
	mc.fn = func(ctx context.Context, lat, lon float64, units string) (client.RawResponse, error) {
		<-release
		return rawFor(lat), nil
	}
	svc := newTestService(mc, cache.NewInMemoryCache())

	items := make([]models.Coordinates, 12)
	for i := range items {
		items[i] = metric(float64(i), 0)
	}

	done := make(chan []models.BatchItem, 1)
	go func() {
		res, _ := svc.BatchFetch(context.Background(), items)
		done <- res
	}()

	waitFor(t, "gate to fill", func() bool { return mc.inFlight.Load() == DefaultBatchConcurrency })
	time.Sleep(20 * time.Millisecond)
	if got := mc.inFlight.Load(); got != DefaultBatchConcurrency {
		t.Errorf("in-flight upstream calls = %d, want %d", got, DefaultBatchConcurrency)
	}
	close(release)

	select {
	case res := <-done:
		if len(res) != len(items) {
			t.Errorf("BatchFetch() len = %d, want %d", len(res), len(items))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("BatchFetch() did not finish")
	}
	if got := mc.peak.Load(); got > DefaultBatchConcurrency {
		t.Errorf("peak in-flight = %d, want <= %d", got, DefaultBatchConcurrency)
	}
}

// hitCountingCache counts Get calls that return a live entry.
type hitCountingCache struct {
	*cache.InMemoryCache
	hits atomic.Int32
}

func (h *hitCountingCache) Get(ctx context.Context, key string) (models.Observation, bool, error) {
	obs, ok, err := h.InMemoryCache.Get(ctx, key)
	if ok {
		h.hits.Add(1)
	}
	return obs, ok, err
}

// TestBatchFetch_CacheHitsBypassGate verifies that cached items are served while every
// upstream slot of the batch is held by blocked misses.
func TestBatchFetch_CacheHitsBypassGate(t *testing.T) {
	ctx := context.Background()
	store := &hitCountingCache{InMemoryCache: cache.NewInMemoryCache()}
	cached := []models.Coordinates{metric(100, 1), metric(200, 2)}
	for _, c := range cached {
		_ = store.InMemoryCache.Set(ctx, cache.MakeKey(c.Lat, c.Lon, c.Units), models.Observation{Source: models.SourceOpenMeteo}, time.Minute)
	}

	release := make(chan struct{})
	mc := &mockWeatherClient{}
	mc.fn = func(ctx context.Context, lat, lon float64, units string) (client.RawResponse, error) {
		<-release
		return rawFor(lat), nil
	}
	svc := newTestService(mc, store)

	items := make([]models.Coordinates, 0, DefaultBatchConcurrency+len(cached))
	for i := 0; i < DefaultBatchConcurrency; i++ {
		items = append(items, metric(float64(i), 0))
	}
	items = append(items, cached...)

	done := make(chan []models.BatchItem, 1)
	go func() {
		res, _ := svc.BatchFetch(ctx, items)
		done <- res
	}()

	waitFor(t, "gate to fill", func() bool { return mc.inFlight.Load() == DefaultBatchConcurrency })
	waitFor(t, "cached items served", func() bool { return store.hits.Load() == int32(len(cached)) })
	close(release)

	select {
	case res := <-done:
		for i := DefaultBatchConcurrency; i < len(res); i++ {
			if res[i].Failed() || !res[i].Result.Cached {
				t.Errorf("result[%d] = %+v, want cached result", i, res[i])
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("BatchFetch() did not finish")
	}
}

// TestBatchFetch_GatePerBatch verifies that concurrent batches do not share upstream slots.
func TestBatchFetch_GatePerBatch(t *testing.T) {
	release := make(chan struct{})
	mc := &mockWeatherClient{}
	mc.fn = func(ctx context.Context, lat, lon float64, units string) (client.RawResponse, error) {
		<-release
		return rawFor(lat), nil
	}
	svc := newTestService(mc, cache.NewInMemoryCache())

	var wg sync.WaitGroup
	for b := 0; b < 2; b++ {
		items := make([]models.Coordinates, DefaultBatchConcurrency)
		for i := range items {
			items[i] = metric(float64(b*10+i), 0)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.BatchFetch(context.Background(), items)
		}()
	}

	want := int32(2 * DefaultBatchConcurrency)
	waitFor(t, "both batches in flight", func() bool { return mc.inFlight.Load() == want })
	close(release)
	wg.Wait()

	if got := mc.peak.Load(); got != want {
		t.Errorf("peak in-flight across two batches = %d, want %d", got, want)
	}
}

func TestBatchFetch_ConfigurableConcurrency(t *testing.T) {
	release := make(chan struct{})
	mc := &mockWeatherClient{}
	mc.fn = func(ctx context.Context, lat, lon float64, units string) (client.RawResponse, error) {
		<-release
		return rawFor(lat), nil
	}
	svc := NewWeatherService(mc, cache.NewInMemoryCache(), Config{BatchConcurrency: 2})

	items := []models.Coordinates{metric(1, 0), metric(2, 0), metric(3, 0), metric(4, 0)}
	done := make(chan struct{})
	go func() {
		_, _ = svc.BatchFetch(context.Background(), items)
		close(done)
	}()
	waitFor(t, "gate to fill", func() bool { return mc.inFlight.Load() == 2 })
	time.Sleep(20 * time.Millisecond)
	if got := mc.inFlight.Load(); got != 2 {
		t.Errorf("in-flight upstream calls = %d, want 2", got)
	}
	close(release)
	<-done
}

// TestBatchFetch_PanicIsDefect verifies that a panicking item fails the whole batch.
func TestBatchFetch_PanicIsDefect(t *testing.T) {
	mc := &mockWeatherClient{fn: func(ctx context.Context, lat, lon float64, units string) (client.RawResponse, error) {
		if lat == 2 {
			panic("contract violation")
		}
		return rawFor(lat), nil
	}}
	svc := newTestService(mc, cache.NewInMemoryCache())

	got, err := svc.BatchFetch(context.Background(), []models.Coordinates{metric(1, 0), metric(2, 0), metric(3, 0)})
	if !errors.Is(err, ErrBatchDefect) {
		t.Fatalf("BatchFetch() error = %v, want ErrBatchDefect", err)
	}
	if got != nil {
		t.Errorf("BatchFetch() results = %v, want nil", got)
	}
	if !strings.Contains(err.Error(), "item 1") {
		t.Errorf("error %q should name the failing item", err)
	}
}

// TestBatchFetch_IgnoresCallerCancellation verifies that items run to completion after
// the caller's context is canceled.
func TestBatchFetch_IgnoresCallerCancellation(t *testing.T) {
	mc := &mockWeatherClient{fn: func(ctx context.Context, lat, lon float64, units string) (client.RawResponse, error) {
		if err := ctx.Err(); err != nil {
			return client.RawResponse{}, err
		}
		return rawFor(lat), nil
	}}
	svc := newTestService(mc, cache.NewInMemoryCache())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := svc.BatchFetch(ctx, []models.Coordinates{metric(1, 0), metric(2, 0)})
	if err != nil {
		t.Fatalf("BatchFetch() error = %v", err)
	}
	for i, item := range got {
		if item.Failed() {
			t.Errorf("result[%d] failed: %s", i, item.Err.Error)
		}
	}
}

// TestBatchFetch_DuplicateKeys verifies that duplicated coordinates each get their own slot
// and the cache ends up with a single entry.
func TestBatchFetch_DuplicateKeys(t *testing.T) {
	store := cache.NewInMemoryCache()
	svc := newTestService(&mockWeatherClient{}, store)

	got, err := svc.BatchFetch(context.Background(), []models.Coordinates{metric(7, 7), metric(7, 7), metric(7.00001, 7)})
	if err != nil {
		t.Fatalf("BatchFetch() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("BatchFetch() len = %d, want 3", len(got))
	}
	if got[2].Result.Lat != 7.00001 {
		t.Errorf("result[2].Lat = %v, want 7.00001", got[2].Result.Lat)
	}
	stats, _ := store.Stats(context.Background())
	if stats.Size != 1 {
		t.Errorf("cache size = %d, want 1", stats.Size)
	}
}

func TestCacheOperations(t *testing.T) {
	ctx := context.Background()
	store := cache.NewInMemoryCache()
	svc := newTestService(&mockWeatherClient{}, store)

	_, _ = svc.FetchOrCache(ctx, metric(2, 2))
	_, _ = svc.FetchOrCache(ctx, metric(1, 1))

	items, err := svc.CacheItems(ctx)
	if err != nil {
		t.Fatalf("CacheItems() error = %v", err)
	}
	if len(items) != 2 || items[0].Key != "w:1:1:metric" || items[1].Key != "w:2:2:metric" {
		t.Errorf("CacheItems() = %+v, want two entries ordered by key", items)
	}
	if items[0].ExpiresIn < 299 || items[0].ExpiresIn > 300 {
		t.Errorf("ExpiresIn = %d, want ~300", items[0].ExpiresIn)
	}

	stats, err := svc.CacheStats(ctx)
	if err != nil || stats.Size != 2 {
		t.Errorf("CacheStats() = %+v, %v, want size 2", stats, err)
	}
	if err := svc.ClearCache(ctx); err != nil {
		t.Fatalf("ClearCache() error = %v", err)
	}
	if stats, _ := svc.CacheStats(ctx); stats.Size != 0 {
		t.Errorf("CacheStats().Size after clear = %d, want 0", stats.Size)
	}
}

func TestCacheOperations_Errors(t *testing.T) {
	ctx := context.Background()
	backendErr := errors.New("i/o timeout")
	svc := newTestService(&mockWeatherClient{}, &failingCache{err: backendErr})

	if _, err := svc.CacheItems(ctx); !errors.Is(err, backendErr) {
		t.Errorf("CacheItems() error = %v, want %v", err, backendErr)
	}
	if err := svc.ClearCache(ctx); !errors.Is(err, backendErr) {
		t.Errorf("ClearCache() error = %v, want %v", err, backendErr)
	}
	if _, err := svc.CacheStats(ctx); !errors.Is(err, backendErr) {
		t.Errorf("CacheStats() error = %v, want %v", err, backendErr)
	}
}

// TestFetchOrCache_ConcurrentSameKey verifies last-write-wins population: concurrent misses
// all succeed and leave exactly one entry.
func TestFetchOrCache_ConcurrentSameKey(t *testing.T) {
	store := cache.NewInMemoryCache()
	svc := newTestService(&mockWeatherClient{}, store)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.FetchOrCache(context.Background(), metric(5, 5)); err != nil {
				t.Errorf("FetchOrCache() error = %v", err)
			}
		}()
	}
	wg.Wait()
	stats, _ := store.Stats(context.Background())
	if stats.Size != 1 {
		t.Errorf("cache size = %d, want 1", stats.Size)
	}
	if svc.ActiveMisses() != 0 {
		t.Errorf("ActiveMisses() = %d, want 0", svc.ActiveMisses())
	}
}

// TestCategorizeCacheError verifies that categorizeCacheError returns stable labels
// (timeout, connection, unknown) for metrics.
func TestCategorizeCacheError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "unknown"},
		{"deadline", context.DeadlineExceeded, "timeout"},
		{"timeout", errors.New("read: i/o timeout"), "timeout"},
		{"connection", errors.New("connection refused"), "connection"},
		{"network", errors.New("network unreachable"), "connection"},
		{"other", errors.New("cache miss"), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := categorizeCacheError(tt.err); got != tt.want {
				t.Errorf("categorizeCacheError() = %q, want %q", got, tt.want)
			}
		})
	}
}
