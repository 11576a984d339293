// Package testhelpers provides a fake Open-Meteo server and service wiring for
// handler-level tests.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/weather-proxy/internal/cache"
	"github.com/kjstillabower/weather-proxy/internal/client"
	"github.com/kjstillabower/weather-proxy/internal/service"
)

// FakeOpenMeteo serves /v1/forecast. Successful responses echo the requested latitude
// as temperature_2m so callers can match results to requests.
type FakeOpenMeteo struct {
	Server *httptest.Server

	hits   atomic.Int32
	mu     sync.Mutex
	status int
	failAt map[string]bool
	delay  time.Duration
}

// NewFakeOpenMeteo starts a fake upstream closed at test cleanup.
func NewFakeOpenMeteo(t testing.TB) *FakeOpenMeteo {
	t.Helper()
	f := &FakeOpenMeteo{status: http.StatusOK, failAt: make(map[string]bool)}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the forecast endpoint.
func (f *FakeOpenMeteo) URL() string {
	return f.Server.URL + "/v1/forecast"
}

// Hits returns the number of requests served.
func (f *FakeOpenMeteo) Hits() int {
	return int(f.hits.Load())
}

// RespondWith makes every later request answer with status and an error body.
// http.StatusOK restores normal responses.
func (f *FakeOpenMeteo) RespondWith(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

// FailLatitude makes requests for lat answer 500 regardless of RespondWith.
func (f *FakeOpenMeteo) FailLatitude(lat string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAt[lat] = true
}

// Delay holds every response for d.
func (f *FakeOpenMeteo) Delay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func (f *FakeOpenMeteo) serve(w http.ResponseWriter, r *http.Request) {
	f.hits.Add(1)
	f.mu.Lock()
	status, delay := f.status, f.delay
	lat := r.URL.Query().Get("latitude")
	if f.failAt[lat] {
		status = http.StatusInternalServerError
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":true,"reason":"simulated failure"}`))
		return
	}
	temp, _ := strconv.ParseFloat(lat, 64)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"latitude":  temp,
		"longitude": r.URL.Query().Get("longitude"),
		"timezone":  "GMT",
		"current": map[string]interface{}{
			"time":           "2024-01-01T12:00",
			"interval":       900,
			"temperature_2m": temp,
			"wind_speed_10m": 3.5,
		},
	})
}

// NewClient returns a real OpenMeteoClient pointed at f with short backoff.
func NewClient(t testing.TB, f *FakeOpenMeteo, timeout time.Duration) *client.OpenMeteoClient {
	t.Helper()
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	c, err := client.NewOpenMeteoClient(f.URL(), time.Second, timeout, client.RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		MaxDelay:    5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewOpenMeteoClient() error = %v", err)
	}
	return c
}

// NewService wires a WeatherService over f and a fresh in-memory cache.
func NewService(t testing.TB, f *FakeOpenMeteo) (*service.WeatherService, *cache.InMemoryCache) {
	t.Helper()
	store := cache.NewInMemoryCache()
	svc := service.NewWeatherService(NewClient(t, f, 0), store, service.Config{TTL: 300 * time.Second})
	return svc, store
}
