package models

import "encoding/json"

// Unit systems accepted by the proxy.
const (
	UnitsMetric   = "metric"
	UnitsImperial = "imperial"
)

// SourceOpenMeteo identifies observations normalized from Open-Meteo.
const SourceOpenMeteo = "open-meteo"

// Coordinates identifies a single weather lookup.
type Coordinates struct {
	Lat   float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon   float64 `json:"lon" validate:"gte=-180,lte=180"`
	Units string  `json:"units" validate:"oneof=metric imperial"`
}

// Observation is the normalized current-conditions payload stored in the cache.
// Fields missing from the upstream response stay nil and encode as null.
type Observation struct {
	Temperature *float64 `json:"temperature"`
	WindSpeed   *float64 `json:"wind_speed"`
	ObservedAt  *string  `json:"observed_at"`
	Source      string   `json:"source"`
	Timezone    *string  `json:"timezone"`
}

// WeatherResult is returned by the single-item path.
type WeatherResult struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Units string  `json:"units"`
	Observation
	Cached bool `json:"cached"`
}

// NewWeatherResult annotates obs with the request that produced it.
func NewWeatherResult(c Coordinates, obs Observation, cached bool) WeatherResult {
	return WeatherResult{Lat: c.Lat, Lon: c.Lon, Units: c.Units, Observation: obs, Cached: cached}
}

// BatchItemError is emitted in place of a result when one batch item fails.
type BatchItemError struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Units string  `json:"units"`
	Error string  `json:"error"`
}

// BatchItem holds exactly one of Result or Err.
type BatchItem struct {
	Result *WeatherResult
	Err    *BatchItemError
}

// Failed reports whether the item carries an error record.
func (b BatchItem) Failed() bool {
	return b.Err != nil
}

// MarshalJSON encodes the populated side only, so a batch response is a flat array
// of results and error records.
func (b BatchItem) MarshalJSON() ([]byte, error) {
	if b.Err != nil {
		return json.Marshal(b.Err)
	}
	return json.Marshal(b.Result)
}

// CacheItem is one row of the cache listing.
type CacheItem struct {
	Key       string `json:"key"`
	ExpiresIn int64  `json:"expires_in"`
	Observation
}

// CacheStats is the raw size of the store.
type CacheStats struct {
	Size int `json:"size"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

// String returns a pointer to s.
func String(s string) *string {
	return &s
}
