package client

import "github.com/kjstillabower/weather-proxy/internal/models"

// RawResponse is the subset of the Open-Meteo forecast response the proxy reads.
// Every field is optional.
type RawResponse struct {
	Timezone *string            `json:"timezone"`
	Current  *CurrentConditions `json:"current"`
}

// CurrentConditions is the "current" block requested with current=temperature_2m,wind_speed_10m.
type CurrentConditions struct {
	Time          *string  `json:"time"`
	Temperature2m *float64 `json:"temperature_2m"`
	WindSpeed10m  *float64 `json:"wind_speed_10m"`
}

// Normalize extracts the cached observation from raw. Missing fields stay nil; it never fails.
func Normalize(raw RawResponse) models.Observation {
	obs := models.Observation{
		Source:   models.SourceOpenMeteo,
		Timezone: raw.Timezone,
	}
	if cur := raw.Current; cur != nil {
		obs.Temperature = cur.Temperature2m
		obs.WindSpeed = cur.WindSpeed10m
		obs.ObservedAt = cur.Time
	}
	return obs
}
