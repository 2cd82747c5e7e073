package models

import "time"

// Observation is one temperature reading as returned by the upstream weather API.
type Observation struct {
	EpochTime     int64   `json:"epoch_time"`
	TemperatureC  float64 `json:"temperature_c"`
	WeatherText   string  `json:"weather_text,omitempty"`
	ObservedAtISO string  `json:"observed_at_iso"`
}

// WeatherRecord is a persisted observation. Records are append-only.
type WeatherRecord struct {
	ID           int64     `json:"id"`
	LocationKey  string    `json:"location_key"`
	EpochTime    int64     `json:"epoch_time"`
	ObservedAt   time.Time `json:"observed_at"`
	TemperatureC float64   `json:"temperature_c"`
	WeatherText  string    `json:"weather_text"`
	CreatedAt    time.Time `json:"created_at"`
}

// Observation converts a stored record back to the upstream shape.
// ObservedAtISO is the UTC instant derived from the epoch.
func (r WeatherRecord) Observation() Observation {
	return Observation{
		EpochTime:     r.EpochTime,
		TemperatureC:  r.TemperatureC,
		WeatherText:   r.WeatherText,
		ObservedAtISO: r.ObservedAt.UTC().Format(time.RFC3339),
	}
}

// AggregateKind selects a statistic over the historical window.
type AggregateKind string

const (
	AggregateMax AggregateKind = "max"
	AggregateMin AggregateKind = "min"
	AggregateAvg AggregateKind = "avg"
)

// Valid reports whether k is one of max, min or avg.
func (k AggregateKind) Valid() bool {
	switch k {
	case AggregateMax, AggregateMin, AggregateAvg:
		return true
	}
	return false
}
