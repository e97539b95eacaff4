package weather

import (
	"encoding/json"
	"fmt"
	"time"
)

// Mode selects which provider feed a pipeline run ingests.
type Mode string

const (
	ModeForecast   Mode = "forecast"
	ModeHistorical Mode = "historical"
)

// ParseMode validates a mode name coming from configuration or the API.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeForecast, ModeHistorical:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown ingestion mode %q", s)
	}
}

// Location is a catalog entry polled by the pipeline.
// Oldest is only populated for historical runs and holds the earliest
// forecast timestamp already stored for the location.
type Location struct {
	ID            int       `json:"id"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	DataAvailable bool      `json:"dataAvailable"`
	Oldest        time.Time `json:"oldest,omitzero"`
}

// ForecastRecord is one normalized sample for a location, not yet persisted.
// Pointer fields are nil when the provider omitted them and are stored as NULL.
type ForecastRecord struct {
	LocationID          int
	Temperature         float64
	Pressure            int
	SeaLevelPressure    *int
	GroundLevelPressure *int
	Humidity            int
	WeatherConditionID  int
	Cloudiness          int
	WindSpeed           float64
	WindDirection       *int
	WindGust            *float64
	Visibility          *int
	PrecipitationChance *float64
	Timestamp           time.Time // always UTC

	RainVolume3h float64
	SnowVolume3h float64
}

// Key returns the natural key of the record.
func (r ForecastRecord) Key() NaturalKey {
	return NaturalKey{LocationID: r.LocationID, Timestamp: r.Timestamp.UTC().Unix()}
}

// HasPrecipitation reports whether the record carries any dependent rows.
func (r ForecastRecord) HasPrecipitation() bool {
	return r.RainVolume3h != 0 || r.SnowVolume3h != 0
}

// NaturalKey identifies a persisted forecast independently of its generated id.
type NaturalKey struct {
	LocationID int
	Timestamp  int64 // unix seconds, UTC
}

// PersistedForecast is a stored forecast row.
type PersistedForecast struct {
	ID int64
	ForecastRecord
}

// PrecipitationKind distinguishes the two dependent tables.
type PrecipitationKind string

const (
	PrecipitationRain PrecipitationKind = "rain"
	PrecipitationSnow PrecipitationKind = "snow"
)

// PrecipitationRecord is a dependent row owned by a persisted forecast.
type PrecipitationRecord struct {
	Kind       PrecipitationKind
	ForecastID int64
	Volume3h   float64
}

// PrecipitationResult counts the dependent rows inserted by one resolver pass.
type PrecipitationResult struct {
	Rain int
	Snow int
}

// Response is the provider envelope. Samples are kept raw until the
// normalizer decodes them so a single bad sample cannot fail the response.
type Response struct {
	List []json.RawMessage `json:"list"`
}

// Window is the time range requested from the history endpoint.
type Window struct {
	Start time.Time
	End   time.Time
}

// RunSummary is reported at the end of every pipeline run.
type RunSummary struct {
	RunID      string    `json:"runId"`
	Mode       Mode      `json:"mode"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	Locations int `json:"locations"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	NotFound  int `json:"notFound"`

	Records          int `json:"records"`
	MalformedSamples int `json:"malformedSamples"`
	FilteredSamples  int `json:"filteredSamples"`

	ForecastsUpserted int `json:"forecastsUpserted"`
	RainInserted      int `json:"rainInserted"`
	SnowInserted      int `json:"snowInserted"`

	Batches       int `json:"batches"`
	FailedBatches int `json:"failedBatches"`
}
