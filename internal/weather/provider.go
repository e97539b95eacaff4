package weather

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoHistory is returned by the history endpoint when no further data exists for a location.
	ErrNoHistory = errors.New("no historical data for location")
	// ErrRetriesExhausted is returned after every attempt for a request failed transiently.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrCircuitOpen is returned while the provider circuit breaker rejects requests.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrMalformedSample marks a sample missing a required field.
	ErrMalformedSample = errors.New("malformed sample")
	// ErrRunInProgress is returned when a run of the same mode is already executing.
	ErrRunInProgress = errors.New("run already in progress")
	// ErrNoLocations is returned when the catalog yields nothing to poll.
	ErrNoLocations = errors.New("no locations to poll")
)

// StatusError reports an unexpected provider status code.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

// Provider abstracts the external weather API.
type Provider interface {
	Name() string
	FetchForecast(ctx context.Context, loc Location) (*Response, error)
	FetchHistory(ctx context.Context, loc Location, start, end time.Time) (*Response, error)
}

// Catalog supplies the locations to poll.
type Catalog interface {
	ForecastLocations(ctx context.Context) ([]Location, error)
	HistoricalLocations(ctx context.Context) ([]Location, error)
}

// AvailabilityTracker records that a location has no further history.
type AvailabilityTracker interface {
	MarkUnavailable(ctx context.Context, locationID int) error
}

// ForecastStore persists normalized records in two phases.
type ForecastStore interface {
	// UpsertForecasts writes the batch on the (location, timestamp) natural key, all or nothing.
	UpsertForecasts(ctx context.Context, records []ForecastRecord) (int, error)
	// AttachPrecipitation resolves generated ids and inserts missing rain/snow rows.
	AttachPrecipitation(ctx context.Context, records []ForecastRecord) (PrecipitationResult, error)
}

// Store is the contract the PostgreSQL and in-memory stores satisfy.
type Store interface {
	Catalog
	AvailabilityTracker
	ForecastStore
	Health(ctx context.Context) error
}
