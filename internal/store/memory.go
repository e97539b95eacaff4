package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/i474232898/weather-ingestion/internal/weather"
)

var (
	// ErrNotFound is returned when a location is not in the catalog.
	ErrNotFound = errors.New("location not found")
)

// MemoryStore is a concurrency-safe in-memory implementation of weather.Store.
// It mirrors the relational contract: generated forecast ids, a unique
// (location, timestamp) key, child rows keyed by forecast id, and
// all-or-nothing batches.
type MemoryStore struct {
	mu sync.RWMutex

	locations map[int]*weather.Location

	forecasts map[int64]*weather.PersistedForecast
	byKey     map[weather.NaturalKey]int64
	nextID    int64

	// child rows keyed by forecast id
	rain map[int64]*weather.PrecipitationRecord
	snow map[int64]*weather.PrecipitationRecord
}

// NewMemoryStore creates a MemoryStore holding the given locations.
func NewMemoryStore(locations []weather.Location) *MemoryStore {
	s := &MemoryStore{
		locations: make(map[int]*weather.Location, len(locations)),
		forecasts: make(map[int64]*weather.PersistedForecast),
		byKey:     make(map[weather.NaturalKey]int64),
		rain:      make(map[int64]*weather.PrecipitationRecord),
		snow:      make(map[int64]*weather.PrecipitationRecord),
	}
	for i, loc := range locations {
		if loc.ID == 0 {
			loc.ID = i + 1
		}
		loc.Oldest = time.Time{}
		l := loc
		s.locations[l.ID] = &l
	}
	return s
}

// ForecastLocations returns every catalog location ordered by id.
func (s *MemoryStore) ForecastLocations(_ context.Context) ([]weather.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]weather.Location, 0, len(s.locations))
	for _, loc := range s.locations {
		out = append(out, *loc)
	}
	sortLocations(out)
	return out, nil
}

// HistoricalLocations returns locations that still have history available and
// already hold at least one forecast, with the oldest stored timestamp.
func (s *MemoryStore) HistoricalLocations(_ context.Context) ([]weather.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	oldest := make(map[int]time.Time)
	for _, f := range s.forecasts {
		cur, ok := oldest[f.LocationID]
		if !ok || f.Timestamp.Before(cur) {
			oldest[f.LocationID] = f.Timestamp
		}
	}

	var out []weather.Location
	for id, ts := range oldest {
		loc, ok := s.locations[id]
		if !ok || !loc.DataAvailable {
			continue
		}
		l := *loc
		l.Oldest = ts
		out = append(out, l)
	}
	sortLocations(out)
	return out, nil
}

// MarkUnavailable flips the location's data_available flag to false.
func (s *MemoryStore) MarkUnavailable(_ context.Context, locationID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc, ok := s.locations[locationID]
	if !ok {
		return fmt.Errorf("memory: mark location %d unavailable: %w", locationID, ErrNotFound)
	}
	loc.DataAvailable = false
	return nil
}

// UpsertForecasts inserts or updates every record on its natural key.
// The batch is validated before any row is touched.
func (s *MemoryStore) UpsertForecasts(_ context.Context, records []weather.ForecastRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		if _, ok := s.locations[r.LocationID]; !ok {
			return 0, fmt.Errorf("memory: upsert forecasts: location %d: %w", r.LocationID, ErrNotFound)
		}
	}

	for _, r := range records {
		row := r
		// volumes live in the dependent tables, not on the forecast row
		row.RainVolume3h, row.SnowVolume3h = 0, 0
		row.Timestamp = r.Timestamp.UTC()

		if id, ok := s.byKey[r.Key()]; ok {
			s.forecasts[id].ForecastRecord = row
			continue
		}
		s.nextID++
		s.forecasts[s.nextID] = &weather.PersistedForecast{ID: s.nextID, ForecastRecord: row}
		s.byKey[r.Key()] = s.nextID
	}
	return len(records), nil
}

// AttachPrecipitation resolves forecast ids for records with non-zero volumes
// and inserts the child rows that do not exist yet. Existing rows get the
// incoming volume.
func (s *MemoryStore) AttachPrecipitation(_ context.Context, records []weather.ForecastRecord) (weather.PrecipitationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res weather.PrecipitationResult
	for _, r := range records {
		if !r.HasPrecipitation() {
			continue
		}
		id, ok := s.byKey[r.Key()]
		if !ok {
			continue
		}
		if r.RainVolume3h != 0 && attach(s.rain, weather.PrecipitationRain, id, r.RainVolume3h) {
			res.Rain++
		}
		if r.SnowVolume3h != 0 && attach(s.snow, weather.PrecipitationSnow, id, r.SnowVolume3h) {
			res.Snow++
		}
	}
	return res, nil
}

func attach(rows map[int64]*weather.PrecipitationRecord, kind weather.PrecipitationKind, forecastID int64, volume float64) bool {
	if existing, ok := rows[forecastID]; ok {
		existing.Volume3h = volume
		return false
	}
	rows[forecastID] = &weather.PrecipitationRecord{Kind: kind, ForecastID: forecastID, Volume3h: volume}
	return true
}

// Health always succeeds for the in-memory store.
func (s *MemoryStore) Health(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

// Forecasts returns a copy of every persisted forecast ordered by id.
func (s *MemoryStore) Forecasts() []weather.PersistedForecast {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]weather.PersistedForecast, 0, len(s.forecasts))
	for _, f := range s.forecasts {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Precipitation returns a copy of the child rows of one kind ordered by forecast id.
func (s *MemoryStore) Precipitation(kind weather.PrecipitationKind) []weather.PrecipitationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.rain
	if kind == weather.PrecipitationSnow {
		rows = s.snow
	}
	out := make([]weather.PrecipitationRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ForecastID < out[j].ForecastID })
	return out
}

// Location returns a catalog entry.
func (s *MemoryStore) Location(id int) (weather.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loc, ok := s.locations[id]
	if !ok {
		return weather.Location{}, ErrNotFound
	}
	return *loc, nil
}

func sortLocations(locs []weather.Location) {
	sort.Slice(locs, func(i, j int) bool { return locs[i].ID < locs[j].ID })
}
