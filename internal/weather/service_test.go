package weather_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/i474232898/weather-ingestion/internal/store"
	"github.com/i474232898/weather-ingestion/internal/weather"
)

// scriptedProvider serves canned samples per location id.
type scriptedProvider struct {
	mu       sync.Mutex
	forecast map[int][]string
	history  map[int][]string
	errs     map[int]error
	block    chan struct{}
	calls    int
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{
		forecast: make(map[int][]string),
		history:  make(map[int][]string),
		errs:     make(map[int]error),
	}
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) FetchForecast(ctx context.Context, loc weather.Location) (*weather.Response, error) {
	return p.respond(ctx, loc, p.forecast)
}

func (p *scriptedProvider) FetchHistory(ctx context.Context, loc weather.Location, _, _ time.Time) (*weather.Response, error) {
	return p.respond(ctx, loc, p.history)
}

func (p *scriptedProvider) respond(ctx context.Context, loc weather.Location, samples map[int][]string) (*weather.Response, error) {
	p.mu.Lock()
	p.calls++
	block := p.block
	err := p.errs[loc.ID]
	list := samples[loc.ID]
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	resp := &weather.Response{}
	for _, s := range list {
		resp.List = append(resp.List, json.RawMessage(s))
	}
	return resp, nil
}

// failingStore rejects the first N forecast upserts.
type failingStore struct {
	*store.MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *failingStore) UpsertForecasts(ctx context.Context, records []weather.ForecastRecord) (int, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return 0, errors.New("deadlock detected")
	}
	s.mu.Unlock()
	return s.MemoryStore.UpsertForecasts(ctx, records)
}

const (
	sampleNoRain = `{"dt_txt": "2024-01-16 12:00:00", "main": {"temp": 55.2, "pressure": 1016, "humidity": 71},
		"weather": [{"id": 803}], "clouds": {"all": 75}, "wind": {"speed": 8.3}}`
	sampleRain = `{"dt_txt": "2024-01-16 15:00:00", "main": {"temp": 50.1, "pressure": 1012, "humidity": 90},
		"weather": [{"id": 500}], "clouds": {"all": 100}, "wind": {"speed": 10.2}, "rain": {"3h": 0.5}}`
	sampleZeroRain = `{"dt_txt": "2024-01-16 18:00:00", "main": {"temp": 48.0, "pressure": 1012, "humidity": 85},
		"weather": [{"id": 804}], "clouds": {"all": 90}, "wind": {"speed": 6.0}, "rain": {"3h": 0}}`
	sampleHistoryOnBoundary = `{"dt": 1704844800, "main": {"temp": 30.0, "pressure": 1020, "humidity": 60},
		"weather": [{"id": 800}], "clouds": {"all": 0}, "wind": {"speed": 3.0}, "snow": {"3h": 1.2}}`
	sampleHistoryOffBoundary = `{"dt": 1704848400, "main": {"temp": 29.0, "pressure": 1020, "humidity": 61},
		"weather": [{"id": 800}], "clouds": {"all": 0}, "wind": {"speed": 3.0}}`
)

func newTestService(t *testing.T, st weather.Store, p weather.Provider, batchSize int) *weather.Service {
	t.Helper()
	log := zaptest.NewLogger(t)
	f := weather.NewFetcher(p, st, weather.FetcherConfig{
		BatchSize:     batchSize,
		HistoryWindow: 7 * 24 * time.Hour,
		HistoryGap:    24 * time.Hour,
	}, log)
	return weather.NewService(st, f, log)
}

func newYorkStore() *store.MemoryStore {
	return store.NewMemoryStore([]weather.Location{{ID: 7, Latitude: 40.7, Longitude: -74.0, DataAvailable: true}})
}

func TestRunForecastWithoutRainStoresNoChildRows(t *testing.T) {
	st := newYorkStore()
	p := newScriptedProvider()
	p.forecast[7] = []string{sampleNoRain}

	sum, err := newTestService(t, st, p, 100).Run(context.Background(), weather.ModeForecast)
	require.NoError(t, err)

	forecasts := st.Forecasts()
	require.Len(t, forecasts, 1)
	assert.Equal(t, 7, forecasts[0].LocationID)
	assert.Equal(t, time.Date(2024, 1, 16, 12, 0, 0, 0, time.UTC), forecasts[0].Timestamp)
	assert.Nil(t, forecasts[0].WindGust)
	assert.Empty(t, st.Precipitation(weather.PrecipitationRain))
	assert.Empty(t, st.Precipitation(weather.PrecipitationSnow))

	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, 1, sum.ForecastsUpserted)
	assert.Zero(t, sum.RainInserted)
}

func TestRunForecastWithRainReferencesGeneratedID(t *testing.T) {
	st := newYorkStore()
	p := newScriptedProvider()
	p.forecast[7] = []string{sampleRain}

	sum, err := newTestService(t, st, p, 100).Run(context.Background(), weather.ModeForecast)
	require.NoError(t, err)

	forecasts := st.Forecasts()
	require.Len(t, forecasts, 1)
	rain := st.Precipitation(weather.PrecipitationRain)
	require.Len(t, rain, 1)
	assert.Equal(t, forecasts[0].ID, rain[0].ForecastID)
	assert.Equal(t, 0.5, rain[0].Volume3h)
	assert.Equal(t, 1, sum.RainInserted)
}

func TestRunZeroVolumeProducesNoChildRow(t *testing.T) {
	st := newYorkStore()
	p := newScriptedProvider()
	p.forecast[7] = []string{sampleZeroRain}

	_, err := newTestService(t, st, p, 100).Run(context.Background(), weather.ModeForecast)
	require.NoError(t, err)

	assert.Len(t, st.Forecasts(), 1)
	assert.Empty(t, st.Precipitation(weather.PrecipitationRain))
}

func TestRunIsIdempotent(t *testing.T) {
	st := newYorkStore()
	p := newScriptedProvider()
	p.forecast[7] = []string{sampleNoRain, sampleRain}
	svc := newTestService(t, st, p, 100)

	first, err := svc.Run(context.Background(), weather.ModeForecast)
	require.NoError(t, err)
	firstForecasts := st.Forecasts()

	second, err := svc.Run(context.Background(), weather.ModeForecast)
	require.NoError(t, err)

	assert.Equal(t, firstForecasts, st.Forecasts(), "rerun must not add or renumber rows")
	assert.Len(t, st.Precipitation(weather.PrecipitationRain), 1)
	assert.Equal(t, 1, first.RainInserted)
	assert.Zero(t, second.RainInserted)
	assert.Equal(t, 2, second.ForecastsUpserted)
}

func TestRunFailedBatchDoesNotAffectNextBatch(t *testing.T) {
	mem := store.NewMemoryStore([]weather.Location{
		{ID: 1, Latitude: 10, Longitude: 10, DataAvailable: true},
		{ID: 2, Latitude: 20, Longitude: 20, DataAvailable: true},
	})
	st := &failingStore{MemoryStore: mem, failures: 1}
	p := newScriptedProvider()
	p.forecast[1] = []string{sampleRain}
	p.forecast[2] = []string{sampleRain}

	sum, err := newTestService(t, st, p, 1).Run(context.Background(), weather.ModeForecast)
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Batches)
	assert.Equal(t, 1, sum.FailedBatches)
	forecasts := mem.Forecasts()
	require.Len(t, forecasts, 1)
	assert.Equal(t, 2, forecasts[0].LocationID)
	assert.Len(t, mem.Precipitation(weather.PrecipitationRain), 1)
}

func TestRunSkipsLocationThatFailsPermanently(t *testing.T) {
	st := store.NewMemoryStore([]weather.Location{
		{ID: 1, Latitude: 10, Longitude: 10, DataAvailable: true},
		{ID: 2, Latitude: 20, Longitude: 20, DataAvailable: true},
	})
	p := newScriptedProvider()
	p.errs[1] = weather.ErrRetriesExhausted
	p.forecast[2] = []string{sampleNoRain}

	sum, err := newTestService(t, st, p, 100).Run(context.Background(), weather.ModeForecast)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 1, sum.Processed)
	require.Len(t, st.Forecasts(), 1)
	assert.Equal(t, 2, st.Forecasts()[0].LocationID)
}

func TestRunHistoricalFiltersAndMarksExhaustedLocations(t *testing.T) {
	st := store.NewMemoryStore([]weather.Location{
		{ID: 1, Latitude: 10, Longitude: 10, DataAvailable: true},
		{ID: 2, Latitude: 20, Longitude: 20, DataAvailable: true},
		{ID: 3, Latitude: 30, Longitude: 30, DataAvailable: true},
	})
	p := newScriptedProvider()
	p.forecast[1] = []string{sampleNoRain}
	p.forecast[2] = []string{sampleNoRain}
	p.history[1] = []string{sampleHistoryOnBoundary, sampleHistoryOffBoundary}
	p.errs[2] = weather.ErrNoHistory
	svc := newTestService(t, st, p, 100)

	_, err := svc.Run(context.Background(), weather.ModeForecast)
	require.NoError(t, err)

	sum, err := svc.Run(context.Background(), weather.ModeHistorical)
	require.NoError(t, err)

	// location 3 has no stored forecasts and is not polled
	assert.Equal(t, 2, sum.Locations)
	assert.Equal(t, 1, sum.NotFound)
	assert.Equal(t, 1, sum.FilteredSamples)
	assert.Equal(t, 1, sum.SnowInserted)

	loc2, err := st.Location(2)
	require.NoError(t, err)
	assert.False(t, loc2.DataAvailable)

	next, err := st.HistoricalLocations(context.Background())
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, 1, next[0].ID)
	assert.Equal(t, time.Unix(1704844800, 0).UTC(), next[0].Oldest)
}

func TestRunEmptyCatalog(t *testing.T) {
	st := store.NewMemoryStore(nil)

	_, err := newTestService(t, st, newScriptedProvider(), 100).Run(context.Background(), weather.ModeForecast)
	assert.ErrorIs(t, err, weather.ErrNoLocations)
}

func TestRunRejectsConcurrentRunOfSameMode(t *testing.T) {
	st := newYorkStore()
	p := newScriptedProvider()
	p.forecast[7] = []string{sampleNoRain}
	p.block = make(chan struct{})
	svc := newTestService(t, st, p, 100)

	runID, err := svc.Start(context.Background(), weather.ModeForecast)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	_, err = svc.Run(context.Background(), weather.ModeForecast)
	assert.ErrorIs(t, err, weather.ErrRunInProgress)
	_, err = svc.Start(context.Background(), weather.ModeForecast)
	assert.ErrorIs(t, err, weather.ErrRunInProgress)

	_, ok := svc.LastRun(weather.ModeForecast)
	assert.False(t, ok)

	close(p.block)

	require.Eventually(t, func() bool {
		sum, ok := svc.LastRun(weather.ModeForecast)
		return ok && sum.RunID == runID
	}, 2*time.Second, 10*time.Millisecond)

	// the lock is released once the background run finishes
	require.Eventually(t, func() bool {
		_, err := svc.Run(context.Background(), weather.ModeForecast)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWaitBlocksUntilBackgroundRunFinishes(t *testing.T) {
	st := newYorkStore()
	p := newScriptedProvider()
	p.forecast[7] = []string{sampleNoRain}
	p.block = make(chan struct{})
	svc := newTestService(t, st, p, 100)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := svc.Start(ctx, weather.ModeForecast)
	require.NoError(t, err)

	cancel()
	svc.Wait()

	// the cancelled run completed its bookkeeping before Wait returned
	sum, ok := svc.LastRun(weather.ModeForecast)
	require.True(t, ok)
	assert.Equal(t, 1, sum.Skipped)
	assert.Empty(t, st.Forecasts())

	close(p.block)
	_, err = svc.Run(context.Background(), weather.ModeForecast)
	assert.NoError(t, err)
}
