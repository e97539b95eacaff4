package providers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/i474232898/weather-ingestion/internal/weather"
)

var newYork = weather.Location{ID: 7, Latitude: 40.7, Longitude: -74.0, DataAvailable: true}

var fastRetry = RetryConfig{MaxAttempts: 3, Delay: time.Millisecond}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newTestProvider(t *testing.T, client *http.Client, baseURL string) *OpenWeatherProvider {
	t.Helper()
	return NewOpenWeatherProvider(client, OpenWeatherConfig{
		APIKey:      "secret",
		ForecastURL: baseURL + "/forecast",
		HistoryURL:  baseURL + "/history",
		Retry:       fastRetry,
	}, zaptest.NewLogger(t))
}

func TestFetchForecastSendsLocationQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/forecast", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "40.7", q.Get("lat"))
		assert.Equal(t, "-74", q.Get("lon"))
		assert.Equal(t, "secret", q.Get("appid"))
		assert.Equal(t, "imperial", q.Get("units"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"cod": "200", "list": [{"dt": 1705406400}, {"dt": 1705417200}]}`))
	}))
	defer srv.Close()

	resp, err := newTestProvider(t, srv.Client(), srv.URL).FetchForecast(context.Background(), newYork)
	require.NoError(t, err)
	assert.Len(t, resp.List, 2)
}

func TestFetchHistorySendsWindow(t *testing.T) {
	start := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/history", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "hour", q.Get("type"))
		assert.Equal(t, "1704672000", q.Get("start"))
		assert.Equal(t, "1705276800", q.Get("end"))
		_, _ = w.Write([]byte(`{"list": []}`))
	}))
	defer srv.Close()

	resp, err := newTestProvider(t, srv.Client(), srv.URL).FetchHistory(context.Background(), newYork, start, end)
	require.NoError(t, err)
	assert.Empty(t, resp.List)
}

func TestFetchHistoryNotFoundMeansNoHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"cod": "404"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestProvider(t, srv.Client(), srv.URL).FetchHistory(context.Background(), newYork, time.Now(), time.Now())
	assert.ErrorIs(t, err, weather.ErrNoHistory)
}

func TestFetchForecastNotFoundIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestProvider(t, srv.Client(), srv.URL).FetchForecast(context.Background(), newYork)

	var statusErr *weather.StatusError
	require.True(t, errors.As(err, &statusErr), "got %v", err)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.NotErrorIs(t, err, weather.ErrNoHistory)
}

func TestServerErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestProvider(t, srv.Client(), srv.URL).FetchForecast(context.Background(), newYork)

	var statusErr *weather.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
	assert.Equal(t, int32(1), hits.Load())
}

func TestTransportErrorsAreRetriedThenExhausted(t *testing.T) {
	var calls atomic.Int32
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("connection reset by peer")
	})}

	_, err := newTestProvider(t, client, "http://weather.invalid").FetchForecast(context.Background(), newYork)

	assert.ErrorIs(t, err, weather.ErrRetriesExhausted)
	assert.Equal(t, int32(3), calls.Load())
}

func TestTransportErrorRecoversOnRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"list": [{"dt": 1705406400}]}`))
	}))
	defer srv.Close()

	inner := srv.Client().Transport
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("i/o timeout")
		}
		return inner.RoundTrip(r)
	})}

	resp, err := newTestProvider(t, client, srv.URL).FetchForecast(context.Background(), newYork)
	require.NoError(t, err)
	assert.Len(t, resp.List, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func newBreakerTestProvider(t *testing.T, client *http.Client, minRequests uint32) *OpenWeatherProvider {
	t.Helper()
	return NewOpenWeatherProvider(client, OpenWeatherConfig{
		APIKey:      "secret",
		ForecastURL: "http://weather.invalid/forecast",
		HistoryURL:  "http://weather.invalid/history",
		Retry:       fastRetry,
		Breaker:     BreakerConfig{MinRequests: minRequests},
	}, zaptest.NewLogger(t))
}

func okResponse() *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(`{"list": [{"dt": 1705406400}]}`)),
	}
}

func TestCircuitOpensWhenEveryLocationFails(t *testing.T) {
	var calls atomic.Int32
	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	})}
	p := newBreakerTestProvider(t, client, 5)

	// each location counts once for the breaker, after its retries
	for i := 0; i < 5; i++ {
		_, err := p.FetchForecast(context.Background(), newYork)
		require.ErrorIs(t, err, weather.ErrRetriesExhausted)
	}
	assert.Equal(t, int32(15), calls.Load())

	_, err := p.FetchForecast(context.Background(), newYork)
	assert.ErrorIs(t, err, weather.ErrCircuitOpen)
	assert.Equal(t, int32(15), calls.Load(), "open breaker must not reach the network")
}

func TestFailingLocationsDoNotSkipHealthyBatch(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		// locations with latitude >= 3 are unreachable
		if lat := r.URL.Query().Get("lat"); lat >= "3" {
			return nil, errors.New("i/o timeout")
		}
		return okResponse(), nil
	})}
	p := newBreakerTestProvider(t, client, 10)

	failed := 0
	for i := 0; i < 10; i++ {
		loc := weather.Location{ID: i + 1, Latitude: float64(i), Longitude: 0}
		if _, err := p.FetchForecast(context.Background(), loc); err != nil {
			require.ErrorIs(t, err, weather.ErrRetriesExhausted)
			failed++
		}
	}
	require.Equal(t, 7, failed)

	for i := 0; i < 10; i++ {
		loc := weather.Location{ID: 100 + i, Latitude: 0, Longitude: float64(i)}
		resp, err := p.FetchForecast(context.Background(), loc)
		require.NoError(t, err, "healthy location %d skipped", loc.ID)
		assert.Len(t, resp.List, 1)
	}
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		cancel()
		return nil, r.Context().Err()
	})}

	_, err := newTestProvider(t, client, "http://weather.invalid").FetchForecast(ctx, newYork)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMissingAPIKey(t *testing.T) {
	p := NewOpenWeatherProvider(http.DefaultClient, OpenWeatherConfig{}, nil)

	_, err := p.FetchForecast(context.Background(), newYork)
	assert.Error(t, err)
}
