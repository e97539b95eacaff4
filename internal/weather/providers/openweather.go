package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/i474232898/weather-ingestion/internal/weather"
)

const (
	DefaultForecastURL = "https://api.openweathermap.org/data/2.5/forecast"
	DefaultHistoryURL  = "https://history.openweathermap.org/data/2.5/history/city"
)

// OpenWeatherConfig configures the OpenWeatherMap client.
type OpenWeatherConfig struct {
	APIKey      string
	ForecastURL string
	HistoryURL  string
	Retry       RetryConfig
	Breaker     BreakerConfig
}

// OpenWeatherProvider implements the weather.Provider interface for OpenWeatherMap
// forecast and history endpoints.
type OpenWeatherProvider struct {
	name        string
	apiKey      string
	forecastURL string
	historyURL  string
	httpCfg     HTTPClientConfig
	circuit     *gobreaker.CircuitBreaker
	log         *zap.Logger
}

func NewOpenWeatherProvider(client *http.Client, cfg OpenWeatherConfig, log *zap.Logger) *OpenWeatherProvider {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ForecastURL == "" {
		cfg.ForecastURL = DefaultForecastURL
	}
	if cfg.HistoryURL == "" {
		cfg.HistoryURL = DefaultHistoryURL
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = RetryConfig{MaxAttempts: 3, Delay: 3 * time.Second}
	}
	log = log.Named("openweather")

	return &OpenWeatherProvider{
		name:        "openweathermap",
		apiKey:      cfg.APIKey,
		forecastURL: cfg.ForecastURL,
		historyURL:  cfg.HistoryURL,
		httpCfg: HTTPClientConfig{
			Client: client,
			Retry:  cfg.Retry,
		},
		circuit: newCircuitBreaker("openweather", cfg.Breaker, log),
		log:     log,
	}
}

func (p *OpenWeatherProvider) Name() string {
	return p.name
}

// FetchForecast requests the live 3-hour-step forecast for a location.
func (p *OpenWeatherProvider) FetchForecast(ctx context.Context, loc weather.Location) (*weather.Response, error) {
	values := p.baseValues(loc)
	resp, err := p.get(ctx, p.forecastURL, values)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		drain(resp.Body)
		return nil, &weather.StatusError{Code: resp.StatusCode}
	}
	return decodeResponse(resp.Body)
}

// FetchHistory requests hourly history between start and end.
// A 404 means the provider holds nothing further back for the location.
func (p *OpenWeatherProvider) FetchHistory(ctx context.Context, loc weather.Location, start, end time.Time) (*weather.Response, error) {
	values := p.baseValues(loc)
	values.Set("type", "hour")
	values.Set("start", strconv.FormatInt(start.Unix(), 10))
	values.Set("end", strconv.FormatInt(end.Unix(), 10))

	resp, err := p.get(ctx, p.historyURL, values)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return decodeResponse(resp.Body)
	case http.StatusNotFound:
		drain(resp.Body)
		return nil, weather.ErrNoHistory
	default:
		drain(resp.Body)
		return nil, &weather.StatusError{Code: resp.StatusCode}
	}
}

func (p *OpenWeatherProvider) baseValues(loc weather.Location) url.Values {
	values := url.Values{}
	values.Set("lat", strconv.FormatFloat(loc.Latitude, 'f', -1, 64))
	values.Set("lon", strconv.FormatFloat(loc.Longitude, 'f', -1, 64))
	values.Set("appid", p.apiKey)
	values.Set("units", "imperial")
	return values
}

func (p *OpenWeatherProvider) get(ctx context.Context, baseURL string, values url.Values) (*http.Response, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("openweather api key is not configured")
	}

	buildRequest := func(ctx context.Context) (*http.Request, error) {
		u := fmt.Sprintf("%s?%s", baseURL, values.Encode())
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}
	return doRequestWithResilience(ctx, p.httpCfg, p.circuit, p.log, buildRequest)
}

func decodeResponse(body io.Reader) (*weather.Response, error) {
	var payload weather.Response
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode openweather response: %w", err)
	}
	return &payload, nil
}

// drain lets the transport reuse the connection.
func drain(body io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
}
