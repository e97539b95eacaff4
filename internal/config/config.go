package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/i474232898/weather-ingestion/internal/weather"
)

var validate = validator.New()

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type AppConfig struct {
	OpenWeatherAPIKey string        `validate:"required"`
	ForecastURL       string        `validate:"required,url"`
	HistoryURL        string        `validate:"required,url"`
	HTTPTimeout       time.Duration `validate:"gt=0"`

	StoreDriver string `validate:"oneof=postgres memory"`
	DatabaseURL string `validate:"required_if=StoreDriver postgres"`
	DBMaxConns  int    `validate:"gte=1"`

	// SeedLocations populate the memory store.
	SeedLocations []weather.Location

	// BatchSize is both the number of locations per batch and the
	// number of requests in flight at once.
	BatchSize     int           `validate:"gte=1"`
	BatchCooldown time.Duration `validate:"gte=0"`
	RetryAttempts int           `validate:"gte=1"`
	RetryDelay    time.Duration `validate:"gte=0"`

	HistoryWindow time.Duration `validate:"gt=0"`
	HistoryGap    time.Duration `validate:"gte=0"`

	// ForecastInterval and HistoryInterval drive the scheduler; 0 disables a mode.
	ForecastInterval time.Duration `validate:"gte=0"`
	HistoryInterval  time.Duration `validate:"gte=0"`

	Port      string `validate:"required,numeric"`
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=json console"`
}

// Load reads configuration from environment with sensible defaults.
// Callers load any .env file first.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{}
	var err error

	cfg.OpenWeatherAPIKey = os.Getenv("OPENWEATHER_API_KEY")
	cfg.ForecastURL = getenvDefault("OPENWEATHER_FORECAST_URL", "https://api.openweathermap.org/data/2.5/forecast")
	cfg.HistoryURL = getenvDefault("OPENWEATHER_HISTORY_URL", "https://history.openweathermap.org/data/2.5/history/city")
	if cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", "30s"); err != nil {
		return nil, err
	}

	cfg.StoreDriver = getenvDefault("STORE_DRIVER", StoreDriverPostgres)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = databaseURLFromParts()
	}
	cfg.DBMaxConns = getenvInt("DB_MAX_CONNS", 4)

	if cfg.SeedLocations, err = parseLocations(os.Getenv("SEED_LOCATIONS")); err != nil {
		return nil, err
	}

	cfg.BatchSize = getenvInt("BATCH_SIZE", 100)
	if cfg.BatchCooldown, err = getenvDuration("BATCH_COOLDOWN", "60s"); err != nil {
		return nil, err
	}
	cfg.RetryAttempts = getenvInt("RETRY_ATTEMPTS", 3)
	if cfg.RetryDelay, err = getenvDuration("RETRY_DELAY", "3s"); err != nil {
		return nil, err
	}

	// Default window: one week, ending a day before the oldest stored sample.
	if cfg.HistoryWindow, err = getenvDuration("HISTORY_WINDOW", "168h"); err != nil {
		return nil, err
	}
	if cfg.HistoryGap, err = getenvDuration("HISTORY_GAP", "24h"); err != nil {
		return nil, err
	}

	if cfg.ForecastInterval, err = getenvDuration("FORECAST_INTERVAL", "3h"); err != nil {
		return nil, err
	}
	if cfg.HistoryInterval, err = getenvDuration("HISTORY_INTERVAL", "24h"); err != nil {
		return nil, err
	}

	cfg.Port = getenvDefault("PORT", "8080")
	cfg.LogLevel = strings.ToLower(getenvDefault("LOG_LEVEL", "info"))
	cfg.LogFormat = strings.ToLower(getenvDefault("LOG_FORMAT", "json"))

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// databaseURLFromParts builds a DSN from the DB_* variables, or "" when DB_HOST is unset.
func databaseURLFromParts() string {
	host := os.Getenv("DB_HOST")
	if host == "" {
		return ""
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, getenvDefault("DB_PORT", "5432")),
		Path:   "/" + os.Getenv("DB_NAME"),
	}
	if user := os.Getenv("DB_USER"); user != "" {
		u.User = url.UserPassword(user, os.Getenv("DB_PASSWORD"))
	}
	if mode := os.Getenv("DB_SSLMODE"); mode != "" {
		u.RawQuery = url.Values{"sslmode": []string{mode}}.Encode()
	}
	return u.String()
}

// parseLocations reads "lat:lon,lat:lon"; ids are assigned in order from 1.
func parseLocations(s string) ([]weather.Location, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var locs []weather.Location
	for i, pair := range strings.Split(s, ",") {
		parts := strings.Split(strings.TrimSpace(pair), ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid SEED_LOCATIONS entry %q: want lat:lon", pair)
		}
		lat, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid latitude in SEED_LOCATIONS entry %q: %w", pair, err)
		}
		lon, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid longitude in SEED_LOCATIONS entry %q: %w", pair, err)
		}
		locs = append(locs, weather.Location{
			ID:            i + 1,
			Latitude:      lat,
			Longitude:     lon,
			DataAvailable: true,
		})
	}
	return locs, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(getenvDefault(key, def))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
