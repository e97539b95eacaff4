package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	httpapi "github.com/i474232898/weather-ingestion/internal/api/http"
	"github.com/i474232898/weather-ingestion/internal/config"
	"github.com/i474232898/weather-ingestion/internal/scheduler"
	"github.com/i474232898/weather-ingestion/internal/store"
	"github.com/i474232898/weather-ingestion/internal/weather"
	"github.com/i474232898/weather-ingestion/internal/weather/providers"
)

func main() {
	once := flag.String("once", "", "run a single pass of the given mode (forecast|historical) and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer closeStore()

	// Shared HTTP client for outbound provider calls.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	provider := providers.NewOpenWeatherProvider(httpClient, providers.OpenWeatherConfig{
		APIKey:      cfg.OpenWeatherAPIKey,
		ForecastURL: cfg.ForecastURL,
		HistoryURL:  cfg.HistoryURL,
		Retry: providers.RetryConfig{
			MaxAttempts: cfg.RetryAttempts,
			Delay:       cfg.RetryDelay,
		},
		Breaker: providers.BreakerConfig{
			MinRequests: uint32(cfg.BatchSize),
		},
	}, logger)

	fetcher := weather.NewFetcher(provider, st, weather.FetcherConfig{
		BatchSize:     cfg.BatchSize,
		Cooldown:      cfg.BatchCooldown,
		HistoryWindow: cfg.HistoryWindow,
		HistoryGap:    cfg.HistoryGap,
	}, logger)

	// Core service orchestrating the provider and the store.
	service := weather.NewService(st, fetcher, logger)
	// Runs in flight must finish before the store closes.
	defer service.Wait()

	if *once != "" {
		code := runOnce(ctx, service, *once, logger)
		closeStore()
		_ = logger.Sync()
		os.Exit(code)
	}

	// Scheduler that periodically ingests both feeds.
	sched := scheduler.New(service, cfg.ForecastInterval, cfg.HistoryInterval, logger)
	if err := sched.Start(); err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}
	defer sched.Stop()

	app := fiber.New(fiber.Config{
		AppName:               "weather-ingestion",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	app.Use(fiberlogger.New())
	app.Use(recover.New())

	httpapi.RegisterRoutes(app, ctx, service)

	go func() {
		logger.Info("status server listening", zap.String("port", cfg.Port))
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Error("fiber server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (weather.Store, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("using in-memory store; data is lost on exit", zap.Int("locations", len(cfg.SeedLocations)))
		mem := store.NewMemoryStore(cfg.SeedLocations)
		return mem, mem.Close, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := store.OpenPostgres(connectCtx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("connected to PostgreSQL")
	pg := store.NewPostgresStore(pool)
	return pg, pg.Close, nil
}

func runOnce(ctx context.Context, service *weather.Service, modeName string, logger *zap.Logger) int {
	mode, err := weather.ParseMode(modeName)
	if err != nil {
		logger.Error("invalid -once value", zap.Error(err))
		return 2
	}

	summary, err := service.Run(ctx, mode)
	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))
	if err != nil {
		logger.Error("run did not complete", zap.Error(err))
		return 1
	}
	return 0
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
