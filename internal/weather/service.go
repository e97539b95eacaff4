package weather

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/i474232898/weather-ingestion/internal/common"
	"github.com/i474232898/weather-ingestion/internal/metrics"
)

// Service orchestrates the ingestion pipeline:
// catalog -> fetcher -> normalizer -> upsert engine -> dependent resolver.
type Service struct {
	store   Store
	fetcher *Fetcher
	log     *zap.Logger

	mu      sync.Mutex
	running map[Mode]bool
	last    map[Mode]RunSummary
	wg      sync.WaitGroup

	now func() time.Time
}

// NewService creates a new Service.
func NewService(store Store, fetcher *Fetcher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:   store,
		fetcher: fetcher,
		log:     log.Named("pipeline"),
		running: make(map[Mode]bool),
		last:    make(map[Mode]RunSummary),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one full pass of the pipeline for the given mode.
// Per-location and per-batch failures are absorbed and counted in the
// summary; an error is returned only when the run could not proceed.
func (s *Service) Run(ctx context.Context, mode Mode) (RunSummary, error) {
	return s.run(ctx, mode, uuid.NewString())
}

// Start launches a run in the background and returns its id.
func (s *Service) Start(ctx context.Context, mode Mode) (string, error) {
	if !s.acquire(mode) {
		return "", ErrRunInProgress
	}
	runID := uuid.NewString()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(mode)
		if _, err := s.execute(ctx, mode, runID); err != nil {
			s.log.Error("background run failed", zap.String("run_id", runID), zap.String("mode", string(mode)), zap.Error(err))
		}
	}()
	return runID, nil
}

// Wait blocks until every run in progress has returned. Callers cancel the
// runs' context first and close the store only after Wait.
func (s *Service) Wait() {
	s.wg.Wait()
}

// LastRun returns the summary of the latest completed run of a mode.
func (s *Service) LastRun(mode Mode) (RunSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.last[mode]
	return sum, ok
}

// Health delegates to the underlying store.
func (s *Service) Health(ctx context.Context) error {
	return s.store.Health(ctx)
}

func (s *Service) run(ctx context.Context, mode Mode, runID string) (RunSummary, error) {
	if !s.acquire(mode) {
		return RunSummary{}, ErrRunInProgress
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer s.release(mode)
	return s.execute(ctx, mode, runID)
}

func (s *Service) acquire(mode Mode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[mode] {
		return false
	}
	s.running[mode] = true
	return true
}

func (s *Service) release(mode Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, mode)
}

func (s *Service) execute(ctx context.Context, mode Mode, runID string) (RunSummary, error) {
	log := s.log.With(zap.String("run_id", runID), zap.String("mode", string(mode)))
	sum := RunSummary{RunID: runID, Mode: mode, StartedAt: s.now()}

	locations, err := s.locations(ctx, mode)
	if err != nil {
		return sum, fmt.Errorf("load %s locations: %w", mode, err)
	}
	sum.Locations = len(locations)
	if len(locations) == 0 {
		log.Warn("catalog returned no locations")
		return sum, ErrNoLocations
	}

	batches := common.Chunk(locations, s.fetcher.BatchSize())
	log.Info("starting run", zap.Int("locations", len(locations)), zap.Int("batches", len(batches)))

	var runErr error
	for i, batch := range batches {
		s.processBatch(ctx, log.With(zap.Int("batch", i+1)), mode, batch, &sum)

		if i == len(batches)-1 {
			break
		}
		if err := s.fetcher.Cooldown(ctx); err != nil {
			runErr = err
			log.Warn("run interrupted between batches", zap.Error(err))
			break
		}
	}

	sum.FinishedAt = s.now()
	metrics.RunDurationSeconds.WithLabelValues(string(mode)).Observe(sum.FinishedAt.Sub(sum.StartedAt).Seconds())

	s.mu.Lock()
	s.last[mode] = sum
	s.mu.Unlock()

	log.Info("run complete",
		zap.Int("locations", sum.Locations),
		zap.Int("processed", sum.Processed),
		zap.Int("skipped", sum.Skipped),
		zap.Int("not_found", sum.NotFound),
		zap.Int("records", sum.Records),
		zap.Int("malformed_samples", sum.MalformedSamples),
		zap.Int("forecasts_upserted", sum.ForecastsUpserted),
		zap.Int("rain_inserted", sum.RainInserted),
		zap.Int("snow_inserted", sum.SnowInserted),
		zap.Int("failed_batches", sum.FailedBatches),
		zap.Duration("elapsed", sum.FinishedAt.Sub(sum.StartedAt)),
	)
	return sum, runErr
}

func (s *Service) locations(ctx context.Context, mode Mode) ([]Location, error) {
	if mode == ModeHistorical {
		return s.store.HistoricalLocations(ctx)
	}
	return s.store.ForecastLocations(ctx)
}

// processBatch fetches, normalizes and persists one batch. Store writes are
// issued here, from the coordinating goroutine, never from the fetch stage.
func (s *Service) processBatch(ctx context.Context, log *zap.Logger, mode Mode, batch []Location, sum *RunSummary) {
	sum.Batches++

	var records []ForecastRecord
	for _, res := range s.fetcher.FetchBatch(ctx, mode, batch) {
		switch res.Outcome {
		case OutcomeFetched:
		case OutcomeNotFound:
			sum.NotFound++
			sum.Skipped++
			continue
		default:
			sum.Skipped++
			continue
		}

		norm := Normalize(mode, res.Location.ID, res.Response)
		for _, err := range norm.Errors {
			log.Debug("skipping sample", zap.Int("location_id", res.Location.ID), zap.Error(err))
		}
		if norm.Malformed > 0 {
			metrics.SamplesSkippedTotal.WithLabelValues(string(mode), "malformed").Add(float64(norm.Malformed))
		}
		if norm.Filtered > 0 {
			metrics.SamplesSkippedTotal.WithLabelValues(string(mode), "off_boundary").Add(float64(norm.Filtered))
		}
		sum.Processed++
		sum.MalformedSamples += norm.Malformed
		sum.FilteredSamples += norm.Filtered
		records = append(records, norm.Records...)
	}

	records = DedupeRecords(records)
	if len(records) == 0 {
		log.Debug("batch produced no records")
		return
	}
	sum.Records += len(records)
	metrics.RecordsTotal.WithLabelValues(string(mode)).Add(float64(len(records)))

	upserted, err := s.store.UpsertForecasts(ctx, records)
	if err != nil {
		sum.FailedBatches++
		metrics.BatchFailuresTotal.WithLabelValues(string(mode), "upsert").Inc()
		log.Error("forecast upsert rolled back", zap.Int("records", len(records)), zap.Error(err))
		return
	}
	sum.ForecastsUpserted += upserted
	metrics.ForecastsUpsertedTotal.WithLabelValues(string(mode)).Add(float64(upserted))

	precip, err := s.store.AttachPrecipitation(ctx, records)
	if err != nil {
		sum.FailedBatches++
		metrics.BatchFailuresTotal.WithLabelValues(string(mode), "precipitation").Inc()
		log.Error("precipitation insert rolled back", zap.Error(err))
		return
	}
	sum.RainInserted += precip.Rain
	sum.SnowInserted += precip.Snow
	metrics.PrecipitationInsertedTotal.WithLabelValues(string(PrecipitationRain)).Add(float64(precip.Rain))
	metrics.PrecipitationInsertedTotal.WithLabelValues(string(PrecipitationSnow)).Add(float64(precip.Snow))

	log.Debug("batch persisted", zap.Int("records", len(records)), zap.Int("rain", precip.Rain), zap.Int("snow", precip.Snow))
}
