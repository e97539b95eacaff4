package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/i474232898/weather-ingestion/internal/weather"
)

// Runner executes one pipeline pass.
type Runner interface {
	Run(ctx context.Context, mode weather.Mode) (weather.RunSummary, error)
}

// Scheduler periodically runs the ingestion pipeline for each enabled mode.
type Scheduler struct {
	scheduler *gocron.Scheduler
	runner    Runner
	intervals map[weather.Mode]time.Duration
	log       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Scheduler. A zero interval disables that mode.
func New(runner Runner, forecastEvery, historyEvery time.Duration, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := gocron.NewScheduler(time.UTC)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: s,
		runner:    runner,
		intervals: map[weather.Mode]time.Duration{
			weather.ModeForecast:   forecastEvery,
			weather.ModeHistorical: historyEvery,
		},
		log:    log.Named("scheduler"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start schedules the periodic jobs and starts the underlying scheduler.
// Jobs run in singleton mode, so a slow run is never overlapped by its successor.
func (s *Scheduler) Start() error {
	scheduled := 0
	for _, mode := range []weather.Mode{weather.ModeForecast, weather.ModeHistorical} {
		interval := s.intervals[mode]
		if interval <= 0 {
			s.log.Info("mode disabled; not scheduling", zap.String("mode", string(mode)))
			continue
		}

		_, err := s.scheduler.Every(interval).SingletonMode().Do(s.job, mode)
		if err != nil {
			return err
		}
		scheduled++
		s.log.Info("scheduled ingestion", zap.String("mode", string(mode)), zap.Duration("every", interval))
	}

	if scheduled == 0 {
		s.log.Warn("no modes enabled; nothing to schedule")
		return nil
	}

	s.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler and cancels any in-flight run.
func (s *Scheduler) Stop() {
	s.cancel()
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

func (s *Scheduler) job(mode weather.Mode) {
	s.log.Info("running ingestion job", zap.String("mode", string(mode)))

	_, err := s.runner.Run(s.ctx, mode)
	switch {
	case err == nil:
	case errors.Is(err, weather.ErrRunInProgress):
		s.log.Info("previous run still in progress; skipping", zap.String("mode", string(mode)))
	case errors.Is(err, weather.ErrNoLocations):
		s.log.Warn("no locations to poll", zap.String("mode", string(mode)))
	default:
		s.log.Error("ingestion job failed", zap.String("mode", string(mode)), zap.Error(err))
	}
}
