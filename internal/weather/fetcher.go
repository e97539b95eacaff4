package weather

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/i474232898/weather-ingestion/internal/metrics"
)

// FetchOutcome classifies the result of one location request.
type FetchOutcome string

const (
	OutcomeFetched  FetchOutcome = "fetched"
	OutcomeNotFound FetchOutcome = "not_found"
	OutcomeFailed   FetchOutcome = "failed"
)

// FetchResult carries the originating location alongside the response, so
// results can be consumed in completion order without positional pairing.
type FetchResult struct {
	Location Location
	Response *Response
	Outcome  FetchOutcome
	Err      error
}

// FetcherConfig bounds the request rate against the provider.
type FetcherConfig struct {
	BatchSize     int
	Cooldown      time.Duration
	HistoryWindow time.Duration
	HistoryGap    time.Duration
}

// Fetcher issues one request per location in a batch concurrently.
type Fetcher struct {
	provider Provider
	tracker  AvailabilityTracker
	cfg      FetcherConfig
	log      *zap.Logger

	// sleep waits between batches; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewFetcher creates a Fetcher. tracker may be nil when history runs are never made.
func NewFetcher(provider Provider, tracker AvailabilityTracker, cfg FetcherConfig, log *zap.Logger) *Fetcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{
		provider: provider,
		tracker:  tracker,
		cfg:      cfg,
		log:      log.Named("fetcher"),
		sleep:    sleepContext,
	}
}

// BatchSize returns the configured batch size.
func (f *Fetcher) BatchSize() int {
	return f.cfg.BatchSize
}

// HistoryWindow returns the range requested for a location in historical mode:
// it ends HistoryGap before the oldest stored sample and spans HistoryWindow.
func (f *Fetcher) HistoryWindow(loc Location) Window {
	end := loc.Oldest.UTC().Add(-f.cfg.HistoryGap)
	return Window{Start: end.Add(-f.cfg.HistoryWindow), End: end}
}

// FetchBatch requests every location in the batch concurrently and returns
// once all of them finished. No single failure aborts the batch.
func (f *Fetcher) FetchBatch(ctx context.Context, mode Mode, batch []Location) []FetchResult {
	if len(batch) == 0 {
		return nil
	}

	resultsCh := make(chan FetchResult, len(batch))
	var g errgroup.Group
	g.SetLimit(len(batch))

	for _, loc := range batch {
		g.Go(func() error {
			resultsCh <- f.fetchOne(ctx, mode, loc)
			return nil
		})
	}
	_ = g.Wait()
	close(resultsCh)

	results := make([]FetchResult, 0, len(batch))
	for r := range resultsCh {
		metrics.FetchTotal.WithLabelValues(string(mode), string(r.Outcome)).Inc()
		results = append(results, r)
	}
	return results
}

// Cooldown pauses between batches.
func (f *Fetcher) Cooldown(ctx context.Context) error {
	if f.cfg.Cooldown <= 0 {
		return ctx.Err()
	}
	return f.sleep(ctx, f.cfg.Cooldown)
}

func (f *Fetcher) fetchOne(ctx context.Context, mode Mode, loc Location) FetchResult {
	log := f.log.With(zap.Int("location_id", loc.ID), zap.String("mode", string(mode)))

	var (
		resp *Response
		err  error
	)
	switch mode {
	case ModeHistorical:
		w := f.HistoryWindow(loc)
		resp, err = f.provider.FetchHistory(ctx, loc, w.Start, w.End)
	default:
		resp, err = f.provider.FetchForecast(ctx, loc)
	}

	if err == nil {
		return FetchResult{Location: loc, Response: resp, Outcome: OutcomeFetched}
	}

	if mode == ModeHistorical && errors.Is(err, ErrNoHistory) {
		log.Info("no further history; marking location unavailable")
		if f.tracker != nil {
			if terr := f.tracker.MarkUnavailable(ctx, loc.ID); terr != nil {
				log.Error("failed to update location availability", zap.Error(terr))
			} else {
				metrics.LocationsMarkedUnavailableTotal.Inc()
			}
		}
		return FetchResult{Location: loc, Outcome: OutcomeNotFound, Err: err}
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		log.Warn("unexpected provider status; skipping location", zap.Int("status", statusErr.Code))
	} else {
		log.Warn("fetch failed; skipping location", zap.Error(err))
	}
	return FetchResult{Location: loc, Outcome: OutcomeFailed, Err: err}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
