package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/i474232898/weather-ingestion/internal/weather"
)

// RetryConfig controls the fixed-delay retry policy for transient failures.
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
}

// HTTPClientConfig bundles HTTP client and resilience settings.
type HTTPClientConfig struct {
	Client *http.Client
	Retry  RetryConfig
}

var (
	errNoHTTPClient  = errors.New("http client not configured")
	errInvalidConfig = errors.New("invalid retry configuration")
)

// BreakerConfig sizes the outage detector. MinRequests should be at least the
// fetcher batch size so a half-open probe admits a full batch.
type BreakerConfig struct {
	MinRequests uint32
}

// newCircuitBreaker trips only when nearly every location in a full window
// failed after exhausting its retries. Isolated bad locations never open it.
func newCircuitBreaker(name string, cfg BreakerConfig, log *zap.Logger) *gobreaker.CircuitBreaker {
	minRequests := cfg.MinRequests
	if minRequests == 0 {
		minRequests = 100
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: minRequests,
		Interval:    10 * time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= minRequests && counts.TotalFailures*10 >= counts.Requests*9
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// doRequestWithResilience executes the request, retrying transport errors
// (connection failures, timeouts) with a fixed delay. Any HTTP response,
// whatever its status, is returned to the caller without retry. The breaker
// sees one outcome per call, after the retries.
func doRequestWithResilience(
	ctx context.Context,
	cfg HTTPClientConfig,
	cb *gobreaker.CircuitBreaker,
	log *zap.Logger,
	buildRequest func(ctx context.Context) (*http.Request, error),
) (*http.Response, error) {
	if cfg.Client == nil {
		return nil, errNoHTTPClient
	}
	if cfg.Retry.MaxAttempts < 1 || cfg.Retry.Delay < 0 {
		return nil, errInvalidConfig
	}

	result, err := cb.Execute(func() (interface{}, error) {
		return doWithRetry(ctx, cfg, log, buildRequest)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", weather.ErrCircuitOpen, err)
		}
		return nil, err
	}

	resp, ok := result.(*http.Response)
	if !ok || resp == nil {
		return nil, fmt.Errorf("unexpected result type from circuit breaker")
	}
	return resp, nil
}

func doWithRetry(
	ctx context.Context,
	cfg HTTPClientConfig,
	log *zap.Logger,
	buildRequest func(ctx context.Context) (*http.Request, error),
) (*http.Response, error) {
	var (
		resp    *http.Response
		attempt int
	)
	operation := func() error {
		attempt++
		req, err := buildRequest(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}

		r, err := cfg.Client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		resp = r
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.Retry.Delay), uint64(cfg.Retry.MaxAttempts-1)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		log.Debug("transient request failure; retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return nil, permanent.Err
		}
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %d attempts: %v", weather.ErrRetriesExhausted, attempt, err)
	}
	return resp, nil
}
