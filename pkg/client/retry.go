package client

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tornpipe_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tornpipe_retry_backoff_seconds",
		Help:    "Backoff duration before retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tornpipe_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the retry policy parameters.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// RetryDelay is the base delay unit. Throttling waits grow linearly as
	// RetryDelay*(attempt+1); transient failures back off exponentially as
	// RetryDelay*2^attempt.
	RetryDelay time.Duration
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		RetryDelay: 60 * time.Second,
	}
}

// backoffFor returns the wait before the next attempt for a retryable class.
func (c RetryConfig) backoffFor(class ErrorClass, attempt int) time.Duration {
	switch class {
	case ErrorClassThrottle:
		return c.RetryDelay * time.Duration(attempt+1)
	default:
		return c.RetryDelay * (1 << attempt)
	}
}

// doWithRetry runs fn up to MaxRetries+1 times, applying the class-specific
// backoff policy. Authentication and API-payload errors propagate immediately;
// once retries are exhausted the last observed failure is returned.
func doWithRetry(ctx context.Context, cfg RetryConfig, logger zerolog.Logger, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 0 {
				logger.Info().
					Int("attempt", attempt+1).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		class := Classify(err)
		if !shouldRetry(class) {
			if class == ErrorClassAuth || class == ErrorClassAPI {
				logger.Error().
					Err(err).
					Str("error_class", string(class)).
					Msg("Non-retryable API failure")
			} else {
				logger.Error().Err(err).Msg("Unexpected failure, not retrying")
			}
			return err
		}

		lastErr = err

		if class == ErrorClassTransient && attempt >= cfg.MaxRetries {
			break
		}

		wait := cfg.backoffFor(class, attempt)
		retriesTotal.WithLabelValues(string(class)).Inc()
		retryBackoffSeconds.WithLabelValues(string(class)).Observe(wait.Seconds())

		logger.Warn().
			Err(err).
			Str("error_class", string(class)).
			Int("attempt", attempt+1).
			Dur("backoff", wait).
			Msg("Request failed, retrying after backoff")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	if lastErr != nil {
		retryExhaustedTotal.WithLabelValues(string(Classify(lastErr))).Inc()
		logger.Warn().
			Err(lastErr).
			Int("max_retries", cfg.MaxRetries).
			Msg("Retry attempts exhausted")
		return lastErr
	}

	return ErrPolicyViolation
}
