// Package ratelimit paces outbound API calls to a fixed cadence derived from
// a requests-per-minute budget.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limiting.
var (
	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tornpipe_rate_limit_wait_seconds",
		Help:    "Time spent waiting for the rate limit before a request",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tornpipe_rate_limit_throttles_total",
		Help: "Total number of requests delayed by the rate limiter",
	})
)

// Limiter enforces a minimum interval of 60s/requestsPerMinute between
// outbound calls. It assumes single-threaded use per API key; concurrent
// callers sharing one instance serialize through it in arrival order.
type Limiter struct {
	interval time.Duration
	logger   zerolog.Logger

	mu   sync.Mutex
	last time.Time
}

// New creates a limiter for the given requests-per-minute budget.
func New(requestsPerMinute int, logger zerolog.Logger) (*Limiter, error) {
	if requestsPerMinute <= 0 {
		return nil, fmt.Errorf("requests per minute must be positive (got %d)", requestsPerMinute)
	}
	return &Limiter{
		interval: time.Minute / time.Duration(requestsPerMinute),
		logger:   logger,
	}, nil
}

// Interval returns the enforced minimum interval between calls.
func (l *Limiter) Interval() time.Duration { return l.interval }

// WaitIfNeeded blocks until the minimum interval since the previously
// recorded call has elapsed, then records the current call. The wait respects
// context cancellation.
func (l *Limiter) WaitIfNeeded(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	elapsed := time.Since(l.last)
	if !l.last.IsZero() && elapsed < l.interval {
		wait := l.interval - elapsed

		l.logger.Debug().
			Dur("wait", wait).
			Msg("Rate limiting: sleeping before request")
		rateLimitThrottlesTotal.Inc()
		rateLimitWaitSeconds.Observe(wait.Seconds())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	l.last = time.Now()
	return nil
}
