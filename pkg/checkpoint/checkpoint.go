// Package checkpoint persists per-endpoint fetch watermarks in Redis. A
// watermark is the completion time of the last successful pipeline run for an
// endpoint; time-windowed fetches resume from it instead of the configured
// lookback.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var checkpointErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tornpipe_checkpoint_errors_total",
	Help: "Total checkpoint store errors by operation",
}, []string{"operation"})

const keyPrefix = "tornpipe:checkpoint:"

// Store reads and writes endpoint watermarks.
type Store struct {
	redis *redis.Client
}

// NewStore creates a checkpoint store backed by the given Redis client.
func NewStore(redisClient *redis.Client) *Store {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Store{redis: redisClient}
}

// LastSuccess returns the watermark for an endpoint. The second return value
// is false when no watermark has been recorded.
func (s *Store) LastSuccess(ctx context.Context, endpoint string) (time.Time, bool, error) {
	val, err := s.redis.Get(ctx, keyPrefix+endpoint).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		checkpointErrors.WithLabelValues("get").Inc()
		return time.Time{}, false, fmt.Errorf("redis get: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, val)
	if err != nil {
		checkpointErrors.WithLabelValues("get").Inc()
		return time.Time{}, false, fmt.Errorf("parse checkpoint for %s: %w", endpoint, err)
	}
	return ts, true, nil
}

// SetLastSuccess records the watermark for an endpoint. Watermarks never
// expire; a stale one only widens the next fetch window.
func (s *Store) SetLastSuccess(ctx context.Context, endpoint string, ts time.Time) error {
	val := ts.UTC().Format(time.RFC3339)
	if err := s.redis.Set(ctx, keyPrefix+endpoint, val, 0).Err(); err != nil {
		checkpointErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Clear removes an endpoint's watermark.
func (s *Store) Clear(ctx context.Context, endpoint string) error {
	if err := s.redis.Del(ctx, keyPrefix+endpoint).Err(); err != nil {
		checkpointErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
