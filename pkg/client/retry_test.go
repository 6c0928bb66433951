package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", config.MaxRetries)
	}
	if config.RetryDelay != 60*time.Second {
		t.Errorf("RetryDelay = %v, want 60s", config.RetryDelay)
	}
}

func TestBackoffFor(t *testing.T) {
	config := RetryConfig{MaxRetries: 3, RetryDelay: 10 * time.Second}

	tests := []struct {
		name    string
		class   ErrorClass
		attempt int
		want    time.Duration
	}{
		{"throttle first attempt", ErrorClassThrottle, 0, 10 * time.Second},
		{"throttle second attempt", ErrorClassThrottle, 1, 20 * time.Second},
		{"throttle third attempt", ErrorClassThrottle, 2, 30 * time.Second},
		{"transient first attempt", ErrorClassTransient, 0, 10 * time.Second},
		{"transient second attempt", ErrorClassTransient, 1, 20 * time.Second},
		{"transient third attempt", ErrorClassTransient, 2, 40 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := config.backoffFor(tt.class, tt.attempt); got != tt.want {
				t.Errorf("backoffFor(%q, %d) = %v, want %v", tt.class, tt.attempt, got, tt.want)
			}
		})
	}
}

func TestDoWithRetry_SuccessFirstAttempt(t *testing.T) {
	config := RetryConfig{MaxRetries: 3, RetryDelay: time.Millisecond}
	calls := 0

	err := doWithRetry(context.Background(), config, zerolog.Nop(), func() error {
		calls++
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoWithRetry_TransientThenSuccess(t *testing.T) {
	config := RetryConfig{MaxRetries: 3, RetryDelay: time.Millisecond}
	calls := 0

	err := doWithRetry(context.Background(), config, zerolog.Nop(), func() error {
		calls++
		if calls < 3 {
			return &TransientError{StatusCode: 503, Err: errors.New("unavailable")}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoWithRetry_TransientExhausted(t *testing.T) {
	config := RetryConfig{MaxRetries: 2, RetryDelay: time.Millisecond}
	calls := 0
	transient := &TransientError{StatusCode: 500, Err: errors.New("boom")}

	err := doWithRetry(context.Background(), config, zerolog.Nop(), func() error {
		calls++
		return transient
	})

	if !errors.Is(err, transient) {
		t.Errorf("error = %v, want last transient error", err)
	}
	// Initial attempt plus MaxRetries retries.
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoWithRetry_ThrottleExhausted(t *testing.T) {
	config := RetryConfig{MaxRetries: 2, RetryDelay: time.Millisecond}
	calls := 0
	throttle := &ThrottleError{StatusCode: 429}

	err := doWithRetry(context.Background(), config, zerolog.Nop(), func() error {
		calls++
		return throttle
	})

	if !errors.Is(err, throttle) {
		t.Errorf("error = %v, want throttle error", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoWithRetry_AuthNotRetried(t *testing.T) {
	config := RetryConfig{MaxRetries: 3, RetryDelay: time.Millisecond}
	calls := 0
	authErr := &AuthError{StatusCode: 401}

	err := doWithRetry(context.Background(), config, zerolog.Nop(), func() error {
		calls++
		return authErr
	})

	if !errors.Is(err, authErr) {
		t.Errorf("error = %v, want auth error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoWithRetry_APIErrorNotRetried(t *testing.T) {
	config := RetryConfig{MaxRetries: 3, RetryDelay: time.Millisecond}
	calls := 0
	apiErr := &APIError{Code: 2, Message: "Incorrect key"}

	err := doWithRetry(context.Background(), config, zerolog.Nop(), func() error {
		calls++
		return apiErr
	})

	if !errors.Is(err, apiErr) {
		t.Errorf("error = %v, want api error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoWithRetry_UnclassifiedNotRetried(t *testing.T) {
	config := RetryConfig{MaxRetries: 3, RetryDelay: time.Millisecond}
	calls := 0
	unexpected := errors.New("parse response: unexpected EOF")

	err := doWithRetry(context.Background(), config, zerolog.Nop(), func() error {
		calls++
		return unexpected
	})

	if !errors.Is(err, unexpected) {
		t.Errorf("error = %v, want unexpected error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoWithRetry_ContextCancelled(t *testing.T) {
	config := RetryConfig{MaxRetries: 3, RetryDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- doWithRetry(ctx, config, zerolog.Nop(), func() error {
			return &TransientError{StatusCode: 503, Err: errors.New("unavailable")}
		})
	}()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("doWithRetry did not return after context cancellation")
	}
}
