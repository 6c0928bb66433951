package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		rpm     int
		wantErr bool
		want    time.Duration
	}{
		{"sixty per minute", 60, false, time.Second},
		{"one per minute", 1, false, time.Minute},
		{"high budget", 6000, false, 10 * time.Millisecond},
		{"zero", 0, true, 0},
		{"negative", -5, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.rpm, zerolog.Nop())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if l.Interval() != tt.want {
				t.Errorf("Interval() = %v, want %v", l.Interval(), tt.want)
			}
		})
	}
}

func TestWaitIfNeeded_FirstCallDoesNotWait(t *testing.T) {
	l, err := New(1, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := l.WaitIfNeeded(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("first call waited %v, want no wait", elapsed)
	}
}

func TestWaitIfNeeded_EnforcesInterval(t *testing.T) {
	// 1200 rpm gives a 50ms interval, long enough to measure reliably.
	l, err := New(1200, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := l.WaitIfNeeded(ctx); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := l.WaitIfNeeded(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("second call waited %v, want at least ~50ms", elapsed)
	}
}

func TestWaitIfNeeded_ContextCancelled(t *testing.T) {
	l, err := New(1, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := l.WaitIfNeeded(ctx); err != nil {
		t.Fatal(err)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- l.WaitIfNeeded(cancelCtx)
	}()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitIfNeeded did not return after context cancellation")
	}
}
