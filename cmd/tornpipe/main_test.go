package main

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	c := newScheduler()

	var runs atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	id, err := c.AddFunc("@every 1h", func() {
		runs.Add(1)
		started <- struct{}{}
		<-release
	})
	if err != nil {
		t.Fatalf("AddFunc failed: %v", err)
	}
	job := c.Entry(id).WrappedJob

	go job.Run()
	<-started

	// A second trigger while the first run is in flight must return without
	// running the job.
	done := make(chan struct{})
	go func() {
		job.Run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("overlapping trigger did not return; runs are not serialized")
	}

	if got := runs.Load(); got != 1 {
		t.Fatalf("job ran %d times, want 1", got)
	}
	close(release)
}
