package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"inkcal/internal/syncer"
)

type countingRunner struct{ n atomic.Int32 }

func (r *countingRunner) RunCycle(context.Context) syncer.Report {
	r.n.Add(1)
	return syncer.Report{}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	if _, err := New("every now and then", time.UTC, &countingRunner{}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNextUsesLocation(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	s, err := New("0 6 * * *", tokyo, &countingRunner{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.cron.Start()
	defer s.cron.Stop()

	next := s.Next().In(tokyo)
	if next.Hour() != 6 || next.Minute() != 0 {
		t.Fatalf("next = %s, want 06:00 Tokyo", next)
	}
}

func TestRunImmediateAndScheduled(t *testing.T) {
	r := &countingRunner{}
	s, err := New("@every 1s", time.UTC, r)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, true)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for r.n.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done

	if got := r.n.Load(); got < 2 {
		t.Fatalf("cycles = %d, want at least 2 (immediate + scheduled)", got)
	}
}

type blockingRunner struct {
	started   chan struct{}
	cancelled atomic.Bool
}

func (r *blockingRunner) RunCycle(ctx context.Context) syncer.Report {
	close(r.started)
	<-ctx.Done()
	r.cancelled.Store(true)
	return syncer.Report{}
}

func TestRunCancelsScheduledCycle(t *testing.T) {
	r := &blockingRunner{started: make(chan struct{})}
	s, err := New("@every 1s", time.UTC, r)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, false)
		close(done)
	}()

	select {
	case <-r.started:
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("scheduled cycle never started")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !r.cancelled.Load() {
		t.Fatal("scheduled cycle did not see cancellation")
	}
}
