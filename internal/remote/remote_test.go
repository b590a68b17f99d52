package remote

import (
	"context"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"inkcal/internal/fault"
	"inkcal/internal/model"
)

func TestLimitRejectsBeyondBurst(t *testing.T) {
	calls := 0
	src := SourceFunc(func(ctx context.Context, calendarID string, start, end time.Time) ([]model.Event, error) {
		calls++
		return nil, nil
	})

	limited := Limit(src, rate.NewLimiter(rate.Every(time.Hour), 2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := limited.Fetch(ctx, "ashi", time.Time{}, time.Time{}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	_, err := limited.Fetch(ctx, "ashi", time.Time{}, time.Time{})
	if !fault.Is(err, fault.KindRateLimited) {
		t.Fatalf("expected rate_limited, got %v", err)
	}
	if calls != 2 {
		t.Errorf("remote called %d times, want 2", calls)
	}
}

func TestLimitNilPassesThrough(t *testing.T) {
	src := SourceFunc(func(ctx context.Context, calendarID string, start, end time.Time) ([]model.Event, error) {
		return nil, nil
	})
	if got := Limit(src, PerMinute(0, 0)); got == nil {
		t.Fatal("expected source back")
	}
	if _, ok := Limit(src, nil).(SourceFunc); !ok {
		t.Error("nil limiter should return the source unchanged")
	}
}
