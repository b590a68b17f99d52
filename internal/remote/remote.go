// Package remote declares the read-only event source and credential
// provider contracts consumed by the sync coordinator, plus small adapters
// shared by every concrete source.
package remote

import (
	"context"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"inkcal/internal/fault"
	"inkcal/internal/model"
)

// Source returns the events of one calendar within [start, end). Failures
// must be *fault.Error values of kind not_found, rate_limited, network,
// timeout, server or auth.
type Source interface {
	Fetch(ctx context.Context, calendarID string, start, end time.Time) ([]model.Event, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, calendarID string, start, end time.Time) ([]model.Event, error)

func (f SourceFunc) Fetch(ctx context.Context, calendarID string, start, end time.Time) ([]model.Event, error) {
	return f(ctx, calendarID, start, end)
}

// CredentialProvider supplies a bearer credential. Failures are auth faults.
type CredentialProvider interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

// limited guards a Source with a client-side token bucket.
type limited struct {
	next    Source
	limiter *rate.Limiter
}

// Limit wraps src so that calls beyond the limiter's budget fail fast with a
// rate_limited fault instead of reaching the remote. A nil limiter returns
// src unchanged.
func Limit(src Source, limiter *rate.Limiter) Source {
	if limiter == nil {
		return src
	}
	return &limited{next: src, limiter: limiter}
}

// PerMinute builds a limiter allowing n calls per minute with the given burst.
// n <= 0 disables limiting.
func PerMinute(n, burst int) *rate.Limiter {
	if n <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), burst)
}

func (l *limited) Fetch(ctx context.Context, calendarID string, start, end time.Time) ([]model.Event, error) {
	if !l.limiter.Allow() {
		return nil, fault.Newf(fault.KindRateLimited, calendarID, "fetch", "client-side request budget exhausted")
	}
	return l.next.Fetch(ctx, calendarID, start, end)
}
