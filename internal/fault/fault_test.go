package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"fault error", New(KindNotFound, "ashi", "fetch", errors.New("404")), KindNotFound},
		{"wrapped fault", fmt.Errorf("cycle: %w", Store("upsert", errors.New("disk full"))), KindStore},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), KindTimeout},
		{"plain", errors.New("connection refused"), KindNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("wrap: %w", New(KindAuth, "sindi", "token", errors.New("expired")))

	if !errors.Is(err, &Error{Kind: KindAuth}) {
		t.Fatal("expected errors.Is to match by kind")
	}
	if !errors.Is(err, &Error{Kind: KindAuth, CalendarID: "sindi"}) {
		t.Fatal("expected errors.Is to match by kind and calendar")
	}
	if errors.Is(err, &Error{Kind: KindAuth, CalendarID: "ashi"}) {
		t.Fatal("calendar mismatch should not match")
	}
	if errors.Is(err, &Error{Kind: KindNetwork}) {
		t.Fatal("kind mismatch should not match")
	}
}

func TestErrorMessage(t *testing.T) {
	err := New(KindRateLimited, "ashi", "fetch", errors.New("429"))
	want := "fetch: rate_limited (calendar ashi): 429"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestTransient(t *testing.T) {
	if !KindNetwork.Transient() || !KindTimeout.Transient() {
		t.Error("network and timeout should be transient")
	}
	if KindConfiguration.Transient() || KindAuth.Transient() || KindNotFound.Transient() {
		t.Error("configuration, auth and not_found need operator action")
	}
}
