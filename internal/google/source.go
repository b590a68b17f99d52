// Package google implements the remote event source on top of the Google
// Calendar v3 API and a file-backed OAuth credential provider.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"inkcal/internal/clock"
	"inkcal/internal/fault"
	appLog "inkcal/internal/log"
	"inkcal/internal/model"
	"inkcal/internal/remote"
)

// defaultPageSize matches the page size the Calendar API allows without
// extra quota cost.
const defaultPageSize = 250

// Source fetches expanded event instances from Google Calendar.
type Source struct {
	creds    remote.CredentialProvider
	base     *http.Client
	pageSize int64
}

// NewSource builds a Source. base supplies the underlying transport; nil
// means http.DefaultTransport.
func NewSource(creds remote.CredentialProvider, base *http.Client) *Source {
	if base == nil {
		base = &http.Client{}
	}
	return &Source{creds: creds, base: base, pageSize: defaultPageSize}
}

// Fetch lists single (recurrence-expanded) events of calendarID between
// start and end, following pagination.
func (s *Source) Fetch(ctx context.Context, calendarID string, start, end time.Time) ([]model.Event, error) {
	if s.creds == nil {
		return nil, fault.Newf(fault.KindAuth, calendarID, "fetch", "no credential provider configured")
	}
	tok, err := s.creds.Token(ctx)
	if err != nil {
		return nil, fault.New(fault.KindAuth, calendarID, "token", err)
	}

	httpClient := &http.Client{
		Transport: &oauth2.Transport{Source: oauth2.StaticTokenSource(tok), Base: s.base.Transport},
		Timeout:   s.base.Timeout,
	}
	svc, err := calendar.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fault.New(fault.KindNetwork, calendarID, "fetch", fmt.Errorf("create calendar service: %w", err))
	}

	events := make([]model.Event, 0)
	pageToken := ""
	for {
		call := svc.Events.List(calendarID).
			TimeMin(start.Format(time.RFC3339)).
			TimeMax(end.Format(time.RFC3339)).
			SingleEvents(true).
			ShowDeleted(false).
			OrderBy("startTime").
			MaxResults(s.pageSize).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, classify(ctx, calendarID, err)
		}
		for _, item := range resp.Items {
			if item == nil || item.Status == "cancelled" {
				continue
			}
			events = append(events, toEvent(calendarID, item))
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	appLog.Debug("google fetch completed", "calendar", calendarID, "event_count", len(events))
	return events, nil
}

// classify maps an API error onto the fault taxonomy.
func classify(ctx context.Context, calendarID string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		kind := fault.KindServer
		switch {
		case gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone:
			kind = fault.KindNotFound
		case gerr.Code == http.StatusUnauthorized:
			kind = fault.KindAuth
		case gerr.Code == http.StatusTooManyRequests:
			kind = fault.KindRateLimited
		case gerr.Code == http.StatusForbidden:
			kind = fault.KindAuth
			for _, item := range gerr.Errors {
				switch item.Reason {
				case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
					kind = fault.KindRateLimited
				}
			}
		}
		return fault.New(kind, calendarID, "fetch", err)
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return fault.New(fault.KindAuth, calendarID, "fetch", err)
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return fault.New(fault.KindTimeout, calendarID, "fetch", err)
	}
	return fault.New(fault.KindOf(err), calendarID, "fetch", err)
}

// toEvent converts an API item. Unparseable times are left zero so the store
// rejects the row as malformed instead of storing a guess.
func toEvent(calendarID string, item *calendar.Event) model.Event {
	ev := model.Event{
		CalendarID:  calendarID,
		ID:          item.Id,
		Description: item.Description,
		Location:    item.Location,
		ColorID:     item.ColorId,
	}
	if item.Summary != "" {
		ev.Summary = model.StringPtr(item.Summary)
	}

	ev.Start, ev.AllDay = parseEventTime(item.Start)
	ev.End, _ = parseEventTime(item.End)

	if raw, err := item.MarshalJSON(); err == nil {
		ev.Raw = raw
	}
	return ev
}

func parseEventTime(t *calendar.EventDateTime) (time.Time, bool) {
	if t == nil {
		return time.Time{}, false
	}
	if t.DateTime != "" {
		v, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return time.Time{}, false
		}
		return v, false
	}
	if t.Date != "" {
		// All-day: floating date, exclusive end.
		v, err := time.Parse("2006-01-02", t.Date)
		if err != nil {
			return time.Time{}, true
		}
		return clock.Date(v), true
	}
	return time.Time{}, false
}
