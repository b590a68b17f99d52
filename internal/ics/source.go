// Package ics implements the remote event source for iCalendar (RFC 5545)
// subscription feeds: download, parse, and expand recurring series into
// concrete instances.
package ics

import (
	"context"
	"time"

	"inkcal/internal/fault"
	appLog "inkcal/internal/log"
	"inkcal/internal/model"
)

// Source serves configured ICS feeds. Feeds maps calendar id to feed URL.
type Source struct {
	fetcher      *Fetcher
	loc          *time.Location
	feeds        map[string]string
	maxPerSeries int
}

// NewSource builds a Source. loc is the reference zone for floating times.
func NewSource(fetcher *Fetcher, loc *time.Location, feeds map[string]string) *Source {
	if fetcher == nil {
		fetcher = NewFetcher(nil, "")
	}
	if loc == nil {
		loc = time.UTC
	}
	copied := make(map[string]string, len(feeds))
	for id, url := range feeds {
		copied[id] = url
	}
	return &Source{fetcher: fetcher, loc: loc, feeds: copied, maxPerSeries: defaultMaxInstances}
}

// Fetch downloads the feed of calendarID and returns the instances that
// overlap [start, end).
func (s *Source) Fetch(ctx context.Context, calendarID string, start, end time.Time) ([]model.Event, error) {
	url, ok := s.feeds[calendarID]
	if !ok {
		return nil, fault.Configuration(calendarID, "no feed url configured")
	}

	body, err := s.fetcher.Get(ctx, calendarID, url)
	if err != nil {
		return nil, err
	}

	parsed, err := parseCalendar(body, s.loc)
	if err != nil {
		appLog.Error("ics parse failed", err, "calendar", calendarID, "url", redactURL(url))
		return nil, fault.New(fault.KindServer, calendarID, "parse", err)
	}

	events := expand(calendarID, parsed, window{Start: start, End: end, Loc: s.loc}, s.maxPerSeries)
	appLog.Debug("ics fetch completed", "calendar", calendarID, "vevents", len(parsed), "event_count", len(events))
	return events, nil
}
