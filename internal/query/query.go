// Package query is the read side used by the display layer: range, day,
// upcoming and multi-day window reads over the cache, each tagged with the
// provenance of every configured calendar.
package query

import (
	"context"
	"time"

	"inkcal/internal/clock"
	appLog "inkcal/internal/log"
	"inkcal/internal/model"
	"inkcal/internal/store"
	"inkcal/internal/syncer"
)

// Reader is the read-only part of the event store.
type Reader interface {
	QueryRange(ctx context.Context, calendarID string, start, end time.Time) ([]model.Event, error)
	QueryOverlap(ctx context.Context, calendarID string, start, end time.Time) ([]model.Event, error)
	QueryFrom(ctx context.Context, from time.Time, limit int) ([]model.Event, error)
	LastSync(ctx context.Context, calendarID string) (time.Time, bool, error)
	CacheAge(ctx context.Context, calendarID string) (time.Duration, error)
}

// Tracker knows the latest sync outcome per calendar.
type Tracker interface {
	Provenance(ctx context.Context, calendarID string) model.Provenance
	LastOutcome(calendarID string) (syncer.Outcome, bool)
}

// Calendar identifies a configured calendar.
type Calendar struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Result is a list of events plus the provenance of each configured calendar.
type Result struct {
	Events     []model.Event               `json:"events"`
	Provenance map[string]model.Provenance `json:"provenance"`
}

// Day is one bucket of EventsInWindow. Date is local midnight.
type Day struct {
	Date   time.Time     `json:"date"`
	Events []model.Event `json:"events"`
}

type WindowResult struct {
	Days       []Day                       `json:"days"`
	Provenance map[string]model.Provenance `json:"provenance"`
}

// CalendarStatus is the per-calendar health line.
type CalendarStatus struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Provenance model.Provenance `json:"provenance"`
	// CacheAgeSeconds is -1 when the calendar never synced.
	CacheAgeSeconds float64         `json:"cache_age_seconds"`
	LastSync        *time.Time      `json:"last_sync,omitempty"`
	LastOutcome     *syncer.Outcome `json:"last_outcome,omitempty"`
}

type API struct {
	reader    Reader
	tracker   Tracker
	clock     clock.Clock
	calendars []Calendar
}

func New(reader Reader, tracker Tracker, clk clock.Clock, calendars []Calendar) *API {
	if clk == nil {
		clk = clock.New(time.UTC)
	}
	return &API{
		reader:    reader,
		tracker:   tracker,
		clock:     clk,
		calendars: append([]Calendar(nil), calendars...),
	}
}

// Calendars returns the configured calendars.
func (a *API) Calendars() []Calendar {
	return append([]Calendar(nil), a.calendars...)
}

// QueryRange returns events of calendarID ("" for all) whose start lies in
// [start, end), ordered by start then id.
func (a *API) QueryRange(ctx context.Context, calendarID string, start, end time.Time) (Result, error) {
	if !start.Before(end) {
		return Result{Events: []model.Event{}, Provenance: a.provenance(ctx, calendarID)}, nil
	}
	events, err := a.reader.QueryRange(ctx, calendarID, start, end)
	if err != nil {
		return a.failed(calendarID, "query_range", err)
	}
	return Result{Events: events, Provenance: a.provenance(ctx, calendarID)}, nil
}

// EventsOn returns events overlapping the calendar day of date in the
// reference zone. Only the Y/M/D of date matter.
func (a *API) EventsOn(ctx context.Context, date time.Time) (Result, error) {
	start, end := clock.DayBounds(a.clock, date)
	events, err := a.reader.QueryOverlap(ctx, "", start, end)
	if err != nil {
		return a.failed("", "events_on", err)
	}
	return Result{Events: events, Provenance: a.provenance(ctx, "")}, nil
}

// Upcoming returns the n earliest events with start >= from across all
// calendars, ties broken by calendar id then id.
func (a *API) Upcoming(ctx context.Context, n int, from time.Time) (Result, error) {
	events, err := a.reader.QueryFrom(ctx, from, n)
	if err != nil {
		return a.failed("", "upcoming", err)
	}
	return Result{Events: events, Provenance: a.provenance(ctx, "")}, nil
}

// EventsInWindow returns days buckets starting at the date of startDate. A
// multi-day event appears in every day it overlaps.
func (a *API) EventsInWindow(ctx context.Context, startDate time.Time, days int) (WindowResult, error) {
	if days <= 0 {
		return WindowResult{Days: []Day{}, Provenance: a.provenance(ctx, "")}, nil
	}

	first := clock.Midnight(a.clock, startDate)
	last := first.AddDate(0, 0, days)
	events, err := a.reader.QueryOverlap(ctx, "", first, last)
	if err != nil {
		appLog.Error("window read failed", err, "start", first.Format("2006-01-02"), "days", days)
		return WindowResult{Days: emptyDays(first, days), Provenance: a.unavailable("")}, err
	}

	out := WindowResult{Days: emptyDays(first, days), Provenance: a.provenance(ctx, "")}
	for _, ev := range events {
		evStart, evEnd := a.instants(ev)
		for i := range out.Days {
			dayStart := out.Days[i].Date
			dayEnd := dayStart.AddDate(0, 0, 1)
			if overlaps(evStart, evEnd, dayStart, dayEnd) {
				out.Days[i].Events = append(out.Days[i].Events, ev.Clone())
			}
		}
	}
	return out, nil
}

// CacheAge returns the time since the last successful sync of calendarID, or
// store.NeverSynced.
func (a *API) CacheAge(ctx context.Context, calendarID string) (time.Duration, error) {
	return a.reader.CacheAge(ctx, calendarID)
}

// Status reports provenance, cache age and the last outcome per calendar.
func (a *API) Status(ctx context.Context) ([]CalendarStatus, error) {
	out := make([]CalendarStatus, 0, len(a.calendars))
	for _, cal := range a.calendars {
		st := CalendarStatus{ID: cal.ID, Name: cal.Name, Provenance: a.tracker.Provenance(ctx, cal.ID), CacheAgeSeconds: -1}

		last, ok, err := a.reader.LastSync(ctx, cal.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			st.LastSync = &last
			age := a.clock.Now().Sub(last)
			if age < 0 {
				age = 0
			}
			st.CacheAgeSeconds = age.Seconds()
		}
		if o, ok := a.tracker.LastOutcome(cal.ID); ok {
			st.LastOutcome = &o
		}
		out = append(out, st)
	}
	return out, nil
}

// instants resolves ev to absolute bounds; all-day dates become local
// midnights in the reference zone.
func (a *API) instants(ev model.Event) (time.Time, time.Time) {
	if ev.AllDay {
		return clock.Midnight(a.clock, ev.Start), clock.Midnight(a.clock, ev.End)
	}
	return ev.Start, ev.End
}

func overlaps(start, end, winStart, winEnd time.Time) bool {
	if start.Equal(end) {
		return !start.Before(winStart) && start.Before(winEnd)
	}
	return start.Before(winEnd) && end.After(winStart)
}

func emptyDays(first time.Time, days int) []Day {
	out := make([]Day, days)
	for i := range out {
		out[i] = Day{Date: first.AddDate(0, 0, i), Events: []model.Event{}}
	}
	return out
}

func (a *API) failed(calendarID, op string, err error) (Result, error) {
	appLog.Error("cache read failed", err, "op", op, "calendar", calendarID)
	return Result{Events: []model.Event{}, Provenance: a.unavailable(calendarID)}, err
}

// provenance covers every configured calendar, plus calendarID when it is
// not one of them.
func (a *API) provenance(ctx context.Context, calendarID string) map[string]model.Provenance {
	out := make(map[string]model.Provenance, len(a.calendars)+1)
	for _, cal := range a.calendars {
		out[cal.ID] = a.tracker.Provenance(ctx, cal.ID)
	}
	if _, ok := out[calendarID]; calendarID != "" && !ok {
		out[calendarID] = a.tracker.Provenance(ctx, calendarID)
	}
	return out
}

func (a *API) unavailable(calendarID string) map[string]model.Provenance {
	out := make(map[string]model.Provenance, len(a.calendars)+1)
	for _, cal := range a.calendars {
		out[cal.ID] = model.ProvenanceUnavailable
	}
	if calendarID != "" {
		out[calendarID] = model.ProvenanceUnavailable
	}
	return out
}

var _ Reader = (*store.Store)(nil)
