package ics

import (
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "inkcal/internal/log"
	"inkcal/internal/model"
)

// defaultMaxInstances caps the occurrences generated for a single series.
const defaultMaxInstances = 5000

// window is the fetch window [Start, End) with the reference zone used to
// place floating all-day dates.
type window struct {
	Start time.Time
	End   time.Time
	Loc   *time.Location
}

// expand turns parsed VEVENTs into event instances overlapping w. Recurring
// instances are identified as UID_<instance start>, matching the way the
// Calendar API names single events of a series. Records that cannot be
// placed (no UID or no start) pass through untouched so the store can count
// them as malformed.
func expand(calendarID string, events []vevent, w window, maxPerSeries int) []model.Event {
	if maxPerSeries <= 0 {
		maxPerSeries = defaultMaxInstances
	}

	bases := make([]vevent, 0, len(events))
	overrides := make(map[string]map[int64]vevent)
	out := make([]model.Event, 0, len(events))

	for _, ev := range events {
		switch {
		case ev.UID == "" || ev.Start.IsZero():
			out = append(out, toModel(calendarID, ev, ev.UID, ev.Start, ev.End))
		case ev.RecurrenceID != nil:
			if overrides[ev.UID] == nil {
				overrides[ev.UID] = make(map[int64]vevent)
			}
			overrides[ev.UID][ev.RecurrenceID.Unix()] = ev
		default:
			bases = append(bases, ev)
		}
	}

	consumed := make(map[string]map[int64]bool)
	for _, base := range bases {
		if base.RRule == "" && len(base.RDates) == 0 {
			if base.Cancelled {
				continue
			}
			if w.overlaps(base.AllDay, base.Start, base.End) {
				out = append(out, toModel(calendarID, base, base.UID, base.Start, base.End))
			}
			continue
		}

		ov := overrides[base.UID]
		used := make(map[int64]bool)
		consumed[base.UID] = used

		for _, occ := range occurrences(base, w, maxPerSeries) {
			key := occ.Unix()
			id := instanceID(base.UID, occ, base.AllDay)

			if o, ok := ov[key]; ok {
				used[key] = true
				if !o.Cancelled && w.overlaps(o.AllDay, o.Start, o.End) {
					out = append(out, toModel(calendarID, o, id, o.Start, o.End))
				}
				continue
			}

			end := occ.Add(base.End.Sub(base.Start))
			if w.overlaps(base.AllDay, occ, end) {
				out = append(out, toModel(calendarID, base, id, occ, end))
			}
		}
	}

	// Overrides whose original slot lies outside the generated range, or whose
	// series is absent from the feed.
	for uid, byRID := range overrides {
		for key, o := range byRID {
			if consumed[uid][key] || o.Cancelled {
				continue
			}
			if w.overlaps(o.AllDay, o.Start, o.End) {
				out = append(out, toModel(calendarID, o, instanceID(uid, *o.RecurrenceID, o.AllDay), o.Start, o.End))
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// occurrences returns the series start times that could overlap w, with
// EXDATEs removed.
func occurrences(base vevent, w window, maxPerSeries int) []time.Time {
	var set rrule.Set
	if base.RRule != "" {
		r, err := rrule.StrToRRule(base.RRule)
		if err != nil {
			appLog.Warn("ics rrule parse failed", "err", err, "uid", base.UID, "rrule", base.RRule)
			return nil
		}
		r.DTStart(base.Start)
		set.RRule(r)
	} else {
		set.DTStart(base.Start)
		set.RDate(base.Start)
	}
	for _, rd := range base.RDates {
		set.RDate(rd)
	}

	// Floating dates sit up to a day away from the reference zone, and an
	// instance starting before the window may still overlap it.
	lower := w.Start.Add(-base.End.Sub(base.Start) - 48*time.Hour)
	upper := w.End.Add(48 * time.Hour)
	times := set.Between(lower, upper, true)

	excluded := make(map[int64]bool, len(base.ExDates))
	for _, ex := range base.ExDates {
		excluded[ex.Unix()] = true
	}

	out := make([]time.Time, 0, len(times))
	for _, t := range times {
		if excluded[t.Unix()] {
			continue
		}
		if len(out) == maxPerSeries {
			appLog.Warn("ics series truncated", "uid", base.UID, "cap", maxPerSeries)
			break
		}
		out = append(out, t)
	}
	return out
}

// overlaps reports whether [start, end) intersects the window. Zero-length
// events count when their instant falls inside it.
func (w window) overlaps(allDay bool, start, end time.Time) bool {
	if allDay {
		start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, w.Loc)
		end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, w.Loc)
	}
	if start.Equal(end) {
		return !start.Before(w.Start) && start.Before(w.End)
	}
	return start.Before(w.End) && end.After(w.Start)
}

func instanceID(uid string, start time.Time, allDay bool) string {
	if allDay {
		return uid + "_" + start.UTC().Format("20060102")
	}
	return uid + "_" + start.UTC().Format("20060102T150405Z")
}

func toModel(calendarID string, v vevent, id string, start, end time.Time) model.Event {
	return model.Event{
		CalendarID:  calendarID,
		ID:          id,
		Summary:     v.Summary,
		Description: v.Description,
		Location:    v.Location,
		ColorID:     v.Color,
		AllDay:      v.AllDay,
		Start:       start,
		End:         end,
		Raw:         v.Raw,
	}
}
