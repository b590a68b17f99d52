// Package clock is the single reference-timezone abstraction. Every day
// boundary, fetch window and all-day resolution goes through a Clock so that
// "today" means the same thing to the fetcher, the store and the renderer.
package clock

import "time"

// Clock supplies the current time and the reference timezone.
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

// Zone is the production Clock.
type Zone struct {
	loc *time.Location
	now func() time.Time
}

// New returns a Clock in loc backed by time.Now. A nil loc means UTC.
func New(loc *time.Location) *Zone {
	if loc == nil {
		loc = time.UTC
	}
	return &Zone{loc: loc, now: time.Now}
}

// Fixed returns a Clock frozen at t. Intended for tests and replay tools.
func Fixed(loc *time.Location, t time.Time) *Zone {
	z := New(loc)
	z.now = func() time.Time { return t }
	return z
}

// WithNow returns a copy of z using now as its time source.
func (z *Zone) WithNow(now func() time.Time) *Zone {
	return &Zone{loc: z.loc, now: now}
}

func (z *Zone) Now() time.Time { return z.now().In(z.loc) }

func (z *Zone) Location() *time.Location { return z.loc }

// StartOfDay returns local midnight of the calendar day containing t.
func StartOfDay(c Clock, t time.Time) time.Time {
	t = t.In(c.Location())
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.Location())
}

// Today returns local midnight of the current day.
func Today(c Clock) time.Time {
	return StartOfDay(c, c.Now())
}

// DayBounds returns [start, end) of the calendar date of d in the reference
// zone. Only the year/month/day of d are used, so a floating date such as
// 2026-02-10T00:00Z names the same day in every zone. AddDate keeps DST days
// correct (23h or 25h long).
func DayBounds(c Clock, d time.Time) (time.Time, time.Time) {
	start := Midnight(c, d)
	return start, start.AddDate(0, 0, 1)
}

// Midnight resolves the calendar date of d (its own Y/M/D fields) to local
// midnight in the reference zone.
func Midnight(c Clock, d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, c.Location())
}

// FetchWindow returns the remote fetch window: local midnight today minus
// backfillDays, through days after today's midnight.
func FetchWindow(c Clock, backfillDays, days int) (time.Time, time.Time) {
	today := Today(c)
	return today.AddDate(0, 0, -backfillDays), today.AddDate(0, 0, days)
}

// Date truncates t to a floating calendar date (midnight UTC with the same
// Y/M/D). All-day events are stored this way.
func Date(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// SameDate reports whether a and b carry the same Y/M/D.
func SameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
