package ics

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"inkcal/internal/clock"
)

// vevent is one VEVENT as read from a feed, before recurrence expansion.
// All-day dates are floating: UTC midnight of the calendar date.
type vevent struct {
	UID         string
	Summary     *string
	Description string
	Location    string
	Color       string
	Cancelled   bool

	AllDay bool
	Start  time.Time
	End    time.Time

	RRule        string
	RDates       []time.Time
	ExDates      []time.Time
	RecurrenceID *time.Time

	Raw json.RawMessage
}

// parseCalendar parses an ICS payload. Floating local times are read in loc.
// A VEVENT whose times cannot be read is still returned with a zero Start so
// that the store counts it as malformed.
func parseCalendar(body []byte, loc *time.Location) ([]vevent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	comps := cal.Events()
	out := make([]vevent, 0, len(comps))
	for _, ve := range comps {
		out = append(out, parseVEvent(ve, loc))
	}
	return out, nil
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) vevent {
	var out vevent

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = strings.TrimSpace(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil && p.Value != "" {
		s := p.Value
		out.Summary = &s
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if p := ve.GetProperty("COLOR"); p != nil {
		out.Color = p.Value
	}
	if p := ve.GetProperty("STATUS"); p != nil {
		out.Cancelled = strings.EqualFold(strings.TrimSpace(p.Value), "CANCELLED")
	}

	start, allDay, err := parseTimeProp(ve.GetProperty(ical.ComponentPropertyDtStart), loc)
	if err != nil {
		out.Raw = rawProperties(ve)
		return out
	}
	out.Start = start
	out.AllDay = allDay

	switch {
	case ve.GetProperty(ical.ComponentPropertyDtEnd) != nil:
		end, _, err := parseTimeProp(ve.GetProperty(ical.ComponentPropertyDtEnd), loc)
		if err == nil {
			out.End = end
		}
	case ve.GetProperty("DURATION") != nil:
		if d, err := parseDuration(ve.GetProperty("DURATION").Value); err == nil {
			out.End = start.Add(d)
		}
	case allDay:
		out.End = start.AddDate(0, 0, 1)
	default:
		out.End = start
	}
	if out.End.IsZero() {
		// Unreadable end: keep the record visible to the store's checks.
		out.End = start.Add(-time.Nanosecond)
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RRule = strings.TrimSpace(p.Value)
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		out.ExDates = append(out.ExDates, parseTimeList(p, loc)...)
	}
	for _, p := range ve.GetProperties("RDATE") {
		out.RDates = append(out.RDates, parseTimeList(p, loc)...)
	}
	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		if rid, _, err := parseTimeProp(p, loc); err == nil {
			out.RecurrenceID = &rid
		}
	}

	out.Raw = rawProperties(ve)
	return out
}

// parseTimeProp reads a DATE or DATE-TIME property honoring VALUE and TZID.
// Unknown TZIDs fall back to loc.
func parseTimeProp(p *ical.IANAProperty, loc *time.Location) (time.Time, bool, error) {
	if p == nil {
		return time.Time{}, false, errors.New("missing time property")
	}
	return parseTimeValue(p.Value, p.ICalParameters, loc)
}

func parseTimeValue(v string, params map[string][]string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	isDate := !strings.Contains(v, "T")
	if vs := params["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		isDate = true
	}
	if isDate {
		t, err := time.Parse("20060102", v)
		if err != nil {
			return time.Time{}, true, err
		}
		return clock.Date(t), true, nil
	}

	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	}

	zone := loc
	if tz := params["TZID"]; len(tz) > 0 && tz[0] != "" {
		if l, err := time.LoadLocation(strings.Trim(tz[0], `"`)); err == nil {
			zone = l
		}
	}
	t, err := time.ParseInLocation("20060102T150405", v, zone)
	return t, false, err
}

// parseTimeList reads a comma separated EXDATE / RDATE value.
func parseTimeList(p *ical.IANAProperty, loc *time.Location) []time.Time {
	var out []time.Time
	for _, part := range strings.Split(p.Value, ",") {
		if t, _, err := parseTimeValue(part, p.ICalParameters, loc); err == nil {
			out = append(out, t)
		}
	}
	return out
}

// parseDuration reads an RFC 5545 DURATION such as P1D, PT1H30M or -P1W.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	sign := time.Duration(1)
	switch s[0] {
	case '-':
		sign = -1
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 2 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	s = s[1:]

	var total time.Duration
	inTime := false
	num := ""
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
			continue
		case r == 'T':
			inTime = true
			continue
		}
		if num == "" {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			return 0, err
		}
		num = ""
		unit := time.Duration(n)
		switch {
		case r == 'W' && !inTime:
			total += unit * 7 * 24 * time.Hour
		case r == 'D' && !inTime:
			total += unit * 24 * time.Hour
		case r == 'H' && inTime:
			total += unit * time.Hour
		case r == 'M' && inTime:
			total += unit * time.Minute
		case r == 'S' && inTime:
			total += unit * time.Second
		default:
			return 0, fmt.Errorf("invalid duration unit %q", r)
		}
	}
	if num != "" {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return sign * total, nil
}

// rawProperties renders the VEVENT properties as a JSON object. Repeated
// properties become arrays.
func rawProperties(ve *ical.VEvent) json.RawMessage {
	props := make(map[string]any, len(ve.Properties))
	for _, p := range ve.Properties {
		key := strings.ToLower(p.IANAToken)
		switch cur := props[key].(type) {
		case nil:
			props[key] = p.Value
		case string:
			props[key] = []string{cur, p.Value}
		case []string:
			props[key] = append(cur, p.Value)
		}
	}
	b, err := json.Marshal(props)
	if err != nil {
		return nil
	}
	return b
}
