package model

import (
	"encoding/json"
	"time"
)

// Event is a single concrete calendar entry as stored in the cache. Recurring
// series arrive already expanded: each instance has its own ID.
type Event struct {
	CalendarID string `json:"calendar_id"` // configured calendar id (maps to a display category)
	ID         string `json:"id"`          // source event id; unique together with CalendarID

	// Summary is nil when the source sent no title. Rendering a placeholder
	// such as "Untitled" is left to the consumer.
	Summary     *string `json:"summary"`
	Description string  `json:"description,omitempty"`
	Location    string  `json:"location,omitempty"`
	ColorID     string  `json:"color_id,omitempty"`

	// AllDay events carry floating dates: midnight UTC of the calendar date,
	// with End being the exclusive end date. Timed events carry instants.
	AllDay bool      `json:"all_day"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`

	// Raw is the source payload retained verbatim.
	Raw json.RawMessage `json:"raw,omitempty"`

	// CachedAt is the time of the last successful write of this row. Zero for
	// events that have not been through the store yet.
	CachedAt time.Time `json:"cached_at"`
}

// Title returns the summary or "" when missing.
func (e Event) Title() string {
	if e.Summary == nil {
		return ""
	}
	return *e.Summary
}

// Clone returns a deep copy so callers never share buffers with the store.
func (e Event) Clone() Event {
	out := e
	if e.Summary != nil {
		s := *e.Summary
		out.Summary = &s
	}
	if e.Raw != nil {
		out.Raw = append(json.RawMessage(nil), e.Raw...)
	}
	return out
}

// StringPtr is a small helper for optional string fields.
func StringPtr(s string) *string { return &s }

// Provenance tells the consumer where the data for a calendar came from.
type Provenance string

const (
	// ProvenanceFresh: fetched successfully in the most recent cycle.
	ProvenanceFresh Provenance = "fresh"
	// ProvenanceCached: the last fetch failed; serving previously stored rows.
	ProvenanceCached Provenance = "cached"
	// ProvenanceUnavailable: nothing to serve.
	ProvenanceUnavailable Provenance = "unavailable"
)
