// Package syncer runs sync cycles: fetch every configured calendar from its
// remote source concurrently, write successful results into the cache, and
// record a per-calendar outcome that drives provenance for readers.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"inkcal/internal/clock"
	"inkcal/internal/fault"
	appLog "inkcal/internal/log"
	"inkcal/internal/metrics"
	"inkcal/internal/model"
	"inkcal/internal/remote"
	"inkcal/internal/store"
)

// State is the per-calendar result of a cycle.
type State string

const (
	StateOnline  State = "online"
	StateOffline State = "offline"
)

// Cache is the part of the event store the coordinator needs.
type Cache interface {
	UpsertEvents(ctx context.Context, calendarID string, events []model.Event) (store.UpsertResult, error)
	EventCount(ctx context.Context, calendarID string) (int, error)
	CacheAge(ctx context.Context, calendarID string) (time.Duration, error)
}

// Calendar is one configured calendar. When Invalid is set the calendar is
// never fetched and every cycle reports it offline with that error.
type Calendar struct {
	ID      string
	Name    string
	Source  remote.Source
	Invalid error
}

type Options struct {
	FetchDays     int
	BackfillDays  int
	FetchTimeout  time.Duration
	CycleDeadline time.Duration
	MaxParallel   int
}

func (o *Options) normalize() {
	if o.FetchDays <= 0 {
		o.FetchDays = 42
	}
	if o.BackfillDays < 0 {
		o.BackfillDays = 0
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 20 * time.Second
	}
	if o.CycleDeadline <= 0 {
		o.CycleDeadline = 90 * time.Second
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = 4
	}
}

// Outcome is what happened to one calendar in one cycle.
type Outcome struct {
	CalendarID string           `json:"calendar_id"`
	Name       string           `json:"name"`
	State      State            `json:"state"`
	Provenance model.Provenance `json:"provenance"`
	Fetched    int              `json:"fetched"`
	Written    int              `json:"written"`
	Malformed  int              `json:"malformed"`
	Kind       fault.Kind       `json:"kind,omitempty"`
	Error      string           `json:"error,omitempty"`
	FinishedAt time.Time        `json:"finished_at"`

	Err error `json:"-"`
}

// Report summarizes one cycle.
type Report struct {
	ID          string    `json:"id"`
	Generation  uint64    `json:"generation"`
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Outcomes    []Outcome `json:"outcomes"`
}

// Online counts calendars fetched and written in this cycle.
func (r Report) Online() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.State == StateOnline {
			n++
		}
	}
	return n
}

// Coordinator owns the sync cycle. It is the only writer to the cache.
type Coordinator struct {
	calendars []Calendar
	cache     Cache
	clock     clock.Clock
	opts      Options
	metrics   *metrics.Metrics

	runMu sync.Mutex

	mu         sync.RWMutex
	last       map[string]Outcome
	generation uint64
}

func New(calendars []Calendar, cache Cache, clk clock.Clock, opts Options, m *metrics.Metrics) *Coordinator {
	opts.normalize()
	if clk == nil {
		clk = clock.New(time.UTC)
	}
	return &Coordinator{
		calendars: append([]Calendar(nil), calendars...),
		cache:     cache,
		clock:     clk,
		opts:      opts,
		metrics:   m,
		last:      make(map[string]Outcome),
	}
}

// Calendars returns the configured calendars in configuration order.
func (c *Coordinator) Calendars() []Calendar {
	return append([]Calendar(nil), c.calendars...)
}

// Generation increments after every completed cycle.
func (c *Coordinator) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// LastOutcome returns the most recent outcome for calendarID.
func (c *Coordinator) LastOutcome(calendarID string) (Outcome, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.last[calendarID]
	return o, ok
}

// Provenance reports where data for calendarID currently comes from. Before
// the first cycle it is cached when rows exist, else unavailable.
func (c *Coordinator) Provenance(ctx context.Context, calendarID string) model.Provenance {
	if o, ok := c.LastOutcome(calendarID); ok {
		return o.Provenance
	}
	return c.offlineProvenance(ctx, calendarID)
}

type fetchResult struct {
	idx    int
	events []model.Event
	err    error
}

// RunCycle runs one sync cycle. Cycles are serialized: a call made while
// another cycle runs waits for it. A remote failure never touches the cache.
func (c *Coordinator) RunCycle(ctx context.Context) Report {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	started := c.clock.Now()
	windowStart, windowEnd := clock.FetchWindow(c.clock, c.opts.BackfillDays, c.opts.FetchDays)
	report := Report{
		ID:          uuid.NewString(),
		Started:     started,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Outcomes:    make([]Outcome, len(c.calendars)),
	}
	appLog.Info("sync cycle started", "cycle", report.ID, "calendars", len(c.calendars),
		"window_start", windowStart.Format(time.RFC3339), "window_end", windowEnd.Format(time.RFC3339))

	cycleCtx, cancel := context.WithTimeout(ctx, c.opts.CycleDeadline)
	defer cancel()

	pending := make(map[int]bool, len(c.calendars))
	var toFetch []int
	for i, cal := range c.calendars {
		if cal.Invalid != nil || cal.Source == nil {
			err := cal.Invalid
			if err == nil {
				err = fault.Configuration(cal.ID, "no source configured")
			}
			report.Outcomes[i] = c.offline(ctx, cal, err)
			continue
		}
		pending[i] = true
		toFetch = append(toFetch, i)
	}

	// Buffered so that late senders never block after the deadline.
	results := make(chan fetchResult, len(c.calendars))
	go c.launch(cycleCtx, toFetch, windowStart, windowEnd, results)

wait:
	for len(pending) > 0 {
		select {
		case r := <-results:
			if !pending[r.idx] {
				continue
			}
			delete(pending, r.idx)
			report.Outcomes[r.idx] = c.apply(ctx, c.calendars[r.idx], r)
		case <-cycleCtx.Done():
			for idx := range pending {
				cal := c.calendars[idx]
				err := fault.New(fault.KindTimeout, cal.ID, "fetch", errors.New("cycle deadline exceeded before the source answered"))
				report.Outcomes[idx] = c.offline(ctx, cal, err)
			}
			break wait
		}
	}

	report.Finished = c.clock.Now()

	c.mu.Lock()
	for _, o := range report.Outcomes {
		c.last[o.CalendarID] = o
	}
	c.generation++
	report.Generation = c.generation
	c.mu.Unlock()

	c.metrics.ObserveCycle(report.Finished.Sub(started))
	for _, o := range report.Outcomes {
		c.metrics.Outcome(o.CalendarID, string(o.State), string(o.Kind))
		if age, err := c.cache.CacheAge(ctx, o.CalendarID); err == nil {
			c.metrics.CacheAge(o.CalendarID, age)
		}
	}

	appLog.Info("sync cycle finished", "cycle", report.ID, "online", report.Online(),
		"offline", len(report.Outcomes)-report.Online(), "duration", report.Finished.Sub(started).String())
	return report
}

// launch fetches every pending calendar with at most MaxParallel in flight.
// Each fetch gets its own timeout under the cycle deadline.
func (c *Coordinator) launch(ctx context.Context, indices []int, start, end time.Time, results chan<- fetchResult) {
	var g errgroup.Group
	g.SetLimit(c.opts.MaxParallel)

	for _, idx := range indices {
		cal := c.calendars[idx]
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
			defer cancel()

			events, err := cal.Source.Fetch(fetchCtx, cal.ID, start, end)
			if err != nil && fetchCtx.Err() != nil && !fault.Is(err, fault.KindTimeout) {
				err = fault.New(fault.KindTimeout, cal.ID, "fetch", err)
			}
			results <- fetchResult{idx: idx, events: events, err: err}
			return nil
		})
	}
	_ = g.Wait()
}

// apply turns one fetch result into an outcome, writing events on success.
func (c *Coordinator) apply(ctx context.Context, cal Calendar, r fetchResult) Outcome {
	if r.err != nil {
		return c.offline(ctx, cal, r.err)
	}

	res, err := c.cache.UpsertEvents(ctx, cal.ID, r.events)
	if err != nil {
		if !fault.Is(err, fault.KindStore) {
			err = fault.Store("upsert", err)
		}
		o := c.offline(ctx, cal, err)
		o.Fetched = len(r.events)
		return o
	}
	c.metrics.EventsWritten(cal.ID, res.Written, res.Malformed)

	return Outcome{
		CalendarID: cal.ID,
		Name:       cal.Name,
		State:      StateOnline,
		Provenance: model.ProvenanceFresh,
		Fetched:    len(r.events),
		Written:    res.Written,
		Malformed:  res.Malformed,
		FinishedAt: c.clock.Now(),
	}
}

// offline records a failed calendar and logs it by kind.
func (c *Coordinator) offline(ctx context.Context, cal Calendar, err error) Outcome {
	kind := fault.KindOf(err)
	o := Outcome{
		CalendarID: cal.ID,
		Name:       cal.Name,
		State:      StateOffline,
		Provenance: c.offlineProvenance(ctx, cal.ID),
		Kind:       kind,
		Error:      err.Error(),
		FinishedAt: c.clock.Now(),
		Err:        err,
	}

	switch kind {
	case fault.KindConfiguration:
		appLog.Error("calendar misconfigured", err, "calendar", cal.ID, "name", cal.Name)
	case fault.KindAuth:
		appLog.Error("credentials rejected", err, "calendar", cal.ID, "name", cal.Name)
	case fault.KindNotFound:
		appLog.Error("calendar not found; check the configured id", err, "calendar", cal.ID, "name", cal.Name)
	case fault.KindStore:
		appLog.Error("cache write failed; serving previous data", err, "calendar", cal.ID, "name", cal.Name)
	default:
		appLog.Warn("calendar offline; serving cached data", "calendar", cal.ID, "name", cal.Name,
			"kind", string(kind), "err", err, "provenance", string(o.Provenance))
	}
	return o
}

func (c *Coordinator) offlineProvenance(ctx context.Context, calendarID string) model.Provenance {
	n, err := c.cache.EventCount(ctx, calendarID)
	if err != nil || n == 0 {
		return model.ProvenanceUnavailable
	}
	return model.ProvenanceCached
}
