package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"inkcal/internal/clock"
	"inkcal/internal/config"
	"inkcal/internal/model"
	"inkcal/internal/query"
	"inkcal/internal/syncer"
)

type fakeQuerier struct {
	mu    sync.Mutex
	calls int
	err   error

	rangeCal   string
	rangeStart time.Time
	rangeEnd   time.Time
	dayDate    time.Time
	upN        int
	upFrom     time.Time
	winStart   time.Time
	winDays    int
}

func (f *fakeQuerier) result() query.Result {
	return query.Result{
		Events:     []model.Event{{CalendarID: "work", ID: "a", Summary: model.StringPtr("Standup")}},
		Provenance: map[string]model.Provenance{"work": model.ProvenanceFresh},
	}
}

func (f *fakeQuerier) QueryRange(_ context.Context, cal string, start, end time.Time) (query.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.rangeCal, f.rangeStart, f.rangeEnd = cal, start, end
	if f.err != nil {
		return query.Result{Events: []model.Event{}, Provenance: map[string]model.Provenance{"work": model.ProvenanceUnavailable}}, f.err
	}
	return f.result(), nil
}

func (f *fakeQuerier) EventsOn(_ context.Context, date time.Time) (query.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.dayDate = date
	return f.result(), f.err
}

func (f *fakeQuerier) Upcoming(_ context.Context, n int, from time.Time) (query.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.upN, f.upFrom = n, from
	return f.result(), f.err
}

func (f *fakeQuerier) EventsInWindow(_ context.Context, start time.Time, days int) (query.WindowResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.winStart, f.winDays = start, days
	return query.WindowResult{Days: []query.Day{}, Provenance: map[string]model.Provenance{}}, f.err
}

func (f *fakeQuerier) Status(context.Context) ([]query.CalendarStatus, error) {
	return []query.CalendarStatus{{ID: "work", Name: "Work", Provenance: model.ProvenanceCached, CacheAgeSeconds: 30}}, f.err
}

type fakeCycler struct {
	mu         sync.Mutex
	generation uint64
	runs       int
	ctxErr     error
}

func (c *fakeCycler) RunCycle(ctx context.Context) syncer.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs++
	c.generation++
	c.ctxErr = ctx.Err()
	return syncer.Report{ID: "cycle-1", Generation: c.generation}
}

func (c *fakeCycler) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

var testNow = time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)

func newTestServer(t *testing.T, q *fakeQuerier, c *fakeCycler, db Pinger, auth *config.BasicAuthConfig) *httptest.Server {
	t.Helper()
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.BasicAuth = auth
	s := NewServer(cfg, clock.Fixed(loc, testNow), q, c, db, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, &fakeQuerier{}, &fakeCycler{}, fakePinger{}, nil)
	if resp := get(t, ts.URL+"/health"); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	down := newTestServer(t, &fakeQuerier{}, &fakeCycler{}, fakePinger{err: errors.New("closed")}, nil)
	if resp := get(t, down.URL+"/health"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestEventsDefaultsAndParsing(t *testing.T) {
	q := &fakeQuerier{}
	ts := newTestServer(t, q, &fakeCycler{}, fakePinger{}, nil)

	resp := get(t, ts.URL+"/api/events?calendar=work")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body resultResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Events) != 1 || body.Provenance["work"] != model.ProvenanceFresh {
		t.Fatalf("unexpected body: %+v", body)
	}

	// 15:30 UTC is 08:30 PDT, so today starts at 07:00 UTC.
	wantStart := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)
	if q.rangeCal != "work" || !q.rangeStart.Equal(wantStart) {
		t.Fatalf("range = %q %s, want work %s", q.rangeCal, q.rangeStart, wantStart)
	}
	if want := q.rangeStart.AddDate(0, 0, config.DefaultConfig().FetchDays); !q.rangeEnd.Equal(want) {
		t.Fatalf("end = %s, want %s", q.rangeEnd, want)
	}

	get(t, ts.URL+"/api/events?start=2026-03-01T00:00:00Z&end=2026-03-02")
	if !q.rangeStart.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("start = %s", q.rangeStart)
	}
	if !q.rangeEnd.Equal(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("end = %s, want PST midnight", q.rangeEnd)
	}

	if resp := get(t, ts.URL+"/api/events?start=yesterday"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad start status = %d, want 400", resp.StatusCode)
	}
}

func TestDayUpcomingWindowParams(t *testing.T) {
	q := &fakeQuerier{}
	ts := newTestServer(t, q, &fakeCycler{}, fakePinger{}, nil)

	get(t, ts.URL+"/api/day?date=2026-03-08")
	if q.dayDate.Year() != 2026 || q.dayDate.Month() != 3 || q.dayDate.Day() != 8 {
		t.Fatalf("day = %s", q.dayDate)
	}

	get(t, ts.URL+"/api/upcoming?n=5000")
	if q.upN != maxUpcoming || !q.upFrom.Equal(testNow) {
		t.Fatalf("upcoming n=%d from=%s", q.upN, q.upFrom)
	}
	if resp := get(t, ts.URL+"/api/upcoming?n=0"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("n=0 status = %d, want 400", resp.StatusCode)
	}

	get(t, ts.URL+"/api/window")
	if q.winDays != defaultWindowDays || q.winStart.Day() != 10 {
		t.Fatalf("window start=%s days=%d", q.winStart, q.winDays)
	}
	get(t, ts.URL+"/api/window?start=2026-04-01&days=400")
	if q.winDays != maxWindowDays {
		t.Fatalf("days = %d, want capped %d", q.winDays, maxWindowDays)
	}
}

func TestStoreFailureIsServiceUnavailable(t *testing.T) {
	q := &fakeQuerier{err: errors.New("disk gone")}
	ts := newTestServer(t, q, &fakeCycler{}, fakePinger{}, nil)

	resp := get(t, ts.URL+"/api/events")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	var body resultResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error == "" || body.Provenance["work"] != model.ProvenanceUnavailable {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestResponseCacheInvalidatedByCycle(t *testing.T) {
	q := &fakeQuerier{}
	c := &fakeCycler{}
	ts := newTestServer(t, q, c, fakePinger{}, nil)

	get(t, ts.URL+"/api/upcoming?n=3")
	resp := get(t, ts.URL+"/api/upcoming?n=3")
	if resp.Header.Get("X-Cache") != "hit" {
		t.Fatalf("second request should be served from cache")
	}
	if q.calls != 1 {
		t.Fatalf("calls = %d, want 1", q.calls)
	}

	post, err := http.Post(ts.URL+"/api/refresh", "application/json", nil)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	defer post.Body.Close()
	var report syncer.Report
	if err := json.NewDecoder(post.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Generation != 1 || c.ctxErr != nil {
		t.Fatalf("report = %+v ctxErr=%v", report, c.ctxErr)
	}

	if resp := get(t, ts.URL+"/api/upcoming?n=3"); resp.Header.Get("X-Cache") == "hit" {
		t.Fatalf("cache should be invalidated by the new generation")
	}
	if q.calls != 2 {
		t.Fatalf("calls = %d, want 2", q.calls)
	}
}

func TestErrorsAreNotCached(t *testing.T) {
	q := &fakeQuerier{err: errors.New("locked")}
	ts := newTestServer(t, q, &fakeCycler{}, fakePinger{}, nil)

	get(t, ts.URL+"/api/day")
	get(t, ts.URL+"/api/day")
	if q.calls != 2 {
		t.Fatalf("calls = %d, want 2", q.calls)
	}
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t, &fakeQuerier{}, &fakeCycler{generation: 4}, fakePinger{}, nil)

	resp := get(t, ts.URL+"/api/status")
	var body struct {
		Generation uint64                 `json:"generation"`
		Calendars  []query.CalendarStatus `json:"calendars"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Generation != 4 || len(body.Calendars) != 1 || body.Calendars[0].Provenance != model.ProvenanceCached {
		t.Fatalf("unexpected status: %+v", body)
	}
}

func TestBasicAuth(t *testing.T) {
	auth := &config.BasicAuthConfig{Username: "admin", Password: "s3cret"}
	ts := newTestServer(t, &fakeQuerier{}, &fakeCycler{}, fakePinger{}, auth)

	if resp := get(t, ts.URL+"/health"); resp.StatusCode != http.StatusOK {
		t.Fatalf("/health should skip auth, got %d", resp.StatusCode)
	}

	resp := get(t, ts.URL+"/api/status")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("missing WWW-Authenticate header")
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/status", nil)
	req.SetBasicAuth("admin", "s3cret")
	ok, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer ok.Body.Close()
	if ok.StatusCode != http.StatusOK {
		t.Fatalf("authorized status = %d", ok.StatusCode)
	}
}

func TestSecureCompare(t *testing.T) {
	if !secureCompare("abc", "abc") || secureCompare("abc", "abd") || secureCompare("abc", "ab") {
		t.Fatal("secureCompare mismatch")
	}
}
