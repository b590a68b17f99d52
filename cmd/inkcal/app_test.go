package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"inkcal/internal/config"
	"inkcal/internal/fault"
	"inkcal/internal/model"
	"inkcal/internal/syncer"
)

const feed = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//inkcal//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:release\r\n" +
	"SUMMARY:Release\r\n" +
	"DTSTART;VALUE=DATE:%s\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func testConfig(t *testing.T, calendars ...config.CalendarConfig) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.DBPath = filepath.Join(dir, "events.db")
	cfg.ICSCacheDir = filepath.Join(dir, "ics")
	cfg.Google.CredentialsPath = filepath.Join(dir, "missing-credentials.json")
	cfg.Google.TokenPath = filepath.Join(dir, "missing-token.json")
	cfg.Calendars = calendars
	cfg.Normalize()
	return cfg
}

func TestBuildCalendarsKeepsInvalidEntries(t *testing.T) {
	cfg := testConfig(t,
		config.CalendarConfig{Name: "family", ID: "your-calendar-id@group.calendar.google.com", Kind: config.KindGoogle},
		config.CalendarConfig{Name: "work", ID: "work@example.com", Kind: config.KindGoogle},
		config.CalendarConfig{Name: "holidays", ID: "holidays", Kind: config.KindICS, URL: "webcal://example.com/h.ics"},
		config.CalendarConfig{Name: "broken", ID: "broken", Kind: config.KindICS, URL: "ftp://example.com/x.ics"},
	)

	cals := buildCalendars(cfg, time.UTC)
	if len(cals) != 4 {
		t.Fatalf("len = %d, want 4", len(cals))
	}
	byID := map[string]syncer.Calendar{}
	for _, c := range cals {
		byID[c.ID] = c
	}

	if c := byID["your-calendar-id@group.calendar.google.com"]; !fault.Is(c.Invalid, fault.KindConfiguration) || c.Source != nil {
		t.Fatalf("placeholder calendar = %+v", c)
	}
	if c := byID["broken"]; !fault.Is(c.Invalid, fault.KindConfiguration) {
		t.Fatalf("broken feed should be invalid: %+v", c)
	}
	if c := byID["work"]; c.Invalid != nil || c.Source == nil {
		t.Fatalf("work calendar = %+v", c)
	}
	if c := byID["holidays"]; c.Invalid != nil || c.Source == nil {
		t.Fatalf("holidays calendar = %+v", c)
	}
}

func TestNewAppRejectsBadGlobalConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timezone = "Mars/Olympus_Mons"
	if _, err := newApp(cfg, prometheus.NewRegistry(), prometheus.NewRegistry()); !fault.Is(err, fault.KindConfiguration) {
		t.Fatalf("err = %v, want configuration fault", err)
	}
}

func TestAppSyncsAndServesFromCache(t *testing.T) {
	today := time.Now().UTC()
	body := []byte(fmt.Sprintf(feed, today.Format("20060102")))
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	cfg := testConfig(t,
		config.CalendarConfig{Name: "releases", ID: "releases", Kind: config.KindICS, URL: srv.URL + "/r.ics"},
		config.CalendarConfig{Name: "family", ID: "your-calendar-id", Kind: config.KindGoogle},
	)
	reg := prometheus.NewRegistry()
	a, err := newApp(cfg, reg, reg)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	report := a.sync.RunCycle(ctx)
	if report.Online() != 1 {
		t.Fatalf("online = %d, want 1: %+v", report.Online(), report.Outcomes)
	}

	res, err := a.query.EventsOn(ctx, today)
	if err != nil {
		t.Fatalf("EventsOn: %v", err)
	}
	if len(res.Events) != 1 || res.Events[0].Title() != "Release" || !res.Events[0].AllDay {
		t.Fatalf("events = %+v", res.Events)
	}
	if res.Provenance["releases"] != model.ProvenanceFresh || res.Provenance["your-calendar-id"] != model.ProvenanceUnavailable {
		t.Fatalf("provenance = %+v", res.Provenance)
	}

	down.Store(true)
	a.sync.RunCycle(ctx)
	res, err = a.query.EventsOn(ctx, today)
	if err != nil {
		t.Fatalf("EventsOn: %v", err)
	}
	if len(res.Events) != 1 || res.Provenance["releases"] != model.ProvenanceCached {
		t.Fatalf("offline read = %+v", res)
	}
}
