package main

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"inkcal/internal/clock"
	"inkcal/internal/config"
	"inkcal/internal/google"
	"inkcal/internal/ics"
	appLog "inkcal/internal/log"
	"inkcal/internal/metrics"
	"inkcal/internal/query"
	"inkcal/internal/remote"
	"inkcal/internal/store"
	"inkcal/internal/syncer"
)

// app is the wired process: one store, one coordinator, one read API.
type app struct {
	cfg     *config.Config
	clock   clock.Clock
	store   *store.Store
	metrics *metrics.Metrics
	sync    *syncer.Coordinator
	query   *query.API
}

// newApp opens the cache and wires every configured calendar. Calendars that
// fail their own validation stay in the set and are reported offline.
func newApp(cfg *config.Config, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	clk := clock.New(loc)

	st, err := store.Open(cfg.DBPath, clk)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	m := metrics.New(reg, gatherer)
	calendars := buildCalendars(cfg, loc)
	coord := syncer.New(calendars, st, clk, syncer.Options{
		FetchDays:     cfg.FetchDays,
		BackfillDays:  cfg.BackfillDays,
		FetchTimeout:  cfg.FetchTimeout(),
		CycleDeadline: cfg.CycleDeadline(),
		MaxParallel:   cfg.MaxParallel,
	}, m)

	qcals := make([]query.Calendar, 0, len(calendars))
	for _, cal := range calendars {
		qcals = append(qcals, query.Calendar{ID: cal.ID, Name: cal.Name})
	}

	return &app{
		cfg:     cfg,
		clock:   clk,
		store:   st,
		metrics: m,
		sync:    coord,
		query:   query.New(st, coord, clk, qcals),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// buildCalendars maps config entries to coordinator calendars. Google
// calendars share one token file and one client-side rate limiter; ICS feeds
// share one fetcher with its disk cache.
func buildCalendars(cfg *config.Config, loc *time.Location) []syncer.Calendar {
	creds := google.NewTokenFile(cfg.Google.CredentialsPath, cfg.Google.TokenPath)
	googleSource := remote.Limit(google.NewSource(creds, nil), remote.PerMinute(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst))

	feeds := make(map[string]string)
	for _, cal := range cfg.Calendars {
		if cal.Kind == config.KindICS && cal.Validate() == nil {
			feeds[cal.ID] = cal.FeedURL()
		}
	}
	icsSource := ics.NewSource(ics.NewFetcher(nil, cfg.ICSCacheDir), loc, feeds)

	out := make([]syncer.Calendar, 0, len(cfg.Calendars))
	for _, cal := range cfg.Calendars {
		c := syncer.Calendar{ID: cal.ID, Name: cal.Name}
		if err := cal.Validate(); err != nil {
			appLog.Warn("calendar will not be fetched", "calendar", cal.ID, "name", cal.Name, "err", err)
			c.Invalid = err
			out = append(out, c)
			continue
		}
		switch cal.Kind {
		case config.KindGoogle:
			c.Source = googleSource
		case config.KindICS:
			c.Source = icsSource
		}
		out = append(out, c)
	}
	return out
}
