package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"inkcal/internal/clock"
	appLog "inkcal/internal/log"
	"inkcal/internal/query"
)

const (
	defaultWindowDays = 7
	maxWindowDays     = 62
	defaultUpcoming   = 10
	maxUpcoming       = 500
	healthTimeout     = 2 * time.Second
)

// handleHealth reports 200 when the cache database answers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := s.db.Ping(ctx); err != nil {
		appLog.Error("health check failed", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("cache unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// resultResponse carries a query result plus the read error, if any. On a
// store failure the body still has the empty result with every calendar
// marked unavailable.
type resultResponse struct {
	query.Result
	Error string `json:"error,omitempty"`
}

type windowResponse struct {
	query.WindowResult
	Error string `json:"error,omitempty"`
}

// handleEvents serves /api/events?calendar=&start=&end=. Start defaults to
// today and end to start plus the configured fetch horizon.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	start, err := s.parseInstant(q.Get("start"), clock.Today(s.clock))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	end, err := s.parseInstant(q.Get("end"), start.AddDate(0, 0, s.cfg.FetchDays))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end: "+err.Error())
		return
	}

	res, err := s.query.QueryRange(r.Context(), q.Get("calendar"), start, end)
	s.writeResult(w, res, err)
}

// handleDay serves /api/day?date=YYYY-MM-DD, defaulting to today.
func (s *Server) handleDay(w http.ResponseWriter, r *http.Request) {
	date, err := s.parseDate(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date: "+err.Error())
		return
	}
	res, err := s.query.EventsOn(r.Context(), date)
	s.writeResult(w, res, err)
}

// handleUpcoming serves /api/upcoming?n=&from=.
func (s *Server) handleUpcoming(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	n := parseIntDefault(q.Get("n"), defaultUpcoming)
	if n <= 0 {
		writeError(w, http.StatusBadRequest, "n must be positive")
		return
	}
	if n > maxUpcoming {
		n = maxUpcoming
	}
	from, err := s.parseInstant(q.Get("from"), s.clock.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}

	res, err := s.query.Upcoming(r.Context(), n, from)
	s.writeResult(w, res, err)
}

// handleWindow serves /api/window?start=YYYY-MM-DD&days=.
func (s *Server) handleWindow(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	start, err := s.parseDate(q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	days := parseIntDefault(q.Get("days"), defaultWindowDays)
	if days <= 0 {
		writeError(w, http.StatusBadRequest, "days must be positive")
		return
	}
	if days > maxWindowDays {
		days = maxWindowDays
	}

	res, err := s.query.EventsInWindow(r.Context(), start, days)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, windowResponse{WindowResult: res, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, windowResponse{WindowResult: res})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.query.Status(r.Context())
	if err != nil {
		appLog.Error("status read failed", err)
		writeError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"generation": s.cycler.Generation(),
		"calendars":  st,
	})
}

// handleRefresh runs a sync cycle and returns its report. The cycle is
// detached from the request so a client disconnect cannot cut it short.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	appLog.Info("manual refresh requested", "remote", r.RemoteAddr)
	report := s.cycler.RunCycle(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) writeResult(w http.ResponseWriter, res query.Result, err error) {
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, resultResponse{Result: res, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{Result: res})
}

// parseInstant accepts RFC3339 or a bare YYYY-MM-DD, which means local
// midnight of that date in the reference zone.
func (s *Server) parseInstant(v string, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC3339 or YYYY-MM-DD, got %q", v)
	}
	return clock.Midnight(s.clock, d), nil
}

// parseDate accepts YYYY-MM-DD and defaults to today in the reference zone.
func (s *Server) parseDate(v string) (time.Time, error) {
	if v == "" {
		return clock.Today(s.clock), nil
	}
	d, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("want YYYY-MM-DD, got %q", v)
	}
	return d, nil
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
