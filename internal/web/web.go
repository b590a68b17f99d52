package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"inkcal/internal/clock"
	"inkcal/internal/config"
	appLog "inkcal/internal/log"
	"inkcal/internal/metrics"
	"inkcal/internal/query"
	"inkcal/internal/syncer"
)

const (
	responseCacheTTL  = 30 * time.Second
	responseCacheSize = 256
)

// Querier is the read API served over HTTP.
type Querier interface {
	QueryRange(ctx context.Context, calendarID string, start, end time.Time) (query.Result, error)
	EventsOn(ctx context.Context, date time.Time) (query.Result, error)
	Upcoming(ctx context.Context, n int, from time.Time) (query.Result, error)
	EventsInWindow(ctx context.Context, startDate time.Time, days int) (query.WindowResult, error)
	Status(ctx context.Context) ([]query.CalendarStatus, error)
}

// Cycler triggers sync cycles and exposes the cycle generation used to
// invalidate cached responses.
type Cycler interface {
	RunCycle(ctx context.Context) syncer.Report
	Generation() uint64
}

// Pinger checks the cache database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server provides the HTTP API over the event cache.
type Server struct {
	cfg     *config.Config
	clock   clock.Clock
	query   Querier
	cycler  Cycler
	db      Pinger
	metrics *metrics.Metrics

	// Query responses keyed by cycle generation and URL, so a finished cycle
	// invalidates everything cached before it.
	responses *expirable.LRU[string, cachedResponse]
}

type cachedResponse struct {
	status int
	body   []byte
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, clk clock.Clock, q Querier, c Cycler, db Pinger, m *metrics.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		clock:     clk,
		query:     q,
		cycler:    c,
		db:        db,
		metrics:   m,
		responses: expirable.NewLRU[string, cachedResponse](responseCacheSize, nil, responseCacheTTL),
	}
}

// Handler returns the router with middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.Middleware())
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		r.Use(s.basicAuthMiddleware)
	}

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.cacheMiddleware)
			r.Get("/events", s.handleEvents)
			r.Get("/day", s.handleDay)
			r.Get("/upcoming", s.handleUpcoming)
			r.Get("/window", s.handleWindow)
		})
		r.Get("/status", s.handleStatus)
		r.Post("/refresh", s.handleRefresh)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	appLog.Info("stopping HTTP server")
	return srv.Shutdown(shutdownCtx)
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured. Empty
// credentials count as disabled.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware guards every route except /health.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="inkcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// cacheMiddleware replays a recent identical GET from the same cycle
// generation. Only 200 responses are kept.
func (s *Server) cacheMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := cacheKey(s.cycler.Generation(), r)
		if cached, ok := s.responses.Get(key); ok {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("X-Cache", "hit")
			w.WriteHeader(cached.status)
			_, _ = w.Write(cached.body)
			return
		}

		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.status == http.StatusOK {
			s.responses.Add(key, cachedResponse{status: rec.status, body: rec.body})
		}
	})
}

func cacheKey(generation uint64, r *http.Request) string {
	return strconv.FormatUint(generation, 10) + "|" + r.URL.Path + "?" + r.URL.Query().Encode()
}

// recorder tees the response body so it can be cached.
type recorder struct {
	http.ResponseWriter
	status int
	body   []byte
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// requestLogger logs each request at debug level through the app logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
