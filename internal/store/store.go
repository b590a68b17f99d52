// Package store is the durable event cache: a SQLite database holding event
// rows keyed by (calendar_id, id) plus per-calendar sync metadata.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"inkcal/internal/clock"
	"inkcal/internal/fault"
	appLog "inkcal/internal/log"
	"inkcal/internal/model"
)

// NeverSynced is returned by CacheAge for calendars without a successful sync.
const NeverSynced time.Duration = -1

const dateLayout = "2006-01-02"

// Instants are stored as unix nanoseconds, which cover 1677-09-21 to
// 2262-04-11.
var (
	minInstant = time.Unix(0, math.MinInt64)
	maxInstant = time.Unix(0, math.MaxInt64)
)

func representable(t time.Time) bool {
	return !t.Before(minInstant) && !t.After(maxInstant)
}

// nanos converts a query bound to unix nanoseconds, clamping bounds outside
// the storable range to its ends.
func nanos(t time.Time) int64 {
	switch {
	case t.Before(minInstant):
		return math.MinInt64
	case t.After(maxInstant):
		return math.MaxInt64
	}
	return t.UnixNano()
}

// UpsertResult reports what happened to one batch.
type UpsertResult struct {
	Written   int
	Malformed int
}

// Store is the SQLite-backed event cache. It is safe for concurrent use;
// writes are serialized.
type Store struct {
	db    *sql.DB
	clock clock.Clock

	writeMu sync.Mutex
}

// Open opens (creating if needed) the database at path. All-day rows are
// resolved against clk's timezone when written, and cached_at comes from clk.
func Open(path string, clk clock.Clock) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: db path is empty")
	}
	if clk == nil {
		clk = clock.New(time.UTC)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fault.Store("open", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fault.Store("open", err)
	}
	// One connection: SQLite has a single writer anyway, and it keeps
	// ":memory:" databases from splitting across connections.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fault.Store("open", err)
	}

	s := &Store{db: db, clock: clk}
	if err := s.migrate(path); err != nil {
		db.Close()
		return nil, fault.Store("migrate", err)
	}

	appLog.Info("event store opened", "path", path, "timezone", clk.Location().String())
	return s, nil
}

func (s *Store) migrate(path string) error {
	if path != ":memory:" {
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("enable WAL: %w", err)
		}
	}
	if _, err := s.db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("set busy_timeout: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS events (
		calendar_id TEXT NOT NULL,
		id          TEXT NOT NULL,
		summary     TEXT,
		description TEXT NOT NULL DEFAULT '',
		location    TEXT NOT NULL DEFAULT '',
		color_id    TEXT NOT NULL DEFAULT '',
		all_day     INTEGER NOT NULL DEFAULT 0,

		-- Instants in unix nanoseconds. All-day rows are resolved to local
		-- midnight of the reference timezone; their floating dates are kept
		-- in start_date / end_date.
		start_at    INTEGER NOT NULL,
		end_at      INTEGER NOT NULL,
		start_date  TEXT NOT NULL DEFAULT '',
		end_date    TEXT NOT NULL DEFAULT '',

		raw         TEXT NOT NULL DEFAULT '{}',
		cached_at   INTEGER NOT NULL,
		PRIMARY KEY (calendar_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_events_start_at ON events(start_at);
	CREATE INDEX IF NOT EXISTS idx_events_end_at ON events(end_at);

	CREATE TABLE IF NOT EXISTS cache_metadata (
		calendar_id          TEXT PRIMARY KEY,
		last_successful_sync INTEGER NOT NULL
	);`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fault.Store("ping", err)
	}
	return nil
}

// UpsertEvents writes events for calendarID and records a successful sync,
// all in one transaction. Malformed events are skipped and counted; they
// never abort the batch. Any I/O failure rolls the whole batch back and is
// returned as a store fault.
func (s *Store) UpsertEvents(ctx context.Context, calendarID string, events []model.Event) (UpsertResult, error) {
	var res UpsertResult
	if calendarID == "" {
		return res, fault.Newf(fault.KindMalformedRecord, "", "upsert", "calendar id is empty")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.clock.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fault.Store("upsert", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (
			calendar_id, id, summary, description, location, color_id,
			all_day, start_at, end_at, start_date, end_date, raw, cached_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (calendar_id, id) DO UPDATE SET
			summary     = excluded.summary,
			description = excluded.description,
			location    = excluded.location,
			color_id    = excluded.color_id,
			all_day     = excluded.all_day,
			start_at    = excluded.start_at,
			end_at      = excluded.end_at,
			start_date  = excluded.start_date,
			end_date    = excluded.end_date,
			raw         = excluded.raw,
			cached_at   = MAX(events.cached_at, excluded.cached_at)`)
	if err != nil {
		return res, fault.Store("upsert", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		row, verr := s.toRow(calendarID, ev)
		if verr != nil {
			res.Malformed++
			appLog.Warn("skipping malformed event", "calendar", calendarID, "id", ev.ID, "reason", verr.Error())
			continue
		}
		if _, err := stmt.ExecContext(ctx,
			calendarID, row.id, row.summary, ev.Description, ev.Location, ev.ColorID,
			row.allDay, row.startAt, row.endAt, row.startDate, row.endDate, row.raw, now.UnixNano(),
		); err != nil {
			return UpsertResult{}, fault.Store("upsert", err)
		}
		res.Written++
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cache_metadata (calendar_id, last_successful_sync) VALUES (?, ?)
		ON CONFLICT (calendar_id) DO UPDATE SET
			last_successful_sync = MAX(cache_metadata.last_successful_sync, excluded.last_successful_sync)`,
		calendarID, now.UnixNano(),
	); err != nil {
		return UpsertResult{}, fault.Store("upsert", err)
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fault.Store("upsert", err)
	}

	appLog.Info("stored events", "calendar", calendarID, "written", res.Written, "malformed", res.Malformed)
	return res, nil
}

type eventRow struct {
	id        string
	summary   sql.NullString
	allDay    bool
	startAt   int64
	endAt     int64
	startDate string
	endDate   string
	raw       string
}

// toRow validates ev and converts it to column values.
func (s *Store) toRow(calendarID string, ev model.Event) (eventRow, error) {
	var row eventRow

	id := strings.TrimSpace(ev.ID)
	if id == "" {
		return row, fault.Newf(fault.KindMalformedRecord, calendarID, "upsert", "missing id")
	}
	if ev.Start.IsZero() {
		return row, fault.Newf(fault.KindMalformedRecord, calendarID, "upsert", "event %s: missing start", id)
	}
	end := ev.End
	if end.IsZero() {
		end = ev.Start
	}
	if ev.Start.After(end) {
		return row, fault.Newf(fault.KindMalformedRecord, calendarID, "upsert", "event %s: start after end", id)
	}

	row.id = id
	row.allDay = ev.AllDay
	if ev.Summary != nil {
		row.summary = sql.NullString{String: *ev.Summary, Valid: true}
	}

	start := ev.Start
	if ev.AllDay {
		sd, ed := clock.Date(ev.Start), clock.Date(end)
		row.startDate = sd.Format(dateLayout)
		row.endDate = ed.Format(dateLayout)
		start, end = clock.Midnight(s.clock, sd), clock.Midnight(s.clock, ed)
	}
	if !representable(start) || !representable(end) {
		return row, fault.Newf(fault.KindMalformedRecord, calendarID, "upsert",
			"event %s: time outside %s..%s", id, minInstant.UTC().Format(dateLayout), maxInstant.UTC().Format(dateLayout))
	}
	row.startAt = start.UnixNano()
	row.endAt = end.UnixNano()

	row.raw = "{}"
	if len(ev.Raw) > 0 {
		if !json.Valid(ev.Raw) {
			return row, fault.Newf(fault.KindMalformedRecord, calendarID, "upsert", "event %s: raw payload is not JSON", id)
		}
		row.raw = string(ev.Raw)
	}
	return row, nil
}

const selectColumns = `
	SELECT calendar_id, id, summary, description, location, color_id,
	       all_day, start_at, end_at, start_date, end_date, raw, cached_at
	FROM events`

// QueryRange returns events of calendarID ("" for all calendars) whose start
// lies in [start, end), ordered by start then id.
func (s *Store) QueryRange(ctx context.Context, calendarID string, start, end time.Time) ([]model.Event, error) {
	var b strings.Builder
	b.WriteString(selectColumns)
	b.WriteString(" WHERE start_at >= ? AND start_at < ?")
	args := []any{nanos(start), nanos(end)}
	if calendarID != "" {
		b.WriteString(" AND calendar_id = ?")
		args = append(args, calendarID)
	}
	b.WriteString(" ORDER BY start_at ASC, id ASC, calendar_id ASC")

	return s.query(ctx, "query_range", b.String(), args...)
}

// QueryOverlap returns events of calendarID ("" for all) whose [start, end)
// overlaps [start, end). Zero-length events count when their start lies in
// the window.
func (s *Store) QueryOverlap(ctx context.Context, calendarID string, start, end time.Time) ([]model.Event, error) {
	var b strings.Builder
	b.WriteString(selectColumns)
	b.WriteString(" WHERE start_at < ? AND (end_at > ? OR (end_at = start_at AND start_at >= ?))")
	args := []any{nanos(end), nanos(start), nanos(start)}
	if calendarID != "" {
		b.WriteString(" AND calendar_id = ?")
		args = append(args, calendarID)
	}
	b.WriteString(" ORDER BY start_at ASC, id ASC, calendar_id ASC")

	return s.query(ctx, "query_overlap", b.String(), args...)
}

// QueryFrom returns up to limit events across all calendars with
// start >= from, ordered by start, calendar id, id.
func (s *Store) QueryFrom(ctx context.Context, from time.Time, limit int) ([]model.Event, error) {
	if limit <= 0 {
		return []model.Event{}, nil
	}
	q := selectColumns + " WHERE start_at >= ? ORDER BY start_at ASC, calendar_id ASC, id ASC LIMIT ?"
	return s.query(ctx, "query_from", q, nanos(from), limit)
}

func (s *Store) query(ctx context.Context, op, q string, args ...any) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fault.Store(op, err)
	}
	defer rows.Close()

	loc := s.clock.Location()
	out := make([]model.Event, 0)
	for rows.Next() {
		var (
			ev                 model.Event
			summary            sql.NullString
			startAt, endAt     int64
			startDate, endDate string
			raw                string
			cachedAt           int64
		)
		if err := rows.Scan(
			&ev.CalendarID, &ev.ID, &summary, &ev.Description, &ev.Location, &ev.ColorID,
			&ev.AllDay, &startAt, &endAt, &startDate, &endDate, &raw, &cachedAt,
		); err != nil {
			return nil, fault.Store(op, err)
		}

		if summary.Valid {
			ev.Summary = model.StringPtr(summary.String)
		}
		if ev.AllDay {
			ev.Start, err = time.Parse(dateLayout, startDate)
			if err != nil {
				return nil, fault.Store(op, fmt.Errorf("event %s: bad start_date %q: %w", ev.ID, startDate, err))
			}
			ev.End, err = time.Parse(dateLayout, endDate)
			if err != nil {
				return nil, fault.Store(op, fmt.Errorf("event %s: bad end_date %q: %w", ev.ID, endDate, err))
			}
		} else {
			ev.Start = time.Unix(0, startAt).In(loc)
			ev.End = time.Unix(0, endAt).In(loc)
		}
		ev.Raw = json.RawMessage(raw)
		ev.CachedAt = time.Unix(0, cachedAt).In(loc)

		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Store(op, err)
	}
	return out, nil
}

// LastSync returns the last successful sync time for calendarID.
func (s *Store) LastSync(ctx context.Context, calendarID string) (time.Time, bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT last_successful_sync FROM cache_metadata WHERE calendar_id = ?", calendarID,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fault.Store("last_sync", err)
	}
	return time.Unix(0, n).In(s.clock.Location()), true, nil
}

// CacheAge returns the time since the last successful sync of calendarID, or
// NeverSynced.
func (s *Store) CacheAge(ctx context.Context, calendarID string) (time.Duration, error) {
	last, ok, err := s.LastSync(ctx, calendarID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return NeverSynced, nil
	}
	age := s.clock.Now().Sub(last)
	if age < 0 {
		age = 0
	}
	return age, nil
}

// EventCount returns the number of rows for calendarID ("" for all).
func (s *Store) EventCount(ctx context.Context, calendarID string) (int, error) {
	q := "SELECT COUNT(*) FROM events"
	var args []any
	if calendarID != "" {
		q += " WHERE calendar_id = ?"
		args = append(args, calendarID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fault.Store("event_count", err)
	}
	return n, nil
}

// PruneOlderThan deletes events whose end is before cutoff and returns the
// number removed. Only explicit maintenance calls this.
func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE end_at < ?", nanos(cutoff))
	if err != nil {
		return 0, fault.Store("prune", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fault.Store("prune", err)
	}
	appLog.Info("pruned events", "cutoff", cutoff.Format(time.RFC3339), "deleted", n)
	return int(n), nil
}

// ClearAll deletes every event and all sync metadata.
func (s *Store) ClearAll(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Store("clear_all", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM events"); err != nil {
		return fault.Store("clear_all", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_metadata"); err != nil {
		return fault.Store("clear_all", err)
	}
	if err := tx.Commit(); err != nil {
		return fault.Store("clear_all", err)
	}
	appLog.Info("cache cleared")
	return nil
}
