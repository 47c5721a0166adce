// Package store is the transactional persistence model. It is backed by
// SQLite and exposes typed operations keyed by the uniqueness invariants
// of the data model; pipeline stages never touch SQL directly.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"git.home.luguber.info/inful/watchdog/internal/werrors"
)

// Store wraps the SQLite database. The mutex serializes writers; SQLite
// allows a single writer at a time and busy-waiting in Go is cheaper
// than bouncing off SQLITE_BUSY.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	claimMu sync.Mutex
	claimed map[int64]struct{}
}

// Open opens (or creates) the database at path and ensures the schema.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection sidesteps in-memory DB isolation and writer contention.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, claimed: make(map[int64]struct{})}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// now is swappable so tests can age rows.
var now = func() time.Time { return time.Now().UTC() }

func encodeTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func decodeTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := decodeTime(ns.String)
	return &t
}

func encodeStrings(ss []string) string {
	if ss == nil {
		ss = []string{}
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func decodeStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

// --- Sources ---

// AddSource inserts a source; (municipality, base_url) must be unique.
func (s *Store) AddSource(ctx context.Context, src *Source) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := encodeTime(now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (municipality, platform, base_url, enabled, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		src.Municipality, src.Platform, src.BaseURL, boolInt(src.Enabled), string(src.Config), ts, ts)
	if err != nil {
		return 0, werrors.Wrap(err, werrors.KindDatabase, "insert source")
	}
	return res.LastInsertId()
}

// ListSources returns sources, optionally only enabled ones.
func (s *Store) ListSources(ctx context.Context, enabledOnly bool) ([]*Source, error) {
	q := `SELECT id, municipality, platform, base_url, enabled, COALESCE(config, ''),
		last_success_at, last_attempt_at, last_error, consecutive_failures, created_at, updated_at
		FROM sources`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, werrors.Wrap(err, werrors.KindDatabase, "query sources")
	}
	defer rows.Close()

	var out []*Source
	for rows.Next() {
		var (
			src                  Source
			enabled              int
			config               string
			lastSuccess, lastAtt sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&src.ID, &src.Municipality, &src.Platform, &src.BaseURL, &enabled, &config,
			&lastSuccess, &lastAtt, &src.LastError, &src.ConsecutiveFailures, &createdAt, &updatedAt); err != nil {
			return nil, werrors.Wrap(err, werrors.KindDatabase, "scan source")
		}
		src.Enabled = enabled != 0
		if config != "" {
			src.Config = json.RawMessage(config)
		}
		src.LastSuccessAt = decodeTimePtr(lastSuccess)
		src.LastAttemptAt = decodeTimePtr(lastAtt)
		src.CreatedAt = decodeTime(createdAt)
		src.UpdatedAt = decodeTime(updatedAt)
		out = append(out, &src)
	}
	return out, rows.Err()
}

// GetSource returns one source by id.
func (s *Store) GetSource(ctx context.Context, id int64) (*Source, error) {
	sources, err := s.ListSources(ctx, false)
	if err != nil {
		return nil, err
	}
	for _, src := range sources {
		if src.ID == id {
			return src, nil
		}
	}
	return nil, werrors.Newf(werrors.KindDatabase, "source %d not found", id)
}

// RecordSourceSuccess resets failure tracking after a successful run.
func (s *Store) RecordSourceSuccess(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := encodeTime(now())
	_, err := s.db.ExecContext(ctx, `
		UPDATE sources SET last_success_at = ?, last_attempt_at = ?, last_error = '',
			consecutive_failures = 0, updated_at = ? WHERE id = ?`, ts, ts, ts, id)
	if err != nil {
		return werrors.Wrap(err, werrors.KindDatabase, "record source success")
	}
	return nil
}

// RecordSourceFailure increments the consecutive-failure counter and
// stores the diagnostic.
func (s *Store) RecordSourceFailure(ctx context.Context, id int64, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := encodeTime(now())
	_, err := s.db.ExecContext(ctx, `
		UPDATE sources SET last_attempt_at = ?, last_error = ?,
			consecutive_failures = consecutive_failures + 1, updated_at = ? WHERE id = ?`,
		ts, cause, ts, id)
	if err != nil {
		return werrors.Wrap(err, werrors.KindDatabase, "record source failure")
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
