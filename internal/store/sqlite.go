// Package store provides the persistence backends for the audit ledger:
// a SQLite store for production use and an in-memory store for tests.
//
// Both satisfy ledger.Store plus the query surface the dashboard and CLI
// use (filtered queries, entry counts).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/gobwas/glob"

	"github.com/opsledger/opsledger/internal/ledger"
)

// SQLite persists chain entries in a single SQLite database opened in WAL
// mode, so the dashboard and CLI can read while the appender writes.
//
// The seq primary key is the uniqueness constraint the appender's
// optimistic retry loop relies on: two writers racing for the tail can
// both compute sequence N, but only one INSERT lands; the loser sees
// ledger.ErrSeqTaken and retries with a fresh tail read.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the entries database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening ledger database %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			seq           INTEGER PRIMARY KEY,
			ts_ms         INTEGER NOT NULL,
			actor         TEXT,
			action        TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			resource_id   TEXT,
			resource_name TEXT,
			source_addr   TEXT,
			payload       TEXT,
			prev_hash     TEXT NOT NULL,
			hash          TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entries_actor  ON entries(actor);
		CREATE INDEX IF NOT EXISTS idx_entries_action ON entries(action);
		CREATE INDEX IF NOT EXISTS idx_entries_ts     ON entries(ts_ms);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// entryColumns is the canonical column list shared by every SELECT so row
// scanning stays in one place.
const entryColumns = `seq, ts_ms, actor, action, resource_type, resource_id, resource_name, source_addr, payload, prev_hash, hash`

// Insert persists the entry as a single atomic write. The primary key on
// seq rejects a second entry for the same sequence; that case maps to
// ledger.ErrSeqTaken for the appender's retry loop.
func (s *SQLite) Insert(ctx context.Context, e *ledger.Entry) error {
	var payload sql.NullString
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshaling payload of entry %d: %w", e.Seq, err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (`+entryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.Timestamp.UnixMilli(), nullable(e.Actor), string(e.Action),
		e.ResourceType, nullable(e.ResourceID), nullable(e.ResourceName),
		nullable(e.SourceAddress), payload, e.PrevHash, e.Hash,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "PRIMARY KEY") {
			return ledger.ErrSeqTaken
		}
		return fmt.Errorf("inserting entry %d: %w", e.Seq, err)
	}
	return nil
}

// Tail returns the highest-sequence entry, or nil if the chain is empty.
func (s *SQLite) Tail(ctx context.Context) (*ledger.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries ORDER BY seq DESC LIMIT 1`)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading chain tail: %w", err)
	}
	return e, nil
}

// Get returns the entry at seq, or ledger.ErrNotFound.
func (s *SQLite) Get(ctx context.Context, seq uint64) (*ledger.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE seq = ?`, seq)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading entry %d: %w", seq, err)
	}
	return e, nil
}

// Scan streams entries in [from, to] in ascending sequence order.
func (s *SQLite) Scan(ctx context.Context, from, to uint64, fn func(*ledger.Entry) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE seq >= ? AND seq <= ? ORDER BY seq ASC`,
		from, to)
	if err != nil {
		return fmt.Errorf("scanning entries %d-%d: %w", from, to, err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scanning entry row: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Count returns the number of persisted entries.
func (s *SQLite) Count(ctx context.Context) (uint64, error) {
	var n uint64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting entries: %w", err)
	}
	return n, nil
}

// QueryParams filter the audit log. Zero values mean "no filter".
type QueryParams struct {
	Actor    string        // exact match on the acting subject
	Action   string        // exact match on the action kind (CREATE, LOGIN, ...)
	Resource string        // glob over resource type and name, e.g. "vm*" or "web-*"
	Since    time.Duration // only entries newer than now minus Since
	Limit    int           // maximum entries returned
}

// Query returns matching entries, newest first. Actor, action, and time
// filters run in SQL; the resource glob is matched in Go against both the
// resource type and resource name.
func (s *SQLite) Query(ctx context.Context, params QueryParams) ([]ledger.Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM entries WHERE 1=1`
	var args []any
	if params.Actor != "" {
		q += ` AND actor = ?`
		args = append(args, params.Actor)
	}
	if params.Action != "" {
		q += ` AND action = ?`
		args = append(args, params.Action)
	}
	if params.Since > 0 {
		q += ` AND ts_ms >= ?`
		args = append(args, time.Now().UTC().Add(-params.Since).UnixMilli())
	}
	q += ` ORDER BY seq DESC`

	var matcher glob.Glob
	if params.Resource != "" {
		m, err := glob.Compile(params.Resource)
		if err != nil {
			return nil, fmt.Errorf("invalid resource pattern %q: %w", params.Resource, err)
		}
		matcher = m
	} else if params.Limit > 0 {
		// Without a post-filter the limit can be pushed into SQL.
		q += ` LIMIT ?`
		args = append(args, params.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry row: %w", err)
		}
		if matcher != nil && !matchResource(matcher, e) {
			continue
		}
		entries = append(entries, *e)
		if params.Limit > 0 && len(entries) == params.Limit {
			break
		}
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func matchResource(m glob.Glob, e *ledger.Entry) bool {
	if m.Match(e.ResourceType) {
		return true
	}
	return e.ResourceName != nil && m.Match(*e.ResourceName)
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*ledger.Entry, error) {
	var (
		e                         ledger.Entry
		tsMillis                  int64
		action                    string
		actor, id, name           sql.NullString
		source, payload           sql.NullString
	)
	err := row.Scan(&e.Seq, &tsMillis, &actor, &action, &e.ResourceType,
		&id, &name, &source, &payload, &e.PrevHash, &e.Hash)
	if err != nil {
		return nil, err
	}
	e.Timestamp = time.UnixMilli(tsMillis).UTC()
	e.Action = ledger.Action(action)
	e.Actor = optString(actor)
	e.ResourceID = optString(id)
	e.ResourceName = optString(name)
	e.SourceAddress = optString(source)
	if payload.Valid {
		parsed, err := ledger.ParsePayload([]byte(payload.String))
		if err != nil {
			return nil, fmt.Errorf("parsing stored payload of entry %d: %w", e.Seq, err)
		}
		e.Payload = parsed
	}
	return &e, nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func optString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
