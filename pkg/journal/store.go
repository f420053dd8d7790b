// Package journal records coordkit events in SQLite.
//
// Every component reports through a model.Observer. A Recorder stamps each
// event with a Lamport timestamp and writes it here, so a run's
// interleaving can be read back afterwards in (lamport_ts, actor) order.
// The journal is a trace of what happened, not the state of any
// component: nothing is ever loaded back from it.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/daviddao/coordkit/pkg/model"

	_ "modernc.org/sqlite"
)

// MemoryPath selects an in-memory journal that lives as long as the Store.
const MemoryPath = ":memory:"

// Store manages the journal database.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the journal at path and initializes the schema.
// An empty path or MemoryPath opens a private in-memory database.
func New(path string) (*Store, error) {
	memory := path == "" || path == MemoryPath
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	if memory {
		dsn = MemoryPath
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if memory {
		// Each connection to :memory: is a separate database; keep exactly
		// one and never recycle it.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// retryOnContention wraps retryOp with the default config. All writes go
// through it.
func retryOnContention(ctx context.Context, fn func() error) error {
	return retryOp(ctx, defaultRetryConfig, fn)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id         TEXT PRIMARY KEY,
		command    TEXT NOT NULL,
		started_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id     TEXT NOT NULL REFERENCES runs(id),
		lamport_ts INTEGER NOT NULL,
		source     TEXT NOT NULL,
		kind       TEXT NOT NULL,
		actor      TEXT,
		subject    TEXT,
		detail     TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_order ON events(lamport_ts, actor);
	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, lamport_ts);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// StartRun records a new run of command and returns it with a fresh id.
func (s *Store) StartRun(ctx context.Context, command string) (*model.Run, error) {
	run := &model.Run{
		ID:        uuid.NewString(),
		Command:   command,
		StartedAt: time.Now().UTC(),
	}
	err := retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO runs (id, command, started_at) VALUES (?, ?, ?)`,
			run.ID, run.Command, run.StartedAt.Format(time.RFC3339Nano),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by id. A missing run yields sql.ErrNoRows.
func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var r model.Run
	var started string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, command, started_at FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.Command, &started)
	if err != nil {
		return nil, err
	}
	if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return nil, fmt.Errorf("parse started_at for run %s: %w", r.ID, err)
	}
	return &r, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, command, started_at FROM runs ORDER BY rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var started string
		if err := rows.Scan(&r.ID, &r.Command, &started); err != nil {
			return nil, err
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("parse started_at for run %s: %w", r.ID, err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// InsertEvent appends one event and sets e.ID to its row id.
func (s *Store) InsertEvent(ctx context.Context, e *model.Event) (int64, error) {
	var lastID int64
	err := retryOnContention(ctx, func() error {
		res, err := s.db.ExecContext(ctx, insertEventSQL, eventArgs(e)...)
		if err != nil {
			return err
		}
		lastID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	e.ID = lastID
	return lastID, nil
}

// InsertEvents appends events in one transaction: either all are written
// or none are.
func (s *Store) InsertEvents(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	return retryOnContention(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		stmt, err := tx.PrepareContext(ctx, insertEventSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i := range events {
			if _, err := stmt.ExecContext(ctx, eventArgs(&events[i])...); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

const insertEventSQL = `INSERT INTO events (run_id, lamport_ts, source, kind, actor, subject, detail, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

func eventArgs(e *model.Event) []any {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return []any{
		e.RunID, e.LamportTS, string(e.Source), string(e.Kind),
		e.Actor, e.Subject, e.Detail, created.UTC().Format(time.RFC3339Nano),
	}
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	RunID   string
	Source  model.Source
	Kind    model.EventKind
	SinceTS int64 // lamport_ts >= SinceTS
	Limit   int   // default 100
}

// ListEvents returns matching events in total order: lamport_ts, then
// actor, then row id.
func (s *Store) ListEvents(ctx context.Context, f Filter) ([]model.Event, error) {
	where, args := f.where()
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, lamport_ts, source, kind,
		        COALESCE(actor,''), COALESCE(subject,''), COALESCE(detail,''), created_at
		 FROM events`+where+`
		 ORDER BY lamport_ts ASC, actor ASC, id ASC LIMIT ?`,
		append(args, limit)...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountEvents returns the number of events matching f. f.Limit is ignored.
func (s *Store) CountEvents(ctx context.Context, f Filter) (int64, error) {
	where, args := f.where()
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`+where, args...).Scan(&n)
	return n, err
}

// MaxLamportTS returns the highest timestamp in the journal, or 0 if it is
// empty. A recorder resumes its clock from here so timestamps keep rising
// across runs.
func (s *Store) MaxLamportTS(ctx context.Context) (int64, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(lamport_ts), 0) FROM events`).Scan(&ts)
	return ts, err
}

func (f Filter) where() (string, []any) {
	var conds []string
	var args []any
	if f.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, string(f.Source))
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.SinceTS > 0 {
		conds = append(conds, "lamport_ts >= ?")
		args = append(args, f.SinceTS)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var source, kind, created string
		if err := rows.Scan(&e.ID, &e.RunID, &e.LamportTS, &source, &kind,
			&e.Actor, &e.Subject, &e.Detail, &created); err != nil {
			return nil, err
		}
		e.Source = model.Source(source)
		e.Kind = model.EventKind(kind)
		var parseErr error
		e.CreatedAt, parseErr = time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			return nil, fmt.Errorf("parse created_at for event %d: %w", e.ID, parseErr)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
