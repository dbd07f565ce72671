package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/loykin/cradle/internal/event"
	"github.com/loykin/cradle/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
// A single connection is used so ":memory:" databases survive between calls
// and writes are serialized.
type DB struct {
	db *sql.DB
}

// pragmas make every committed write survive a process or power crash.
var pragmas = []string{
	"busy_timeout(3000)",
	"journal_mode(WAL)",
	"synchronous(FULL)",
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", withPragmas(p))
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(1)
	d.SetConnMaxLifetime(0)
	if err := d.Ping(); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return &DB{db: d}, nil
}

func withPragmas(p string) string {
	sep := "?"
	if strings.Contains(p, "?") {
		sep = "&"
	}
	var b strings.Builder
	b.WriteString(p)
	for _, pr := range pragmas {
		if p == ":memory:" && strings.HasPrefix(pr, "journal_mode") {
			continue
		}
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(pr)
		sep = "&"
	}
	// RFC3339-like text keeps TIMESTAMP columns ordered as strings
	b.WriteString(sep)
	b.WriteString("_time_format=sqlite")
	return b.String()
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events(
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP NULL,
			flushed_at TIMESTAMP NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			updated_at TIMESTAMP NOT NULL
		);`,
		// at most one open event per kind
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_open_kind ON events(kind) WHERE status='open';`,
		`CREATE INDEX IF NOT EXISTS idx_events_status_started ON events(status, started_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return store.Persistence("ensure schema", err)
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *DB) Put(ctx context.Context, e event.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	meta, err := store.EncodeMetadata(e.Metadata)
	if err != nil {
		return fmt.Errorf("%w: %w", event.ErrInvalidMetadata, err)
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events(id, kind, status, started_at, ended_at, flushed_at, metadata, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			ended_at=excluded.ended_at,
			flushed_at=excluded.flushed_at,
			metadata=excluded.metadata,
			updated_at=excluded.updated_at
		WHERE `+fmt.Sprintf(store.StatusRank, "events.status")+` <= `+fmt.Sprintf(store.StatusRank, "excluded.status")+`;`,
		e.ID, string(e.Kind), string(e.Status), e.StartedAt.UTC(), store.NullTime(e.EndedAt), store.NullTime(e.FlushedAt), meta, e.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: kind %s", event.ErrAlreadyOpen, e.Kind)
		}
		return store.Persistence("put", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.Persistence("put", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s -> %s", store.ErrRegression, e.ID, e.Status)
	}
	return nil
}

func (s *DB) Get(ctx context.Context, id string) (event.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+store.Columns+` FROM events WHERE id=?;`, id)
	e, err := store.ScanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return e, err
}

func (s *DB) GetOpen(ctx context.Context, kind event.Kind) (event.Event, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+store.Columns+` FROM events WHERE kind=? AND status='open';`, string(kind))
	e, err := store.ScanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, false, nil
	}
	if err != nil {
		return event.Event{}, false, err
	}
	return e, true, nil
}

func (s *DB) ListPending(ctx context.Context) ([]event.Event, error) {
	return s.query(ctx, s.db, `SELECT `+store.Columns+` FROM events WHERE status='closed' ORDER BY started_at ASC, id ASC;`)
}

func (s *DB) IsFlushed(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events WHERE id=? AND status='flushed';`, id).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *DB) ListFlushedBefore(ctx context.Context, cutoff time.Time) ([]event.Event, error) {
	return s.query(ctx, s.db, `SELECT `+store.Columns+` FROM events WHERE status='flushed' AND flushed_at < ? ORDER BY flushed_at ASC;`, cutoff.UTC())
}

func (s *DB) Evict(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id=? AND status='flushed';`, id)
	if err != nil {
		return store.Persistence("evict", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.Persistence("evict", err)
	}
	if n == 0 {
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return gerr
		}
		return fmt.Errorf("%w: %s", store.ErrNotEvictable, id)
	}
	return nil
}

func (s *DB) Snapshot(ctx context.Context) (store.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Snapshot{}, err
	}
	defer func() { _ = tx.Rollback() }()
	snap := store.Snapshot{TakenAt: time.Now().UTC()}
	if snap.Open, err = s.query(ctx, tx, `SELECT `+store.Columns+` FROM events WHERE status='open' ORDER BY started_at ASC;`); err != nil {
		return store.Snapshot{}, err
	}
	if snap.Pending, err = s.query(ctx, tx, `SELECT `+store.Columns+` FROM events WHERE status='closed' ORDER BY started_at ASC, id ASC;`); err != nil {
		return store.Snapshot{}, err
	}
	return snap, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *DB) query(ctx context.Context, q querier, stmt string, args ...any) ([]event.Event, error) {
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return store.ScanEvents(rows)
}

func isUniqueViolation(err error) bool {
	var se *msqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
