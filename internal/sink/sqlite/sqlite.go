package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/cradle/internal/sink"
)

// Sink writes points to a SQLite table keyed by event id.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite point sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}

	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", dsn+sep+"_pragma=busy_timeout(3000)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &Sink{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS points(
			event_id TEXT PRIMARY KEY,
			measurement TEXT NOT NULL,
			ts TIMESTAMP NOT NULL,
			duration INTEGER NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_points_measurement_ts ON points(measurement, ts);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Idempotent() bool { return true }

func (s *Sink) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Sink) Write(ctx context.Context, p sink.Point) error {
	if err := p.Validate(); err != nil {
		return err
	}
	meta, err := json.Marshal(p.Metadata())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO points(event_id, measurement, ts, duration, metadata)
		VALUES(?, ?, ?, ?, ?);`,
		p.EventID(), p.Measurement, p.Time.UTC(), p.Duration(), string(meta))
	return err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
