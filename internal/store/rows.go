package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loykin/cradle/internal/event"
)

// Columns is the select list shared by the SQL backends, in ScanEvent order.
const Columns = `id, kind, status, started_at, ended_at, flushed_at, metadata, updated_at`

// RowScanner is satisfied by *sql.Row and *sql.Rows.
type RowScanner interface {
	Scan(dest ...any) error
}

// ScanEvent reads one row selected with Columns.
func ScanEvent(r RowScanner) (event.Event, error) {
	var (
		e         event.Event
		kind      string
		status    string
		endedAt   sql.NullTime
		flushedAt sql.NullTime
		meta      string
	)
	if err := r.Scan(&e.ID, &kind, &status, &e.StartedAt, &endedAt, &flushedAt, &meta, &e.UpdatedAt); err != nil {
		return event.Event{}, err
	}
	e.Kind = event.Kind(kind)
	st, err := event.ParseStatus(status)
	if err != nil {
		return event.Event{}, err
	}
	e.Status = st
	e.StartedAt = e.StartedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		e.EndedAt = &t
	}
	if flushedAt.Valid {
		t := flushedAt.Time.UTC()
		e.FlushedAt = &t
	}
	e.Metadata, err = DecodeMetadata(meta)
	if err != nil {
		return event.Event{}, fmt.Errorf("event %s: %w", e.ID, err)
	}
	return e, nil
}

// ScanEvents drains rows.
func ScanEvents(rows *sql.Rows) ([]event.Event, error) {
	out := make([]event.Event, 0)
	for rows.Next() {
		e, err := ScanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EncodeMetadata serializes metadata as a JSON object.
func EncodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeMetadata parses a JSON object written by EncodeMetadata.
func DecodeMetadata(s string) (map[string]any, error) {
	m := map[string]any{}
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return event.NormalizeMetadata(m), nil
}

// NullTime converts an optional time into a driver value.
func NullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// StatusRank orders statuses for the no-regression guard in upserts.
const StatusRank = `CASE %s WHEN 'open' THEN 0 WHEN 'closed' THEN 1 ELSE 2 END`

// Persistence wraps a driver error with event.ErrPersistence.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", event.ErrPersistence, op, err)
}
