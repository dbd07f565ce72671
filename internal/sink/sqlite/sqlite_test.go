package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/cradle/internal/sink"
)

func napPoint(id string) sink.Point {
	return sink.Point{
		Measurement: "nap",
		Tags:        map[string]string{sink.TagEventID: id},
		Fields:      map[string]any{sink.FieldDuration: int64(1800), "place": "stroller"},
		Time:        time.Date(2025, 8, 4, 13, 0, 0, 0, time.UTC),
	}
}

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "points.db")

	s, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	// retried write of the same event
	for i := 0; i < 3; i++ {
		if err := s.Write(ctx, napPoint("ev-1")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := s.Write(ctx, napPoint("ev-2")); err != nil {
		t.Fatalf("write ev-2: %v", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM points`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("Expected 2 points, got %d", count)
	}

	var (
		measurement string
		duration    int64
		meta        string
	)
	err = s.db.QueryRowContext(ctx, `SELECT measurement, duration, metadata FROM points WHERE event_id=?`, "ev-1").
		Scan(&measurement, &duration, &meta)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if measurement != "nap" || duration != 1800 || meta != `{"place":"stroller"}` {
		t.Fatalf("unexpected row: %s %d %s", measurement, duration, meta)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = s.Close() }()
	if !sink.IsIdempotent(s) {
		t.Fatal("sqlite sink must declare idempotency")
	}
	if err := s.Write(context.Background(), napPoint("mem-1")); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestSQLiteSink_InvalidPoint(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	p := napPoint("x")
	p.Fields = nil
	if err := s.Write(context.Background(), p); err == nil {
		t.Fatal("expected error for point without fields")
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
