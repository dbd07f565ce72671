package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/cradle/internal/event"
	"github.com/loykin/cradle/internal/store/storetest"
)

func TestSQLiteConformance(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	storetest.Run(t, db)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	db, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	start := time.Date(2025, 8, 4, 13, 0, 0, 0, time.UTC)
	e, _ := event.New(event.KindNap, start)
	if err := db.Put(ctx, e); err != nil {
		t.Fatalf("put: %v", err)
	}
	_ = db.Close()

	// a restarted process sees the open session
	db2, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	if err := db2.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema 2: %v", err)
	}
	got, ok, err := db2.GetOpen(ctx, event.KindNap)
	if err != nil || !ok {
		t.Fatalf("get open after reopen: ok=%v err=%v", ok, err)
	}
	if got.ID != e.ID || !got.StartedAt.Equal(start) {
		t.Fatalf("unexpected event after reopen: %+v", got)
	}
}

func TestSQLiteClosedDBIsPersistenceError(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = db.EnsureSchema(context.Background())
	_ = db.Close()
	e, _ := event.New(event.KindNap, time.Now())
	if err := db.Put(context.Background(), e); !errors.Is(err, event.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}

func TestEmptyPath(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
