package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/cradle/internal/sink"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	s, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	p := sink.Point{
		Measurement: "breastfeeding",
		Tags:        map[string]string{sink.TagEventID: "ev-bf-1"},
		Fields:      map[string]any{sink.FieldDuration: int64(600), "side": "right"},
		Time:        time.Date(2025, 8, 4, 6, 30, 0, 0, time.UTC),
	}
	for i := 0; i < 2; i++ {
		if err := s.Write(ctx, p); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM points WHERE event_id = $1", "ev-bf-1").Scan(&count); err != nil {
		t.Fatalf("Failed to query points: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 point, got %d", count)
	}
	var side string
	if err := s.db.QueryRowContext(ctx, "SELECT metadata->>'side' FROM points WHERE event_id = $1", "ev-bf-1").Scan(&side); err != nil {
		t.Fatalf("Failed to query metadata: %v", err)
	}
	if side != "right" {
		t.Errorf("Expected side right, got %q", side)
	}
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
