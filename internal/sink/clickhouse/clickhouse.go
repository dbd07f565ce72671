package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/cradle/internal/sink"
)

// Config selects the ClickHouse server and target table.
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
	Timeout  time.Duration
}

// Sink writes points to ClickHouse using the official ClickHouse Go client.
// The table is a ReplacingMergeTree ordered by (measurement, event_id): a
// rewritten event collapses into one row on merge and reads use FINAL.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(cfg Config) (*Sink, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:9000"
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Table == "" {
		cfg.Table = "baby_events"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: cfg.Table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	err := s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			event_id String,
			measurement LowCardinality(String),
			ts DateTime64(3, 'UTC'),
			duration Int64,
			metadata String
		) ENGINE = ReplacingMergeTree()
		ORDER BY (measurement, event_id)
	`)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse table: %w", err)
	}
	return nil
}

func (s *Sink) Idempotent() bool { return true }

func (s *Sink) Ping(ctx context.Context) error { return s.conn.Ping(ctx) }

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Write(ctx context.Context, p sink.Point) error {
	if err := p.Validate(); err != nil {
		return err
	}
	meta, err := json.Marshal(p.Metadata())
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (event_id, measurement, ts, duration, metadata) VALUES (?, ?, ?, ?, ?)`, s.table)
	err = s.conn.Exec(ctx, query,
		p.EventID(),
		p.Measurement,
		p.Time.UTC(),
		p.Duration(),
		string(meta),
	)
	if err != nil {
		return fmt.Errorf("failed to insert point into ClickHouse: %w", err)
	}
	return nil
}
