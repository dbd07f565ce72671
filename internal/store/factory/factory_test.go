package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/loykin/cradle/internal/store/postgres"
	"github.com/loykin/cradle/internal/store/sqlite"
)

func TestNewFromDSN(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		dsn    string
		sqlite bool
	}{
		{"sqlite://" + filepath.Join(dir, "a.db"), true},
		{filepath.Join(dir, "b.db"), true},
		{":memory:", true},
		{"postgres://u:p@127.0.0.1:1/db?sslmode=disable", false},
	}
	for _, c := range cases {
		s, err := NewFromDSN(c.dsn)
		if err != nil {
			t.Fatalf("dsn %q: %v", c.dsn, err)
		}
		switch s.(type) {
		case *sqlite.DB:
			if !c.sqlite {
				t.Fatalf("dsn %q: expected postgres store", c.dsn)
			}
		case *postgres.DB:
			if c.sqlite {
				t.Fatalf("dsn %q: expected sqlite store", c.dsn)
			}
		default:
			t.Fatalf("dsn %q: unexpected store %T", c.dsn, s)
		}
		_ = s.Close()
	}
}

func TestNewFromDSNErrors(t *testing.T) {
	for _, dsn := range []string{"", "   ", "redis://localhost:6379"} {
		if _, err := NewFromDSN(dsn); err == nil {
			t.Fatalf("dsn %q: expected error", dsn)
		}
	}
}

func TestOpenEnsuresSchema(t *testing.T) {
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "c.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = s.Close() }()
	if _, err := s.ListPending(context.Background()); err != nil {
		t.Fatalf("list pending on fresh store: %v", err)
	}
}
