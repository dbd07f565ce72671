// Package csv appends points to a CSV log file. The file is append-only, so
// the sink does not dedupe; the writer consults the flushed archive instead.
package csv

import (
	"context"
	enccsv "encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loykin/cradle/internal/sink"
)

// Header is the first row of every log file.
var Header = []string{"timestamp", "event", "duration", "event_id", "metadata"}

type Sink struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// New opens (or creates) the CSV log at path. A "csv://" prefix is accepted.
func New(path string) (*Sink, error) {
	p := strings.TrimSpace(path)
	if strings.HasPrefix(strings.ToLower(p), "csv://") {
		p = p[len("csv://"):]
	}
	if p == "" {
		return nil, errors.New("empty CSV path")
	}
	if dir := filepath.Dir(p); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	s := &Sink{path: p, f: f}
	if st.Size() == 0 {
		if err := s.append(Header); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return s, nil
}

// Path returns the log file location.
func (s *Sink) Path() string { return s.path }

func (s *Sink) Write(ctx context.Context, p sink.Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	meta, err := json.Marshal(p.Metadata())
	if err != nil {
		return err
	}
	return s.append([]string{
		p.Time.UTC().Format(time.RFC3339),
		p.Measurement,
		strconv.FormatInt(p.Duration(), 10),
		p.EventID(),
		string(meta),
	})
}

func (s *Sink) append(rec []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("csv sink closed")
	}
	w := enccsv.NewWriter(s.f)
	if err := w.Write(rec); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("csv write: %w", err)
	}
	return s.f.Sync()
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
