// Package sink defines the time-series store boundary. A Sink accepts one
// Point per flushed event; backends live in subpackages and are selected by
// DSN through sink/factory.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// TagEventID is the tag carrying the event id on every point.
const TagEventID = "event_id"

// FieldDuration is the field carrying the session length in seconds.
const FieldDuration = "duration"

// Point is one time-series observation.
type Point struct {
	Measurement string            `json:"measurement"`
	Tags        map[string]string `json:"tags"`
	Fields      map[string]any    `json:"fields"`
	Time        time.Time         `json:"time"`
}

// EventID returns the event id tag, or "" when missing.
func (p Point) EventID() string { return p.Tags[TagEventID] }

// Duration returns the duration field in seconds.
func (p Point) Duration() int64 {
	if v, ok := p.Fields[FieldDuration].(int64); ok {
		return v
	}
	return 0
}

// Validate reports whether p can be written.
func (p Point) Validate() error {
	if p.Measurement == "" {
		return errors.New("point: empty measurement")
	}
	if p.EventID() == "" {
		return errors.New("point: missing event_id tag")
	}
	if len(p.Fields) == 0 {
		return errors.New("point: no fields")
	}
	if p.Time.IsZero() {
		return errors.New("point: zero timestamp")
	}
	return nil
}

// FieldKeys returns the field keys in sorted order.
func (p Point) FieldKeys() []string {
	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Metadata returns the fields other than duration.
func (p Point) Metadata() map[string]any {
	out := make(map[string]any, len(p.Fields))
	for k, v := range p.Fields {
		if k == FieldDuration {
			continue
		}
		out[k] = v
	}
	return out
}

// Options carries settings shared by network backends.
type Options struct {
	Token   string
	Timeout time.Duration
}

// Sink is a destination for points. Implementations must be safe for
// concurrent use. Any error from Write is treated as retryable.
type Sink interface {
	Write(ctx context.Context, p Point) error
	Close() error
}

// Pinger is implemented by sinks that can probe their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Idempotent is implemented by sinks whose backend dedupes a rewritten point,
// so a retry after an unacknowledged success never creates a duplicate.
type Idempotent interface {
	Idempotent() bool
}

// IsIdempotent reports whether s declares backend-side deduplication.
func IsIdempotent(s Sink) bool {
	i, ok := s.(Idempotent)
	return ok && i.Idempotent()
}

// StatusError is a server-side rejection from an HTTP backend.
type StatusError struct {
	Backend string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s sink status %d", e.Backend, e.Code)
	}
	return fmt.Sprintf("%s sink status %d: %s", e.Backend, e.Code, e.Body)
}
