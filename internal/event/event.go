// Package event defines the tracked Event entity and its lifecycle.
//
// All transitions are pure: they take an Event value and return a new one,
// leaving persistence timing to the caller.
package event

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Kind is the closed set of tracked activities.
type Kind string

const (
	KindNap           Kind = "nap"
	KindBreastfeeding Kind = "breastfeeding"
)

// Kinds lists every recognized kind in a stable order.
func Kinds() []Kind { return []Kind{KindNap, KindBreastfeeding} }

// Valid reports whether k is a recognized kind.
func (k Kind) Valid() bool {
	switch k {
	case KindNap, KindBreastfeeding:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }

// ParseKind normalizes s and validates it.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
	return k, nil
}

// Status is monotonic: open -> closed -> flushed.
type Status string

const (
	StatusOpen    Status = "open"
	StatusClosed  Status = "closed"
	StatusFlushed Status = "flushed"
)

// ParseStatus is used by store backends when scanning rows.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusOpen, StatusClosed, StatusFlushed:
		return st, nil
	}
	return "", fmt.Errorf("unknown event status %q", s)
}

// Event is one occurrence of a tracked activity.
type Event struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	FlushedAt *time.Time     `json:"flushed_at,omitempty"`
	Status    Status         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// MaxMetadataKey bounds metadata key length.
const MaxMetadataKey = 64

// ReservedField is written by the point builder and cannot be set as metadata.
const ReservedField = "duration"

// reservedKeys collide with point fields, tags or InfluxDB internals.
var reservedKeys = map[string]bool{
	ReservedField:  true,
	"event_id":     true,
	"time":         true,
	"_measurement": true,
	"_field":       true,
}

// New creates an open event of kind started at startedAt.
func New(kind Kind, startedAt time.Time) (Event, error) {
	if !kind.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrInvalidKind, string(kind))
	}
	if startedAt.IsZero() {
		return Event{}, fmt.Errorf("%w: zero start time", ErrInvalidTimestamp)
	}
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		StartedAt: startedAt.UTC(),
		Status:    StatusOpen,
		Metadata:  map[string]any{},
		UpdatedAt: startedAt.UTC(),
	}, nil
}

// Close ends an open event at endedAt.
func Close(e Event, endedAt time.Time) (Event, error) {
	if e.Status != StatusOpen {
		return e, fmt.Errorf("%w: %s is %s", ErrAlreadyClosed, e.ID, e.Status)
	}
	if endedAt.Before(e.StartedAt) {
		return e, fmt.Errorf("%w: end %s before start %s", ErrInvalidTimestamp,
			endedAt.UTC().Format(time.RFC3339), e.StartedAt.Format(time.RFC3339))
	}
	out := e.clone()
	end := endedAt.UTC()
	out.EndedAt = &end
	out.Status = StatusClosed
	out.UpdatedAt = end
	return out, nil
}

// Amend merges patch into the metadata of an open event.
// A nil value in patch removes the key.
func Amend(e Event, patch map[string]any) (Event, error) {
	if e.Status != StatusOpen {
		return e, fmt.Errorf("%w: %s is %s", ErrNotOpen, e.ID, e.Status)
	}
	if err := ValidateMetadata(patch, true); err != nil {
		return e, err
	}
	out := e.clone()
	for k, v := range patch {
		if v == nil {
			delete(out.Metadata, k)
			continue
		}
		out.Metadata[k] = normalizeScalar(v)
	}
	return out, nil
}

// MarkFlushed records a successful durable write of a closed event.
func MarkFlushed(e Event, at time.Time) (Event, error) {
	if e.Status != StatusClosed {
		return e, fmt.Errorf("%w: %s is %s", ErrNotClosed, e.ID, e.Status)
	}
	out := e.clone()
	t := at.UTC()
	out.FlushedAt = &t
	out.Status = StatusFlushed
	out.UpdatedAt = t
	return out, nil
}

// Duration is EndedAt-StartedAt for closed events and zero otherwise.
func (e Event) Duration() time.Duration {
	if e.EndedAt == nil {
		return 0
	}
	return e.EndedAt.Sub(e.StartedAt)
}

// Age is how long the event has been running at now.
func (e Event) Age(now time.Time) time.Duration {
	if e.EndedAt != nil {
		return e.Duration()
	}
	return now.Sub(e.StartedAt)
}

// Validate checks the structural invariants of e.
func (e Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidMetadata)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, string(e.Kind))
	}
	switch e.Status {
	case StatusOpen:
		if e.EndedAt != nil {
			return fmt.Errorf("%w: open event with end time", ErrInvalidTimestamp)
		}
	case StatusClosed, StatusFlushed:
		if e.EndedAt == nil {
			return fmt.Errorf("%w: %s event without end time", ErrInvalidTimestamp, e.Status)
		}
		if e.EndedAt.Before(e.StartedAt) {
			return fmt.Errorf("%w: end before start", ErrInvalidTimestamp)
		}
	default:
		return fmt.Errorf("unknown event status %q", e.Status)
	}
	return nil
}

// MetadataKeys returns the metadata keys sorted.
func (e Event) MetadataKeys() []string {
	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValidateMetadata checks keys and scalar values. allowNil permits deletions.
func ValidateMetadata(m map[string]any, allowNil bool) error {
	for k, v := range m {
		if k == "" || len(k) > MaxMetadataKey {
			return fmt.Errorf("%w: bad key %q", ErrInvalidMetadata, k)
		}
		if reservedKeys[k] {
			return fmt.Errorf("%w: key %q is reserved", ErrInvalidMetadata, k)
		}
		if hasControl(k) {
			return fmt.Errorf("%w: key %q contains control characters", ErrInvalidMetadata, k)
		}
		if v == nil {
			if allowNil {
				continue
			}
			return fmt.Errorf("%w: nil value for %q", ErrInvalidMetadata, k)
		}
		if !isScalar(v) {
			return fmt.Errorf("%w: value for %q is %T, want scalar", ErrInvalidMetadata, k, v)
		}
		if f, ok := normalizeScalar(v).(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			return fmt.Errorf("%w: value for %q is not finite", ErrInvalidMetadata, k)
		}
	}
	return nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, int, int32, int64, float32, float64:
		return true
	}
	return false
}

func hasControl(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}

// NormalizeMetadata returns a copy of m with every number as float64.
// Store backends call it after decoding JSON.
func NormalizeMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeScalar(v)
	}
	return out
}

// normalizeScalar stores numbers as float64 only. A metadata key keeps one
// field type across events: 5 and 5.5 must land in the same InfluxDB field.
func normalizeScalar(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	}
	return v
}

func (e Event) clone() Event {
	out := e
	out.Metadata = make(map[string]any, len(e.Metadata))
	for k, v := range e.Metadata {
		out.Metadata[k] = v
	}
	if e.EndedAt != nil {
		t := *e.EndedAt
		out.EndedAt = &t
	}
	if e.FlushedAt != nil {
		t := *e.FlushedAt
		out.FlushedAt = &t
	}
	return out
}
