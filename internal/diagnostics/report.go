package diagnostics

import (
	"time"

	"github.com/loykin/cradle/internal/event"
)

// AlertType names an alert rule.
type AlertType string

const (
	AlertStuckSession    AlertType = "stuck_session"
	AlertBacklog         AlertType = "backlog"
	AlertStalled         AlertType = "stalled"
	AlertSinkUnreachable AlertType = "sink_unreachable"
)

// AlertTypes lists every rule, used to reset gauges for inactive alerts.
func AlertTypes() []AlertType {
	return []AlertType{AlertStuckSession, AlertBacklog, AlertStalled, AlertSinkUnreachable}
}

type Alert struct {
	Type    AlertType  `json:"type"`
	Kind    event.Kind `json:"kind,omitempty"`
	Message string     `json:"message"`
}

// Check is one named pass/fail probe of the pipeline.
type Check struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// ProcessStats describes the running process.
type ProcessStats struct {
	PID        int32   `json:"pid"`
	RSSMB      float64 `json:"rss_mb"`
	CPUPercent float64 `json:"cpu_percent"`
	Goroutines int     `json:"goroutines"`
	Uptime     string  `json:"uptime"`
}

// Report is one health snapshot. It is recomputed on every poll and never
// persisted by the pipeline.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Healthy     bool      `json:"healthy"`

	OpenByKind        map[event.Kind]int `json:"open_by_kind"`
	OldestOpenAge     time.Duration      `json:"-"`
	OldestOpenSeconds int64              `json:"oldest_open_seconds"`
	Pending           int                `json:"pending"`

	LastFlushSuccess *time.Time `json:"last_flush_success,omitempty"`
	LastFlushError   string     `json:"last_flush_error,omitempty"`
	LastFlushErrorAt *time.Time `json:"last_flush_error_at,omitempty"`
	FlushAttempts    uint64     `json:"flush_attempts"`
	FlushedTotal     uint64     `json:"flushed_total"`
	FlushFailures    uint64     `json:"flush_failures"`

	CommandsAccepted uint64     `json:"commands_accepted"`
	CommandsRejected uint64     `json:"commands_rejected"`
	LastCommandAt    *time.Time `json:"last_command_at,omitempty"`

	SinkReachable *bool         `json:"sink_reachable,omitempty"`
	Process       *ProcessStats `json:"process,omitempty"`

	Checks []Check `json:"checks"`
	Alerts []Alert `json:"alerts"`
}

// HasAlert reports whether r carries an alert of type t.
func (r Report) HasAlert(t AlertType) bool {
	for _, a := range r.Alerts {
		if a.Type == t {
			return true
		}
	}
	return false
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
