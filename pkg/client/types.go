package client

import "time"

// Event is the wire form of a recorded event.
type Event struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	FlushedAt *time.Time     `json:"flushed_at,omitempty"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// StartRequest opens an event. A nil At means now.
type StartRequest struct {
	At       *time.Time     `json:"at,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StopRequest closes the open event. A nil At means now.
type StopRequest struct {
	At *time.Time `json:"at,omitempty"`
}

// AmendRequest patches metadata; a nil value deletes the key.
type AmendRequest struct {
	Metadata map[string]any `json:"metadata"`
}

type Alert struct {
	Type    string `json:"type"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

type Check struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type ProcessStats struct {
	PID        int32   `json:"pid"`
	RSSMB      float64 `json:"rss_mb"`
	CPUPercent float64 `json:"cpu_percent"`
	Goroutines int     `json:"goroutines"`
	Uptime     string  `json:"uptime"`
}

// HealthReport mirrors the daemon's diagnostics report.
type HealthReport struct {
	GeneratedAt       time.Time      `json:"generated_at"`
	Healthy           bool           `json:"healthy"`
	OpenByKind        map[string]int `json:"open_by_kind"`
	OldestOpenSeconds int64          `json:"oldest_open_seconds"`
	Pending           int            `json:"pending"`
	LastFlushSuccess  *time.Time     `json:"last_flush_success,omitempty"`
	LastFlushError    string         `json:"last_flush_error,omitempty"`
	LastFlushErrorAt  *time.Time     `json:"last_flush_error_at,omitempty"`
	FlushAttempts     uint64         `json:"flush_attempts"`
	FlushedTotal      uint64         `json:"flushed_total"`
	FlushFailures     uint64         `json:"flush_failures"`
	CommandsAccepted  uint64         `json:"commands_accepted"`
	CommandsRejected  uint64         `json:"commands_rejected"`
	LastCommandAt     *time.Time     `json:"last_command_at,omitempty"`
	SinkReachable     *bool          `json:"sink_reachable,omitempty"`
	Process           *ProcessStats  `json:"process,omitempty"`
	Checks            []Check        `json:"checks"`
	Alerts            []Alert        `json:"alerts"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
