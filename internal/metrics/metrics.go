package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cradle",
			Name:      "commands_total",
			Help:      "Recorder commands by kind, command and result.",
		}, []string{"kind", "command", "result"},
	)
	flushAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cradle",
			Subsystem: "flush",
			Name:      "attempts_total",
			Help:      "Point write attempts against the time-series store.",
		}, []string{"kind", "result"},
	)
	flushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cradle",
			Subsystem: "events",
			Name:      "flushed_total",
			Help:      "Events durably written to the time-series store.",
		}, []string{"kind"},
	)
	evicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cradle",
			Subsystem: "events",
			Name:      "evicted_total",
			Help:      "Flushed events removed from the local store after the grace period.",
		},
	)
	pending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cradle",
			Name:      "pending_events",
			Help:      "Closed events waiting to be flushed.",
		},
	)
	openEvents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cradle",
			Name:      "open_events",
			Help:      "Open events per kind (0 or 1).",
		}, []string{"kind"},
	)
	lastFlushSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cradle",
			Name:      "last_flush_success_timestamp_seconds",
			Help:      "Unix time of the last successful point write.",
		},
	)
	alerts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cradle",
			Name:      "alerts",
			Help:      "Active diagnostics alerts by type.",
		}, []string{"type"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{commands, flushAttempts, flushed, evicted, pending, openEvents, lastFlushSuccess, alerts}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncCommand(kind, command, result string) {
	if regOK.Load() {
		commands.WithLabelValues(kind, command, result).Inc()
	}
}

func IncFlushAttempt(kind string, ok bool) {
	if regOK.Load() {
		result := "error"
		if ok {
			result = "ok"
		}
		flushAttempts.WithLabelValues(kind, result).Inc()
	}
}

func IncFlushed(kind string, at time.Time) {
	if regOK.Load() {
		flushed.WithLabelValues(kind).Inc()
		lastFlushSuccess.Set(float64(at.Unix()))
	}
}

func AddEvicted(n int) {
	if regOK.Load() {
		evicted.Add(float64(n))
	}
}

func SetPending(n int) {
	if regOK.Load() {
		pending.Set(float64(n))
	}
}

func SetOpen(kind string, n int) {
	if regOK.Load() {
		openEvents.WithLabelValues(kind).Set(float64(n))
	}
}

// SetAlert sets the alert gauge for typ to active (1) or inactive (0).
func SetAlert(typ string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		alerts.WithLabelValues(typ).Set(value)
	}
}
