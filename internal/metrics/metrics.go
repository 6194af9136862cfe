// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsOpened counts sessions opened since process start.
	SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_sessions_opened_total",
		Help: "Number of attendance sessions opened.",
	})

	// SessionsClosed counts sessions closed since process start.
	SessionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_sessions_closed_total",
		Help: "Number of attendance sessions closed.",
	})

	// Joins counts join requests by resulting attendance status.
	Joins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_joins_total",
		Help: "Number of successful session joins by classified status.",
	}, []string{"status"})

	// Reverifications counts focus-mode location re-checks.
	Reverifications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_reverifications_total",
		Help: "Number of location re-verifications processed.",
	})

	// OutOfRangeAlerts counts grace-period out-of-range alerts published.
	OutOfRangeAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_out_of_range_alerts_total",
		Help: "Number of out-of-range alerts published.",
	})

	// EventsDropped counts events dropped on slow subscriber buffers.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_events_dropped_total",
		Help: "Number of events dropped due to slow subscribers.",
	})

	// Subscribers tracks currently connected event stream subscribers.
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_event_subscribers",
		Help: "Currently connected event stream subscribers.",
	})
)
