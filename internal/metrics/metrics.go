// Package metrics exposes the service's operational counters. Everything is
// registered on the default registry and served by promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScansStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "revulnera_scans_started_total",
		Help: "Number of scans dispatched to the worker.",
	})

	ScansByOutcome = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "revulnera_scans_finished_total",
		Help: "Number of scans that reached a terminal status.",
	}, []string{"status"})

	IngestAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "revulnera_ingest_accepted_total",
		Help: "Finding items accepted per category.",
	}, []string{"category"})

	IngestDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "revulnera_ingest_dropped_total",
		Help: "Finding items dropped by per-item validation.",
	}, []string{"category"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "revulnera_events_published_total",
		Help: "Events published to the broadcaster.",
	}, []string{"type"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "revulnera_events_dropped_total",
		Help: "Events dropped because a subscriber's buffer was full.",
	})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "revulnera_subscribers",
		Help: "Currently connected scan observers.",
	})
)
