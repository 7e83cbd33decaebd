// Package observability wires structured logging and Prometheus metrics
// for the engine (ambient stack, ungoverned by spec.md's Non-goals — the
// design notes exclude rendering and transport, not observability). It
// never becomes a second source of truth: every metric here is a
// read-through view of a counter world state already tracks (§3).
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// NewLogger returns a logrus.Logger preconfigured with JSON output, as the
// engine facade logs structured fields rather than formatted strings.
func NewLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	return l
}

// Metrics is the Prometheus surface over engine counters. Register it
// against a caller-supplied registry (or prometheus.DefaultRegisterer) at
// construction.
type Metrics struct {
	EventsAccepted   prometheus.Counter
	EventsDuplicate  prometheus.Counter
	EventsDropped    prometheus.Counter
	ChaptersClosed   prometheus.Counter
	PeakEventsPerSec *prometheus.GaugeVec // labeled by run_id
}

// NewMetrics creates and registers the engine's metric set against reg. A
// nil reg uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		EventsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patchlings_events_accepted_total",
			Help: "Telemetry events accepted into the world state.",
		}),
		EventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patchlings_events_duplicate_total",
			Help: "Telemetry events suppressed as duplicates by upstream_seq.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patchlings_events_dropped_total",
			Help: "Low-value telemetry events folded by the backpressure aggregator.",
		}),
		ChaptersClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patchlings_chapters_closed_total",
			Help: "Chapters closed (completed, failed, or interrupted).",
		}),
		PeakEventsPerSec: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "patchlings_peak_events_per_second",
			Help: "Highest events/second observed for a run.",
		}, []string{"run_id"}),
	}
	reg.MustRegister(m.EventsAccepted, m.EventsDuplicate, m.EventsDropped, m.ChaptersClosed, m.PeakEventsPerSec)
	return m
}

// RecordPeak sets the peak-events-per-second gauge for runID. The
// aggregator only ever sees counts increase within a batch, so this is a
// plain Set rather than a compare-and-set.
func (m *Metrics) RecordPeak(runID string, peak int) {
	if m == nil {
		return
	}
	m.PeakEventsPerSec.WithLabelValues(runID).Set(float64(peak))
}
