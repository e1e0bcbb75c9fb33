// Package metrics exposes bulk archive progress as Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/contactlens/backend/internal/bulk"
	"github.com/contactlens/backend/internal/models"
)

// Archive outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeAborted = "aborted"
)

// Bulk implements bulk.Observer and records archive-level results.
type Bulk struct {
	items    *prometheus.CounterVec
	pending  prometheus.Gauge
	inFlight prometheus.Gauge
	bytes    prometheus.Counter
	archives *prometheus.CounterVec
	duration prometheus.Histogram
}

var _ bulk.Observer = (*Bulk)(nil)

// New registers the collectors on reg under the "recordings_bulk_" prefix.
func New(reg prometheus.Registerer) *Bulk {
	f := promauto.With(prometheus.WrapRegistererWithPrefix("recordings_bulk_", reg))
	return &Bulk{
		items: f.NewCounterVec(prometheus.CounterOpts{
			Name: "items_total",
			Help: "Recordings that reached a terminal state, by state.",
		}, []string{"state"}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "items_pending",
			Help: "Recordings waiting for a concurrency slot.",
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "items_in_flight",
			Help: "Recordings being resolved, fetched or streamed.",
		}),
		bytes: f.NewCounter(prometheus.CounterOpts{
			Name: "bytes_streamed_total",
			Help: "Recording bytes copied into archives.",
		}),
		archives: f.NewCounterVec(prometheus.CounterOpts{
			Name: "archives_total",
			Help: "Archives finished, by outcome.",
		}, []string{"outcome"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "archive_duration_seconds",
			Help:    "Wall time to assemble one archive.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}
}

func working(s bulk.State) bool {
	return s == bulk.StateResolving || s == bulk.StateFetching || s == bulk.StateStreaming
}

// ItemState implements bulk.Observer.
func (m *Bulk) ItemState(_ models.RecordingRequestItem, from, to bulk.State) {
	if from == bulk.StatePending && to == bulk.StatePending {
		m.pending.Inc()
		return
	}
	if from == bulk.StatePending {
		m.pending.Dec()
	}
	if !working(from) && working(to) {
		m.inFlight.Inc()
	}
	if working(from) && !working(to) {
		m.inFlight.Dec()
	}
	if to.Terminal() {
		m.items.WithLabelValues(to.String()).Inc()
	}
}

// BytesStreamed implements bulk.Observer.
func (m *Bulk) BytesStreamed(n int) {
	m.bytes.Add(float64(n))
}

// ArchiveFinished records one archive; a non-nil err counts it as aborted.
func (m *Bulk) ArchiveFinished(started time.Time, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeAborted
	}
	m.archives.WithLabelValues(outcome).Inc()
	m.duration.Observe(time.Since(started).Seconds())
}
