// Package telemetry exposes the tracer's prometheus metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "socket_tracer"

// Metrics groups every counter the pipeline updates. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Events            *prometheus.CounterVec // kind
	MalformedEvents   *prometheus.CounterVec // reason
	DiscardedBytes    *prometheus.CounterVec // reason
	InferenceFailures *prometheus.CounterVec // reason
	Resyncs           prometheus.Counter
	GapSkips          prometheus.Counter
	Records           *prometheus.CounterVec // protocol
	DroppedRecords    *prometheus.CounterVec // stage
	Trackers          prometheus.Gauge
	Evictions         prometheus.Counter
	RecordLatency     *prometheus.HistogramVec // protocol
}

// New registers the metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Socket events accepted, by kind.",
		}, []string{"kind"}),
		MalformedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_events_total",
			Help:      "Socket events dropped at ingestion, by reason.",
		}, []string{"reason"}),
		DiscardedBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discarded_bytes_total",
			Help:      "Payload bytes thrown away without being parsed, by reason.",
		}, []string{"reason"}),
		InferenceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disabled_connections_total",
			Help:      "Connections disabled, by reason.",
		}, []string{"reason"}),
		Resyncs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_resyncs_total",
			Help:      "Invalid frames skipped to the next plausible boundary.",
		}),
		GapSkips: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gap_skips_total",
			Help:      "Stream gaps given up on after the gap timeout.",
		}),
		Records: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records stitched, by protocol.",
		}, []string{"protocol"}),
		DroppedRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_records_total",
			Help:      "Records dropped before reaching a table, by stage.",
		}, []string{"stage"}),
		Trackers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_trackers",
			Help:      "Live connection trackers.",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracker_evictions_total",
			Help:      "Connection trackers removed by garbage collection.",
		}),
		RecordLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "record_latency_seconds",
			Help:      "Request to response latency of stitched records.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"protocol"}),
	}
}

// Event counts one accepted event of kind.
func (m *Metrics) Event(kind string) {
	if m != nil {
		m.Events.WithLabelValues(kind).Inc()
	}
}

// Malformed counts one dropped event.
func (m *Metrics) Malformed(reason string) {
	if m != nil {
		m.MalformedEvents.WithLabelValues(reason).Inc()
	}
}

// Discarded counts n bytes thrown away for reason.
func (m *Metrics) Discarded(reason string, n int) {
	if m != nil && n > 0 {
		m.DiscardedBytes.WithLabelValues(reason).Add(float64(n))
	}
}

// Disabled counts one connection disabled for reason.
func (m *Metrics) Disabled(reason string) {
	if m != nil {
		m.InferenceFailures.WithLabelValues(reason).Inc()
	}
}

// Resync counts one parser resync.
func (m *Metrics) Resync() {
	if m != nil {
		m.Resyncs.Inc()
	}
}

// GapSkip counts one forced gap skip.
func (m *Metrics) GapSkip() {
	if m != nil {
		m.GapSkips.Inc()
	}
}

// Stitched counts n records of protocol.
func (m *Metrics) Stitched(protocol string, n int) {
	if m != nil && n > 0 {
		m.Records.WithLabelValues(protocol).Add(float64(n))
	}
}

// Latency observes one record latency.
func (m *Metrics) Latency(protocol string, ns int64) {
	if m != nil && ns > 0 {
		m.RecordLatency.WithLabelValues(protocol).Observe(float64(ns) / 1e9)
	}
}

// Dropped counts n records lost at stage.
func (m *Metrics) Dropped(stage string, n int) {
	if m != nil && n > 0 {
		m.DroppedRecords.WithLabelValues(stage).Add(float64(n))
	}
}

// SetTrackers sets the live tracker gauge.
func (m *Metrics) SetTrackers(n int) {
	if m != nil {
		m.Trackers.Set(float64(n))
	}
}

// Evicted counts n garbage collected trackers.
func (m *Metrics) Evicted(n int) {
	if m != nil && n > 0 {
		m.Evictions.Add(float64(n))
	}
}
