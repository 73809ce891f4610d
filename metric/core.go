package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains pipeline-level metrics shared across components
type Metrics struct {
	// Stream metrics
	PacketsReceived *prometheus.CounterVec
	PacketsRejected *prometheus.CounterVec
	HeapsCompleted  *prometheus.CounterVec
	HeapsIncomplete *prometheus.CounterVec
	HeapsDropped    *prometheus.CounterVec
	StreamPaused    *prometheus.GaugeVec

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all pipeline metrics
func NewMetrics() *Metrics {
	return &Metrics{
		PacketsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "spead2",
				Subsystem: "stream",
				Name:      "packets_received_total",
				Help:      "Total packets accepted by the stream",
			},
			[]string{"stream"},
		),

		PacketsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "spead2",
				Subsystem: "stream",
				Name:      "packets_rejected_total",
				Help:      "Total packets rejected (duplicate, malformed, or after stop)",
			},
			[]string{"stream"},
		),

		HeapsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "spead2",
				Subsystem: "stream",
				Name:      "heaps_completed_total",
				Help:      "Heaps delivered complete",
			},
			[]string{"stream"},
		),

		HeapsIncomplete: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "spead2",
				Subsystem: "stream",
				Name:      "heaps_incomplete_total",
				Help:      "Heaps evicted before completion",
			},
			[]string{"stream"},
		),

		HeapsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "spead2",
				Subsystem: "stream",
				Name:      "heaps_dropped_total",
				Help:      "Heaps dropped (non-contiguous or ring stopped)",
			},
			[]string{"stream"},
		),

		StreamPaused: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "spead2",
				Subsystem: "stream",
				Name:      "paused",
				Help:      "Stream pause state (0=running, 1=paused)",
			},
			[]string{"stream"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "spead2",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "spead2",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

// RecordPacketReceived increments the accepted packet counter
func (c *Metrics) RecordPacketReceived(stream string) {
	c.PacketsReceived.WithLabelValues(stream).Inc()
}

// RecordPacketRejected increments the rejected packet counter
func (c *Metrics) RecordPacketRejected(stream string) {
	c.PacketsRejected.WithLabelValues(stream).Inc()
}

// RecordHeapCompleted increments the completed heap counter
func (c *Metrics) RecordHeapCompleted(stream string) {
	c.HeapsCompleted.WithLabelValues(stream).Inc()
}

// RecordHeapIncomplete increments the incomplete heap counter
func (c *Metrics) RecordHeapIncomplete(stream string) {
	c.HeapsIncomplete.WithLabelValues(stream).Inc()
}

// RecordHeapDropped increments the dropped heap counter
func (c *Metrics) RecordHeapDropped(stream string) {
	c.HeapsDropped.WithLabelValues(stream).Inc()
}

// RecordStreamPaused updates the stream pause gauge
func (c *Metrics) RecordStreamPaused(stream string, paused bool) {
	v := 0.0
	if paused {
		v = 1.0
	}
	c.StreamPaused.WithLabelValues(stream).Set(v)
}
