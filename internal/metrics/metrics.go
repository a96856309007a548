// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "floodguard"

// Metrics holds every collector the service updates. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ingest         *prometheus.CounterVec
	persistLatency prometheus.Histogram
	delivered      prometheus.Counter
	dropped        *prometheus.CounterVec
	disconnected   *prometheus.CounterVec
	connections    prometheus.Gauge
	relayEvents    *prometheus.CounterVec
	relayReconnect prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ingest: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_total",
			Help:      "Ingestion results by terminal status and reason.",
		}, []string{"status", "reason"}),
		persistLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_seconds",
			Help:      "Time spent persisting a reading, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_delivered_total",
			Help:      "Events queued to local subscriber connections.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_dropped_total",
			Help:      "Events not delivered to a local connection, by reason.",
		}, []string{"reason"}),
		disconnected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_disconnected_total",
			Help:      "Subscriber connections closed, by reason.",
		}, []string{"reason"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live subscriber connections on this instance.",
		}),
		relayEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_events_total",
			Help:      "Cross-instance relay traffic by outcome.",
		}, []string{"outcome"}),
		relayReconnect: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_reconnects_total",
			Help:      "Relay subscription re-establishments.",
		}),
	}

	reg.MustRegister(
		m.ingest,
		m.persistLatency,
		m.delivered,
		m.dropped,
		m.disconnected,
		m.connections,
		m.relayEvents,
		m.relayReconnect,
	)
	return m
}

// IngestResult counts one terminal ingestion result.
func (m *Metrics) IngestResult(status, reason string) {
	if m == nil {
		return
	}
	m.ingest.WithLabelValues(status, reason).Inc()
}

// ObservePersist records the duration of a persistence stage.
func (m *Metrics) ObservePersist(d time.Duration) {
	if m == nil {
		return
	}
	m.persistLatency.Observe(d.Seconds())
}

// Delivered counts an event accepted by a connection's outbound queue.
func (m *Metrics) Delivered() {
	if m == nil {
		return
	}
	m.delivered.Inc()
}

// Dropped counts an event that did not reach a connection.
func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// Disconnected counts a closed connection.
func (m *Metrics) Disconnected(reason string) {
	if m == nil {
		return
	}
	m.disconnected.WithLabelValues(reason).Inc()
}

// SetConnections sets the live connection gauge.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

// RelayEvent counts relay traffic. Outcomes: published, publish_failed,
// queue_full, received, duplicate, undecodable.
func (m *Metrics) RelayEvent(outcome string) {
	if m == nil {
		return
	}
	m.relayEvents.WithLabelValues(outcome).Inc()
}

// RelayReconnect counts a relay subscription restart.
func (m *Metrics) RelayReconnect() {
	if m == nil {
		return
	}
	m.relayReconnect.Inc()
}
