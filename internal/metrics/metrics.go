// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "metroo_relay"
)

// Metrics contains all Prometheus metrics for the relay.
type Metrics struct {
	// Connection metrics
	ConnectionsActive  prometheus.Gauge
	ConnectionsOpened  *prometheus.CounterVec
	ConnectionsClosed  *prometheus.CounterVec
	ConnectionLifetime prometheus.Histogram

	// Handshake metrics
	HandshakeLatency prometheus.Histogram
	HandshakeRejects *prometheus.CounterVec

	// Data transfer metrics
	BytesSent       *prometheus.CounterVec
	BytesReceived   *prometheus.CounterVec
	PacketsSent     *prometheus.CounterVec
	PacketsReceived *prometheus.CounterVec

	// Error metrics
	PacketErrors   *prometheus.CounterVec
	DecryptErrors  prometheus.Counter
	PortExhausted  prometheus.Counter
	UpstreamErrors *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Connection metrics
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently registered connections",
		}),
		ConnectionsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Total connections opened by encryption method",
		}, []string{"method"}),
		ConnectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total connections closed by reason",
		}, []string{"reason"}),
		ConnectionLifetime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_lifetime_seconds",
			Help:      "Histogram of connection lifetimes in seconds",
			Buckets:   []float64{1, 5, 15, 30, 65, 120, 300, 900, 3600, 14400},
		}),

		// Handshake metrics
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of CLIENTHELLO processing latency",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}),
		HandshakeRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_rejects_total",
			Help:      "Total rejected CLIENTHELLO requests by reason",
		}, []string{"reason"}),

		// Data transfer metrics
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent by direction",
		}, []string{"direction"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received by direction",
		}, []string{"direction"}),
		PacketsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total packets sent to clients by message type",
		}, []string{"msg_type"}),
		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total packets received from clients by message type",
		}, []string{"msg_type"}),

		// Error metrics
		PacketErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packet_errors_total",
			Help:      "Total dropped packets by error type",
		}, []string{"error_type"}),
		DecryptErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_errors_total",
			Help:      "Total payloads dropped after failed authentication",
		}),
		PortExhausted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "port_exhausted_total",
			Help:      "Total connection requests refused for lack of a free port",
		}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Total upstream forwarding errors by type",
		}, []string{"error_type"}),
	}

	return m
}

// Connection metrics helpers

// RecordConnectionOpen records a connection being admitted.
func (m *Metrics) RecordConnectionOpen(method string) {
	m.ConnectionsActive.Inc()
	m.ConnectionsOpened.WithLabelValues(method).Inc()
}

// RecordConnectionClose records a connection being removed.
func (m *Metrics) RecordConnectionClose(reason string, lifetimeSeconds float64) {
	m.ConnectionsActive.Dec()
	m.ConnectionsClosed.WithLabelValues(reason).Inc()
	m.ConnectionLifetime.Observe(lifetimeSeconds)
}

// SetConnectionsActive sets the active connection gauge.
func (m *Metrics) SetConnectionsActive(count int) {
	m.ConnectionsActive.Set(float64(count))
}

// RecordHandshake records a successful CLIENTHELLO.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeReject records a rejected CLIENTHELLO.
func (m *Metrics) RecordHandshakeReject(reason string) {
	m.HandshakeRejects.WithLabelValues(reason).Inc()
}

// Data transfer helpers

// RecordBytesSent records bytes sent.
func (m *Metrics) RecordBytesSent(direction string, bytes int) {
	m.BytesSent.WithLabelValues(direction).Add(float64(bytes))
}

// RecordBytesReceived records bytes received.
func (m *Metrics) RecordBytesReceived(direction string, bytes int) {
	m.BytesReceived.WithLabelValues(direction).Add(float64(bytes))
}

// RecordPacketSent records a packet sent to a client.
func (m *Metrics) RecordPacketSent(msgType string) {
	m.PacketsSent.WithLabelValues(msgType).Inc()
}

// RecordPacketReceived records a packet received from a client.
func (m *Metrics) RecordPacketReceived(msgType string) {
	m.PacketsReceived.WithLabelValues(msgType).Inc()
}

// Error helpers

// RecordPacketError records a dropped packet.
func (m *Metrics) RecordPacketError(errorType string) {
	m.PacketErrors.WithLabelValues(errorType).Inc()
}

// RecordDecryptError records a payload that failed authentication.
func (m *Metrics) RecordDecryptError() {
	m.DecryptErrors.Inc()
}

// RecordPortExhausted records a refused allocation.
func (m *Metrics) RecordPortExhausted() {
	m.PortExhausted.Inc()
}

// RecordUpstreamError records an upstream forwarding error.
func (m *Metrics) RecordUpstreamError(errorType string) {
	m.UpstreamErrors.WithLabelValues(errorType).Inc()
}
