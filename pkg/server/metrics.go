package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's Prometheus collectors.
type Metrics struct {
	activeSessions  prometheus.Gauge
	connectionsTotal prometheus.Counter
	packetsReceived *prometheus.CounterVec
	packetsSent     prometheus.Counter
	broadcastsTotal prometheus.Counter
	droppedMessages prometheus.Counter
	parseErrors     prometheus.Counter
	authFailures    *prometheus.CounterVec
}

// NewMetrics registers and returns the server metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		activeSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "openfsd_active_sessions",
			Help: "Number of currently connected sessions",
		}),
		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "openfsd_connections_total",
			Help: "Total number of accepted connections",
		}),
		packetsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "openfsd_packets_received_total",
			Help: "Total packets received, by command",
		}, []string{"command"}),
		packetsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "openfsd_packets_sent_total",
			Help: "Total packets written to client sockets",
		}),
		broadcastsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "openfsd_broadcasts_total",
			Help: "Total messages published on the broadcast bus",
		}),
		droppedMessages: promauto.NewCounter(prometheus.CounterOpts{
			Name: "openfsd_dropped_messages_total",
			Help: "Total messages dropped due to slow consumers",
		}),
		parseErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "openfsd_parse_errors_total",
			Help: "Total protocol lines that failed to parse",
		}),
		authFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "openfsd_auth_failures_total",
			Help: "Total failed identification/login attempts, by kind",
		}, []string{"kind"}),
	}
}

func (m *Metrics) RecordActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordConnection() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
}

func (m *Metrics) RecordPacketReceived(command string) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(command).Inc()
}

func (m *Metrics) RecordPacketSent() {
	if m == nil {
		return
	}
	m.packetsSent.Inc()
}

func (m *Metrics) RecordBroadcast() {
	if m == nil {
		return
	}
	m.broadcastsTotal.Inc()
}

func (m *Metrics) RecordDropped(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.droppedMessages.Add(float64(n))
}

func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.parseErrors.Inc()
}

func (m *Metrics) RecordAuthFailure(kind string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(kind).Inc()
}
