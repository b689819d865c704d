package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's prometheus collectors.
// Each server owns its own registry so several servers (tests, embedded
// use) can coexist in one process without duplicate registration.
type Metrics struct {
	registry *prometheus.Registry

	connections        prometheus.Gauge
	onlineUsers        prometheus.Gauge
	sessionsCreated    *prometheus.CounterVec
	sessionsClosed     prometheus.Counter
	envelopesReceived  *prometheus.CounterVec
	envelopesSent      *prometheus.CounterVec
	binaryBytesRelayed prometheus.Counter
	frameErrors        *prometheus.CounterVec
	broadcastDuration  prometheus.Histogram
	broadcastFanout    prometheus.Histogram
}

// NewMetrics creates and registers all collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lanchat_connections",
			Help: "Open client connections, logged in or not",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lanchat_online_users",
			Help: "Logged-in users",
		}),
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanchat_sessions_created_total",
			Help: "Accepted connections by transport",
		}, []string{"transport"}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanchat_sessions_closed_total",
			Help: "Closed connections",
		}),
		envelopesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanchat_envelopes_received_total",
			Help: "Envelopes received from clients by type",
		}, []string{"type"}),
		envelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanchat_envelopes_sent_total",
			Help: "Envelopes delivered to clients by type",
		}, []string{"type"}),
		binaryBytesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanchat_binary_bytes_relayed_total",
			Help: "Sticker and drawing bytes written to recipients",
		}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanchat_frame_errors_total",
			Help: "Read-side protocol errors by reason",
		}, []string{"reason"}),
		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lanchat_broadcast_duration_seconds",
			Help:    "Time to deliver one envelope to all recipients",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		broadcastFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lanchat_broadcast_recipients",
			Help:    "Recipients per delivery",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}

	m.registry.MustRegister(
		m.connections,
		m.onlineUsers,
		m.sessionsCreated,
		m.sessionsClosed,
		m.envelopesReceived,
		m.envelopesSent,
		m.binaryBytesRelayed,
		m.frameErrors,
		m.broadcastDuration,
		m.broadcastFanout,
	)

	return m
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry (tests gather from it)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordConnections(n int) {
	m.connections.Set(float64(n))
}

func (m *Metrics) RecordOnlineUsers(n int) {
	m.onlineUsers.Set(float64(n))
}

func (m *Metrics) RecordSessionCreated(transport string) {
	m.sessionsCreated.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsClosed.Inc()
}

func (m *Metrics) RecordEnvelopeReceived(msgType string) {
	m.envelopesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordEnvelopesSent(msgType string, recipients int) {
	m.envelopesSent.WithLabelValues(msgType).Add(float64(recipients))
}

func (m *Metrics) RecordBinaryBytes(n int) {
	m.binaryBytesRelayed.Add(float64(n))
}

// RecordFrameError counts a read failure; reason is one of
// "truncated", "too_large", "malformed", "io"
func (m *Metrics) RecordFrameError(reason string) {
	m.frameErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordBroadcast(d time.Duration, recipients int) {
	m.broadcastDuration.Observe(d.Seconds())
	m.broadcastFanout.Observe(float64(recipients))
}
