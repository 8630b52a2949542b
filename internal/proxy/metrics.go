package proxy

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "udpproxy"

// metrics holds the counters exported for the proxy. Each Proxy owns its
// own registry so that multiple proxies (as in tests) never collide on
// prometheus' global default registry.
type metrics struct {
	activeSessions   prometheus.Gauge
	totalSessions    prometheus.Counter
	droppedPackets   prometheus.Counter
	classifierFatals prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "udp",
			Name:      "active_sessions",
			Help:      "Concurrent count of UDP sessions currently being proxied to the backend.",
		}),
		totalSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "udp",
			Name:      "total_sessions",
			Help:      "Total count of UDP sessions that have been created since startup.",
		}),
		droppedPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "udp",
			Name:      "dropped_packets_total",
			Help:      "Total count of ingress datagrams dropped because their session was unavailable.",
		}),
		classifierFatals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "udp",
			Name:      "fatal_errors_total",
			Help:      "Total count of fatal I/O errors on the ingress dispatcher's read path; fatal errors in session loops and the reply aggregator are not counted.",
		}),
	}
	reg.MustRegister(m.activeSessions, m.totalSessions, m.droppedPackets, m.classifierFatals)
	return m
}

func (m *metrics) sessionCreated() {
	m.totalSessions.Inc()
	m.activeSessions.Inc()
}

func (m *metrics) sessionClosed() {
	m.activeSessions.Dec()
}

func (m *metrics) packetDropped() {
	m.droppedPackets.Inc()
}

func (m *metrics) fatalClassified() {
	m.classifierFatals.Inc()
}
