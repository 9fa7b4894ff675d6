package tunnel

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes recorded by the relay.
const (
	OutcomeOK           = "ok"
	OutcomeTimeout      = "timeout"
	OutcomeDisconnected = "disconnected"
	OutcomeUpstreamErr  = "upstream_error"
)

// Metrics exports relay counters on a private Prometheus registry. All
// methods are nil-safe so components can run without metrics wired.
type Metrics struct {
	registry        *prometheus.Registry
	activeTunnels   prometheus.Gauge
	requestsTotal   *prometheus.CounterVec
	requestDuration prometheus.Histogram
	tcpBytesTotal   *prometheus.CounterVec
	activeStreams   prometheus.Gauge
}

// NewMetrics registers the relay collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgrok_active_tunnels",
			Help: "Currently registered tunnels.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgrok_relayed_requests_total",
			Help: "Relayed public HTTP requests by outcome.",
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pgrok_relayed_request_duration_seconds",
			Help:    "Latency of relayed requests from ingress to response.",
			Buckets: prometheus.DefBuckets,
		}),
		tcpBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgrok_tcp_relayed_bytes_total",
			Help: "Bytes relayed over TCP sub-streams by direction.",
		}, []string{"direction"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgrok_active_tcp_streams",
			Help: "Currently open TCP sub-streams.",
		}),
	}
	m.registry.MustRegister(
		m.activeTunnels,
		m.requestsTotal,
		m.requestDuration,
		m.tcpBytesTotal,
		m.activeStreams,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TunnelOpened bumps the active-tunnel gauge.
func (m *Metrics) TunnelOpened() {
	if m != nil {
		m.activeTunnels.Inc()
	}
}

// TunnelClosed drops the active-tunnel gauge.
func (m *Metrics) TunnelClosed() {
	if m != nil {
		m.activeTunnels.Dec()
	}
}

// RequestObserved records one relayed request's outcome and latency.
func (m *Metrics) RequestObserved(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(outcome).Inc()
	m.requestDuration.Observe(d.Seconds())
}

// TCPBytes adds relayed TCP payload bytes for one direction ("in" is public
// to local, "out" the reverse).
func (m *Metrics) TCPBytes(direction string, n int) {
	if m != nil {
		m.tcpBytesTotal.WithLabelValues(direction).Add(float64(n))
	}
}

// StreamOpened bumps the active sub-stream gauge.
func (m *Metrics) StreamOpened() {
	if m != nil {
		m.activeStreams.Inc()
	}
}

// StreamClosed drops the active sub-stream gauge.
func (m *Metrics) StreamClosed() {
	if m != nil {
		m.activeStreams.Dec()
	}
}
