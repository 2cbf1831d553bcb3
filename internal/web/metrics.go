package web

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each instance owns its
// registry so several servers can coexist in one process.
type Metrics struct {
	registry          *prometheus.Registry
	requests          *prometheus.CounterVec
	duration          *prometheus.HistogramVec
	responseBytes     prometheus.Counter
	handshakeErrors   prometheus.Counter
	openConnections   prometheus.Gauge
	certificateExpiry prometheus.Gauge
}

// NewMetrics creates and registers the collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lanserve_http_requests_total",
				Help: "HTTP requests handled, by method and status code.",
			},
			[]string{"method", "code"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lanserve_http_request_duration_seconds",
				Help:    "Time spent serving HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		responseBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanserve_http_response_bytes_total",
			Help: "Response body bytes written.",
		}),
		handshakeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanserve_tls_handshake_errors_total",
			Help: "Connections dropped because the TLS handshake failed.",
		}),
		openConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lanserve_open_connections",
			Help: "Client connections currently open.",
		}),
		certificateExpiry: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lanserve_certificate_expiry_timestamp_seconds",
			Help: "NotAfter of the served certificate as a unix timestamp.",
		}),
	}

	m.registry.MustRegister(
		m.requests,
		m.duration,
		m.responseBytes,
		m.handshakeErrors,
		m.openConnections,
		m.certificateExpiry,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records a finished request
func (m *Metrics) ObserveRequest(method string, code int, elapsed time.Duration, written int64) {
	method = methodLabel(method)
	m.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.duration.WithLabelValues(method).Observe(elapsed.Seconds())
	m.responseBytes.Add(float64(written))
}

// HandshakeError counts a failed TLS handshake
func (m *Metrics) HandshakeError() {
	m.handshakeErrors.Inc()
}

// ConnState tracks open connections; it is installed as http.Server.ConnState
func (m *Metrics) ConnState(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		m.openConnections.Inc()
	case http.StateClosed, http.StateHijacked:
		m.openConnections.Dec()
	}
}

// SetCertificateExpiry publishes the served certificate's NotAfter
func (m *Metrics) SetCertificateExpiry(notAfter time.Time) {
	m.certificateExpiry.Set(float64(notAfter.Unix()))
}

// methodLabel keeps the label set bounded against arbitrary client methods.
func methodLabel(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return method
	default:
		return "OTHER"
	}
}
