package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	globalRegistry     *prometheus.Registry
	globalRegistryOnce sync.Once
)

// GetRegistry returns the process-wide Prometheus registry, created with
// the standard Go runtime/process collectors on first use.
func GetRegistry() *prometheus.Registry {
	globalRegistryOnce.Do(func() {
		globalRegistry = prometheus.NewRegistry()
		globalRegistry.MustRegister(collectors.NewGoCollector())
		globalRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
	return globalRegistry
}

// MetricsHandler serves the registry in Prometheus exposition format.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(GetRegistry(), promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RelayMetrics are the counters/histograms the tunnel relay emits.
type RelayMetrics struct {
	SessionsOpened      prometheus.Counter
	SessionsClosed      prometheus.Counter
	ActiveSessions      prometheus.Gauge
	HandshakeFailures   *prometheus.CounterVec // label: reason
	QuoteVerifications  *prometheus.CounterVec // label: result (accepted|rejected)
	HTTPRequests        *prometheus.CounterVec // labels: method, status_class
	HTTPRequestDuration prometheus.Histogram
	WSSubconnsOpened    prometheus.Counter
	WSSubconnsClosed    prometheus.Counter
}

// NewRelayMetrics creates and registers RelayMetrics under namespace (empty
// defaults to "tunnel_relay") against reg.
func NewRelayMetrics(reg *prometheus.Registry, namespace string) *RelayMetrics {
	if namespace == "" {
		namespace = "tunnel_relay"
	}
	m := &RelayMetrics{
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_opened_total", Help: "Control sockets accepted.",
		}),
		SessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_closed_total", Help: "Control sockets closed.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_sessions", Help: "Currently open control sockets.",
		}),
		HandshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "handshake_failures_total", Help: "Key-exchange handshakes that failed, by reason.",
		}, []string{"reason"}),
		QuoteVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "quote_verifications_total", Help: "Attestation quote verifications, by result.",
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total", Help: "Tunneled HTTP requests, by method and status class.",
		}, []string{"method", "status_class"}),
		HTTPRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds", Help: "Tunneled HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}),
		WSSubconnsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_subconnections_opened_total", Help: "Virtual WebSocket sub-connections opened.",
		}),
		WSSubconnsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_subconnections_closed_total", Help: "Virtual WebSocket sub-connections closed.",
		}),
	}
	reg.MustRegister(
		m.SessionsOpened, m.SessionsClosed, m.ActiveSessions,
		m.HandshakeFailures, m.QuoteVerifications,
		m.HTTPRequests, m.HTTPRequestDuration,
		m.WSSubconnsOpened, m.WSSubconnsClosed,
	)
	return m
}
