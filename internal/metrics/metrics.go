package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for pgtrace.
type Collector struct {
	Registry *prometheus.Registry

	sessionsActive  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	sessionRetires  *prometheus.CounterVec
	bytesForwarded  *prometheus.CounterVec
	queriesLogged   prometheus.Counter
	sslDeclines     prometheus.Counter
	acceptErrors    prometheus.Counter
	connectFailures prometheus.Counter
	backendHealth   prometheus.Gauge
}

// Direction labels for bytesForwarded.
const (
	DirClientToUpstream = "client_to_upstream"
	DirUpstreamToClient = "upstream_to_client"
)

// New creates and registers all Prometheus metrics using a custom
// registry. Safe to call multiple times — each call creates an
// independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgtrace_sessions_active",
			Help: "Number of live proxy sessions",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgtrace_sessions_total",
			Help: "Total sessions accepted since start",
		}),
		sessionRetires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgtrace_session_retires_total",
				Help: "Session retirements by cause",
			},
			[]string{"cause"},
		),
		bytesForwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgtrace_bytes_forwarded_total",
				Help: "Bytes forwarded per direction",
			},
			[]string{"direction"},
		),
		queriesLogged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgtrace_queries_logged_total",
			Help: "Simple Query messages written to the audit log",
		}),
		sslDeclines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgtrace_ssl_declines_total",
			Help: "SSLRequest messages declined with 'N'",
		}),
		acceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgtrace_accept_errors_total",
			Help: "Non-transient accept() failures",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgtrace_upstream_connect_failures_total",
			Help: "Failed connection attempts to the backend",
		}),
		backendHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgtrace_backend_health",
			Help: "Backend reachability (1=healthy, 0=unhealthy)",
		}),
	}

	reg.MustRegister(
		c.sessionsActive,
		c.sessionsTotal,
		c.sessionRetires,
		c.bytesForwarded,
		c.queriesLogged,
		c.sslDeclines,
		c.acceptErrors,
		c.connectFailures,
		c.backendHealth,
	)

	return c
}

// SessionOpened records a new live session.
func (c *Collector) SessionOpened() {
	c.sessionsActive.Inc()
	c.sessionsTotal.Inc()
}

// SessionRetired records a session retirement and its cause
// ("eof", "io_error", "shutdown", ...).
func (c *Collector) SessionRetired(cause string) {
	c.sessionsActive.Dec()
	c.sessionRetires.WithLabelValues(cause).Inc()
}

// BytesForwarded adds to the per-direction byte counter.
func (c *Collector) BytesForwarded(direction string, n int) {
	if n > 0 {
		c.bytesForwarded.WithLabelValues(direction).Add(float64(n))
	}
}

// QueriesLogged adds to the audit line counter.
func (c *Collector) QueriesLogged(n int) {
	if n > 0 {
		c.queriesLogged.Add(float64(n))
	}
}

// SSLDeclined increments the SSL decline counter.
func (c *Collector) SSLDeclined() {
	c.sslDeclines.Inc()
}

// AcceptError increments the accept failure counter.
func (c *Collector) AcceptError() {
	c.acceptErrors.Inc()
}

// UpstreamConnectFailed increments the backend connect failure counter.
func (c *Collector) UpstreamConnectFailed() {
	c.connectFailures.Inc()
}

// SetBackendHealth sets the backend health gauge.
func (c *Collector) SetBackendHealth(healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.backendHealth.Set(val)
}
