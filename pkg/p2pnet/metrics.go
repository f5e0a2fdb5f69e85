package p2pnet

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the preers Prometheus metrics. Uses an isolated
// prometheus.Registry so they don't collide with the global default
// registry; each test gets its own Metrics instance. Nil-safe at every
// call site: a nil *Metrics disables instrumentation.
type Metrics struct {
	Registry *prometheus.Registry

	// Proxy metrics. The role label is "provider" or "forwarder".
	ProxyBytesTotal     *prometheus.CounterVec
	ProxySessionsTotal  *prometheus.CounterVec
	ProxyActiveSessions *prometheus.GaugeVec
	ProxyRejectedTotal  *prometheus.CounterVec

	// Rendezvous metrics
	RegistrationsTotal *prometheus.CounterVec
	DiscoveriesTotal   *prometheus.CounterVec

	// Relay metrics
	ReservationsTotal *prometheus.CounterVec

	// Known peers as reported by the controller.
	KnownPeers prometheus.Gauge
}

// NewMetrics creates a Metrics instance with all collectors registered
// on an isolated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		ProxyBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preers_proxy_bytes_total",
				Help: "Total bytes transferred through proxy sessions.",
			},
			[]string{"direction", "role"},
		),
		ProxySessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preers_proxy_sessions_total",
				Help: "Total number of proxy sessions established.",
			},
			[]string{"role"},
		),
		ProxyActiveSessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "preers_proxy_active_sessions",
				Help: "Number of currently active proxy sessions.",
			},
			[]string{"role"},
		),
		ProxyRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preers_proxy_rejected_total",
				Help: "Proxy requests rejected by the provider.",
			},
			[]string{"reason"},
		),

		RegistrationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preers_rendezvous_registrations_total",
				Help: "Rendezvous registration attempts by namespace and result.",
			},
			[]string{"namespace", "result"},
		),
		DiscoveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preers_rendezvous_discoveries_total",
				Help: "Rendezvous discovery attempts by namespace and result.",
			},
			[]string{"namespace", "result"},
		),

		ReservationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preers_relay_reservations_total",
				Help: "Circuit relay reservation attempts by result.",
			},
			[]string{"result"},
		),

		KnownPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "preers_known_peers",
				Help: "Peers ever seen via connection or discovery.",
			},
		),
	}

	reg.MustRegister(
		m.ProxyBytesTotal,
		m.ProxySessionsTotal,
		m.ProxyActiveSessions,
		m.ProxyRejectedTotal,
		m.RegistrationsTotal,
		m.DiscoveriesTotal,
		m.ReservationsTotal,
		m.KnownPeers,
	)

	return m
}

// Handler returns an http.Handler serving the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
