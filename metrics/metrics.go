// Package metrics exposes the proxy's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	connectionsTotal  *prometheus.CounterVec
	activeConnections prometheus.Gauge
	tunnelsTotal      *prometheus.CounterVec
	requestsTotal     *prometheus.CounterVec
	ruleMatchesTotal  *prometheus.CounterVec
	certCacheTotal    *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "goodmitm_connections_total", Help: "Accepted connections by inbound protocol"},
			[]string{"inbound"},
		),
		activeConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "goodmitm_active_connections", Help: "Connections currently being served"},
		),
		tunnelsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "goodmitm_tunnels_total", Help: "Tunnel decisions"},
			[]string{"decision"},
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "goodmitm_requests_total", Help: "Proxied HTTP exchanges"},
			[]string{"scheme", "code"},
		),
		ruleMatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "goodmitm_rule_matches_total", Help: "Rule matches"},
			[]string{"rule"},
		),
		certCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "goodmitm_cert_cache_lookups_total", Help: "Server certificate cache lookups"},
			[]string{"result"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "goodmitm_request_duration_seconds",
				Help:    "Exchange duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"scheme"},
		),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.connectionsTotal,
		m.activeConnections,
		m.tunnelsTotal,
		m.requestsTotal,
		m.ruleMatchesTotal,
		m.certCacheTotal,
		m.requestDuration,
	)
	return m
}

func (m *Metrics) Handler(reg *prometheus.Registry) http.Handler {
	if reg == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ConnOpened records an accepted connection and returns the func that
// records its end.
func (m *Metrics) ConnOpened(inbound string) func() {
	if m == nil {
		return func() {}
	}
	m.connectionsTotal.WithLabelValues(inbound).Inc()
	m.activeConnections.Inc()
	return m.activeConnections.Dec
}

// Tunnel records whether a tunnel was intercepted, excluded or relayed.
func (m *Metrics) Tunnel(decision string) {
	if m == nil {
		return
	}
	m.tunnelsTotal.WithLabelValues(decision).Inc()
}

func (m *Metrics) Request(scheme string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(scheme, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(scheme).Observe(d.Seconds())
}

func (m *Metrics) RuleMatched(rule string) {
	if m == nil {
		return
	}
	m.ruleMatchesTotal.WithLabelValues(rule).Inc()
}

func (m *Metrics) CertCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.certCacheTotal.WithLabelValues(result).Inc()
}
