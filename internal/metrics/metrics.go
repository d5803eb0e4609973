// Package metrics defines the bridge's Prometheus instrumentation: request
// counters and latency, cache hit/miss counters, link state, probe failures,
// ignored foreign packets, session count, and busy rejections, all
// registered on a private registry so tests can create
// independent instances without touching prometheus's global default one.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the bridge updates.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal       *prometheus.CounterVec
	RequestDuration     prometheus.Histogram
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	IgnoredPacketsTotal prometheus.Counter
	LinkUp              prometheus.Gauge
	ProbeFailuresTotal  prometheus.Counter
	ActiveSessions      prometheus.Gauge
	BusyRejectionsTotal prometheus.Counter
}

// New constructs a Metrics instance bound to a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invbridge_requests_total",
			Help: "Total client requests processed, by inverter function code and outcome.",
		}, []string{"function", "outcome"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "invbridge_request_duration_seconds",
			Help:    "End-to-end latency from request decode to response delivery.",
			Buckets: prometheus.DefBuckets,
		}),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invbridge_cache_hits_total",
			Help: "Fallback cache hits serving a read response after a bus failure.",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invbridge_cache_misses_total",
			Help: "Fallback cache misses on a bus failure with no prior cached value.",
		}),
		IgnoredPacketsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invbridge_ignored_packets_total",
			Help: "Foreign-master request packets observed and discarded on the shared bus.",
		}),
		LinkUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "invbridge_link_up",
			Help: "1 if the inverter identity probe has established the link, 0 otherwise.",
		}),
		ProbeFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invbridge_probe_failures_total",
			Help: "Identity probe attempts that timed out or returned no match.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "invbridge_active_sessions",
			Help: "Currently connected TCP client sessions.",
		}),
		BusyRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invbridge_busy_rejections_total",
			Help: "Client requests rejected because another request or activity was already in flight.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.IgnoredPacketsTotal,
		m.LinkUp,
		m.ProbeFailuresTotal,
		m.ActiveSessions,
		m.BusyRejectionsTotal,
	)

	return m
}

// SetLinkUp records the arbiter's current link state as a 0/1 gauge.
func (m *Metrics) SetLinkUp(up bool) {
	if up {
		m.LinkUp.Set(1)
		return
	}
	m.LinkUp.Set(0)
}
