package lifecycle

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the gateway-wide Prometheus collectors the Lifecycle
// Manager exposes on /metrics. Narrowed from
// infrastructure/metrics/metrics.go's broader HTTP/blockchain/database
// vector set to what a backend gateway actually measures: request
// volume and latency per route, plugin rejections per kind, and
// upstream (bus) request outcomes.
type metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	PluginRejects   *prometheus.CounterVec
	UpstreamTotal   *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	m := &metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of requests handled by the pipeline, by transport and route.",
			},
			[]string{"transport", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Pipeline request duration in seconds.",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"transport", "method", "path"},
		),
		PluginRejects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_plugin_rejections_total",
				Help: "Requests short-circuited by a pipeline plugin, by error kind.",
			},
			[]string{"plugin", "kind"},
		),
		UpstreamTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_requests_total",
				Help: "Bus request/reply outcomes to upstream services, by subject and status.",
			},
			[]string{"subject", "status"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_sessions_active",
				Help: "Current number of active client sessions.",
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.PluginRejects,
			m.UpstreamTotal,
			m.SessionsActive,
		)
	}
	return m
}

// Observe satisfies each protocol adapter's Recorder interface
// (httpapi.Recorder, ws.Recorder, ipc.Recorder) structurally, so every
// adapter can report through the same collectors without this package
// importing any of them.
func (m *metrics) Observe(transport, method, path, status string, dur time.Duration) {
	m.RequestsTotal.WithLabelValues(transport, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(transport, method, path).Observe(dur.Seconds())
}
