package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus collectors for the forwarding engine.
// Every series is labeled by route: one of the tier names or
// "passthrough".
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	retries         *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	gateInFlight    *prometheus.GaugeVec
}

// New registers the proxy collectors plus the standard Go and process
// collectors on reg. Each Metrics owns its registry, so tests can build
// isolated instances.
func New(reg *prometheus.Registry) *Metrics {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tierproxy_requests_total",
				Help: "Inbound message requests by route and terminal outcome.",
			},
			[]string{"route", "outcome"},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tierproxy_retries_total",
				Help: "Upstream attempt retries by route and reason.",
			},
			[]string{"route", "reason"},
		),
		upstreamLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tierproxy_upstream_duration_seconds",
				Help:    "Wall time from first attempt to terminal outcome.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"route"},
		),
		gateInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tierproxy_gate_in_flight",
				Help: "Admitted requests currently holding a concurrency slot.",
			},
			[]string{"route"},
		),
	}
}

// Handler returns the exposition endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest counts one completed request with its terminal outcome.
func (m *Metrics) RecordRequest(route, outcome string) {
	m.requests.WithLabelValues(route, outcome).Inc()
}

// RecordRetry counts one scheduled retry and the failure that caused it.
func (m *Metrics) RecordRetry(route, reason string) {
	m.retries.WithLabelValues(route, reason).Inc()
}

// ObserveUpstreamLatency records the attempt-loop duration in seconds.
func (m *Metrics) ObserveUpstreamLatency(route string, seconds float64) {
	m.upstreamLatency.WithLabelValues(route).Observe(seconds)
}

// GateAcquired marks a concurrency slot as taken.
func (m *Metrics) GateAcquired(route string) {
	m.gateInFlight.WithLabelValues(route).Inc()
}

// GateReleased marks a concurrency slot as returned.
func (m *Metrics) GateReleased(route string) {
	m.gateInFlight.WithLabelValues(route).Dec()
}
