package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry        *prometheus.Registry
	operationsTotal *prometheus.CounterVec
	replaysTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// newMetricsRegistry registers the server's collectors on r. A nil r gets a
// fresh registry with the Go and process collectors.
func newMetricsRegistry(r *prometheus.Registry) *metricsRegistry {
	if r == nil {
		r = prometheus.NewRegistry()
		r.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowcore_escrow_operations_total",
		Help: "Escrow operations by outcome",
	}, []string{"op", "result"})

	replays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowcore_idempotent_replays_total",
		Help: "Responses served from the idempotency store",
	}, []string{"op"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrowcore_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})

	r.MustRegister(ops, replays, duration)

	return &metricsRegistry{
		registry:        r,
		operationsTotal: ops,
		replaysTotal:    replays,
		requestDuration: duration,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incOperation(op, result string) {
	m.operationsTotal.WithLabelValues(op, result).Inc()
}

func (m *metricsRegistry) incReplay(op string) {
	m.replaysTotal.WithLabelValues(op).Inc()
}
