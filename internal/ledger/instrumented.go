package ledger

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records per-operation latency of gateway calls.
type Metrics struct {
	duration *prometheus.HistogramVec
}

// NewMetrics registers the gateway histogram with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrowcore_ledger_request_duration_seconds",
		Help:    "Latency of ledger gateway calls",
		Buckets: []float64{.05, .1, .25, .5, 1, 2, 4, 8, 16},
	}, []string{"op", "result"})
	if reg != nil {
		reg.MustRegister(duration)
	}
	return &Metrics{duration: duration}
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.duration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

type instrumented struct {
	Gateway
	metrics *Metrics
}

// Instrument wraps gw so every network call is timed. A nil m returns gw.
func Instrument(gw Gateway, m *Metrics) Gateway {
	if m == nil {
		return gw
	}
	return &instrumented{Gateway: gw, metrics: m}
}

func (i *instrumented) Ping(ctx context.Context) error {
	if hc, ok := i.Gateway.(HealthChecker); ok {
		return hc.Ping(ctx)
	}
	return nil
}

func (i *instrumented) AccountBalance(ctx context.Context, address string) (string, error) {
	start := time.Now()
	bal, err := i.Gateway.AccountBalance(ctx, address)
	i.metrics.observe("account_info", start, err)
	return bal, err
}

func (i *instrumented) Autofill(ctx context.Context, tx Transaction) (Transaction, error) {
	start := time.Now()
	out, err := i.Gateway.Autofill(ctx, tx)
	i.metrics.observe("autofill", start, err)
	return out, err
}

func (i *instrumented) SubmitAndWait(ctx context.Context, blob string) (Outcome, error) {
	start := time.Now()
	out, err := i.Gateway.SubmitAndWait(ctx, blob)
	i.metrics.observe("submit", start, err)
	return out, err
}
