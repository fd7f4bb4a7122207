// Package metrics exposes Prometheus collectors for the copy pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"wallet-copy-trader/internal/circuit"
	"wallet-copy-trader/internal/events"
)

// Metrics holds every collector. Build one per registry.
type Metrics struct {
	TradesTotal     *prometheus.CounterVec
	SkipsTotal      *prometheus.CounterVec
	SizedAmountUSD  prometheus.Histogram
	BreakerState    prometheus.Gauge
	ActiveWallets   prometheus.Gauge
	ExcludedWallets prometheus.Gauge
	ExposureUSD     prometheus.Gauge
	EventsTotal     *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "copytrader_trades_total",
			Help: "Observed source trades by pipeline outcome",
		}, []string{"outcome"}),
		SkipsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "copytrader_trades_skipped_total",
			Help: "Zero-size decisions by reason",
		}, []string{"reason"}),
		SizedAmountUSD: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "copytrader_sized_amount_usd",
			Help:    "Final copy trade size in USD",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "copytrader_breaker_state",
			Help: "0=closed, 1=half_open, 2=open",
		}),
		ActiveWallets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "copytrader_active_wallets",
			Help: "Wallets currently in rotation",
		}),
		ExcludedWallets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "copytrader_excluded_wallets",
			Help: "Wallets with an active exclusion",
		}),
		ExposureUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "copytrader_exposure_usd",
			Help: "Total open copy exposure in USD",
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "copytrader_events_total",
			Help: "Published events by type and severity",
		}, []string{"type", "severity"}),
	}

	reg.MustRegister(
		m.TradesTotal, m.SkipsTotal, m.SizedAmountUSD, m.BreakerState,
		m.ActiveWallets, m.ExcludedWallets, m.ExposureUSD, m.EventsTotal,
	)
	return m
}

// SetBreakerState maps the breaker state to the gauge value.
func (m *Metrics) SetBreakerState(s circuit.BreakerState) {
	switch s {
	case circuit.StateHalfOpen:
		m.BreakerState.Set(1)
	case circuit.StateOpen:
		m.BreakerState.Set(2)
	default:
		m.BreakerState.Set(0)
	}
}

// HandleEvent counts events; subscribe it to the bus.
func (m *Metrics) HandleEvent(e events.Event) {
	m.EventsTotal.WithLabelValues(string(e.Type), e.Severity.String()).Inc()
	if e.Type == events.EventBreakerTransition {
		if to, ok := e.Data["to"].(circuit.BreakerState); ok {
			m.SetBreakerState(to)
		}
	}
}
