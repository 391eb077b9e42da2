// Package metrics exposes engine counters and gauges via Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EngineMetrics tracks engine activity
type EngineMetrics struct {
	registry *prometheus.Registry

	PositionsOpened     *prometheus.CounterVec
	PositionsClosed     *prometheus.CounterVec
	PositionsLiquidated *prometheus.CounterVec
	FundingAccruals     *prometheus.CounterVec
	SocializedLosses    prometheus.Counter

	VaultLocked      prometheus.Gauge
	InsuranceBalance prometheus.Gauge
	OpenInterest     *prometheus.GaugeVec
}

// New creates a registry with all engine metrics registered
func New(namespace string) *EngineMetrics {
	registry := prometheus.NewRegistry()

	m := &EngineMetrics{
		registry: registry,

		PositionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Total positions opened",
		}, []string{"symbol"}),

		PositionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Total positions closed",
		}, []string{"symbol"}),

		PositionsLiquidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_liquidated_total",
			Help:      "Total positions liquidated",
		}, []string{"symbol"}),

		FundingAccruals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "funding_accruals_total",
			Help:      "Total funding intervals applied",
		}, []string{"symbol"}),

		SocializedLosses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socialized_losses_total",
			Help:      "Losses exceeding the insurance reserve",
		}),

		VaultLocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vault_locked_balance",
			Help:      "Collateral locked for open positions",
		}),

		InsuranceBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "insurance_fund_balance",
			Help:      "Current insurance reserve balance",
		}),

		OpenInterest: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_interest",
			Help:      "Outstanding position size per market side",
		}, []string{"symbol", "side"}),
	}

	registry.MustRegister(
		m.PositionsOpened,
		m.PositionsClosed,
		m.PositionsLiquidated,
		m.FundingAccruals,
		m.SocializedLosses,
		m.VaultLocked,
		m.InsuranceBalance,
		m.OpenInterest,
	)

	return m
}

// Handler returns the scrape endpoint handler
func (m *EngineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
