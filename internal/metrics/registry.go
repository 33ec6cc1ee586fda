// Package metrics holds the Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry holds all Prometheus metrics for the engine.
type Registry struct {
	// Opportunity flow
	OpportunitiesTotal *prometheus.CounterVec
	UOSScore           prometheus.Histogram

	// Execution
	ExecutionsTotal  *prometheus.CounterVec
	LegFailuresTotal *prometheus.CounterVec
	OrderSlippage    *prometheus.HistogramVec
	FillRepairsTotal *prometheus.CounterVec

	// Positions
	OpenPositions   prometheus.Gauge
	PositionHealth  *prometheus.GaugeVec
	FundingNetUSD   *prometheus.CounterVec
	RebalancesTotal prometheus.Counter
	ExitsTotal      *prometheus.CounterVec

	// Risk
	ExposureUSD          prometheus.Gauge
	AvailableCapitalUSD  prometheus.Gauge
	DrawdownPct          prometheus.Gauge
	VaR95USD             prometheus.Gauge
	CircuitBreakerActive prometheus.Gauge

	// Market state
	VenueReliability *prometheus.GaugeVec
	RateRejectsTotal *prometheus.CounterVec

	// Bus
	BusEventsTotal     *prometheus.CounterVec
	BusDuplicatesTotal *prometheus.CounterVec
}

// NewRegistry creates and registers every engine metric.
func NewRegistry() *Registry {
	r := &Registry{
		OpportunitiesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundarb_opportunities_total",
				Help: "Opportunities evaluated, labeled by resulting bot action",
			},
			[]string{"symbol", "action"},
		),

		UOSScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fundarb_uos_score",
				Help:    "Unified opportunity score distribution",
				Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 75, 80, 85, 90, 95, 100},
			},
		),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundarb_executions_total",
				Help: "Paired executions by outcome",
			},
			[]string{"result"},
		),

		LegFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundarb_leg_failures_total",
				Help: "Single-leg order failures by venue",
			},
			[]string{"venue"},
		),

		OrderSlippage: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fundarb_order_slippage_pct",
				Help:    "Signed fill slippage against the expected price, percent",
				Buckets: []float64{-1, -0.5, -0.25, -0.1, -0.05, 0, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"venue"},
		),

		FillRepairsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundarb_fill_repairs_total",
				Help: "Partial-fill repair actions by kind",
			},
			[]string{"kind"},
		),

		OpenPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fundarb_open_positions",
				Help: "Number of positions not yet closed",
			},
		),

		PositionHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fundarb_position_health",
				Help: "Open position count by health state",
			},
			[]string{"health"},
		),

		FundingNetUSD: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundarb_funding_net_usd_total",
				Help: "Net funding collected, by venue",
			},
			[]string{"venue"},
		),

		RebalancesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fundarb_rebalances_total",
				Help: "Leg rebalance operations performed",
			},
		),

		ExitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundarb_exits_total",
				Help: "Position exits by reason",
			},
			[]string{"reason"},
		),

		ExposureUSD: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fundarb_exposure_usd",
				Help: "Gross capital currently deployed",
			},
		),

		AvailableCapitalUSD: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fundarb_available_capital_usd",
				Help: "Capital available for new allocations",
			},
		),

		DrawdownPct: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fundarb_drawdown_pct",
				Help: "Drawdown from peak equity, percent",
			},
		),

		VaR95USD: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fundarb_var95_usd",
				Help: "One-period 95% value at risk",
			},
		),

		CircuitBreakerActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fundarb_circuit_breaker_active",
				Help: "1 while the portfolio circuit breaker is tripped",
			},
		),

		VenueReliability: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fundarb_venue_reliability",
				Help: "Rolling venue reliability score (0.0 to 1.0)",
			},
			[]string{"venue"},
		),

		RateRejectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundarb_rate_rejects_total",
				Help: "Funding-rate updates rejected by validation",
			},
			[]string{"venue", "reason"},
		),

		BusEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundarb_bus_events_total",
				Help: "Events published per topic",
			},
			[]string{"topic"},
		),

		BusDuplicatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fundarb_bus_duplicates_total",
				Help: "Events dropped by idempotent handlers",
			},
			[]string{"topic"},
		),
	}

	prometheus.MustRegister(
		r.OpportunitiesTotal,
		r.UOSScore,
		r.ExecutionsTotal,
		r.LegFailuresTotal,
		r.OrderSlippage,
		r.FillRepairsTotal,
		r.OpenPositions,
		r.PositionHealth,
		r.FundingNetUSD,
		r.RebalancesTotal,
		r.ExitsTotal,
		r.ExposureUSD,
		r.AvailableCapitalUSD,
		r.DrawdownPct,
		r.VaR95USD,
		r.CircuitBreakerActive,
		r.VenueReliability,
		r.RateRejectsTotal,
		r.BusEventsTotal,
		r.BusDuplicatesTotal,
	)

	return r
}

// Serve exposes /metrics on addr. Blocks until the listener fails.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info().Str("addr", addr).Msg("Serving Prometheus metrics")
	return http.ListenAndServe(addr, mux)
}
