package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration tree.
type Config struct {
	Opportunity OpportunityConfig `yaml:"opportunity"`
	Allocation  AllocationConfig  `yaml:"allocation"`
	Position    PositionConfig    `yaml:"position"`
	Risk        RiskConfig        `yaml:"risk"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Market      MarketConfig      `yaml:"market"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Venues      []VenueConfig     `yaml:"venues"`
}

// OpportunityConfig gates opportunity scoring and the Bot-Action ladder.
type OpportunityConfig struct {
	MinUOSScore          int             `yaml:"min_uos_score"`          // floor for tradeable (60)
	AutoUOSThreshold     int             `yaml:"auto_uos_threshold"`     // auto-execute floor (75)
	HighQualityThreshold int             `yaml:"high_quality_threshold"` // reporting tier (85)
	MinSpreadPct         decimal.Decimal `yaml:"min_spread_pct"`         // per interval, fraction
	OptimalSpreadPct     decimal.Decimal `yaml:"optimal_spread_pct"`     // full return sub-score at this spread
	MinNetAPRPct         decimal.Decimal `yaml:"min_net_apr_pct"`
	APRCeilingPct        decimal.Decimal `yaml:"apr_ceiling_pct"` // APR that earns the full return points
	MinVolume24hUSD      decimal.Decimal `yaml:"min_volume_24h_usd"`
	MaxVolume24hUSD      decimal.Decimal `yaml:"max_volume_24h_usd"`
	AutoExecute          bool            `yaml:"auto_execute"`
	BlacklistedSymbols   []string        `yaml:"blacklisted_symbols"`
}

// AllocationConfig controls sizing and the concurrent-coin cap.
type AllocationConfig struct {
	MinAllocationUSD        decimal.Decimal `yaml:"min_allocation_usd"`
	MaxAllocationUSD        decimal.Decimal `yaml:"max_allocation_usd"`
	AllocationInterval      time.Duration   `yaml:"allocation_interval"`
	MaxConcurrentCoins      int             `yaml:"max_concurrent_coins"`
	ScoreWeightFactor       float64         `yaml:"score_weight_factor"`
	UseKellyCriterion       bool            `yaml:"use_kelly_criterion"`
	KellyFraction           float64         `yaml:"kelly_fraction"` // 0.5 = half Kelly
	MinKellyEdge            float64         `yaml:"min_kelly_edge"`
	MaxPortfolioCorrelation float64         `yaml:"max_portfolio_correlation"`
	CorrelationSizePenalty  float64         `yaml:"correlation_size_penalty"`
	ApprovalExpiry          time.Duration   `yaml:"approval_expiry"`
	EnforceInterval         time.Duration   `yaml:"enforce_interval"` // coin-cap tick (60s)
}

// PositionConfig controls the health machine and exit triggers.
type PositionConfig struct {
	MinSpreadThreshold     decimal.Decimal `yaml:"min_spread_threshold"` // per interval, fraction
	StopLossPct            decimal.Decimal `yaml:"stop_loss_pct"`        // percent of size
	MaxHoldPeriods         int             `yaml:"max_hold_periods"`
	DegradedTimeout        time.Duration   `yaml:"degraded_timeout"`         // 30m
	SpreadDrawdownExitPct  decimal.Decimal `yaml:"spread_drawdown_exit_pct"` // 50
	MinTimeToFundingExit   time.Duration   `yaml:"min_time_to_funding_exit"` // 30m protection window
	MaxDeltaThresholdPct   decimal.Decimal `yaml:"max_delta_threshold_pct"`  // 10 -> DEGRADED
	CriticalDeltaPct       decimal.Decimal `yaml:"critical_delta_pct"`       // 25 -> CRITICAL
	MaxLegDriftThreshold   decimal.Decimal `yaml:"max_leg_drift_threshold"`  // percent, rebalance gate
	RebalanceCooldown      time.Duration   `yaml:"rebalance_cooldown"`       // 5m
	HealthInterval         time.Duration   `yaml:"health_interval"`          // 30s
	FundingInterval        time.Duration   `yaml:"funding_interval"`         // 60s
	PriceInterval          time.Duration   `yaml:"price_interval"`           // 10s
	PublishInterval        time.Duration   `yaml:"publish_interval"`         // 30s
	RebalanceCheckInterval time.Duration   `yaml:"rebalance_check_interval"` // 30s
	SpreadHistorySize      int             `yaml:"spread_history_size"`      // 60
}

// RiskConfig holds portfolio-level limits.
type RiskConfig struct {
	TotalCapitalUSD         decimal.Decimal `yaml:"total_capital_usd"`
	MaxPositionSizeUSD      decimal.Decimal `yaml:"max_position_size_usd"`
	MaxPositionPct          decimal.Decimal `yaml:"max_position_pct"`       // percent of capital
	MaxGrossExposurePct     decimal.Decimal `yaml:"max_gross_exposure_pct"` // percent of capital
	MaxNetExposurePct       decimal.Decimal `yaml:"max_net_exposure_pct"`
	MaxVenueExposurePct     decimal.Decimal `yaml:"max_venue_exposure_pct"`
	MaxAssetExposurePct     decimal.Decimal `yaml:"max_asset_exposure_pct"` // warning only
	MaxDrawdownPct          decimal.Decimal `yaml:"max_drawdown_pct"`
	MaxVaRPct               decimal.Decimal `yaml:"max_var_pct"`
	MaxMarginUtilizationPct decimal.Decimal `yaml:"max_margin_utilization_pct"`
	HighVolThreshold        float64         `yaml:"high_vol_threshold"` // 0.03
	LowVolThreshold         float64         `yaml:"low_vol_threshold"`  // 0.01
	PnLSampleInterval       time.Duration   `yaml:"pnl_sample_interval"` // 5m
	PublishInterval         time.Duration   `yaml:"publish_interval"`    // 10s
	Mode                    string          `yaml:"mode"`                // standard by default
}

// ExecutionConfig controls paired-leg submission and fill repair.
type ExecutionConfig struct {
	MaxPositionSizeUSD decimal.Decimal `yaml:"max_position_size_usd"`
	FillPollInterval   time.Duration   `yaml:"fill_poll_interval"`  // 5s
	StaleFillAge       time.Duration   `yaml:"stale_fill_age"`      // 30s
	MaxFillAge         time.Duration   `yaml:"max_fill_age"`        // 60s
	FillRatioComplete  decimal.Decimal `yaml:"fill_ratio_complete"` // 0.95
	FillRatioHedge     decimal.Decimal `yaml:"fill_ratio_hedge"`    // 0.50
	LegSyncTolerance   decimal.Decimal `yaml:"leg_sync_tolerance"`  // 0.05
	VenueRPCTimeout    time.Duration   `yaml:"venue_rpc_timeout"`   // 10s
	DefaultOrderType   string          `yaml:"default_order_type"`  // market
}

// MarketConfig bounds the market state cache's input validation.
type MarketConfig struct {
	MaxAbsFundingRate decimal.Decimal `yaml:"max_abs_funding_rate"` // 0.01 per interval
	RateHistoryLen    int             `yaml:"rate_history_len"`     // 16
	JumpMADMultiple   float64         `yaml:"jump_mad_multiple"`    // 5
	JumpFloor         decimal.Decimal `yaml:"jump_floor"`           // absolute floor for the jump gate
	ReliabilityWindow int             `yaml:"reliability_window"`   // K requests for the EWMA
	FallbackMinScore  float64         `yaml:"fallback_min_score"`   // 0.5
	StaleQuoteTimeout time.Duration   `yaml:"stale_quote_timeout"`
}

// DatabaseConfig holds postgres pool settings.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	Enabled         bool          `yaml:"enabled"`
}

// RedisConfig holds bus/lock/cache settings.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
	Enabled  bool          `yaml:"enabled"`
}

// MetricsConfig controls the prometheus exposition endpoint.
type MetricsConfig struct {
	Addr    string `yaml:"addr"`
	Enabled bool   `yaml:"enabled"`
}

// VenueConfig describes one registered venue adapter.
type VenueConfig struct {
	Slug           string          `yaml:"slug"`
	Enabled        bool            `yaml:"enabled"`
	PriorityTier   int             `yaml:"priority_tier"` // 1 primary, 2 secondary
	PerpMakerFee   decimal.Decimal `yaml:"perp_maker_fee"`
	PerpTakerFee   decimal.Decimal `yaml:"perp_taker_fee"`
	HasCredentials bool            `yaml:"has_credentials"`
	RateLimitRPS   float64         `yaml:"rate_limit_rps"`
	RateLimitBurst int             `yaml:"rate_limit_burst"`
}

// Default returns the production baseline configuration.
func Default() Config {
	return Config{
		Opportunity: OpportunityConfig{
			MinUOSScore:          60,
			AutoUOSThreshold:     75,
			HighQualityThreshold: 85,
			MinSpreadPct:         decimal.NewFromFloat(0.0001),
			OptimalSpreadPct:     decimal.NewFromFloat(0.001),
			MinNetAPRPct:         decimal.NewFromFloat(5),
			APRCeilingPct:        decimal.NewFromFloat(100),
			MinVolume24hUSD:      decimal.NewFromInt(5_000_000),
			MaxVolume24hUSD:      decimal.NewFromInt(500_000_000),
			AutoExecute:          false,
		},
		Allocation: AllocationConfig{
			MinAllocationUSD:        decimal.NewFromInt(100),
			MaxAllocationUSD:        decimal.NewFromInt(10_000),
			AllocationInterval:      30 * time.Second,
			MaxConcurrentCoins:      5,
			ScoreWeightFactor:       1.0,
			UseKellyCriterion:       false,
			KellyFraction:           0.5,
			MinKellyEdge:            0.01,
			MaxPortfolioCorrelation: 0.6,
			CorrelationSizePenalty:  1.0,
			ApprovalExpiry:          15 * time.Minute,
			EnforceInterval:         60 * time.Second,
		},
		Position: PositionConfig{
			MinSpreadThreshold:     decimal.NewFromFloat(0.0001),
			StopLossPct:            decimal.NewFromFloat(2),
			MaxHoldPeriods:         21,
			DegradedTimeout:        30 * time.Minute,
			SpreadDrawdownExitPct:  decimal.NewFromFloat(50),
			MinTimeToFundingExit:   30 * time.Minute,
			MaxDeltaThresholdPct:   decimal.NewFromFloat(10),
			CriticalDeltaPct:       decimal.NewFromFloat(25),
			MaxLegDriftThreshold:   decimal.NewFromFloat(5),
			RebalanceCooldown:      5 * time.Minute,
			HealthInterval:         30 * time.Second,
			FundingInterval:        60 * time.Second,
			PriceInterval:          10 * time.Second,
			PublishInterval:        30 * time.Second,
			RebalanceCheckInterval: 30 * time.Second,
			SpreadHistorySize:      60,
		},
		Risk: RiskConfig{
			TotalCapitalUSD:         decimal.NewFromInt(10_000),
			MaxPositionSizeUSD:      decimal.NewFromInt(5_000),
			MaxPositionPct:          decimal.NewFromFloat(20),
			MaxGrossExposurePct:     decimal.NewFromFloat(80),
			MaxNetExposurePct:       decimal.NewFromFloat(20),
			MaxVenueExposurePct:     decimal.NewFromFloat(50),
			MaxAssetExposurePct:     decimal.NewFromFloat(30),
			MaxDrawdownPct:          decimal.NewFromFloat(15),
			MaxVaRPct:               decimal.NewFromFloat(10),
			MaxMarginUtilizationPct: decimal.NewFromFloat(70),
			HighVolThreshold:        0.03,
			LowVolThreshold:         0.01,
			PnLSampleInterval:       5 * time.Minute,
			PublishInterval:         10 * time.Second,
			Mode:                    "standard",
		},
		Execution: ExecutionConfig{
			MaxPositionSizeUSD: decimal.NewFromInt(5_000),
			FillPollInterval:   5 * time.Second,
			StaleFillAge:       30 * time.Second,
			MaxFillAge:         60 * time.Second,
			FillRatioComplete:  decimal.NewFromFloat(0.95),
			FillRatioHedge:     decimal.NewFromFloat(0.50),
			LegSyncTolerance:   decimal.NewFromFloat(0.05),
			VenueRPCTimeout:    10 * time.Second,
			DefaultOrderType:   "market",
		},
		Market: MarketConfig{
			MaxAbsFundingRate: decimal.NewFromFloat(0.01),
			RateHistoryLen:    16,
			JumpMADMultiple:   5,
			JumpFloor:         decimal.NewFromFloat(0.0005),
			ReliabilityWindow: 50,
			FallbackMinScore:  0.5,
			StaleQuoteTimeout: 2 * time.Minute,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    30 * time.Second,
			Enabled:         false,
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			LockTTL: 15 * time.Second,
			Enabled: false,
		},
		Metrics: MetricsConfig{
			Addr:    ":9090",
			Enabled: true,
		},
	}
}

// Load reads a YAML config file layered over Default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// VenueBySlug returns the venue entry for slug, if configured.
func (c Config) VenueBySlug(slug string) (VenueConfig, bool) {
	for _, v := range c.Venues {
		if v.Slug == slug {
			return v, true
		}
	}
	return VenueConfig{}, false
}
