package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewID returns a fresh UUID string. All engine identifiers
// (opportunity, allocation, position, order) are UUIDs.
func NewID() string {
	return uuid.NewString()
}

// RateSource tags where a funding rate came from.
type RateSource string

const (
	SourceExchange   RateSource = "exchange"   // primary venue feed
	SourceAggregator RateSource = "aggregator" // secondary aggregator
)

// FundingRate is the latest funding observation for a (venue, symbol) key.
type FundingRate struct {
	Venue           string          `json:"venue"`
	Symbol          string          `json:"symbol"`
	Rate            decimal.Decimal `json:"rate"`                     // signed fraction per funding interval
	PredictedRate   decimal.Decimal `json:"predicted_rate"`           // zero when the venue publishes none
	HasPredicted    bool            `json:"has_predicted"`
	NextFundingTime time.Time       `json:"next_funding_time"`
	IntervalHours   int             `json:"interval_hours"` // typically 8, some venues 1
	Source          RateSource      `json:"source"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Quote is the latest price/liquidity snapshot for a (venue, symbol) key.
type Quote struct {
	Venue           string          `json:"venue"`
	Symbol          string          `json:"symbol"`
	Bid             decimal.Decimal `json:"bid"`
	Ask             decimal.Decimal `json:"ask"`
	Last            decimal.Decimal `json:"last"`
	Mark            decimal.Decimal `json:"mark"`
	HasMark         bool            `json:"has_mark"`
	BidDepthUSD     decimal.Decimal `json:"bid_depth_usd"`
	AskDepthUSD     decimal.Decimal `json:"ask_depth_usd"`
	OpenInterestUSD decimal.Decimal `json:"open_interest_usd"`
	Volume24hUSD    decimal.Decimal `json:"volume_24h_usd"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// VenueHealth tracks operational status of one venue.
type VenueHealth struct {
	Venue         string    `json:"venue"`
	Healthy       bool      `json:"healthy"`
	Reason        string    `json:"reason"`
	Reliability   float64   `json:"reliability"` // EWMA of (1 - error rate), 0..1
	RequestCount  int64     `json:"request_count"`
	ErrorCount    int64     `json:"error_count"`
	PriorityTier  int       `json:"priority_tier"` // 1 primary, 2 secondary
	LastErrorTime time.Time `json:"last_error_time"`
}

// BotAction is the per-opportunity trade verdict.
type BotAction string

const (
	ActionBlocked    BotAction = "BLOCKED"
	ActionWaiting    BotAction = "WAITING"
	ActionManualOnly BotAction = "MANUAL_ONLY"
	ActionAutoTrade  BotAction = "AUTO_TRADE"
)

// UOSBreakdown holds the four bounded sub-scores of the Unified
// Opportunity Score. Total is the 0-100 sum.
type UOSBreakdown struct {
	Return    int `json:"return"`    // 0-30
	Risk      int `json:"risk"`      // 0-30
	Execution int `json:"execution"` // 0-25
	Timing    int `json:"timing"`    // 0-15
	Total     int `json:"total"`     // 0-100
}

// LiquiditySnapshot captures the book depth an opportunity was scored with.
type LiquiditySnapshot struct {
	LongBidDepthUSD  decimal.Decimal `json:"long_bid_depth_usd"`
	LongAskDepthUSD  decimal.Decimal `json:"long_ask_depth_usd"`
	ShortBidDepthUSD decimal.Decimal `json:"short_bid_depth_usd"`
	ShortAskDepthUSD decimal.Decimal `json:"short_ask_depth_usd"`
	Volume24hMinUSD  decimal.Decimal `json:"volume_24h_min_usd"`
}

// Opportunity is a scored cross-venue funding spread.
type Opportunity struct {
	ID             string            `json:"id"`
	Symbol         string            `json:"symbol"`
	LongVenue      string            `json:"long_venue"`
	ShortVenue     string            `json:"short_venue"`
	Spread         decimal.Decimal   `json:"spread"`          // per interval, short rate - long rate
	AnnualizedAPR  decimal.Decimal   `json:"annualized_apr"`  // gross, percent
	NetAPR         decimal.Decimal   `json:"net_apr"`         // after fees and slippage, percent
	Scores         UOSBreakdown      `json:"scores"`
	Action         BotAction         `json:"action"`
	ActionDetails  []string          `json:"action_details"` // every triggered rule, human readable
	Liquidity      LiquiditySnapshot `json:"liquidity"`
	DetectedAt     time.Time         `json:"detected_at"`
}

// AllocationState is the capital allocation lifecycle.
type AllocationState string

const (
	AllocPending   AllocationState = "PENDING"
	AllocExecuting AllocationState = "EXECUTING"
	AllocActive    AllocationState = "ACTIVE"
	AllocClosing   AllocationState = "CLOSING"
	AllocClosed    AllocationState = "CLOSED"
	AllocFailed    AllocationState = "FAILED"
	AllocCancelled AllocationState = "CANCELLED"
)

// Terminal reports whether the allocation can no longer change state.
func (s AllocationState) Terminal() bool {
	return s == AllocClosed || s == AllocFailed || s == AllocCancelled
}

// Allocation reserves capital for one opportunity. The allocation holds a
// nullable position id; positions never point back (keyed indirection).
type Allocation struct {
	ID            string          `json:"id"`
	OpportunityID string          `json:"opportunity_id"`
	Symbol        string          `json:"symbol"`
	LongVenue     string          `json:"long_venue"`
	ShortVenue    string          `json:"short_venue"`
	SizeUSD       decimal.Decimal `json:"size_usd"`
	UOSAtEntry    int             `json:"uos_at_entry"`
	State         AllocationState `json:"state"`
	PositionID    string          `json:"position_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ExecutedAt    time.Time       `json:"executed_at"`
	ClosedAt      time.Time       `json:"closed_at"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	NetFunding    decimal.Decimal `json:"net_funding"`
}

// PositionState is the paired-position lifecycle.
type PositionState string

const (
	PositionOpening PositionState = "OPENING"
	PositionActive  PositionState = "ACTIVE"
	PositionClosing PositionState = "CLOSING"
	PositionClosed  PositionState = "CLOSED"
)

// HealthState is the health substate of an ACTIVE position.
type HealthState string

const (
	HealthHealthy  HealthState = "HEALTHY"
	HealthDegraded HealthState = "DEGRADED"
	HealthCritical HealthState = "CRITICAL"
)

// ExitReason explains a CRITICAL transition or a close.
type ExitReason string

const (
	ExitSpreadFlipped        ExitReason = "spread-flipped"
	ExitStopLoss             ExitReason = "stop-loss"
	ExitMaxHoldTime          ExitReason = "max-hold-time"
	ExitSpreadBelowThreshold ExitReason = "spread-below-threshold"
	ExitDeltaCritical        ExitReason = "delta-critical"
	ExitLiquidationImminent  ExitReason = "liquidation-imminent"
	ExitSpreadDeterioration  ExitReason = "spread-deterioration"
	ExitDegradedTimeout      ExitReason = "degraded-timeout"
	ExitManual               ExitReason = "manual"
	ExitAutoUnwind           ExitReason = "auto-unwind"
)

// SpreadTrend is the direction of the recent spread series.
type SpreadTrend string

const (
	TrendRising  SpreadTrend = "rising"
	TrendFalling SpreadTrend = "falling"
	TrendStable  SpreadTrend = "stable"
)

// SpreadSample is one point of a position's rolling spread history.
type SpreadSample struct {
	Spread    decimal.Decimal `json:"spread"`
	LongRate  decimal.Decimal `json:"long_rate"`
	ShortRate decimal.Decimal `json:"short_rate"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Position is the joint long/short pair across two venues.
type Position struct {
	ID                string          `json:"id"`
	Symbol            string          `json:"symbol"`
	LongVenue         string          `json:"long_venue"`
	ShortVenue        string          `json:"short_venue"`
	SizeUSD           decimal.Decimal `json:"size_usd"`
	State             PositionState   `json:"state"`
	Health            HealthState     `json:"health"`
	EntryPrice        decimal.Decimal `json:"entry_price"`
	CurrentPrice      decimal.Decimal `json:"current_price"`
	EntrySpread       decimal.Decimal `json:"entry_spread"`
	CurrentSpread     decimal.Decimal `json:"current_spread"`
	LongRate          decimal.Decimal `json:"long_rate"`
	ShortRate         decimal.Decimal `json:"short_rate"`
	FundingReceived   decimal.Decimal `json:"funding_received"`
	FundingPaid       decimal.Decimal `json:"funding_paid"`
	FundingPeriods    int             `json:"funding_periods"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
	DeltaExposurePct  decimal.Decimal `json:"delta_exposure_pct"` // percent, 0..100
	LegDriftPct       decimal.Decimal `json:"leg_drift_pct"`
	PriceCorrelation  float64         `json:"price_correlation"` // -1..1
	SpreadHistory     []SpreadSample  `json:"spread_history"`    // last 60 samples
	SpreadDrawdownPct decimal.Decimal `json:"spread_drawdown_pct"`
	SpreadTrend       SpreadTrend     `json:"spread_trend"`
	SecondsToFunding  int64           `json:"seconds_to_funding"`
	DegradedSince     time.Time       `json:"degraded_since"`
	RebalanceCount    int             `json:"rebalance_count"`
	ExitReason        ExitReason      `json:"exit_reason,omitempty"`
	OpenedAt          time.Time       `json:"opened_at"`
	ClosedAt          time.Time       `json:"closed_at"`
}

// Side of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the reducing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType distinguishes market and limit orders.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// OrderState is the single-leg order lifecycle.
type OrderState string

const (
	OrderPending   OrderState = "PENDING"
	OrderSubmitted OrderState = "SUBMITTED"
	OrderPartial   OrderState = "PARTIAL"
	OrderFilled    OrderState = "FILLED"
	OrderCancelled OrderState = "CANCELLED"
	OrderFailed    OrderState = "FAILED"
)

// Order is one leg of a paired submission.
type Order struct {
	ID               string          `json:"id"`
	AllocationID     string          `json:"allocation_id"`
	Venue            string          `json:"venue"`
	Symbol           string          `json:"symbol"`
	Side             Side            `json:"side"`
	Type             OrderType       `json:"type"`
	Size             decimal.Decimal `json:"size"` // base asset
	RequestedPrice   decimal.Decimal `json:"requested_price"`
	HasRequested     bool            `json:"has_requested"`
	ExpectedPrice    decimal.Decimal `json:"expected_price"` // for slippage accounting
	State            OrderState      `json:"state"`
	FilledSize       decimal.Decimal `json:"filled_size"`
	AvgFillPrice     decimal.Decimal `json:"avg_fill_price"`
	Fee              decimal.Decimal `json:"fee"`
	SlippagePct      decimal.Decimal `json:"slippage_pct"` // signed, percent
	FillTimeMs       int64           `json:"fill_time_ms"`
	PairedOrderID    string          `json:"paired_order_id"`
	PartialFillCount int             `json:"partial_fill_count"`
	Error            string          `json:"error,omitempty"`
	ExchangeOrderID  string          `json:"exchange_order_id,omitempty"`
	ReduceOnly       bool            `json:"reduce_only"`
	SubmittedAt      time.Time       `json:"submitted_at"`
}

// VolatilityRegime buckets recent market volatility.
type VolatilityRegime string

const (
	RegimeLow    VolatilityRegime = "low"
	RegimeNormal VolatilityRegime = "normal"
	RegimeHigh   VolatilityRegime = "high"
)

// RiskMode is the system-wide operating mode.
type RiskMode string

const (
	ModeDiscovery    RiskMode = "discovery"
	ModeConservative RiskMode = "conservative"
	ModeStandard     RiskMode = "standard"
	ModeAggressive   RiskMode = "aggressive"
	ModeEmergency    RiskMode = "emergency"
)

// RiskSnapshot is the controller's live view of portfolio risk.
type RiskSnapshot struct {
	TotalCapital     decimal.Decimal            `json:"total_capital"`
	TotalExposure    decimal.Decimal            `json:"total_exposure"`
	VenueExposure    map[string]decimal.Decimal `json:"venue_exposure"`
	SymbolExposure   map[string]decimal.Decimal `json:"symbol_exposure"`
	DrawdownPct      decimal.Decimal            `json:"drawdown_pct"`
	PeakEquity       decimal.Decimal            `json:"peak_equity"`
	VaR95            decimal.Decimal            `json:"var_95"`
	VaR99            decimal.Decimal            `json:"var_99"`
	CVaR95           decimal.Decimal            `json:"cvar_95"`
	CVaR99           decimal.Decimal            `json:"cvar_99"`
	Volatility       float64                    `json:"volatility"`
	Regime           VolatilityRegime           `json:"regime"`
	CircuitBreaker   bool                       `json:"circuit_breaker"`
	Mode             RiskMode                   `json:"mode"`
	Timestamp        time.Time                  `json:"timestamp"`
}
