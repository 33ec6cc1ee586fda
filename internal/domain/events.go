package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bus topics. Cross-component communication happens only over these.
const (
	TopicMarketFunding    = "market.funding"
	TopicMarketPrice      = "market.price"
	TopicMarketLiquidity  = "market.liquidity"
	TopicOpportunity      = "opportunity.detected"
	TopicExecutionRequest = "execution.request"
	TopicCloseRequest     = "execution.close_request"
	TopicExecutionResult  = "execution.result"
	TopicPositionOpened   = "position.opened"
	TopicPositionClosed   = "position.closed"
	TopicPositionUpdated  = "position.updated"
	TopicHealthChanged    = "position.health_changed"
	TopicExitTriggered    = "position.exit_triggered"
	TopicRiskState        = "risk.state_updated"
	TopicCircuitBreaker   = "risk.circuit_breaker"
	TopicBreakerReset     = "risk.breaker_reset"
	TopicCapitalAllocated = "capital.allocated"
	TopicRebalanceRequest = "execution.rebalance_request"
	TopicConfigUpdated    = "config.updated"
	TopicActivity         = "activity.engine"
)

// ExecutionRequest asks the coordinator to open a paired position.
type ExecutionRequest struct {
	AllocationID   string          `json:"allocation_id"`
	Symbol         string          `json:"symbol"`
	LongVenue      string          `json:"long_venue"`
	ShortVenue     string          `json:"short_venue"`
	SizeUSD        decimal.Decimal `json:"size_usd"`
	MaxSlippagePct decimal.Decimal `json:"max_slippage_pct"`
	HasMaxSlippage bool            `json:"has_max_slippage"`
}

// CloseRequest asks the coordinator to unwind a position.
type CloseRequest struct {
	PositionID   string     `json:"position_id"`
	AllocationID string     `json:"allocation_id,omitempty"`
	Symbol       string     `json:"symbol"`
	Reason       ExitReason `json:"reason"`
	Initiator    string     `json:"initiator"` // "position-manager", "allocator", "user"
}

// RebalanceRequest asks the coordinator to trim the larger leg.
type RebalanceRequest struct {
	PositionID string          `json:"position_id"`
	Symbol     string          `json:"symbol"`
	Venue      string          `json:"venue"` // larger leg's venue
	Side       Side            `json:"side"`  // reducing side
	Size       decimal.Decimal `json:"size"`  // base asset excess
}

// ExecutionResult reports the outcome of an execution request.
type ExecutionResult struct {
	AllocationID string `json:"allocation_id"`
	PositionID   string `json:"position_id,omitempty"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	LongOrder    Order  `json:"long_order"`
	ShortOrder   Order  `json:"short_order"`
}

// PositionOpened announces a new ACTIVE position.
type PositionOpened struct {
	Position     Position `json:"position"`
	AllocationID string   `json:"allocation_id"`
}

// PositionClosedEvent announces a terminal position.
type PositionClosedEvent struct {
	Position     Position        `json:"position"`
	AllocationID string          `json:"allocation_id,omitempty"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	Reason       ExitReason      `json:"reason"`
}

// PositionUpdated carries a refreshed position record.
type PositionUpdated struct {
	Position Position `json:"position"`
}

// HealthChanged announces a health substate transition.
type HealthChanged struct {
	PositionID string      `json:"position_id"`
	Symbol     string      `json:"symbol"`
	From       HealthState `json:"from"`
	To         HealthState `json:"to"`
	Reason     string      `json:"reason"`
}

// ExitTriggered announces that the health machine demanded a close.
type ExitTriggered struct {
	PositionID string     `json:"position_id"`
	Symbol     string     `json:"symbol"`
	Reason     ExitReason `json:"reason"`
}

// BreakerReset asks the risk controller to clear the latched breaker.
// Only explicit operator action produces this event.
type BreakerReset struct {
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
}

// CircuitBreakerChanged announces breaker activation or reset.
type CircuitBreakerChanged struct {
	Active bool   `json:"active"`
	Reason string `json:"reason"`
}

// CapitalAllocated announces a new allocation.
type CapitalAllocated struct {
	Allocation Allocation `json:"allocation"`
}

// ActivityLevel grades activity events.
type ActivityLevel string

const (
	ActivityInfo    ActivityLevel = "info"
	ActivityWarning ActivityLevel = "warning"
	ActivityError   ActivityLevel = "error"
)

// Activity is the user-visible decision trail. Narrative states which rule
// triggered, the observed value vs threshold, and a suggested action.
type Activity struct {
	Service    string            `json:"service"`
	Type       string            `json:"type"`
	Level      ActivityLevel     `json:"level"`
	Symbol     string            `json:"symbol,omitempty"`
	PositionID string            `json:"position_id,omitempty"`
	Narrative  string            `json:"narrative"`
	Metrics    map[string]string `json:"metrics,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}
