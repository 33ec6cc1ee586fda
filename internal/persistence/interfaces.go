// Package persistence defines the repository contracts and row types
// the engine stores in PostgreSQL. The database is the authoritative
// record for positions and allocations; in-memory state is rebuilt from
// it on startup.
package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundarb/fundarb/internal/config"
	"github.com/fundarb/fundarb/internal/domain"
)

// TimeRange is a query window.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// SpreadSnapshot is one periodic observation of a live position's
// funding spread.
type SpreadSnapshot struct {
	ID         int64           `json:"id" db:"id"`
	PositionID string          `json:"position_id" db:"position_id"`
	Symbol     string          `json:"symbol" db:"symbol"`
	Spread     decimal.Decimal `json:"spread" db:"spread"`
	LongRate   decimal.Decimal `json:"long_rate" db:"long_rate"`
	ShortRate  decimal.Decimal `json:"short_rate" db:"short_rate"`
	Trend      string          `json:"trend" db:"trend"`
	ObservedAt time.Time       `json:"observed_at" db:"observed_at"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// FundingPayment is one realized funding settlement on one leg.
type FundingPayment struct {
	ID         int64           `json:"id" db:"id"`
	PositionID string          `json:"position_id" db:"position_id"`
	Venue      string          `json:"venue" db:"venue"`
	Symbol     string          `json:"symbol" db:"symbol"`
	AmountUSD  decimal.Decimal `json:"amount_usd" db:"amount_usd"`
	Rate       decimal.Decimal `json:"rate" db:"rate"`
	PaidAt     time.Time       `json:"paid_at" db:"paid_at"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Interaction is one narrative activity row, the human-readable trail
// of what the engine did and why.
type Interaction struct {
	ID         int64             `json:"id" db:"id"`
	Service    string            `json:"service" db:"service"`
	Type       string            `json:"type" db:"type"`
	Level      string            `json:"level" db:"level"`
	Symbol     string            `json:"symbol,omitempty" db:"symbol"`
	PositionID string            `json:"position_id,omitempty" db:"position_id"`
	Narrative  string            `json:"narrative" db:"narrative"`
	Metrics    map[string]string `json:"metrics,omitempty" db:"metrics"`
	OccurredAt time.Time         `json:"occurred_at" db:"occurred_at"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}

// UnwindDecision records one weakness-score evaluation that led to an
// automatic unwind, with the full factor breakdown for review.
type UnwindDecision struct {
	ID            int64              `json:"id" db:"id"`
	PositionID    string             `json:"position_id" db:"position_id"`
	Symbol        string             `json:"symbol" db:"symbol"`
	WeaknessScore float64            `json:"weakness_score" db:"weakness_score"`
	Factors       map[string]float64 `json:"factors" db:"factors"`
	Threshold     float64            `json:"threshold" db:"threshold"`
	DecidedAt     time.Time          `json:"decided_at" db:"decided_at"`
	CreatedAt     time.Time          `json:"created_at" db:"created_at"`
}

// AuditEntry is one execution-path audit row. Every order submission,
// cancellation, and repair action lands here.
type AuditEntry struct {
	ID           int64                  `json:"id" db:"id"`
	AllocationID string                 `json:"allocation_id" db:"allocation_id"`
	PositionID   string                 `json:"position_id,omitempty" db:"position_id"`
	Action       string                 `json:"action" db:"action"`
	Venue        string                 `json:"venue,omitempty" db:"venue"`
	Symbol       string                 `json:"symbol" db:"symbol"`
	Detail       string                 `json:"detail" db:"detail"`
	Attributes   map[string]interface{} `json:"attributes,omitempty" db:"attributes"`
	OccurredAt   time.Time              `json:"occurred_at" db:"occurred_at"`
	CreatedAt    time.Time              `json:"created_at" db:"created_at"`
}

// PositionsRepo stores the position lifecycle.
type PositionsRepo interface {
	// Insert adds a freshly opened position.
	Insert(ctx context.Context, p domain.Position) error

	// Update overwrites the mutable fields of an existing position.
	Update(ctx context.Context, p domain.Position) error

	// Get returns one position by ID, nil when absent.
	Get(ctx context.Context, id string) (*domain.Position, error)

	// ListOpen returns every position not yet CLOSED, the recovery set.
	ListOpen(ctx context.Context) ([]domain.Position, error)

	// ListClosed returns closed positions in the window, newest first.
	ListClosed(ctx context.Context, tr TimeRange, limit int) ([]domain.Position, error)
}

// AllocationsRepo stores allocation records through their state machine.
type AllocationsRepo interface {
	Insert(ctx context.Context, a domain.Allocation) error
	UpdateState(ctx context.Context, id string, state domain.AllocationState, detail string) error

	// LinkPosition attaches the opened position to its allocation.
	LinkPosition(ctx context.Context, id, positionID string) error

	Get(ctx context.Context, id string) (*domain.Allocation, error)

	// ListActive returns allocations in a non-terminal state.
	ListActive(ctx context.Context) ([]domain.Allocation, error)

	// ListPendingApproval returns allocations awaiting an operator
	// decision, oldest first.
	ListPendingApproval(ctx context.Context) ([]domain.Allocation, error)
}

// OrdersRepo stores individual legs.
type OrdersRepo interface {
	Insert(ctx context.Context, o domain.Order) error
	Update(ctx context.Context, o domain.Order) error
	ListByAllocation(ctx context.Context, allocationID string) ([]domain.Order, error)
}

// SpreadRepo stores periodic spread observations.
type SpreadRepo interface {
	Insert(ctx context.Context, s SpreadSnapshot) error
	ListRecent(ctx context.Context, positionID string, limit int) ([]SpreadSnapshot, error)
}

// FundingPaymentsRepo stores realized funding settlements.
type FundingPaymentsRepo interface {
	Insert(ctx context.Context, fp FundingPayment) error
	SumForPosition(ctx context.Context, positionID string) (decimal.Decimal, error)
}

// InteractionsRepo stores the narrative activity trail.
type InteractionsRepo interface {
	Insert(ctx context.Context, in Interaction) error
	ListRecent(ctx context.Context, limit int) ([]Interaction, error)
}

// UnwindRepo stores automatic unwind decisions.
type UnwindRepo interface {
	Insert(ctx context.Context, d UnwindDecision) error
}

// AuditRepo stores the execution audit trail.
type AuditRepo interface {
	Insert(ctx context.Context, e AuditEntry) error
	ListByAllocation(ctx context.Context, allocationID string) ([]AuditEntry, error)
}

// SettingsRepo stores runtime-adjustable configuration rows.
type SettingsRepo interface {
	List(ctx context.Context) ([]config.SettingRow, error)
	Upsert(ctx context.Context, row config.SettingRow) error
}

// ExchangeRow mirrors one config.exchanges record. Rows override the
// matching venue's file configuration at startup.
type ExchangeRow struct {
	Slug           string          `json:"slug" db:"slug"`
	Enabled        bool            `json:"enabled" db:"enabled"`
	APIType        string          `json:"api_type" db:"api_type"`
	PerpMakerFee   decimal.Decimal `json:"perp_maker_fee" db:"perp_maker_fee"`
	PerpTakerFee   decimal.Decimal `json:"perp_taker_fee" db:"perp_taker_fee"`
	HasCredentials bool            `json:"has_credentials" db:"has_credentials"`
}

// ExchangesRepo stores per-venue trading parameters.
type ExchangesRepo interface {
	List(ctx context.Context) ([]ExchangeRow, error)
	Upsert(ctx context.Context, row ExchangeRow) error
}

// Repository aggregates all persistence interfaces.
type Repository struct {
	Positions    PositionsRepo
	Allocations  AllocationsRepo
	Orders       OrdersRepo
	Spreads      SpreadRepo
	Funding      FundingPaymentsRepo
	Interactions InteractionsRepo
	Unwinds      UnwindRepo
	Audit        AuditRepo
	Settings     SettingsRepo
	Exchanges    ExchangesRepo
}

// HealthCheck represents repository health status.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for the persistence layer.
type RepositoryHealth interface {
	// Health returns current repository health status
	Health(ctx context.Context) HealthCheck

	// Ping tests basic connectivity to database
	Ping(ctx context.Context) error
}
