// Package venue defines the exchange adapter contract and the guarded
// registry every component goes through to reach a venue.
package venue

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/fundarb/fundarb/internal/domain"
)

// ErrNotSupported is returned by adapters for operations the venue does
// not implement (read-only venues reject order placement).
var ErrNotSupported = errors.New("operation not supported by venue")

// ErrOrderNotFound is returned when an order lookup misses.
var ErrOrderNotFound = errors.New("order not found")

// OrderRequest describes one leg submission.
type OrderRequest struct {
	ClientID   string
	Symbol     string
	Side       domain.Side
	Type       domain.OrderType
	Quantity   decimal.Decimal // base units
	Price      decimal.Decimal // limit orders only
	ReduceOnly bool
}

// OrderAck is the venue's view of a submitted order.
type OrderAck struct {
	ExchangeOrderID string
	State           domain.OrderState
	FilledQuantity  decimal.Decimal
	AvgFillPrice    decimal.Decimal
}

// Position is the venue's live view of one perp position.
type Position struct {
	Symbol           string
	Side             domain.Side
	Quantity         decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	LiquidationPrice decimal.Decimal
	UnrealizedPnL    decimal.Decimal
}

// Adapter is implemented once per exchange. All calls are synchronous;
// the registry owns timeouts, rate limits, and the circuit breaker.
type Adapter interface {
	Slug() string

	FundingRates(ctx context.Context) ([]domain.FundingRate, error)
	Quotes(ctx context.Context, symbols []string) ([]domain.Quote, error)
	Ticker(ctx context.Context, symbol string) (domain.Quote, error)

	Positions(ctx context.Context) ([]Position, error)
	OpenOrders(ctx context.Context) ([]OrderAck, error)
	OrderStatus(ctx context.Context, exchangeOrderID string) (OrderAck, error)
	MinOrderSize(ctx context.Context, symbol string) (decimal.Decimal, error)

	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
}
