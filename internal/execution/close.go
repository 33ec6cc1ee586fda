package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/fundarb/fundarb/internal/domain"
	"github.com/fundarb/fundarb/internal/venue"
)

// HandleCloseRequest unwinds a position. The venues' live books are the
// source of truth for the open size, not the stored record: whatever is
// actually open gets a reduce-only market order.
func (c *Coordinator) HandleCloseRequest(ctx context.Context, req domain.CloseRequest) error {
	p, err := c.repo.Positions.Get(ctx, req.PositionID)
	if err != nil {
		return fmt.Errorf("failed to load position %s: %w", req.PositionID, err)
	}
	if p == nil {
		log.Warn().Str("position_id", req.PositionID).Msg("close requested for unknown position")
		return nil
	}
	if p.State == domain.PositionClosed || p.State == domain.PositionClosing {
		return nil // already closing, redelivery
	}

	p.State = domain.PositionClosing
	p.ExitReason = req.Reason
	if err := c.repo.Positions.Update(ctx, *p); err != nil {
		return fmt.Errorf("failed to mark position closing: %w", err)
	}

	log.Info().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Str("reason", string(req.Reason)).
		Str("initiator", req.Initiator).
		Msg("closing position")

	var legPnL decimal.Decimal
	for _, slug := range []string{p.LongVenue, p.ShortVenue} {
		closed, pnl, err := c.closeVenueLeg(ctx, slug, p.Symbol)
		if err != nil {
			log.Error().Err(err).Str("venue", slug).Str("position_id", p.ID).
				Msg("EMERGENCY: failed to close leg, manual intervention required")
			c.audit(ctx, req.AllocationID, p.ID, "close_leg_failed", slug, p.Symbol, err.Error())
			continue
		}
		legPnL = legPnL.Add(pnl)
		if closed {
			c.audit(ctx, req.AllocationID, p.ID, "leg_closed", slug, p.Symbol, "reduce-only close submitted")
		}
	}

	netFunding := p.FundingReceived.Sub(p.FundingPaid)
	realized := legPnL.Add(netFunding)

	now := time.Now().UTC()
	p.State = domain.PositionClosed
	p.ClosedAt = now
	p.UnrealizedPnL = decimal.Zero
	if err := c.repo.Positions.Update(ctx, *p); err != nil {
		return fmt.Errorf("failed to persist closed position: %w", err)
	}

	c.countExecution("closed")
	if c.metrics != nil {
		c.metrics.ExitsTotal.WithLabelValues(string(req.Reason)).Inc()
	}

	log.Info().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Str("realized_pnl", realized.Round(2).String()).
		Str("net_funding", netFunding.Round(2).String()).
		Msg("position closed")

	return c.bus.Publish(ctx, domain.TopicPositionClosed, domain.PositionClosedEvent{
		Position:     *p,
		AllocationID: req.AllocationID,
		RealizedPnL:  realized,
		Reason:       req.Reason,
	})
}

// closeVenueLeg flattens the live position for symbol on one venue.
// Returns whether a close order was needed and the leg's unrealized
// P&L at close.
func (c *Coordinator) closeVenueLeg(ctx context.Context, slug, symbol string) (bool, decimal.Decimal, error) {
	live, err := c.venues.Positions(ctx, slug)
	if err != nil {
		return false, decimal.Zero, fmt.Errorf("failed to fetch live positions: %w", err)
	}

	for _, lp := range live {
		if lp.Symbol != symbol || lp.Quantity.Sign() <= 0 {
			continue
		}
		if _, err := c.venues.PlaceOrder(ctx, slug, venue.OrderRequest{
			ClientID:   domain.NewID(),
			Symbol:     symbol,
			Side:       lp.Side.Opposite(),
			Type:       domain.OrderMarket,
			Quantity:   lp.Quantity,
			ReduceOnly: true,
		}); err != nil {
			return false, decimal.Zero, fmt.Errorf("failed to submit close order: %w", err)
		}
		return true, lp.UnrealizedPnL, nil
	}
	return false, decimal.Zero, nil // already flat
}

// HandleRebalanceRequest trims the larger leg of a drifted position.
func (c *Coordinator) HandleRebalanceRequest(ctx context.Context, req domain.RebalanceRequest) error {
	if _, err := c.venues.PlaceOrder(ctx, req.Venue, venue.OrderRequest{
		ClientID:   domain.NewID(),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       domain.OrderMarket,
		Quantity:   req.Size,
		ReduceOnly: true,
	}); err != nil {
		return fmt.Errorf("rebalance order failed: %w", err)
	}

	if c.metrics != nil {
		c.metrics.RebalancesTotal.Inc()
	}
	c.audit(ctx, "", req.PositionID, "rebalance", req.Venue, req.Symbol,
		fmt.Sprintf("reduce-only %s %s to realign legs", req.Side, req.Size))

	log.Info().
		Str("position_id", req.PositionID).
		Str("venue", req.Venue).
		Str("size", req.Size.String()).
		Msg("leg rebalance executed")
	return nil
}
