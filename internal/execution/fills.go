package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/fundarb/fundarb/internal/config"
	"github.com/fundarb/fundarb/internal/domain"
	"github.com/fundarb/fundarb/internal/venue"
)

// Run drives the partial-fill repair loop until the context ends.
func (c *Coordinator) Run(ctx context.Context) {
	cfg := c.settings.Snapshot()
	ticker := time.NewTicker(cfg.Execution.FillPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.sweepFills(ctx, now.UTC())
		}
	}
}

// sweepFills walks every in-flight pair and applies the repair ladder:
// near-complete fills are closed out, stale half-filled legs trigger a
// hedge adjustment, and pairs past the fill window are unwound.
func (c *Coordinator) sweepFills(ctx context.Context, now time.Time) {
	cfg := c.settings.Snapshot()

	c.mu.Lock()
	pairs := make([]*pairedExecution, 0, len(c.tracked))
	for _, pe := range c.tracked {
		pairs = append(pairs, pe)
	}
	c.mu.Unlock()

	for _, pe := range pairs {
		c.repairPair(ctx, cfg, pe, now)
	}
}

func (c *Coordinator) repairPair(ctx context.Context, cfg config.Config, pe *pairedExecution, now time.Time) {
	age := now.Sub(pe.submittedAt)

	for _, o := range []*domain.Order{pe.long, pe.short} {
		if !orderOpen(o) {
			continue
		}
		ack, err := c.venues.OrderStatus(ctx, o.Venue, o.ExchangeOrderID)
		if err != nil {
			log.Warn().Err(err).Str("order_id", o.ID).Msg("fill poll failed")
			continue
		}
		applyFill(o, ack, cfg, now)
		o.PartialFillCount++

		if fillRatio(o).GreaterThanOrEqual(cfg.Execution.FillRatioComplete) && o.State != domain.OrderFilled {
			o.State = domain.OrderFilled
			o.FillTimeMs = age.Milliseconds()
		}
		if err := c.repo.Orders.Update(ctx, *o); err != nil {
			log.Error().Err(err).Str("order_id", o.ID).Msg("failed to persist fill progress")
		}
	}

	if age > cfg.Execution.MaxFillAge && (orderOpen(pe.long) || orderOpen(pe.short)) {
		c.unwindExpiredPair(ctx, pe)
		return
	}

	if !pe.hedged && age > cfg.Execution.StaleFillAge {
		for _, o := range []*domain.Order{pe.long, pe.short} {
			if orderOpen(o) && fillRatio(o).GreaterThanOrEqual(cfg.Execution.FillRatioHedge) {
				c.hedgeAdjust(ctx, cfg, pe, o, now)
				break
			}
		}
	}

	if pe.long.State == domain.OrderFilled && pe.short.State == domain.OrderFilled {
		c.mu.Lock()
		delete(c.tracked, pe.allocationID)
		c.mu.Unlock()
		if err := c.finalize(ctx, cfg, pe); err != nil {
			log.Error().Err(err).Str("allocation_id", pe.allocationID).Msg("failed to finalize execution")
		}
	}
}

// hedgeAdjust accepts a stale half-filled leg at its current fill and
// rebalances the paired leg to the same size.
func (c *Coordinator) hedgeAdjust(ctx context.Context, cfg config.Config, pe *pairedExecution, stale *domain.Order, now time.Time) {
	pe.hedged = true
	paired := pe.long
	if stale == pe.long {
		paired = pe.short
	}

	if err := c.venues.CancelOrder(ctx, stale.Venue, stale.Symbol, stale.ExchangeOrderID); err != nil {
		log.Error().Err(err).Str("order_id", stale.ID).Msg("failed to cancel stale leg")
		return
	}
	stale.State = domain.OrderFilled
	stale.FillTimeMs = now.Sub(stale.SubmittedAt).Milliseconds()

	target := stale.FilledSize
	if orderOpen(paired) {
		if err := c.venues.CancelOrder(ctx, paired.Venue, paired.Symbol, paired.ExchangeOrderID); err != nil {
			log.Error().Err(err).Str("order_id", paired.ID).Msg("failed to cancel paired leg for hedge")
		}
	}

	diff := target.Sub(paired.FilledSize)
	switch {
	case diff.Sign() > 0:
		// Paired leg is short of the hedge: top it up at market.
		ack, err := c.venues.PlaceOrder(ctx, paired.Venue, venue.OrderRequest{
			ClientID: domain.NewID(),
			Symbol:   paired.Symbol,
			Side:     paired.Side,
			Type:     domain.OrderMarket,
			Quantity: diff,
		})
		if err != nil {
			log.Error().Err(err).Str("venue", paired.Venue).Msg("hedge top-up order failed")
			c.unwindExpiredPair(ctx, pe)
			return
		}
		paired.FilledSize = paired.FilledSize.Add(ack.FilledQuantity)
	case diff.Sign() < 0:
		// Paired leg overshot: trim the excess reduce-only.
		if _, err := c.venues.PlaceOrder(ctx, paired.Venue, venue.OrderRequest{
			ClientID:   domain.NewID(),
			Symbol:     paired.Symbol,
			Side:       paired.Side.Opposite(),
			Type:       domain.OrderMarket,
			Quantity:   diff.Neg(),
			ReduceOnly: true,
		}); err != nil {
			log.Error().Err(err).Str("venue", paired.Venue).Msg("hedge trim order failed")
		}
		paired.FilledSize = target
	}
	paired.State = domain.OrderFilled
	if paired.FillTimeMs == 0 {
		paired.FillTimeMs = now.Sub(paired.SubmittedAt).Milliseconds()
	}

	for _, o := range []*domain.Order{stale, paired} {
		if err := c.repo.Orders.Update(ctx, *o); err != nil {
			log.Error().Err(err).Str("order_id", o.ID).Msg("failed to persist hedge adjustment")
		}
	}
	c.audit(ctx, pe.allocationID, "", "hedge_adjustment", stale.Venue, stale.Symbol,
		fmt.Sprintf("accepted stale fill %s, paired leg rebalanced to match", target))
	c.countRepair("hedge_adjustment")

	log.Warn().
		Str("allocation_id", pe.allocationID).
		Str("symbol", pe.symbol).
		Str("hedged_size", target.String()).
		Msg("stale partial fill accepted, legs rebalanced")
}

// unwindExpiredPair cancels whatever is still working and closes both
// filled portions reduce-only.
func (c *Coordinator) unwindExpiredPair(ctx context.Context, pe *pairedExecution) {
	c.mu.Lock()
	delete(c.tracked, pe.allocationID)
	c.mu.Unlock()

	for _, o := range []*domain.Order{pe.long, pe.short} {
		if orderOpen(o) {
			if err := c.venues.CancelOrder(ctx, o.Venue, o.Symbol, o.ExchangeOrderID); err != nil {
				log.Error().Err(err).Str("order_id", o.ID).Msg("failed to cancel expired leg")
			}
		}
		if o.FilledSize.Sign() > 0 {
			if _, err := c.venues.PlaceOrder(ctx, o.Venue, venue.OrderRequest{
				ClientID:   domain.NewID(),
				Symbol:     o.Symbol,
				Side:       o.Side.Opposite(),
				Type:       domain.OrderMarket,
				Quantity:   o.FilledSize,
				ReduceOnly: true,
			}); err != nil {
				log.Error().Err(err).Str("order_id", o.ID).
					Msg("EMERGENCY: failed to unwind expired leg, manual intervention required")
			}
		}
		o.State = domain.OrderCancelled
		o.Error = "fill window expired"
		if err := c.repo.Orders.Update(ctx, *o); err != nil {
			log.Error().Err(err).Str("order_id", o.ID).Msg("failed to persist expired order")
		}
	}

	c.audit(ctx, pe.allocationID, "", "fill_window_expired", "", pe.symbol,
		"both legs cancelled and filled portions closed reduce-only")
	c.countRepair("max_age_unwind")

	if err := c.reportFailure(ctx, pe.allocationID, *pe.long, *pe.short, "fill window expired"); err != nil {
		log.Error().Err(err).Str("allocation_id", pe.allocationID).Msg("failed to report expired execution")
	}
}

func orderOpen(o *domain.Order) bool {
	return o.State == domain.OrderSubmitted || o.State == domain.OrderPartial
}

func fillRatio(o *domain.Order) decimal.Decimal {
	if o.Size.Sign() <= 0 {
		return decimal.Zero
	}
	return o.FilledSize.Div(o.Size)
}
