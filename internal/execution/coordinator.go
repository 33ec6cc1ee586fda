// Package execution opens and closes paired positions: concurrent
// two-leg submission, the partial-fill repair ladder, leg-sync
// correction, and the reduce-only close protocol.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/fundarb/fundarb/internal/bus"
	"github.com/fundarb/fundarb/internal/config"
	"github.com/fundarb/fundarb/internal/domain"
	"github.com/fundarb/fundarb/internal/metrics"
	"github.com/fundarb/fundarb/internal/persistence"
	"github.com/fundarb/fundarb/internal/venue"
)

// StatusView is the slice of the risk controller's mode the coordinator
// gates submissions on.
type StatusView interface {
	Running() bool
	Mode() domain.RiskMode
}

// pairedExecution is one in-flight two-leg open. The submission path
// hands the pair to the fill loop exactly once; after that only the
// loop mutates the orders.
type pairedExecution struct {
	allocationID string
	symbol       string
	long         *domain.Order
	short        *domain.Order
	submittedAt  time.Time
	hedged       bool // stale-fill hedge adjustment already applied
}

// Coordinator is the C4 execution coordinator.
type Coordinator struct {
	settings *config.Settings
	venues   *venue.Registry
	repo     *persistence.Repository
	bus      bus.Bus
	status   StatusView
	metrics  *metrics.Registry // nil disables instrumentation

	mu      sync.Mutex
	tracked map[string]*pairedExecution // by allocation id
}

// NewCoordinator creates the coordinator. m may be nil.
func NewCoordinator(settings *config.Settings, venues *venue.Registry, repo *persistence.Repository, b bus.Bus, status StatusView, m *metrics.Registry) *Coordinator {
	return &Coordinator{
		settings: settings,
		venues:   venues,
		repo:     repo,
		bus:      b,
		status:   status,
		metrics:  m,
		tracked:  make(map[string]*pairedExecution),
	}
}

// HandleExecutionRequest opens a paired position for an allocation.
// Failures are reported over execution.result, never as handler errors,
// so the allocator can release capital.
func (c *Coordinator) HandleExecutionRequest(ctx context.Context, req domain.ExecutionRequest) error {
	cfg := c.settings.Snapshot()

	if err := c.preTradeGate(cfg, req); err != nil {
		return c.reportFailure(ctx, req.AllocationID, domain.Order{}, domain.Order{}, err.Error())
	}

	qty, longQuote, shortQuote, err := c.sizeOrders(ctx, cfg, req)
	if err != nil {
		return c.reportFailure(ctx, req.AllocationID, domain.Order{}, domain.Order{}, err.Error())
	}

	now := time.Now().UTC()
	long := &domain.Order{
		ID: domain.NewID(), AllocationID: req.AllocationID,
		Venue: req.LongVenue, Symbol: req.Symbol,
		Side: domain.SideBuy, Type: domain.OrderMarket,
		Size: qty, ExpectedPrice: longQuote.Ask,
		State: domain.OrderPending, SubmittedAt: now,
	}
	short := &domain.Order{
		ID: domain.NewID(), AllocationID: req.AllocationID,
		Venue: req.ShortVenue, Symbol: req.Symbol,
		Side: domain.SideSell, Type: domain.OrderMarket,
		Size: qty, ExpectedPrice: shortQuote.Bid,
		State: domain.OrderPending, SubmittedAt: now,
	}
	long.PairedOrderID = short.ID
	short.PairedOrderID = long.ID

	if err := c.repo.Orders.Insert(ctx, *long); err != nil {
		return c.reportFailure(ctx, req.AllocationID, *long, *short, fmt.Sprintf("failed to persist long order: %v", err))
	}
	if err := c.repo.Orders.Insert(ctx, *short); err != nil {
		return c.reportFailure(ctx, req.AllocationID, *long, *short, fmt.Sprintf("failed to persist short order: %v", err))
	}

	// Both legs fan out concurrently; a one-sided fill is repaired below.
	var wg sync.WaitGroup
	var longErr, shortErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		longErr = c.submitLeg(ctx, cfg, long)
	}()
	go func() {
		defer wg.Done()
		shortErr = c.submitLeg(ctx, cfg, short)
	}()
	wg.Wait()

	switch {
	case longErr == nil && shortErr == nil:
		pe := &pairedExecution{
			allocationID: req.AllocationID,
			symbol:       req.Symbol,
			long:         long,
			short:        short,
			submittedAt:  now,
		}
		if long.State == domain.OrderFilled && short.State == domain.OrderFilled {
			return c.finalize(ctx, cfg, pe)
		}
		c.mu.Lock()
		c.tracked[req.AllocationID] = pe
		c.mu.Unlock()
		return nil

	case longErr != nil && shortErr != nil:
		c.countLegFailure(req.LongVenue)
		c.countLegFailure(req.ShortVenue)
		return c.reportFailure(ctx, req.AllocationID, *long, *short,
			fmt.Sprintf("both legs failed: long: %v; short: %v", longErr, shortErr))

	case longErr != nil:
		c.countLegFailure(req.LongVenue)
		c.emergencyCloseLeg(ctx, cfg, short, "long leg failed")
		return c.reportFailure(ctx, req.AllocationID, *long, *short,
			fmt.Sprintf("long leg failed, short leg emergency-closed: %v", longErr))

	default:
		c.countLegFailure(req.ShortVenue)
		c.emergencyCloseLeg(ctx, cfg, long, "short leg failed")
		return c.reportFailure(ctx, req.AllocationID, *long, *short,
			fmt.Sprintf("short leg failed, long leg emergency-closed: %v", shortErr))
	}
}

func (c *Coordinator) preTradeGate(cfg config.Config, req domain.ExecutionRequest) error {
	if !c.status.Running() {
		return fmt.Errorf("system is not running")
	}
	if c.status.Mode() == domain.ModeEmergency {
		return fmt.Errorf("risk mode is emergency")
	}
	if req.SizeUSD.GreaterThan(cfg.Execution.MaxPositionSizeUSD) {
		return fmt.Errorf("size %s exceeds per-position cap %s",
			req.SizeUSD.Round(2), cfg.Execution.MaxPositionSizeUSD)
	}
	return nil
}

// sizeOrders converts the USD size into a base quantity honoring both
// venues' minimum order sizes.
func (c *Coordinator) sizeOrders(ctx context.Context, cfg config.Config, req domain.ExecutionRequest) (decimal.Decimal, domain.Quote, domain.Quote, error) {
	longQuote, err := c.venues.Ticker(ctx, req.LongVenue, req.Symbol)
	if err != nil {
		// Price discovery falls back to the short venue.
		longQuote, err = c.venues.Ticker(ctx, req.ShortVenue, req.Symbol)
		if err != nil {
			return decimal.Zero, domain.Quote{}, domain.Quote{}, fmt.Errorf("no price available: %w", err)
		}
	}
	shortQuote, err := c.venues.Ticker(ctx, req.ShortVenue, req.Symbol)
	if err != nil {
		shortQuote = longQuote
	}

	price := midPrice(longQuote)
	if price.Sign() <= 0 {
		return decimal.Zero, domain.Quote{}, domain.Quote{}, fmt.Errorf("invalid price for %s", req.Symbol)
	}
	qty := req.SizeUSD.Div(price)

	for _, slug := range []string{req.LongVenue, req.ShortVenue} {
		minQty, err := c.venues.MinOrderSize(ctx, slug, req.Symbol)
		if err != nil {
			return decimal.Zero, domain.Quote{}, domain.Quote{}, fmt.Errorf("failed to fetch min order size: %w", err)
		}
		if minQty.LessThanOrEqual(qty) {
			continue
		}
		minNotional := minQty.Mul(price)
		if minNotional.GreaterThan(req.SizeUSD.Mul(decimal.NewFromInt(2))) {
			return decimal.Zero, domain.Quote{}, domain.Quote{}, fmt.Errorf(
				"minimum order notional %s on %s exceeds twice the requested size %s",
				minNotional.Round(2), slug, req.SizeUSD.Round(2))
		}
		qty = minQty // round up to the venue minimum
	}
	return qty, longQuote, shortQuote, nil
}

// submitLeg places one order and applies the venue's ack. The order is
// already persisted in PENDING.
func (c *Coordinator) submitLeg(ctx context.Context, cfg config.Config, o *domain.Order) error {
	ack, err := c.venues.PlaceOrder(ctx, o.Venue, venue.OrderRequest{
		ClientID: o.ID,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Type:     o.Type,
		Quantity: o.Size,
		Price:    o.RequestedPrice,
	})
	if err != nil {
		o.State = domain.OrderFailed
		o.Error = err.Error()
		if uerr := c.repo.Orders.Update(ctx, *o); uerr != nil {
			log.Error().Err(uerr).Str("order_id", o.ID).Msg("failed to persist failed order")
		}
		c.audit(ctx, o.AllocationID, "", "order_failed", o.Venue, o.Symbol, err.Error())
		return err
	}

	o.ExchangeOrderID = ack.ExchangeOrderID
	o.State = ack.State
	applyFill(o, ack, cfg, time.Now().UTC())

	if err := c.repo.Orders.Update(ctx, *o); err != nil {
		log.Error().Err(err).Str("order_id", o.ID).Msg("failed to persist submitted order")
	}
	c.audit(ctx, o.AllocationID, "", "order_submitted", o.Venue, o.Symbol,
		fmt.Sprintf("%s %s %s, state %s", o.Side, o.Size, o.Symbol, o.State))
	return nil
}

// applyFill folds an ack into the order: filled quantity, average
// price, signed slippage, taker fee, and fill time.
func applyFill(o *domain.Order, ack venue.OrderAck, cfg config.Config, now time.Time) {
	o.FilledSize = ack.FilledQuantity
	if ack.AvgFillPrice.Sign() > 0 {
		o.AvgFillPrice = ack.AvgFillPrice
	}
	if ack.State != "" {
		o.State = ack.State
	}
	if o.FilledSize.Sign() <= 0 {
		return
	}

	o.SlippagePct = signedSlippagePct(o.Side, o.ExpectedPrice, o.AvgFillPrice)
	if vc, ok := cfg.VenueBySlug(o.Venue); ok {
		o.Fee = o.FilledSize.Mul(o.AvgFillPrice).Mul(vc.PerpTakerFee)
	}
	if o.State == domain.OrderFilled && o.FillTimeMs == 0 {
		o.FillTimeMs = now.Sub(o.SubmittedAt).Milliseconds()
	}
}

// signedSlippagePct is positive when the fill was worse than expected:
// buys above the expected price, sells below it.
func signedSlippagePct(side domain.Side, expected, fill decimal.Decimal) decimal.Decimal {
	if expected.Sign() <= 0 || fill.Sign() <= 0 {
		return decimal.Zero
	}
	var diff decimal.Decimal
	if side == domain.SideBuy {
		diff = fill.Sub(expected)
	} else {
		diff = expected.Sub(fill)
	}
	return diff.Div(expected).Mul(decimal.NewFromInt(100))
}

// finalize runs the leg-sync check, persists the position, and
// announces success.
func (c *Coordinator) finalize(ctx context.Context, cfg config.Config, pe *pairedExecution) error {
	c.legSyncCheck(ctx, cfg, pe)

	entryPrice := pe.long.AvgFillPrice
	if entryPrice.Sign() <= 0 {
		entryPrice = pe.long.ExpectedPrice
	}
	filled := decimal.Min(pe.long.FilledSize, pe.short.FilledSize)

	p := domain.Position{
		ID:           domain.NewID(),
		Symbol:       pe.symbol,
		LongVenue:    pe.long.Venue,
		ShortVenue:   pe.short.Venue,
		SizeUSD:      filled.Mul(entryPrice),
		State:        domain.PositionActive,
		Health:       domain.HealthHealthy,
		EntryPrice:   entryPrice,
		CurrentPrice: entryPrice,
		OpenedAt:     time.Now().UTC(),
	}
	if err := c.repo.Positions.Insert(ctx, p); err != nil {
		return fmt.Errorf("failed to persist position: %w", err)
	}

	c.audit(ctx, pe.allocationID, p.ID, "position_opened", "", pe.symbol,
		fmt.Sprintf("paired fill complete, size %s USD", p.SizeUSD.Round(2)))
	c.countExecution("opened")
	c.observeSlippage(pe.long)
	c.observeSlippage(pe.short)

	log.Info().
		Str("allocation_id", pe.allocationID).
		Str("position_id", p.ID).
		Str("symbol", pe.symbol).
		Str("size_usd", p.SizeUSD.Round(2).String()).
		Msg("position opened")

	if err := c.bus.Publish(ctx, domain.TopicExecutionResult, domain.ExecutionResult{
		AllocationID: pe.allocationID,
		PositionID:   p.ID,
		Success:      true,
		LongOrder:    *pe.long,
		ShortOrder:   *pe.short,
	}); err != nil {
		return err
	}
	return c.bus.Publish(ctx, domain.TopicPositionOpened, domain.PositionOpened{
		Position:     p,
		AllocationID: pe.allocationID,
	})
}

// legSyncCheck trims the larger leg when the fills diverged beyond
// tolerance.
func (c *Coordinator) legSyncCheck(ctx context.Context, cfg config.Config, pe *pairedExecution) {
	longFilled, shortFilled := pe.long.FilledSize, pe.short.FilledSize
	if longFilled.Sign() <= 0 || shortFilled.Sign() <= 0 {
		return
	}
	minFill, maxFill := decimal.Min(longFilled, shortFilled), decimal.Max(longFilled, shortFilled)
	syncRatio := minFill.Div(maxFill)
	if syncRatio.GreaterThanOrEqual(decimal.NewFromInt(1).Sub(cfg.Execution.LegSyncTolerance)) {
		return
	}

	larger := pe.long
	if shortFilled.GreaterThan(longFilled) {
		larger = pe.short
	}
	excess := maxFill.Sub(minFill)

	log.Warn().
		Str("allocation_id", pe.allocationID).
		Str("venue", larger.Venue).
		Str("sync_ratio", syncRatio.Round(4).String()).
		Str("excess", excess.String()).
		Msg("leg fills out of sync, trimming larger leg")

	if _, err := c.venues.PlaceOrder(ctx, larger.Venue, venue.OrderRequest{
		ClientID:   domain.NewID(),
		Symbol:     larger.Symbol,
		Side:       larger.Side.Opposite(),
		Type:       domain.OrderMarket,
		Quantity:   excess,
		ReduceOnly: true,
	}); err != nil {
		log.Error().Err(err).Str("venue", larger.Venue).Msg("leg-sync correction order failed")
		return
	}
	larger.FilledSize = minFill
	if err := c.repo.Orders.Update(ctx, *larger); err != nil {
		log.Error().Err(err).Str("order_id", larger.ID).Msg("failed to persist leg-sync trim")
	}
	c.audit(ctx, pe.allocationID, "", "leg_sync_correction", larger.Venue, larger.Symbol,
		fmt.Sprintf("trimmed %s excess, sync ratio was %s", excess, syncRatio.Round(4)))
	c.countRepair("leg_sync")
}

// emergencyCloseLeg unwinds the surviving leg of a one-sided open:
// cancel anything still working, then reduce-only close the filled part.
func (c *Coordinator) emergencyCloseLeg(ctx context.Context, cfg config.Config, o *domain.Order, reason string) {
	if o.State == domain.OrderSubmitted || o.State == domain.OrderPartial {
		if err := c.venues.CancelOrder(ctx, o.Venue, o.Symbol, o.ExchangeOrderID); err != nil {
			log.Error().Err(err).Str("order_id", o.ID).Msg("failed to cancel surviving leg")
		}
		if ack, err := c.venues.OrderStatus(ctx, o.Venue, o.ExchangeOrderID); err == nil {
			applyFill(o, ack, cfg, time.Now().UTC())
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
				Msg("EMERGENCY: failed to close surviving leg, manual intervention required")
		}
	}

	o.State = domain.OrderCancelled
	o.Error = reason
	if err := c.repo.Orders.Update(ctx, *o); err != nil {
		log.Error().Err(err).Str("order_id", o.ID).Msg("failed to persist emergency close")
	}
	c.audit(ctx, o.AllocationID, "", "emergency_close", o.Venue, o.Symbol, reason)
	c.countExecution("emergency_close")
}

// reportFailure publishes a failed execution result. The allocator
// reacts by failing the allocation and releasing capital.
func (c *Coordinator) reportFailure(ctx context.Context, allocationID string, long, short domain.Order, reason string) error {
	log.Error().
		Str("allocation_id", allocationID).
		Str("reason", reason).
		Msg("execution failed")
	c.countExecution("failed")

	bus.PublishActivity(ctx, c.bus, domain.Activity{
		Service:   "execution",
		Type:      "execution_failed",
		Level:     domain.ActivityError,
		Symbol:    long.Symbol,
		Narrative: "Execution aborted: " + reason,
	})
	return c.bus.Publish(ctx, domain.TopicExecutionResult, domain.ExecutionResult{
		AllocationID: allocationID,
		Success:      false,
		Error:        reason,
		LongOrder:    long,
		ShortOrder:   short,
	})
}

func (c *Coordinator) audit(ctx context.Context, allocationID, positionID, action, venueSlug, symbol, detail string) {
	if err := c.repo.Audit.Insert(ctx, persistence.AuditEntry{
		AllocationID: allocationID,
		PositionID:   positionID,
		Action:       action,
		Venue:        venueSlug,
		Symbol:       symbol,
		Detail:       detail,
		OccurredAt:   time.Now().UTC(),
	}); err != nil {
		log.Error().Err(err).Str("action", action).Msg("failed to write audit entry")
	}
}

func (c *Coordinator) countExecution(result string) {
	if c.metrics != nil {
		c.metrics.ExecutionsTotal.WithLabelValues(result).Inc()
	}
}

func (c *Coordinator) countLegFailure(venueSlug string) {
	if c.metrics != nil {
		c.metrics.LegFailuresTotal.WithLabelValues(venueSlug).Inc()
	}
}

func (c *Coordinator) countRepair(kind string) {
	if c.metrics != nil {
		c.metrics.FillRepairsTotal.WithLabelValues(kind).Inc()
	}
}

func (c *Coordinator) observeSlippage(o *domain.Order) {
	if c.metrics == nil || o.FilledSize.Sign() <= 0 {
		return
	}
	f, _ := o.SlippagePct.Float64()
	c.metrics.OrderSlippage.WithLabelValues(o.Venue).Observe(f)
}

func midPrice(q domain.Quote) decimal.Decimal {
	if q.Bid.Sign() > 0 && q.Ask.Sign() > 0 {
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	}
	if q.Last.Sign() > 0 {
		return q.Last
	}
	return q.Mark
}
