// Package position manages the live position set: health monitoring,
// funding accrual, price refresh, state publication, and leg rebalance
// checks. Each concern runs as one periodic loop that iterates every
// tracked position, not one goroutine per position.
package position

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
	"github.com/fundarb/fundarb/internal/marketstate"
	"github.com/fundarb/fundarb/internal/metrics"
	"github.com/fundarb/fundarb/internal/persistence"
	"github.com/fundarb/fundarb/internal/venue"
)

const correlationWindow = 60

// trackedPosition is the manager's working state for one open position.
// All fields are guarded by Manager.mu.
type trackedPosition struct {
	p        domain.Position
	forecast *Forecaster

	exitRequested  bool
	reversionNoted bool
	nextAccrual    time.Time
	lastRebalance  time.Time

	liqDistPct decimal.Decimal
	hasLiqData bool
	longQty    decimal.Decimal
	shortQty   decimal.Decimal
	longPx     []float64
	shortPx    []float64
}

// event is an outbound publish deferred until the tick lock is released.
type event struct {
	topic   string
	payload any
}

// Manager is the position manager (the engine's C-side of open trades).
type Manager struct {
	settings *config.Settings
	cache    *marketstate.Cache
	venues   *venue.Registry
	repo     *persistence.Repository
	bus      bus.Bus
	metrics  *metrics.Registry

	mu      sync.Mutex
	tracked map[string]*trackedPosition
	closed  map[string]time.Time
}

// NewManager wires the manager. metrics may be nil in tests.
func NewManager(settings *config.Settings, cache *marketstate.Cache, venues *venue.Registry,
	repo *persistence.Repository, b bus.Bus, reg *metrics.Registry) *Manager {
	return &Manager{
		settings: settings,
		cache:    cache,
		venues:   venues,
		repo:     repo,
		bus:      b,
		metrics:  reg,
		tracked:  make(map[string]*trackedPosition),
		closed:   make(map[string]time.Time),
	}
}

// Run drives the five periodic loops until the context ends.
func (m *Manager) Run(ctx context.Context) {
	cfg := m.settings.Snapshot().Position

	loops := []struct {
		name  string
		every time.Duration
		tick  func(context.Context, time.Time)
	}{
		{"health", cfg.HealthInterval, m.healthTick},
		{"funding", cfg.FundingInterval, m.fundingTick},
		{"price", cfg.PriceInterval, m.priceTick},
		{"publish", cfg.PublishInterval, m.publishTick},
		{"rebalance", cfg.RebalanceCheckInterval, m.rebalanceTick},
	}

	var wg sync.WaitGroup
	for _, l := range loops {
		wg.Add(1)
		go func(name string, every time.Duration, tick func(context.Context, time.Time)) {
			defer wg.Done()
			log.Debug().Str("loop", name).Dur("interval", every).Msg("position loop started")
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					tick(ctx, now.UTC())
				}
			}
		}(l.name, l.every, l.tick)
	}
	wg.Wait()
}

// Recover re-registers open positions from the store after a restart.
func (m *Manager) Recover(ctx context.Context) error {
	open, err := m.repo.Positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open positions: %w", err)
	}

	m.mu.Lock()
	for _, p := range open {
		if p.State != domain.PositionActive {
			continue
		}
		m.tracked[p.ID] = m.newTrackedLocked(p)
	}
	count := len(m.tracked)
	m.mu.Unlock()

	log.Info().Int("positions", count).Msg("position manager recovered open positions")
	return nil
}

// HandlePositionOpened registers a freshly opened position. The entry
// spread is captured here if execution did not set one; that value is
// frozen for the life of the position.
func (m *Manager) HandlePositionOpened(ctx context.Context, evt domain.PositionOpened) error {
	p := evt.Position
	if p.State == domain.PositionClosed || p.State == domain.PositionClosing {
		return nil
	}

	m.mu.Lock()
	if _, dup := m.tracked[p.ID]; dup {
		m.mu.Unlock()
		return nil
	}
	if _, wasClosed := m.closed[p.ID]; wasClosed {
		m.mu.Unlock()
		return nil // late redelivery after the close already settled
	}

	if p.EntrySpread.IsZero() {
		if longRate, ok := m.cache.FundingRate(p.LongVenue, p.Symbol); ok {
			if shortRate, ok := m.cache.FundingRate(p.ShortVenue, p.Symbol); ok {
				p.EntrySpread = shortRate.Rate.Sub(longRate.Rate)
				p.CurrentSpread = p.EntrySpread
				p.LongRate = longRate.Rate
				p.ShortRate = shortRate.Rate
			}
		}
	}
	m.tracked[p.ID] = m.newTrackedLocked(p)
	m.mu.Unlock()

	if err := m.repo.Positions.Update(ctx, p); err != nil {
		log.Error().Err(err).Str("position_id", p.ID).Msg("failed to persist entry spread")
	}
	m.interaction(ctx, p, domain.ActivityInfo, "position_registered",
		fmt.Sprintf("tracking %s %s/%s, entry spread %s", p.Symbol, p.LongVenue, p.ShortVenue, p.EntrySpread),
		map[string]string{"entry_spread": p.EntrySpread.String(), "size_usd": p.SizeUSD.String()})

	log.Info().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Str("entry_spread", p.EntrySpread.String()).
		Msg("position registered")
	return nil
}

// HandlePositionClosed drops the position from the tracked set.
func (m *Manager) HandlePositionClosed(ctx context.Context, evt domain.PositionClosedEvent) error {
	m.mu.Lock()
	delete(m.tracked, evt.Position.ID)
	m.closed[evt.Position.ID] = time.Now().UTC()
	m.mu.Unlock()
	return nil
}

func (m *Manager) newTrackedLocked(p domain.Position) *trackedPosition {
	return &trackedPosition{p: p, forecast: NewForecaster()}
}

// healthTick refreshes each position's spread view and runs the health
// machine. Publishes are deferred until the lock is released because
// the in-memory bus delivers synchronously.
func (m *Manager) healthTick(ctx context.Context, now time.Time) {
	cfg := m.settings.Snapshot().Position
	var out []event

	m.mu.Lock()
	for _, tp := range m.tracked {
		out = append(out, m.checkHealthLocked(ctx, cfg, tp, now)...)
	}
	m.mu.Unlock()

	m.publish(ctx, out)
}

func (m *Manager) checkHealthLocked(ctx context.Context, cfg config.PositionConfig, tp *trackedPosition, now time.Time) []event {
	p := &tp.p
	if p.State != domain.PositionActive {
		return nil
	}

	longRate, okL := m.cache.FundingRate(p.LongVenue, p.Symbol)
	shortRate, okS := m.cache.FundingRate(p.ShortVenue, p.Symbol)
	if !okL || !okS {
		log.Debug().Str("position_id", p.ID).Msg("funding rates unavailable, skipping health tick")
		return nil
	}

	p.LongRate = longRate.Rate
	p.ShortRate = shortRate.Rate
	p.CurrentSpread = shortRate.Rate.Sub(longRate.Rate)
	p.SecondsToFunding = secondsToNextFunding(longRate, shortRate, now)

	p.SpreadHistory = append(p.SpreadHistory, domain.SpreadSample{
		Spread:    p.CurrentSpread,
		LongRate:  longRate.Rate,
		ShortRate: shortRate.Rate,
		Price:     p.CurrentPrice,
		Timestamp: now,
	})
	if len(p.SpreadHistory) > cfg.SpreadHistorySize {
		p.SpreadHistory = p.SpreadHistory[len(p.SpreadHistory)-cfg.SpreadHistorySize:]
	}
	p.SpreadDrawdownPct = spreadDrawdown(p.SpreadHistory, p.CurrentSpread)
	p.SpreadTrend = spreadTrend(p.SpreadHistory)

	sf, _ := p.CurrentSpread.Float64()
	tp.forecast.Observe(sf, now)

	var out []event
	out = append(out, m.noteReversionLocked(ctx, tp)...)

	health, exitReason, reason := evaluateHealth(cfg, healthInput{
		Spread:            p.CurrentSpread,
		EntrySpread:       p.EntrySpread,
		UnrealizedPnL:     p.UnrealizedPnL,
		SizeUSD:           p.SizeUSD,
		DeltaExposurePct:  p.DeltaExposurePct,
		LiqDistancePct:    tp.liqDistPct,
		HasLiqData:        tp.hasLiqData,
		SpreadDrawdownPct: p.SpreadDrawdownPct,
		FundingPeriods:    p.FundingPeriods,
		SecondsToFunding:  p.SecondsToFunding,
	})

	switch health {
	case domain.HealthDegraded:
		if p.DegradedSince.IsZero() {
			p.DegradedSince = now
		} else if now.Sub(p.DegradedSince) >= cfg.DegradedTimeout {
			health = domain.HealthCritical
			exitReason = domain.ExitDegradedTimeout
			reason = fmt.Sprintf("degraded for %s without recovering", now.Sub(p.DegradedSince).Round(time.Second))
		}
	case domain.HealthHealthy:
		p.DegradedSince = time.Time{}
	}

	if health != p.Health {
		from := p.Health
		p.Health = health
		out = append(out, event{domain.TopicHealthChanged, domain.HealthChanged{
			PositionID: p.ID,
			Symbol:     p.Symbol,
			From:       from,
			To:         health,
			Reason:     reason,
		}})
		level := domain.ActivityInfo
		if health != domain.HealthHealthy {
			level = domain.ActivityWarning
		}
		m.interaction(ctx, *p, level, "health_changed",
			fmt.Sprintf("health %s -> %s: %s", from, health, reason),
			map[string]string{"spread": p.CurrentSpread.String(), "drawdown_pct": p.SpreadDrawdownPct.Round(2).String()})
		log.Warn().
			Str("position_id", p.ID).
			Str("symbol", p.Symbol).
			Str("from", string(from)).
			Str("to", string(health)).
			Str("reason", reason).
			Msg("position health changed")
	}

	if health == domain.HealthCritical && !tp.exitRequested {
		tp.exitRequested = true
		p.ExitReason = exitReason
		out = append(out,
			event{domain.TopicExitTriggered, domain.ExitTriggered{
				PositionID: p.ID,
				Symbol:     p.Symbol,
				Reason:     exitReason,
			}},
			event{domain.TopicCloseRequest, domain.CloseRequest{
				PositionID: p.ID,
				Symbol:     p.Symbol,
				Reason:     exitReason,
				Initiator:  "position-manager",
			}},
		)
	}

	if err := m.repo.Spreads.Insert(ctx, persistence.SpreadSnapshot{
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Spread:     p.CurrentSpread,
		LongRate:   longRate.Rate,
		ShortRate:  shortRate.Rate,
		Trend:      string(p.SpreadTrend),
		ObservedAt: now,
	}); err != nil {
		log.Error().Err(err).Str("position_id", p.ID).Msg("failed to persist spread snapshot")
	}
	if err := m.repo.Positions.Update(ctx, *p); err != nil {
		log.Error().Err(err).Str("position_id", p.ID).Msg("failed to persist position health")
	}
	return out
}

// noteReversionLocked records one interaction per mean-reversion
// episode, advisory only.
func (m *Manager) noteReversionLocked(ctx context.Context, tp *trackedPosition) []event {
	z, extreme := tp.forecast.MeanReversion()
	if !extreme {
		tp.reversionNoted = false
		return nil
	}
	if tp.reversionNoted {
		return nil
	}
	tp.reversionNoted = true
	m.interaction(ctx, tp.p, domain.ActivityInfo, "spread_reversion_signal",
		fmt.Sprintf("spread z-score %.2f, reversion toward the mean likely", z),
		map[string]string{"z_score": fmt.Sprintf("%.2f", z)})
	return nil
}

// fundingTick accrues funding for every settlement boundary crossed
// since the last tick. Received and paid totals only grow; direction
// is folded into which bucket an amount lands in.
func (m *Manager) fundingTick(ctx context.Context, now time.Time) {
	var out []event

	m.mu.Lock()
	for _, tp := range m.tracked {
		out = append(out, m.accrueFundingLocked(ctx, tp, now)...)
	}
	m.mu.Unlock()

	m.publish(ctx, out)
}

func (m *Manager) accrueFundingLocked(ctx context.Context, tp *trackedPosition, now time.Time) []event {
	p := &tp.p
	if p.State != domain.PositionActive {
		return nil
	}

	longRate, okL := m.cache.FundingRate(p.LongVenue, p.Symbol)
	shortRate, okS := m.cache.FundingRate(p.ShortVenue, p.Symbol)
	if !okL || !okS {
		return nil
	}

	interval := fundingInterval(longRate, shortRate)
	if tp.nextAccrual.IsZero() {
		tp.nextAccrual = firstAccrual(longRate, shortRate, p.OpenedAt, interval)
	}

	var out []event
	for !tp.nextAccrual.After(now) {
		settledAt := tp.nextAccrual
		tp.nextAccrual = tp.nextAccrual.Add(interval)

		shortAmt := shortRate.Rate.Mul(p.SizeUSD)
		longAmt := longRate.Rate.Mul(p.SizeUSD)

		if shortAmt.Sign() >= 0 {
			p.FundingReceived = p.FundingReceived.Add(shortAmt)
		} else {
			p.FundingPaid = p.FundingPaid.Add(shortAmt.Neg())
		}
		if longAmt.Sign() >= 0 {
			p.FundingPaid = p.FundingPaid.Add(longAmt)
		} else {
			p.FundingReceived = p.FundingReceived.Add(longAmt.Neg())
		}
		p.FundingPeriods++

		for _, row := range []persistence.FundingPayment{
			{PositionID: p.ID, Venue: p.ShortVenue, Symbol: p.Symbol, AmountUSD: shortAmt, Rate: shortRate.Rate, PaidAt: settledAt},
			{PositionID: p.ID, Venue: p.LongVenue, Symbol: p.Symbol, AmountUSD: longAmt.Neg(), Rate: longRate.Rate, PaidAt: settledAt},
		} {
			if err := m.repo.Funding.Insert(ctx, row); err != nil {
				log.Error().Err(err).Str("position_id", p.ID).Msg("failed to persist funding payment")
			}
		}
		m.countFunding(p.ShortVenue, shortAmt)
		m.countFunding(p.LongVenue, longAmt.Neg())

		net := shortAmt.Sub(longAmt)
		out = append(out, event{domain.TopicActivity, domain.Activity{
			Service:    "position-manager",
			Type:       "funding_accrued",
			Level:      domain.ActivityInfo,
			Symbol:     p.Symbol,
			PositionID: p.ID,
			Narrative:  fmt.Sprintf("funding period %d settled, net %s USD", p.FundingPeriods, net.Round(4)),
			Metrics: map[string]string{
				"net_usd":   net.Round(4).String(),
				"periods":   fmt.Sprintf("%d", p.FundingPeriods),
				"long_rate": longRate.Rate.String(), "short_rate": shortRate.Rate.String(),
			},
			Timestamp: settledAt,
		}})
	}

	if len(out) > 0 {
		if err := m.repo.Positions.Update(ctx, *p); err != nil {
			log.Error().Err(err).Str("position_id", p.ID).Msg("failed to persist funding accrual")
		}
	}
	return out
}

// priceTick refreshes marks, unrealized P&L, delta and drift from the
// venues' live books. Venue RPCs run outside the lock.
func (m *Manager) priceTick(ctx context.Context, now time.Time) {
	m.mu.Lock()
	venueSet := make(map[string]struct{})
	for _, tp := range m.tracked {
		venueSet[tp.p.LongVenue] = struct{}{}
		venueSet[tp.p.ShortVenue] = struct{}{}
	}
	m.mu.Unlock()

	legs := make(map[string]map[string]venue.Position)
	for slug := range venueSet {
		live, err := m.venues.Positions(ctx, slug)
		if err != nil {
			log.Warn().Err(err).Str("venue", slug).Msg("live position fetch failed, keeping last view")
			continue
		}
		bySymbol := make(map[string]venue.Position, len(live))
		for _, lp := range live {
			bySymbol[lp.Symbol] = lp
		}
		legs[slug] = bySymbol
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tp := range m.tracked {
		m.refreshPricingLocked(ctx, tp, legs)
	}
}

func (m *Manager) refreshPricingLocked(ctx context.Context, tp *trackedPosition, legs map[string]map[string]venue.Position) {
	p := &tp.p
	if p.State != domain.PositionActive {
		return
	}

	longQuote, okLQ := m.cache.Quote(p.LongVenue, p.Symbol)
	shortQuote, okSQ := m.cache.Quote(p.ShortVenue, p.Symbol)
	switch {
	case okLQ:
		p.CurrentPrice = midPrice(longQuote)
	case okSQ:
		p.CurrentPrice = midPrice(shortQuote)
	}
	if okLQ && okSQ {
		lf, _ := midPrice(longQuote).Float64()
		sf, _ := midPrice(shortQuote).Float64()
		tp.longPx = appendCapped(tp.longPx, lf, correlationWindow)
		tp.shortPx = appendCapped(tp.shortPx, sf, correlationWindow)
		if len(tp.longPx) >= 10 {
			p.PriceCorrelation = pearson(tp.longPx, tp.shortPx)
		}
	}

	longLeg, okL := legs[p.LongVenue][p.Symbol]
	shortLeg, okS := legs[p.ShortVenue][p.Symbol]
	if !okL || !okS {
		return
	}

	tp.longQty = longLeg.Quantity
	tp.shortQty = shortLeg.Quantity
	p.UnrealizedPnL = longLeg.UnrealizedPnL.Add(shortLeg.UnrealizedPnL)

	longNotional := longLeg.Quantity.Mul(markOr(longLeg.MarkPrice, p.CurrentPrice))
	shortNotional := shortLeg.Quantity.Mul(markOr(shortLeg.MarkPrice, p.CurrentPrice))
	if p.SizeUSD.Sign() > 0 {
		p.DeltaExposurePct = longNotional.Sub(shortNotional).Abs().
			Div(p.SizeUSD).Mul(decimal.NewFromInt(100))
	}
	maxQty := decimal.Max(longLeg.Quantity, shortLeg.Quantity)
	if maxQty.Sign() > 0 {
		p.LegDriftPct = longLeg.Quantity.Sub(shortLeg.Quantity).Abs().
			Div(maxQty).Mul(decimal.NewFromInt(100))
	}

	tp.liqDistPct, tp.hasLiqData = liquidationDistance(longLeg, shortLeg)

	if err := m.repo.Positions.Update(ctx, *p); err != nil {
		log.Error().Err(err).Str("position_id", p.ID).Msg("failed to persist price refresh")
	}
}

// publishTick broadcasts the refreshed position records and updates the
// position gauges.
func (m *Manager) publishTick(ctx context.Context, now time.Time) {
	var out []event
	healthCounts := map[domain.HealthState]int{
		domain.HealthHealthy:  0,
		domain.HealthDegraded: 0,
		domain.HealthCritical: 0,
	}

	m.mu.Lock()
	for _, tp := range m.tracked {
		out = append(out, event{domain.TopicPositionUpdated, domain.PositionUpdated{Position: tp.p}})
		healthCounts[tp.p.Health]++
	}
	open := len(m.tracked)
	for id, at := range m.closed {
		if now.Sub(at) > time.Hour {
			delete(m.closed, id)
		}
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.OpenPositions.Set(float64(open))
		for state, n := range healthCounts {
			m.metrics.PositionHealth.WithLabelValues(string(state)).Set(float64(n))
		}
	}
	m.publish(ctx, out)
}

// rebalanceTick checks each position's leg drift against the rebalance
// gate and asks execution to trim the larger leg when it clears.
func (m *Manager) rebalanceTick(ctx context.Context, now time.Time) {
	cfg := m.settings.Snapshot().Position
	var out []event

	m.mu.Lock()
	for _, tp := range m.tracked {
		out = append(out, m.checkRebalanceLocked(ctx, cfg, tp, now)...)
	}
	m.mu.Unlock()

	m.publish(ctx, out)
}

func (m *Manager) checkRebalanceLocked(ctx context.Context, cfg config.PositionConfig, tp *trackedPosition, now time.Time) []event {
	p := &tp.p
	if p.State != domain.PositionActive || p.Health == domain.HealthCritical {
		return nil
	}
	if tp.longQty.Sign() <= 0 || tp.shortQty.Sign() <= 0 {
		return nil
	}
	if !p.LegDriftPct.GreaterThan(cfg.MaxLegDriftThreshold) {
		return nil
	}
	if !tp.lastRebalance.IsZero() && now.Sub(tp.lastRebalance) < cfg.RebalanceCooldown {
		return nil
	}
	if p.SecondsToFunding > 0 && p.SecondsToFunding < int64(cfg.MinTimeToFundingExit/time.Second) {
		return nil // too close to settlement, drift is about to pay for itself
	}

	driftFrac := p.LegDriftPct.Div(decimal.NewFromInt(100))
	benefit := p.SizeUSD.Mul(driftFrac).Mul(decimal.NewFromFloat(0.1))
	cost := p.SizeUSD.Mul(decimal.NewFromFloat(0.001)).Mul(decimal.NewFromInt(2))
	if !benefit.GreaterThan(cost) {
		return nil
	}

	excess := tp.longQty.Sub(tp.shortQty).Abs()
	slug := p.LongVenue
	side := domain.SideSell
	if tp.shortQty.GreaterThan(tp.longQty) {
		slug = p.ShortVenue
		side = domain.SideBuy
	}

	tp.lastRebalance = now
	p.RebalanceCount++
	if err := m.repo.Positions.Update(ctx, *p); err != nil {
		log.Error().Err(err).Str("position_id", p.ID).Msg("failed to persist rebalance count")
	}
	m.interaction(ctx, *p, domain.ActivityWarning, "rebalance_requested",
		fmt.Sprintf("leg drift %s%% above %s%%, trimming %s on %s",
			p.LegDriftPct.Round(2), cfg.MaxLegDriftThreshold, excess, slug),
		map[string]string{"drift_pct": p.LegDriftPct.Round(2).String(), "excess": excess.String()})

	log.Info().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Str("venue", slug).
		Str("excess", excess.String()).
		Msg("rebalance gate cleared")

	return []event{{domain.TopicRebalanceRequest, domain.RebalanceRequest{
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Venue:      slug,
		Side:       side,
		Size:       excess,
	}}}
}

func (m *Manager) publish(ctx context.Context, out []event) {
	for _, e := range out {
		if err := m.bus.Publish(ctx, e.topic, e.payload); err != nil {
			log.Error().Err(err).Str("topic", e.topic).Msg("failed to publish position event")
		}
	}
}

// interaction persists one narrative row and mirrors it onto the
// activity topic.
func (m *Manager) interaction(ctx context.Context, p domain.Position, level domain.ActivityLevel, typ, narrative string, metrics map[string]string) {
	now := time.Now().UTC()
	if err := m.repo.Interactions.Insert(ctx, persistence.Interaction{
		Service:    "position-manager",
		Type:       typ,
		Level:      string(level),
		Symbol:     p.Symbol,
		PositionID: p.ID,
		Narrative:  narrative,
		Metrics:    metrics,
		OccurredAt: now,
	}); err != nil {
		log.Error().Err(err).Str("position_id", p.ID).Msg("failed to persist interaction")
	}
	bus.PublishActivity(ctx, m.bus, domain.Activity{
		Service:    "position-manager",
		Type:       typ,
		Level:      level,
		Symbol:     p.Symbol,
		PositionID: p.ID,
		Narrative:  narrative,
		Metrics:    metrics,
		Timestamp:  now,
	})
}

func (m *Manager) countFunding(venueSlug string, amount decimal.Decimal) {
	if m.metrics == nil || amount.Sign() <= 0 {
		return
	}
	f, _ := amount.Float64()
	m.metrics.FundingNetUSD.WithLabelValues(venueSlug).Add(f)
}

func spreadDrawdown(hist []domain.SpreadSample, current decimal.Decimal) decimal.Decimal {
	var peak decimal.Decimal
	for _, s := range hist {
		if s.Spread.GreaterThan(peak) {
			peak = s.Spread
		}
	}
	if peak.Sign() <= 0 || current.GreaterThanOrEqual(peak) {
		return decimal.Zero
	}
	return peak.Sub(current).Div(peak).Mul(decimal.NewFromInt(100))
}

// spreadTrend compares the mean of the last two samples against the
// mean of the previous two, with a ±5e-4 stability band.
func spreadTrend(hist []domain.SpreadSample) domain.SpreadTrend {
	if len(hist) < 4 {
		return domain.TrendStable
	}
	n := len(hist)
	val := func(i int) float64 {
		f, _ := hist[i].Spread.Float64()
		return f
	}
	recent := (val(n-1) + val(n-2)) / 2
	prior := (val(n-3) + val(n-4)) / 2
	const band = 5e-4
	switch {
	case recent-prior > band:
		return domain.TrendRising
	case prior-recent > band:
		return domain.TrendFalling
	default:
		return domain.TrendStable
	}
}

func secondsToNextFunding(long, short domain.FundingRate, now time.Time) int64 {
	next := long.NextFundingTime
	if next.IsZero() || (!short.NextFundingTime.IsZero() && short.NextFundingTime.Before(next)) {
		next = short.NextFundingTime
	}
	if next.IsZero() || next.Before(now) {
		return 0
	}
	return int64(next.Sub(now) / time.Second)
}

// fundingInterval is the shorter settlement cycle of the two legs,
// defaulting to 8h when neither venue reports one.
func fundingInterval(long, short domain.FundingRate) time.Duration {
	hours := long.IntervalHours
	if short.IntervalHours > 0 && (hours == 0 || short.IntervalHours < hours) {
		hours = short.IntervalHours
	}
	if hours <= 0 {
		hours = 8
	}
	return time.Duration(hours) * time.Hour
}

func firstAccrual(long, short domain.FundingRate, openedAt time.Time, interval time.Duration) time.Time {
	next := long.NextFundingTime
	if next.IsZero() || (!short.NextFundingTime.IsZero() && short.NextFundingTime.Before(next)) {
		next = short.NextFundingTime
	}
	if next.IsZero() {
		next = openedAt.Add(interval)
	}
	return next
}

func liquidationDistance(long, short venue.Position) (decimal.Decimal, bool) {
	dist := decimal.Zero
	found := false
	for _, leg := range []venue.Position{long, short} {
		if leg.MarkPrice.Sign() <= 0 || leg.LiquidationPrice.Sign() <= 0 {
			continue
		}
		d := leg.MarkPrice.Sub(leg.LiquidationPrice).Abs().
			Div(leg.MarkPrice).Mul(decimal.NewFromInt(100))
		if !found || d.LessThan(dist) {
			dist = d
			found = true
		}
	}
	return dist, found
}

func markOr(mark, fallback decimal.Decimal) decimal.Decimal {
	if mark.Sign() > 0 {
		return mark
	}
	return fallback
}

func appendCapped(series []float64, v float64, limit int) []float64 {
	series = append(series, v)
	if len(series) > limit {
		series = series[len(series)-limit:]
	}
	return series
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
