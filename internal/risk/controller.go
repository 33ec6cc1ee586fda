// Package risk enforces portfolio-level limits: exposure accounting,
// drawdown tracking, VaR/CVaR, volatility-regime-adjusted caps, and the
// system-wide circuit breaker.
package risk

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/fundarb/fundarb/internal/bus"
	"github.com/fundarb/fundarb/internal/config"
	"github.com/fundarb/fundarb/internal/domain"
)

const pnlHistoryCap = 252

// Approval is the verdict of a trade pre-check. A rejection is not an
// error: callers downsize to MaxAllowedSize or requeue.
type Approval struct {
	Approved       bool
	MaxAllowedSize decimal.Decimal
	Reason         string
	Warnings       []string
}

// limits are the live caps, scaled by volatility regime.
type limits struct {
	maxPositionUSD decimal.Decimal
	maxPositionPct decimal.Decimal
	maxGrossPct    decimal.Decimal
}

// Controller is the C6 risk controller. Single writer of RiskSnapshot.
type Controller struct {
	cfg config.RiskConfig

	mu             sync.RWMutex
	running        bool
	mode           domain.RiskMode
	prevMode       domain.RiskMode
	breakerActive  bool
	breakerReason  string
	capital        decimal.Decimal
	equity         decimal.Decimal
	peakEquity     decimal.Decimal
	exposure       decimal.Decimal
	venueExposure  map[string]decimal.Decimal
	symbolExposure map[string]decimal.Decimal
	base           limits
	live           limits
	regime         domain.VolatilityRegime
	volatility     float64
	returns        []float64
	lastSampleAt   time.Time
	drawdownWarned bool
}

// NewController creates a controller with base limits captured from cfg.
func NewController(cfg config.RiskConfig) *Controller {
	mode := domain.RiskMode(cfg.Mode)
	if mode == "" {
		mode = domain.ModeStandard
	}
	base := limits{
		maxPositionUSD: cfg.MaxPositionSizeUSD,
		maxPositionPct: cfg.MaxPositionPct,
		maxGrossPct:    cfg.MaxGrossExposurePct,
	}
	return &Controller{
		cfg:            cfg,
		mode:           mode,
		prevMode:       mode,
		capital:        cfg.TotalCapitalUSD,
		equity:         cfg.TotalCapitalUSD,
		peakEquity:     cfg.TotalCapitalUSD,
		venueExposure:  make(map[string]decimal.Decimal),
		symbolExposure: make(map[string]decimal.Decimal),
		base:           base,
		live:           base,
		regime:         domain.RegimeNormal,
	}
}

// SetRunning flips the system-running flag checked by the verdict ladder.
func (c *Controller) SetRunning(running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = running
}

// Running reports the system-running flag.
func (c *Controller) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// Mode returns the current risk mode.
func (c *Controller) Mode() domain.RiskMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// BreakerActive reports whether the circuit breaker has latched.
func (c *Controller) BreakerActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.breakerActive
}

// ValidateTrade pre-approves a new paired position of the given size.
// Checks run in order; the first hard violation rejects with the binding
// cap in MaxAllowedSize so the caller can downsize.
func (c *Controller) ValidateTrade(symbol, longVenue, shortVenue string, size decimal.Decimal) Approval {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.breakerActive {
		return Approval{Reason: "circuit breaker active: no new positions until manual reset"}
	}
	if c.mode == domain.ModeEmergency {
		return Approval{Reason: "risk mode is emergency: new positions suspended"}
	}

	hundred := decimal.NewFromInt(100)
	maxAllowed := c.live.maxPositionUSD

	pctCap := c.capital.Mul(c.live.maxPositionPct).Div(hundred)
	if pctCap.LessThan(maxAllowed) {
		maxAllowed = pctCap
	}

	grossCap := c.capital.Mul(c.live.maxGrossPct).Div(hundred).Sub(c.exposure)
	if grossCap.LessThan(maxAllowed) {
		maxAllowed = grossCap
	}

	venueCapBase := c.capital.Mul(c.cfg.MaxVenueExposurePct).Div(hundred)
	for _, venue := range []string{longVenue, shortVenue} {
		room := venueCapBase.Sub(c.venueExposure[venue])
		if room.LessThan(maxAllowed) {
			maxAllowed = room
		}
	}

	if maxAllowed.Sign() <= 0 {
		return Approval{
			MaxAllowedSize: decimal.Zero,
			Reason:         "no capacity: gross or venue exposure at limit",
		}
	}

	var warnings []string
	assetCap := c.capital.Mul(c.cfg.MaxAssetExposurePct).Div(hundred)
	if c.symbolExposure[symbol].Add(size).GreaterThan(assetCap) {
		warnings = append(warnings, fmt.Sprintf(
			"asset exposure for %s would reach %s, above %s%% of capital",
			symbol, c.symbolExposure[symbol].Add(size), c.cfg.MaxAssetExposurePct))
	}

	if size.GreaterThan(maxAllowed) {
		return Approval{
			MaxAllowedSize: maxAllowed,
			Reason: fmt.Sprintf("size %s exceeds allowed %s under current limits",
				size, maxAllowed),
			Warnings: warnings,
		}
	}

	return Approval{Approved: true, MaxAllowedSize: maxAllowed, Warnings: warnings}
}

// AddExposure books a newly opened paired position.
func (c *Controller) AddExposure(symbol, longVenue, shortVenue string, size decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exposure = c.exposure.Add(size)
	c.venueExposure[longVenue] = c.venueExposure[longVenue].Add(size)
	c.venueExposure[shortVenue] = c.venueExposure[shortVenue].Add(size)
	c.symbolExposure[symbol] = c.symbolExposure[symbol].Add(size)
}

// ReleaseExposure unbooks a closed or failed position.
func (c *Controller) ReleaseExposure(symbol, longVenue, shortVenue string, size decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exposure = clampNonNegative(c.exposure.Sub(size))
	c.venueExposure[longVenue] = clampNonNegative(c.venueExposure[longVenue].Sub(size))
	c.venueExposure[shortVenue] = clampNonNegative(c.venueExposure[shortVenue].Sub(size))
	c.symbolExposure[symbol] = clampNonNegative(c.symbolExposure[symbol].Sub(size))
}

// Exposure returns current gross exposure.
func (c *Controller) Exposure() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.exposure
}

// AvailableCapital returns capital not yet reserved by open exposure.
func (c *Controller) AvailableCapital() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return clampNonNegative(c.capital.Sub(c.exposure))
}

// RecordEquity updates equity, the peak high-water-mark, and drawdown.
// Warnings fire at 75% of max drawdown; the breaker latches at max.
func (c *Controller) RecordEquity(equity decimal.Decimal) (breakerTripped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.equity = equity
	if equity.GreaterThan(c.peakEquity) {
		c.peakEquity = equity
	}
	if c.peakEquity.Sign() <= 0 {
		return false
	}

	hundred := decimal.NewFromInt(100)
	drawdown := c.peakEquity.Sub(equity).Div(c.peakEquity).Mul(hundred)
	warnAt := c.cfg.MaxDrawdownPct.Mul(decimal.NewFromFloat(0.75))

	if drawdown.GreaterThanOrEqual(c.cfg.MaxDrawdownPct) && !c.breakerActive {
		c.tripLocked(fmt.Sprintf("drawdown %s%% reached max %s%%", drawdown.Round(2), c.cfg.MaxDrawdownPct))
		return true
	}
	if drawdown.GreaterThanOrEqual(warnAt) && !c.drawdownWarned {
		c.drawdownWarned = true
		log.Warn().Str("drawdown_pct", drawdown.Round(2).String()).
			Str("max_pct", c.cfg.MaxDrawdownPct.String()).
			Msg("drawdown approaching limit")
	} else if drawdown.LessThan(warnAt) {
		c.drawdownWarned = false
	}
	return false
}

// SamplePnL records one periodic return observation and refreshes the
// volatility regime. Returns are fractional equity changes between samples.
func (c *Controller) SamplePnL(ret float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.returns = append(c.returns, ret)
	if len(c.returns) > pnlHistoryCap {
		c.returns = c.returns[len(c.returns)-pnlHistoryCap:]
	}
	c.lastSampleAt = time.Now().UTC()
	c.updateRegimeLocked()
}

func (c *Controller) updateRegimeLocked() {
	c.volatility = stddev(c.returns)

	var next domain.VolatilityRegime
	switch {
	case c.volatility >= c.cfg.HighVolThreshold:
		next = domain.RegimeHigh
	case c.volatility <= c.cfg.LowVolThreshold:
		next = domain.RegimeLow
	default:
		next = domain.RegimeNormal
	}
	if next == c.regime {
		return
	}
	c.regime = next

	switch next {
	case domain.RegimeHigh:
		c.live = limits{
			maxPositionUSD: c.base.maxPositionUSD.Mul(decimal.NewFromFloat(0.5)),
			maxPositionPct: c.base.maxPositionPct.Mul(decimal.NewFromFloat(0.5)),
			maxGrossPct:    c.base.maxGrossPct.Mul(decimal.NewFromFloat(0.6)),
		}
	case domain.RegimeLow:
		c.live = limits{
			maxPositionUSD: c.base.maxPositionUSD.Mul(decimal.NewFromFloat(1.2)),
			maxPositionPct: c.base.maxPositionPct.Mul(decimal.NewFromFloat(1.1)),
			maxGrossPct:    c.base.maxGrossPct,
		}
	default:
		c.live = c.base
	}

	log.Info().Str("regime", string(next)).Float64("volatility", c.volatility).
		Msg("volatility regime changed, limits rescaled")
}

// VaR computes historical-simulation value at risk at confidence c
// (e.g. 0.95), scaled by current exposure.
func (c *Controller) VaR(confidence float64) decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, _ := c.tailLocked(confidence)
	return v
}

// CVaR computes the conditional tail expectation at confidence c,
// scaled by current exposure.
func (c *Controller) CVaR(confidence float64) decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, cv := c.tailLocked(confidence)
	return cv
}

func (c *Controller) tailLocked(confidence float64) (decimal.Decimal, decimal.Decimal) {
	n := len(c.returns)
	if n == 0 {
		return decimal.Zero, decimal.Zero
	}

	sorted := make([]float64, n)
	copy(sorted, c.returns)
	sort.Float64s(sorted)

	idx := int(math.Floor((1 - confidence) * float64(n)))
	if idx >= n {
		idx = n - 1
	}

	varRet := math.Abs(sorted[idx])

	tailSum, tailN := 0.0, 0
	for i := 0; i <= idx; i++ {
		tailSum += sorted[i]
		tailN++
	}
	cvarRet := 0.0
	if tailN > 0 {
		cvarRet = math.Abs(tailSum / float64(tailN))
	}

	return c.exposure.Mul(decimal.NewFromFloat(varRet)),
		c.exposure.Mul(decimal.NewFromFloat(cvarRet))
}

// TripBreaker latches the circuit breaker and forces emergency mode.
func (c *Controller) TripBreaker(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.breakerActive {
		c.tripLocked(reason)
	}
}

func (c *Controller) tripLocked(reason string) {
	c.breakerActive = true
	c.breakerReason = reason
	c.prevMode = c.mode
	c.mode = domain.ModeEmergency
	log.Error().Str("reason", reason).Msg("circuit breaker activated")
}

// ResetBreaker clears the breaker and restores the previous mode.
// Only an explicit (manual or user-triggered) call clears the latch.
func (c *Controller) ResetBreaker() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.breakerActive {
		return
	}
	c.breakerActive = false
	c.breakerReason = ""
	c.mode = c.prevMode
	log.Info().Str("mode", string(c.mode)).Msg("circuit breaker reset")
}

// Snapshot returns the current risk view.
func (c *Controller) Snapshot() domain.RiskSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	venue := make(map[string]decimal.Decimal, len(c.venueExposure))
	for k, v := range c.venueExposure {
		venue[k] = v
	}
	symbol := make(map[string]decimal.Decimal, len(c.symbolExposure))
	for k, v := range c.symbolExposure {
		symbol[k] = v
	}

	drawdown := decimal.Zero
	if c.peakEquity.Sign() > 0 {
		drawdown = c.peakEquity.Sub(c.equity).Div(c.peakEquity).Mul(decimal.NewFromInt(100))
	}

	v95, cv95 := c.tailLocked(0.95)
	v99, cv99 := c.tailLocked(0.99)

	return domain.RiskSnapshot{
		TotalCapital:   c.capital,
		TotalExposure:  c.exposure,
		VenueExposure:  venue,
		SymbolExposure: symbol,
		DrawdownPct:    drawdown,
		PeakEquity:     c.peakEquity,
		VaR95:          v95,
		VaR99:          v99,
		CVaR95:         cv95,
		CVaR99:         cv99,
		Volatility:     c.volatility,
		Regime:         c.regime,
		CircuitBreaker: c.breakerActive,
		Mode:           c.mode,
		Timestamp:      time.Now().UTC(),
	}
}

// Run publishes the risk snapshot periodically and keeps the P&L sample
// clock. Equity is fed by the engine through RecordEquity.
func (c *Controller) Run(ctx context.Context, b bus.Bus) {
	publish := time.NewTicker(c.cfg.PublishInterval)
	defer publish.Stop()
	sample := time.NewTicker(c.cfg.PnLSampleInterval)
	defer sample.Stop()

	var lastEquity decimal.Decimal
	c.mu.RLock()
	lastEquity = c.equity
	c.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-publish.C:
			if err := b.Publish(ctx, domain.TopicRiskState, c.Snapshot()); err != nil {
				log.Error().Err(err).Msg("failed to publish risk snapshot")
			}
		case <-sample.C:
			c.mu.RLock()
			equity := c.equity
			c.mu.RUnlock()
			if lastEquity.Sign() > 0 {
				ret, _ := equity.Sub(lastEquity).Div(lastEquity).Float64()
				c.SamplePnL(ret)
			}
			lastEquity = equity
		}
	}
}

func clampNonNegative(d decimal.Decimal) decimal.Decimal {
	if d.Sign() < 0 {
		return decimal.Zero
	}
	return d
}

func stddev(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))

	sumSq := 0.0
	for _, v := range vals {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(vals)-1))
}
