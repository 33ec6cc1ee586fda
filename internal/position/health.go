package position

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundarb/fundarb/internal/config"
	"github.com/fundarb/fundarb/internal/domain"
)

// healthInput is everything the health machine looks at for one tick.
// LiqDistancePct is the distance from mark to liquidation on the closer
// leg, as a percent of mark; HasLiqData is false when a venue reports
// no mark or liquidation price, which skips the liquidation rules.
type healthInput struct {
	Spread            decimal.Decimal
	EntrySpread       decimal.Decimal
	UnrealizedPnL     decimal.Decimal
	SizeUSD           decimal.Decimal
	DeltaExposurePct  decimal.Decimal
	LiqDistancePct    decimal.Decimal
	HasLiqData        bool
	SpreadDrawdownPct decimal.Decimal
	FundingPeriods    int
	SecondsToFunding  int64
}

// evaluateHealth runs the exit ladder. CRITICAL rules are checked
// first; any hit wins over every DEGRADED rule. Returns the new state,
// the exit reason when CRITICAL, and a human-readable rule description.
func evaluateHealth(cfg config.PositionConfig, in healthInput) (domain.HealthState, domain.ExitReason, string) {
	half := decimal.NewFromInt(2)

	// CRITICAL ladder.
	if in.Spread.Sign() <= 0 {
		return domain.HealthCritical, domain.ExitSpreadFlipped,
			fmt.Sprintf("spread %s flipped to zero or negative", in.Spread)
	}
	if in.SizeUSD.Sign() > 0 && in.UnrealizedPnL.Sign() < 0 {
		stopLoss := in.SizeUSD.Mul(cfg.StopLossPct).Div(decimal.NewFromInt(100))
		if in.UnrealizedPnL.Neg().GreaterThanOrEqual(stopLoss) {
			return domain.HealthCritical, domain.ExitStopLoss,
				fmt.Sprintf("unrealized loss %s reached stop-loss %s", in.UnrealizedPnL.Round(2), stopLoss.Round(2))
		}
	}
	if in.DeltaExposurePct.GreaterThanOrEqual(cfg.CriticalDeltaPct) {
		return domain.HealthCritical, domain.ExitDeltaCritical,
			fmt.Sprintf("delta exposure %s%% at or above critical %s%%", in.DeltaExposurePct.Round(2), cfg.CriticalDeltaPct)
	}
	if in.HasLiqData && in.LiqDistancePct.LessThan(decimal.NewFromInt(5)) {
		return domain.HealthCritical, domain.ExitLiquidationImminent,
			fmt.Sprintf("liquidation distance %s%% below 5%%", in.LiqDistancePct.Round(2))
	}
	if in.SpreadDrawdownPct.GreaterThanOrEqual(cfg.SpreadDrawdownExitPct) &&
		in.SecondsToFunding >= int64(cfg.MinTimeToFundingExit/time.Second) {
		return domain.HealthCritical, domain.ExitSpreadDeterioration,
			fmt.Sprintf("spread drawdown %s%% with %ds to next funding", in.SpreadDrawdownPct.Round(2), in.SecondsToFunding)
	}

	// DEGRADED ladder.
	if in.Spread.LessThan(cfg.MinSpreadThreshold) {
		return domain.HealthDegraded, "",
			fmt.Sprintf("spread %s below minimum threshold %s", in.Spread, cfg.MinSpreadThreshold)
	}
	if in.EntrySpread.Sign() > 0 && in.Spread.LessThan(in.EntrySpread.Div(half)) {
		return domain.HealthDegraded, "",
			fmt.Sprintf("spread %s below half of entry spread %s", in.Spread, in.EntrySpread)
	}
	if in.FundingPeriods >= cfg.MaxHoldPeriods {
		return domain.HealthDegraded, "",
			fmt.Sprintf("held %d funding periods, max %d", in.FundingPeriods, cfg.MaxHoldPeriods)
	}
	if in.DeltaExposurePct.GreaterThanOrEqual(cfg.MaxDeltaThresholdPct) {
		return domain.HealthDegraded, "",
			fmt.Sprintf("delta exposure %s%% above %s%%", in.DeltaExposurePct.Round(2), cfg.MaxDeltaThresholdPct)
	}
	if in.HasLiqData && in.LiqDistancePct.LessThan(decimal.NewFromInt(10)) {
		return domain.HealthDegraded, "",
			fmt.Sprintf("liquidation distance %s%% below 10%%", in.LiqDistancePct.Round(2))
	}

	return domain.HealthHealthy, "", ""
}
