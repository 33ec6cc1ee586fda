package opportunity

import (
	"github.com/shopspring/decimal"

	"github.com/fundarb/fundarb/internal/config"
	"github.com/fundarb/fundarb/internal/domain"
)

var (
	hundred      = decimal.NewFromInt(100)
	hoursPerYear = decimal.NewFromInt(24 * 365)
)

// pairMetrics holds the economics of one candidate pair.
type pairMetrics struct {
	Spread         decimal.Decimal // per minimum interval, fraction
	GrossAPR       decimal.Decimal // percent
	NetAPR         decimal.Decimal // percent
	TotalFeePct    decimal.Decimal // percent of notional, 4 taker events
	EstSlippagePct decimal.Decimal // percent of notional
	IntendedSize   decimal.Decimal // USD, the §4.3 base amount
}

// computeMetrics normalizes funding rates across differing intervals,
// annualizes the spread, and deducts estimated fees and slippage.
func computeMetrics(cfg config.Config, long, short domain.FundingRate, longQ, shortQ domain.Quote, availableCapital decimal.Decimal) pairMetrics {
	longInterval := decimal.NewFromInt(int64(long.IntervalHours))
	shortInterval := decimal.NewFromInt(int64(short.IntervalHours))

	// Rates settle on different clocks; normalize to per-hour before
	// subtracting (funding-interval normalization).
	longPerHour := long.Rate.Div(longInterval)
	shortPerHour := short.Rate.Div(shortInterval)
	spreadPerHour := shortPerHour.Sub(longPerHour)

	minIv := longInterval
	if shortInterval.LessThan(minIv) {
		minIv = shortInterval
	}

	spread := spreadPerHour.Mul(minIv)
	grossAPR := spreadPerHour.Mul(hoursPerYear).Mul(hundred)

	// Intended size mirrors the allocator's non-Kelly base: 10% of
	// available capital.
	intended := availableCapital.Mul(decimal.NewFromFloat(0.10))

	longCfg, _ := cfg.VenueBySlug(long.Venue)
	shortCfg, _ := cfg.VenueBySlug(short.Venue)
	totalFeePct := longCfg.PerpTakerFee.Add(shortCfg.PerpTakerFee).Mul(decimal.NewFromInt(2)).Mul(hundred)

	slippage := estimateSlippagePct(intended, longQ.AskDepthUSD).
		Add(estimateSlippagePct(intended, shortQ.BidDepthUSD))

	// One-off entry/exit costs amortized over the expected hold
	// before they drag on the annualized return.
	holdYears := decimal.NewFromFloat(7.0 / 365.0)
	costAPR := totalFeePct.Add(slippage).Div(holdYears)

	return pairMetrics{
		Spread:         spread,
		GrossAPR:       grossAPR,
		NetAPR:         grossAPR.Sub(costAPR),
		TotalFeePct:    totalFeePct,
		EstSlippagePct: slippage,
		IntendedSize:   intended,
	}
}

// estimateSlippagePct models impact as the consumed share of top-of-book
// depth, half a percent per full book, capped at 2%.
func estimateSlippagePct(sizeUSD, depthUSD decimal.Decimal) decimal.Decimal {
	if depthUSD.Sign() <= 0 {
		return decimal.NewFromInt(2)
	}
	impact := sizeUSD.Div(depthUSD).Mul(decimal.NewFromFloat(0.5))
	cap := decimal.NewFromInt(2)
	if impact.GreaterThan(cap) {
		return cap
	}
	return impact
}
