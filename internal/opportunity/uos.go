package opportunity

import (
	"math"

	"github.com/fundarb/fundarb/internal/config"
	"github.com/fundarb/fundarb/internal/domain"
)

// uosInputs carries everything the score needs, already snapshot-consistent.
type uosInputs struct {
	Metrics          pairMetrics
	LongTier         int
	ShortTier        int
	LongReliability  float64
	ShortReliability float64
	Volume24hUSD     float64 // smaller of the two venues
	SpreadStdDev     float64
	Trend            domain.SpreadTrend
	SecondsToFunding int64
	MinIntervalHours int
}

// scoreUOS computes the Unified Opportunity Score: return 0-30,
// risk 0-30, execution 0-25, timing 0-15, total 0-100.
func scoreUOS(cfg config.OpportunityConfig, in uosInputs) domain.UOSBreakdown {
	b := domain.UOSBreakdown{
		Return:    returnScore(cfg, in),
		Risk:      riskScore(cfg, in),
		Execution: executionScore(in),
		Timing:    timingScore(in),
	}
	b.Total = b.Return + b.Risk + b.Execution + b.Timing
	return b
}

// returnScore: 20 points scaled by APR against the ceiling, 10 points
// scaled by spread against the configured optimal spread.
func returnScore(cfg config.OpportunityConfig, in uosInputs) int {
	apr, _ := in.Metrics.NetAPR.Float64()
	ceiling, _ := cfg.APRCeilingPct.Float64()
	aprPts := 20 * clamp01(safeDiv(apr, ceiling))

	spread, _ := in.Metrics.Spread.Float64()
	optimal, _ := cfg.OptimalSpreadPct.Float64()
	spreadPts := 10 * clamp01(safeDiv(spread, optimal))

	return int(math.Round(aprPts + spreadPts))
}

// riskScore: 12 points from venue tier, 10 from 24h volume between the
// configured bounds, 8 from spread stability (reciprocal of the rolling
// stddev, capped).
func riskScore(cfg config.OpportunityConfig, in uosInputs) int {
	var tierPts float64
	switch {
	case in.LongTier == 1 && in.ShortTier == 1:
		tierPts = 12
	case in.LongTier == 1 || in.ShortTier == 1:
		tierPts = 8
	default:
		tierPts = 4
	}

	minVol, _ := cfg.MinVolume24hUSD.Float64()
	maxVol, _ := cfg.MaxVolume24hUSD.Float64()
	volume := in.Volume24hUSD
	var volPts float64
	switch {
	case volume < minVol:
		volPts = 0
	case volume >= maxVol:
		volPts = 10
	default:
		volPts = 10 * (volume - minVol) / (maxVol - minVol)
	}

	// Stability reference: a rolling stddev of 1bp per interval scores
	// half; tighter history scores higher.
	const refStd = 1e-4
	stabilityPts := 8 / (1 + in.SpreadStdDev/refStd)

	return int(math.Round(tierPts + volPts + stabilityPts))
}

// executionScore: 12 points inversely proportional to estimated
// slippage, 8 inversely proportional to total fees, 5 from the venue
// reliability class.
func executionScore(in uosInputs) int {
	slip, _ := in.Metrics.EstSlippagePct.Float64()
	slipPts := 12 * (1 - clamp01(slip/1.0)) // 1% slippage zeroes the bucket

	fees, _ := in.Metrics.TotalFeePct.Float64()
	feePts := 8 * (1 - clamp01(fees/0.5)) // 0.5% total fees zeroes the bucket

	minRel := math.Min(in.LongReliability, in.ShortReliability)
	var relPts float64
	switch {
	case minRel >= 0.9:
		relPts = 5
	case minRel >= 0.7:
		relPts = 3
	default:
		relPts = 1
	}

	return int(math.Round(slipPts + feePts + relPts))
}

// timingScore: 10 points for being inside the 37.5-75% window of the
// minimum funding interval (optimal entry), 5 from the trend direction.
func timingScore(in uosInputs) int {
	intervalSec := float64(in.MinIntervalHours) * 3600
	var windowPts float64
	if intervalSec > 0 {
		frac := float64(in.SecondsToFunding) / intervalSec
		if frac >= 0.375 && frac <= 0.75 {
			windowPts = 10
		}
	}

	var trendPts float64
	switch in.Trend {
	case domain.TrendStable:
		trendPts = 5
	case domain.TrendRising:
		trendPts = 4
	default: // falling is adverse for a collected spread
		trendPts = 1
	}

	return int(math.Round(windowPts + trendPts))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
