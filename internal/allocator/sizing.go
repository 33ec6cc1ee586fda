package allocator

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fundarb/fundarb/internal/config"
	"github.com/fundarb/fundarb/internal/domain"
)

// correlation buckets for the portfolio penalty.
const (
	corrSameSymbol = 1.0
	corrSameBase   = 0.8
	corrCryptoBeta = 0.3
)

// SuggestSize runs the sizing pipeline up to but excluding risk
// approval: base amount (Kelly or score-weighted), correlation penalty,
// clamp to the allocation bounds.
func (a *Allocator) SuggestSize(cfg config.Config, opp domain.Opportunity) (decimal.Decimal, error) {
	available := a.risk.AvailableCapital()
	if available.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("no capital available")
	}

	base, err := a.baseAmount(cfg.Allocation, opp, available)
	if err != nil {
		return decimal.Zero, err
	}

	rho := a.portfolioCorrelation(opp.Symbol)
	if rho > cfg.Allocation.MaxPortfolioCorrelation {
		factor := 1 - (rho-cfg.Allocation.MaxPortfolioCorrelation)*cfg.Allocation.CorrelationSizePenalty
		if factor < 0.25 {
			factor = 0.25
		}
		base = base.Mul(decimal.NewFromFloat(factor))
	}

	upper := cfg.Allocation.MaxAllocationUSD
	if available.LessThan(upper) {
		upper = available
	}
	if base.GreaterThan(upper) {
		base = upper
	}
	if base.LessThan(cfg.Allocation.MinAllocationUSD) {
		return decimal.Zero, fmt.Errorf("sized amount %s below minimum allocation %s",
			base.Round(2), cfg.Allocation.MinAllocationUSD)
	}
	return base, nil
}

// baseAmount is Kelly when enabled and the edge supports it, otherwise
// the score-weighted share of available capital.
func (a *Allocator) baseAmount(cfg config.AllocationConfig, opp domain.Opportunity, available decimal.Decimal) (decimal.Decimal, error) {
	if cfg.UseKellyCriterion {
		edge := a.edges.Edge(opp.Symbol)
		if f, ok := edge.kellyFraction(cfg.KellyFraction); ok {
			if f < cfg.MinKellyEdge {
				return decimal.Zero, fmt.Errorf("kelly edge %.4f below minimum %.4f", f, cfg.MinKellyEdge)
			}
			if f > 0.25 {
				f = 0.25
			}
			return available.Mul(decimal.NewFromFloat(f)), nil
		}
		// No edge data yet; fall through to score weighting.
	}

	weight := 0.5 + 0.5*(float64(opp.Scores.Total)/100)*cfg.ScoreWeightFactor
	return available.Mul(decimal.NewFromFloat(0.10)).Mul(decimal.NewFromFloat(weight)), nil
}

// portfolioCorrelation estimates rho between the candidate symbol and
// the current active set with coarse asset buckets.
func (a *Allocator) portfolioCorrelation(symbol string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.bySymbol) == 0 {
		return 0
	}
	rho := 0.0
	for active := range a.bySymbol {
		switch {
		case strings.EqualFold(active, symbol):
			return corrSameSymbol
		case baseAsset(active) == baseAsset(symbol):
			rho = maxf(rho, corrSameBase)
		default:
			rho = maxf(rho, corrCryptoBeta)
		}
	}
	return rho
}

// baseAsset extracts the leading asset token from symbols like
// "BTC-PERP" or "BTC/USDT:USDT".
func baseAsset(symbol string) string {
	for i, r := range symbol {
		if r == '-' || r == '/' || r == ':' {
			return strings.ToUpper(symbol[:i])
		}
	}
	return strings.ToUpper(symbol)
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
