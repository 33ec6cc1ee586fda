// Package opportunity recomputes cross-venue funding spreads, the
// Unified Opportunity Score, and the Bot-Action verdict on every fresh
// market snapshot.
package opportunity

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundarb/fundarb/internal/config"
	"github.com/fundarb/fundarb/internal/domain"
	"github.com/fundarb/fundarb/internal/marketstate"
)

// StatusView is the read-only mirror of system mode kept by the risk
// controller.
type StatusView interface {
	Running() bool
	BreakerActive() bool
	Mode() domain.RiskMode
}

// PortfolioView exposes the allocator state the verdict ladder needs.
type PortfolioView interface {
	ActiveSymbolCount() int
	IsSymbolActive(symbol string) bool
	AvailableCapital() decimal.Decimal
}

type pairKey struct {
	Symbol     string
	LongVenue  string
	ShortVenue string
}

// Engine is the C2 opportunity engine.
type Engine struct {
	settings  *config.Settings
	cache     *marketstate.Cache
	status    StatusView
	portfolio PortfolioView

	mu      sync.Mutex
	history map[pairKey][]float64 // rolling spread series per pair
}

// historyLen bounds the per-pair stability window (~30 min at the
// health cadence).
const historyLen = 60

// NewEngine creates the opportunity engine.
func NewEngine(settings *config.Settings, cache *marketstate.Cache, status StatusView, portfolio PortfolioView) *Engine {
	return &Engine{
		settings:  settings,
		cache:     cache,
		status:    status,
		portfolio: portfolio,
		history:   make(map[pairKey][]float64),
	}
}

// EvaluateSymbol scores every candidate (long, short) venue pair for the
// symbol. Results are ordered by UOS total descending, ties broken by
// higher net APR, then symbol for determinism.
func (e *Engine) EvaluateSymbol(symbol string) []domain.Opportunity {
	cfg := e.settings.Snapshot()
	venues := e.cache.VenuesForSymbol(symbol)

	var out []domain.Opportunity
	for _, longVenue := range venues {
		for _, shortVenue := range venues {
			if longVenue == shortVenue {
				continue
			}
			if !e.cache.IsHealthy(longVenue) || !e.cache.IsHealthy(shortVenue) {
				continue
			}
			opp, ok := e.evaluatePair(cfg, symbol, longVenue, shortVenue)
			if !ok {
				continue
			}
			out = append(out, opp)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Scores.Total != out[j].Scores.Total {
			return out[i].Scores.Total > out[j].Scores.Total
		}
		if !out[i].NetAPR.Equal(out[j].NetAPR) {
			return out[i].NetAPR.GreaterThan(out[j].NetAPR)
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// EvaluateAll scores every symbol the cache knows.
func (e *Engine) EvaluateAll() []domain.Opportunity {
	var out []domain.Opportunity
	for _, symbol := range e.cache.Symbols() {
		out = append(out, e.EvaluateSymbol(symbol)...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scores.Total != out[j].Scores.Total {
			return out[i].Scores.Total > out[j].Scores.Total
		}
		if !out[i].NetAPR.Equal(out[j].NetAPR) {
			return out[i].NetAPR.GreaterThan(out[j].NetAPR)
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

func (e *Engine) evaluatePair(cfg config.Config, symbol, longVenue, shortVenue string) (domain.Opportunity, bool) {
	longRate, ok := e.cache.FundingRate(longVenue, symbol)
	if !ok {
		return domain.Opportunity{}, false
	}
	shortRate, ok := e.cache.FundingRate(shortVenue, symbol)
	if !ok {
		return domain.Opportunity{}, false
	}
	longQuote, ok := e.cache.Quote(longVenue, symbol)
	if !ok {
		return domain.Opportunity{}, false
	}
	shortQuote, ok := e.cache.Quote(shortVenue, symbol)
	if !ok {
		return domain.Opportunity{}, false
	}

	m := computeMetrics(cfg, longRate, shortRate, longQuote, shortQuote, e.portfolio.AvailableCapital())
	if m.Spread.Sign() <= 0 {
		return domain.Opportunity{}, false
	}

	key := pairKey{Symbol: symbol, LongVenue: longVenue, ShortVenue: shortVenue}
	stability, trend := e.recordSpread(key, m.Spread)

	longCfg, _ := cfg.VenueBySlug(longVenue)
	shortCfg, _ := cfg.VenueBySlug(shortVenue)
	longHealth, _ := e.cache.VenueHealth(longVenue)
	shortHealth, _ := e.cache.VenueHealth(shortVenue)

	minVolume, _ := decimal.Min(longQuote.Volume24hUSD, shortQuote.Volume24hUSD).Float64()
	scores := scoreUOS(cfg.Opportunity, uosInputs{
		Metrics:          m,
		LongTier:         longHealth.PriorityTier,
		ShortTier:        shortHealth.PriorityTier,
		LongReliability:  longHealth.Reliability,
		ShortReliability: shortHealth.Reliability,
		Volume24hUSD:     minVolume,
		SpreadStdDev:     stability,
		Trend:            trend,
		SecondsToFunding: secondsToFunding(longRate, shortRate),
		MinIntervalHours: minInterval(longRate, shortRate),
	})

	opp := domain.Opportunity{
		ID:            domain.NewID(),
		Symbol:        symbol,
		LongVenue:     longVenue,
		ShortVenue:    shortVenue,
		Spread:        m.Spread,
		AnnualizedAPR: m.GrossAPR,
		NetAPR:        m.NetAPR,
		Scores:        scores,
		Liquidity: domain.LiquiditySnapshot{
			LongBidDepthUSD:  longQuote.BidDepthUSD,
			LongAskDepthUSD:  longQuote.AskDepthUSD,
			ShortBidDepthUSD: shortQuote.BidDepthUSD,
			ShortAskDepthUSD: shortQuote.AskDepthUSD,
			Volume24hMinUSD:  decimal.Min(longQuote.Volume24hUSD, shortQuote.Volume24hUSD),
		},
		DetectedAt: time.Now().UTC(),
	}

	opp.Action, opp.ActionDetails = e.classify(cfg, opp, longCfg, shortCfg)
	return opp, true
}

// recordSpread appends the spread to the pair's rolling series and
// returns the current stddev and trend.
func (e *Engine) recordSpread(key pairKey, spread decimal.Decimal) (float64, domain.SpreadTrend) {
	f, _ := spread.Float64()

	e.mu.Lock()
	defer e.mu.Unlock()

	hist := append(e.history[key], f)
	if len(hist) > historyLen {
		hist = hist[len(hist)-historyLen:]
	}
	e.history[key] = hist

	return sampleStdDev(hist), trendOf(hist)
}

func secondsToFunding(long, short domain.FundingRate) int64 {
	next := long.NextFundingTime
	if short.NextFundingTime.Before(next) {
		next = short.NextFundingTime
	}
	s := int64(time.Until(next).Seconds())
	if s < 0 {
		return 0
	}
	return s
}

func minInterval(long, short domain.FundingRate) int {
	if long.IntervalHours < short.IntervalHours {
		return long.IntervalHours
	}
	return short.IntervalHours
}

func sampleStdDev(vals []float64) float64 {
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

// trendOf compares the mean of the last two samples against the mean of
// the previous two, with a ±5e-4 stability band.
func trendOf(vals []float64) domain.SpreadTrend {
	if len(vals) < 4 {
		return domain.TrendStable
	}
	n := len(vals)
	recent := (vals[n-1] + vals[n-2]) / 2
	prior := (vals[n-3] + vals[n-4]) / 2
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
