package opportunity

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundarb/fundarb/internal/config"
	"github.com/fundarb/fundarb/internal/domain"
	"github.com/fundarb/fundarb/internal/marketstate"
)

// Mock implementations for testing

type mockStatus struct {
	running bool
	breaker bool
	mode    domain.RiskMode
}

func (m *mockStatus) Running() bool         { return m.running }
func (m *mockStatus) BreakerActive() bool   { return m.breaker }
func (m *mockStatus) Mode() domain.RiskMode { return m.mode }

type mockPortfolio struct {
	activeCount int
	active      map[string]bool
	available   decimal.Decimal
}

func (m *mockPortfolio) ActiveSymbolCount() int            { return m.activeCount }
func (m *mockPortfolio) IsSymbolActive(symbol string) bool { return m.active[symbol] }
func (m *mockPortfolio) AvailableCapital() decimal.Decimal { return m.available }

func testFixture(t *testing.T) (*Engine, *marketstate.Cache, *mockStatus, *mockPortfolio, *config.Settings) {
	t.Helper()

	cfg := config.Default()
	cfg.Opportunity.AutoExecute = true
	cfg.Opportunity.MinNetAPRPct = decimal.NewFromInt(5)
	cfg.Venues = []config.VenueConfig{
		{Slug: "bybit", Enabled: true, PriorityTier: 1, PerpTakerFee: decimal.NewFromFloat(0.00055), HasCredentials: true},
		{Slug: "okx", Enabled: true, PriorityTier: 1, PerpTakerFee: decimal.NewFromFloat(0.0005), HasCredentials: true},
	}
	settings := config.NewSettings(cfg)

	cache := marketstate.New(cfg.Market)
	cache.RegisterVenue("bybit", 1)
	cache.RegisterVenue("okx", 1)

	status := &mockStatus{running: true, mode: domain.ModeStandard}
	portfolio := &mockPortfolio{
		active:    map[string]bool{},
		available: decimal.NewFromInt(8_000),
	}

	return NewEngine(settings, cache, status, portfolio), cache, status, portfolio, settings
}

func seedMarket(t *testing.T, cache *marketstate.Cache, symbol string, longRate, shortRate float64) {
	t.Helper()

	next := time.Now().Add(4 * time.Hour) // 50% of an 8h interval: optimal window
	require.NoError(t, cache.SetFundingRate(domain.FundingRate{
		Venue: "bybit", Symbol: symbol, Rate: decimal.NewFromFloat(longRate),
		IntervalHours: 8, NextFundingTime: next, Source: domain.SourceExchange,
	}))
	require.NoError(t, cache.SetFundingRate(domain.FundingRate{
		Venue: "okx", Symbol: symbol, Rate: decimal.NewFromFloat(shortRate),
		IntervalHours: 8, NextFundingTime: next, Source: domain.SourceExchange,
	}))

	for _, venue := range []string{"bybit", "okx"} {
		require.NoError(t, cache.SetQuote(domain.Quote{
			Venue: venue, Symbol: symbol,
			Bid: decimal.NewFromInt(49_990), Ask: decimal.NewFromInt(50_010),
			Last:         decimal.NewFromInt(50_000),
			BidDepthUSD:  decimal.NewFromInt(2_000_000),
			AskDepthUSD:  decimal.NewFromInt(2_000_000),
			Volume24hUSD: decimal.NewFromInt(50_000_000),
		}))
	}
}

func TestEvaluateHappyAutoTrade(t *testing.T) {
	engine, cache, _, _, _ := testFixture(t)
	seedMarket(t, cache, "BTC-PERP", 0.0001, 0.0008)

	opps := engine.EvaluateSymbol("BTC-PERP")
	require.NotEmpty(t, opps)

	best := opps[0]
	assert.Equal(t, "bybit", best.LongVenue)
	assert.Equal(t, "okx", best.ShortVenue)
	assert.True(t, best.Spread.Equal(decimal.NewFromFloat(0.0007)), "spread %s", best.Spread)
	assert.GreaterOrEqual(t, best.Scores.Total, 75, "details: %v", best.ActionDetails)
	assert.Equal(t, domain.ActionAutoTrade, best.Action)
}

func TestEvaluateSkipsNegativeSpread(t *testing.T) {
	engine, cache, _, _, _ := testFixture(t)
	seedMarket(t, cache, "BTC-PERP", 0.0008, 0.0001)

	// Only the reversed orientation (okx long, bybit short) is viable.
	opps := engine.EvaluateSymbol("BTC-PERP")
	require.Len(t, opps, 1)
	assert.Equal(t, "okx", opps[0].LongVenue)
	assert.Equal(t, "bybit", opps[0].ShortVenue)
}

func TestEvaluateSkipsUnhealthyVenue(t *testing.T) {
	engine, cache, _, _, _ := testFixture(t)
	seedMarket(t, cache, "BTC-PERP", 0.0001, 0.0008)
	cache.SetVenueHealth("okx", false, "ws disconnected")

	assert.Empty(t, engine.EvaluateSymbol("BTC-PERP"))
}

func TestVerdictBlockedWhenBreakerActive(t *testing.T) {
	engine, cache, status, _, _ := testFixture(t)
	seedMarket(t, cache, "BTC-PERP", 0.0001, 0.0008)
	status.breaker = true

	opps := engine.EvaluateSymbol("BTC-PERP")
	require.NotEmpty(t, opps)
	assert.Equal(t, domain.ActionBlocked, opps[0].Action)
	assert.Contains(t, opps[0].ActionDetails[0], "circuit breaker")
}

func TestVerdictBlockedBelowThresholds(t *testing.T) {
	engine, cache, _, _, settings := testFixture(t)
	seedMarket(t, cache, "BTC-PERP", 0.0001, 0.0008)

	settings.ApplyRows([]config.SettingRow{
		{Key: "min_net_apr_pct", Value: "500", DataType: "decimal"},
	})

	opps := engine.EvaluateSymbol("BTC-PERP")
	require.NotEmpty(t, opps)
	assert.Equal(t, domain.ActionBlocked, opps[0].Action)
}

func TestVerdictManualOnlyWhenAutoExecuteOff(t *testing.T) {
	engine, cache, _, _, settings := testFixture(t)
	seedMarket(t, cache, "BTC-PERP", 0.0001, 0.0008)

	settings.ApplyRows([]config.SettingRow{
		{Key: "auto_execute", Value: "false", DataType: "bool"},
	})

	opps := engine.EvaluateSymbol("BTC-PERP")
	require.NotEmpty(t, opps)
	assert.Equal(t, domain.ActionManualOnly, opps[0].Action)
}

func TestVerdictWaitingAtCoinCap(t *testing.T) {
	engine, cache, _, portfolio, _ := testFixture(t)
	seedMarket(t, cache, "BTC-PERP", 0.0001, 0.0008)
	portfolio.activeCount = config.Default().Allocation.MaxConcurrentCoins

	opps := engine.EvaluateSymbol("BTC-PERP")
	require.NotEmpty(t, opps)
	assert.Equal(t, domain.ActionWaiting, opps[0].Action)
	assert.Contains(t, opps[0].ActionDetails[0], "coin count")
}

func TestVerdictWaitingWhenSymbolActive(t *testing.T) {
	engine, cache, _, portfolio, _ := testFixture(t)
	seedMarket(t, cache, "BTC-PERP", 0.0001, 0.0008)
	portfolio.active["BTC-PERP"] = true

	opps := engine.EvaluateSymbol("BTC-PERP")
	require.NotEmpty(t, opps)
	assert.Equal(t, domain.ActionWaiting, opps[0].Action)
}

func TestVerdictPriorityBlockedBeatsWaiting(t *testing.T) {
	engine, cache, status, portfolio, _ := testFixture(t)
	seedMarket(t, cache, "BTC-PERP", 0.0001, 0.0008)
	status.breaker = true
	portfolio.active["BTC-PERP"] = true

	opps := engine.EvaluateSymbol("BTC-PERP")
	require.NotEmpty(t, opps)
	// Both rules trigger; the higher-priority class wins but every
	// triggered rule is reported.
	assert.Equal(t, domain.ActionBlocked, opps[0].Action)
	assert.GreaterOrEqual(t, len(opps[0].ActionDetails), 2)
}

func TestTrendOf(t *testing.T) {
	assert.Equal(t, domain.TrendStable, trendOf([]float64{0.001, 0.001}))
	assert.Equal(t, domain.TrendRising, trendOf([]float64{0.001, 0.001, 0.003, 0.003}))
	assert.Equal(t, domain.TrendFalling, trendOf([]float64{0.003, 0.003, 0.001, 0.001}))
	assert.Equal(t, domain.TrendStable, trendOf([]float64{0.001, 0.001, 0.0012, 0.0012}))
}
