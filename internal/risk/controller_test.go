package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundarb/fundarb/internal/config"
	"github.com/fundarb/fundarb/internal/domain"
)

func testController() *Controller {
	cfg := config.Default().Risk
	cfg.TotalCapitalUSD = decimal.NewFromInt(10_000)
	cfg.MaxPositionSizeUSD = decimal.NewFromInt(5_000)
	cfg.MaxPositionPct = decimal.NewFromInt(20)     // 2,000
	cfg.MaxGrossExposurePct = decimal.NewFromInt(80) // 8,000
	cfg.MaxVenueExposurePct = decimal.NewFromInt(50) // 5,000
	cfg.MaxAssetExposurePct = decimal.NewFromInt(30) // 3,000
	cfg.MaxDrawdownPct = decimal.NewFromInt(15)
	return NewController(cfg)
}

func TestValidateTradeCapLadder(t *testing.T) {
	c := testController()

	// Position pct cap binds: 20% of 10k = 2,000.
	ap := c.ValidateTrade("BTC-PERP", "bybit", "okx", decimal.NewFromInt(2_500))
	assert.False(t, ap.Approved)
	assert.True(t, ap.MaxAllowedSize.Equal(decimal.NewFromInt(2_000)), "got %s", ap.MaxAllowedSize)

	ap = c.ValidateTrade("BTC-PERP", "bybit", "okx", decimal.NewFromInt(1_500))
	require.True(t, ap.Approved)

	// Fill venue bybit close to its 5,000 cap.
	c.AddExposure("BTC-PERP", "bybit", "okx", decimal.NewFromInt(2_000))
	c.AddExposure("ETH-PERP", "bybit", "okx", decimal.NewFromInt(2_000))
	c.AddExposure("SOL-PERP", "bybit", "binance_futures", decimal.NewFromInt(800))

	ap = c.ValidateTrade("XRP-PERP", "bybit", "okx", decimal.NewFromInt(1_000))
	assert.False(t, ap.Approved)
	assert.True(t, ap.MaxAllowedSize.Equal(decimal.NewFromInt(200)),
		"venue room should bind: got %s", ap.MaxAllowedSize)
}

func TestValidateTradeAssetCapIsWarningOnly(t *testing.T) {
	c := testController()
	c.AddExposure("BTC-PERP", "bybit", "okx", decimal.NewFromInt(1_900))

	ap := c.ValidateTrade("BTC-PERP", "binance_futures", "gate", decimal.NewFromInt(1_500))
	require.True(t, ap.Approved)
	require.Len(t, ap.Warnings, 1)
	assert.Contains(t, ap.Warnings[0], "asset exposure")
}

func TestExposureAccounting(t *testing.T) {
	c := testController()
	size := decimal.NewFromInt(1_000)

	c.AddExposure("BTC-PERP", "bybit", "okx", size)
	assert.True(t, c.Exposure().Equal(size))
	assert.True(t, c.AvailableCapital().Equal(decimal.NewFromInt(9_000)))

	c.ReleaseExposure("BTC-PERP", "bybit", "okx", size)
	assert.True(t, c.Exposure().IsZero())

	// Double release must not go negative.
	c.ReleaseExposure("BTC-PERP", "bybit", "okx", size)
	assert.True(t, c.Exposure().IsZero())
}

func TestDrawdownTripsBreaker(t *testing.T) {
	c := testController()

	tripped := c.RecordEquity(decimal.NewFromInt(11_000)) // new peak
	assert.False(t, tripped)

	snap := c.Snapshot()
	assert.True(t, snap.PeakEquity.Equal(decimal.NewFromInt(11_000)))

	// 15% below peak: 11,000 * 0.85 = 9,350.
	tripped = c.RecordEquity(decimal.NewFromInt(9_350))
	require.True(t, tripped)

	snap = c.Snapshot()
	assert.True(t, snap.CircuitBreaker)
	assert.Equal(t, domain.ModeEmergency, snap.Mode)

	ap := c.ValidateTrade("BTC-PERP", "bybit", "okx", decimal.NewFromInt(100))
	assert.False(t, ap.Approved)
	assert.Contains(t, ap.Reason, "circuit breaker")
}

func TestPeakEquityMonotonic(t *testing.T) {
	c := testController()
	c.RecordEquity(decimal.NewFromInt(12_000))
	c.RecordEquity(decimal.NewFromInt(11_500))
	c.RecordEquity(decimal.NewFromInt(11_900))
	assert.True(t, c.Snapshot().PeakEquity.Equal(decimal.NewFromInt(12_000)))
}

func TestBreakerResetRestoresMode(t *testing.T) {
	c := testController()
	c.TripBreaker("manual trip")
	assert.Equal(t, domain.ModeEmergency, c.Mode())

	c.ResetBreaker()
	assert.False(t, c.BreakerActive())
	assert.Equal(t, domain.ModeStandard, c.Mode())
}

func TestVaRCVaROnKnownSeries(t *testing.T) {
	c := testController()
	c.AddExposure("BTC-PERP", "bybit", "okx", decimal.NewFromInt(1_000))

	// 20 returns, worst is -0.10, next -0.05.
	returns := []float64{
		0.01, 0.02, -0.01, 0.01, 0.0, 0.01, -0.02, 0.01, 0.02, 0.0,
		0.01, -0.05, 0.01, 0.0, 0.02, 0.01, -0.10, 0.01, 0.0, 0.01,
	}
	for _, r := range returns {
		c.SamplePnL(r)
	}

	// 95% on 20 samples: index floor(0.05*20)=1, sorted[-0.10,-0.05,...],
	// VaR = |-0.05| * 1000 = 50; CVaR = |mean(-0.10,-0.05)| * 1000 = 75.
	assert.True(t, c.VaR(0.95).Equal(decimal.NewFromInt(50)), "got %s", c.VaR(0.95))
	assert.True(t, c.CVaR(0.95).Equal(decimal.NewFromInt(75)), "got %s", c.CVaR(0.95))
}

func TestVolatilityRegimeScaling(t *testing.T) {
	c := testController()

	// Alternating large returns push sample stddev above 0.03.
	for i := 0; i < 30; i++ {
		if i%2 == 0 {
			c.SamplePnL(0.05)
		} else {
			c.SamplePnL(-0.05)
		}
	}
	assert.Equal(t, domain.RegimeHigh, c.Snapshot().Regime)

	// High regime halves the position cap: 20% -> 10% of 10k = 1,000.
	ap := c.ValidateTrade("BTC-PERP", "bybit", "okx", decimal.NewFromInt(1_500))
	assert.False(t, ap.Approved)
	assert.True(t, ap.MaxAllowedSize.Equal(decimal.NewFromInt(1_000)), "got %s", ap.MaxAllowedSize)

	// Calm series restores base limits.
	for i := 0; i < 252; i++ {
		c.SamplePnL(0.0)
	}
	assert.Equal(t, domain.RegimeLow, c.Snapshot().Regime)
}
