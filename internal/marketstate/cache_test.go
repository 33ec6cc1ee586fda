package marketstate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundarb/fundarb/internal/config"
	"github.com/fundarb/fundarb/internal/domain"
)

func testCache() *Cache {
	cfg := config.Default().Market
	return New(cfg)
}

func rate(venue, symbol string, r float64) domain.FundingRate {
	return domain.FundingRate{
		Venue:           venue,
		Symbol:          symbol,
		Rate:            decimal.NewFromFloat(r),
		IntervalHours:   8,
		NextFundingTime: time.Now().Add(4 * time.Hour),
		Source:          domain.SourceExchange,
		UpdatedAt:       time.Now(),
	}
}

func TestSetFundingRateBoundsCheck(t *testing.T) {
	c := testCache()
	c.RegisterVenue("binance_futures", 1)

	err := c.SetFundingRate(rate("binance_futures", "BTC-PERP", 0.02))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds bound")

	h, ok := c.VenueHealth("binance_futures")
	require.True(t, ok)
	assert.Equal(t, int64(1), h.ErrorCount)

	_, found := c.FundingRate("binance_futures", "BTC-PERP")
	assert.False(t, found, "rejected rate must not be stored")
}

func TestSetFundingRateJumpAnomaly(t *testing.T) {
	c := testCache()
	c.RegisterVenue("bybit", 1)

	for _, r := range []float64{0.0001, 0.00011, 0.0001, 0.00012, 0.00011} {
		require.NoError(t, c.SetFundingRate(rate("bybit", "ETH-PERP", r)))
	}

	// 0.008 is within the absolute bound but far outside the trailing history.
	err := c.SetFundingRate(rate("bybit", "ETH-PERP", 0.008))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jumped")

	fr, ok := c.FundingRate("bybit", "ETH-PERP")
	require.True(t, ok)
	assert.True(t, fr.Rate.Equal(decimal.NewFromFloat(0.00011)))
}

func TestReliabilityDecaysWithErrors(t *testing.T) {
	c := testCache()
	c.RegisterVenue("okx", 1)

	for i := 0; i < 10; i++ {
		c.RecordRequest("okx", false)
	}

	h, ok := c.VenueHealth("okx")
	require.True(t, ok)
	assert.Less(t, h.Reliability, 0.8)
	assert.Equal(t, int64(10), h.ErrorCount)
	assert.Equal(t, int64(10), h.RequestCount)

	for i := 0; i < 100; i++ {
		c.RecordRequest("okx", true)
	}
	h, _ = c.VenueHealth("okx")
	assert.Greater(t, h.Reliability, 0.9, "reliability recovers with successes")
}

func TestVenuesByPriorityOrdering(t *testing.T) {
	c := testCache()
	c.RegisterVenue("binance_futures", 1)
	c.RegisterVenue("bybit", 1)
	c.RegisterVenue("aggregator", 2)
	c.RegisterVenue("downvenue", 1)
	c.SetVenueHealth("downvenue", false, "ws disconnected")

	// Degrade bybit reliability below binance.
	for i := 0; i < 20; i++ {
		c.RecordRequest("bybit", i%2 == 0)
	}

	ordered := c.VenuesByPriority()
	require.Len(t, ordered, 3, "unhealthy venues excluded")
	assert.Equal(t, "binance_futures", ordered[0].Venue)
	assert.Equal(t, "bybit", ordered[1].Venue)
	assert.Equal(t, "aggregator", ordered[2].Venue)
}

func TestFallbackSkipsUnreliable(t *testing.T) {
	c := testCache()
	c.RegisterVenue("binance_futures", 1)
	c.RegisterVenue("bybit", 1)

	// Hammer bybit reliability under the 0.5 floor.
	for i := 0; i < 60; i++ {
		c.RecordRequest("bybit", false)
	}

	fb, ok := c.Fallback("binance_futures")
	assert.False(t, ok, "no venue above floor: %s", fb)

	c.RegisterVenue("okx", 2)
	fb, ok = c.Fallback("binance_futures")
	require.True(t, ok)
	assert.Equal(t, "okx", fb)
}

func TestSetQuoteValidation(t *testing.T) {
	c := testCache()

	err := c.SetQuote(domain.Quote{
		Venue: "bybit", Symbol: "BTC-PERP",
		Bid: decimal.NewFromInt(50010), Ask: decimal.NewFromInt(50000),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crossed")

	require.NoError(t, c.SetQuote(domain.Quote{
		Venue: "bybit", Symbol: "BTC-PERP",
		Bid: decimal.NewFromInt(50000), Ask: decimal.NewFromInt(50010),
		Last: decimal.NewFromInt(50005),
	}))

	q, ok := c.Quote("bybit", "BTC-PERP")
	require.True(t, ok)
	assert.True(t, q.Last.Equal(decimal.NewFromInt(50005)))
}

func TestVenuesForSymbol(t *testing.T) {
	c := testCache()
	require.NoError(t, c.SetFundingRate(rate("bybit", "BTC-PERP", 0.0001)))
	require.NoError(t, c.SetFundingRate(rate("okx", "BTC-PERP", 0.0002)))
	require.NoError(t, c.SetFundingRate(rate("okx", "ETH-PERP", 0.0001)))

	assert.Equal(t, []string{"bybit", "okx"}, c.VenuesForSymbol("BTC-PERP"))
	assert.Equal(t, []string{"okx"}, c.VenuesForSymbol("ETH-PERP"))
	assert.Equal(t, []string{"BTC-PERP", "ETH-PERP"}, c.Symbols())
}
