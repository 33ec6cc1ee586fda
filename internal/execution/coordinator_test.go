package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundarb/fundarb/internal/bus"
	"github.com/fundarb/fundarb/internal/config"
	"github.com/fundarb/fundarb/internal/domain"
	"github.com/fundarb/fundarb/internal/persistence"
	"github.com/fundarb/fundarb/internal/venue"
)

type mockStatus struct {
	running bool
	mode    domain.RiskMode
}

func (m *mockStatus) Running() bool         { return m.running }
func (m *mockStatus) Mode() domain.RiskMode { return m.mode }

type noopHealth struct{}

func (noopHealth) RecordRequest(string, bool)          {}
func (noopHealth) SetVenueHealth(string, bool, string) {}

type execFixture struct {
	coord  *Coordinator
	long   *venue.Paper
	short  *venue.Paper
	repo   *persistence.Repository
	bus    *bus.Memory
	status *mockStatus
}

func newExecFixture(mutate func(*config.Config)) *execFixture {
	cfg := config.Default()
	cfg.Venues = []config.VenueConfig{
		{Slug: "bybit", Enabled: true, PriorityTier: 1, PerpTakerFee: decimal.NewFromFloat(0.0006), RateLimitRPS: 1000, RateLimitBurst: 100},
		{Slug: "okx", Enabled: true, PriorityTier: 1, PerpTakerFee: decimal.NewFromFloat(0.0006), RateLimitRPS: 1000, RateLimitBurst: 100},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	long := venue.NewPaper("bybit")
	short := venue.NewPaper("okx")
	for _, p := range []*venue.Paper{long, short} {
		p.SetQuote(domain.Quote{
			Symbol: "BTC-PERP",
			Bid:    decimal.NewFromInt(49990),
			Ask:    decimal.NewFromInt(50010),
			Last:   decimal.NewFromInt(50000),
		})
	}

	reg := venue.NewRegistry(cfg.Execution, noopHealth{})
	reg.Register(long, cfg.Venues[0])
	reg.Register(short, cfg.Venues[1])

	repo := persistence.NewMemoryRepository()
	b := bus.NewMemory()
	status := &mockStatus{running: true, mode: domain.ModeStandard}
	return &execFixture{
		coord:  NewCoordinator(config.NewSettings(cfg), reg, repo, b, status, nil),
		long:   long,
		short:  short,
		repo:   repo,
		bus:    b,
		status: status,
	}
}

func (f *execFixture) captureResults(t *testing.T) *[]domain.ExecutionResult {
	out := &[]domain.ExecutionResult{}
	f.bus.Subscribe(domain.TopicExecutionResult, func(ctx context.Context, env bus.Envelope) error {
		var res domain.ExecutionResult
		require.NoError(t, env.Decode(&res))
		*out = append(*out, res)
		return nil
	})
	return out
}

func (f *execFixture) captureOpened(t *testing.T) *[]domain.PositionOpened {
	out := &[]domain.PositionOpened{}
	f.bus.Subscribe(domain.TopicPositionOpened, func(ctx context.Context, env bus.Envelope) error {
		var ev domain.PositionOpened
		require.NoError(t, env.Decode(&ev))
		*out = append(*out, ev)
		return nil
	})
	return out
}

func testRequest() domain.ExecutionRequest {
	return domain.ExecutionRequest{
		AllocationID: domain.NewID(),
		Symbol:       "BTC-PERP",
		LongVenue:    "bybit",
		ShortVenue:   "okx",
		SizeUSD:      decimal.NewFromInt(5000),
	}
}

func TestOpenHappyPath(t *testing.T) {
	f := newExecFixture(nil)
	ctx := context.Background()
	results := f.captureResults(t)
	opened := f.captureOpened(t)

	require.NoError(t, f.coord.HandleExecutionRequest(ctx, testRequest()))

	require.Len(t, *results, 1)
	res := (*results)[0]
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.PositionID)
	assert.Equal(t, domain.OrderFilled, res.LongOrder.State)
	assert.Equal(t, domain.OrderFilled, res.ShortOrder.State)

	require.Len(t, *opened, 1)
	p := (*opened)[0].Position
	// 5000 USD at mid 50000 gives 0.1 base, entered at the long ask.
	assert.True(t, p.SizeUSD.Equal(decimal.NewFromFloat(5001)), "got %s", p.SizeUSD)
	assert.Equal(t, domain.PositionActive, p.State)

	open, err := f.repo.Positions.ListOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	// Taker fee on the long leg: 0.1 * 50010 * 0.0006.
	assert.True(t, res.LongOrder.Fee.Equal(decimal.NewFromFloat(3.0006)), "got %s", res.LongOrder.Fee)
	assert.True(t, res.LongOrder.SlippagePct.IsZero())
}

func TestOpenLongLegFailsClosesShort(t *testing.T) {
	f := newExecFixture(nil)
	ctx := context.Background()
	results := f.captureResults(t)

	f.long.FailNextOrder(errors.New("insufficient margin"))
	require.NoError(t, f.coord.HandleExecutionRequest(ctx, testRequest()))

	require.Len(t, *results, 1)
	res := (*results)[0]
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "long leg failed")
	assert.Equal(t, domain.OrderFailed, res.LongOrder.State)
	assert.Equal(t, domain.OrderCancelled, res.ShortOrder.State)

	// The short fill was flattened reduce-only.
	live, err := f.short.Positions(ctx)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestOpenShortLegFailsClosesLong(t *testing.T) {
	f := newExecFixture(nil)
	ctx := context.Background()
	results := f.captureResults(t)

	f.short.FailNextOrder(errors.New("venue rejected"))
	require.NoError(t, f.coord.HandleExecutionRequest(ctx, testRequest()))

	require.Len(t, *results, 1)
	assert.False(t, (*results)[0].Success)

	live, err := f.long.Positions(ctx)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestOpenBothLegsFail(t *testing.T) {
	f := newExecFixture(nil)
	ctx := context.Background()
	results := f.captureResults(t)

	f.long.FailNextOrder(errors.New("down"))
	f.short.FailNextOrder(errors.New("down"))
	require.NoError(t, f.coord.HandleExecutionRequest(ctx, testRequest()))

	require.Len(t, *results, 1)
	res := (*results)[0]
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "both legs failed")

	open, err := f.repo.Positions.ListOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPreTradeRejectsOversizedRequest(t *testing.T) {
	f := newExecFixture(nil)
	results := f.captureResults(t)

	req := testRequest()
	req.SizeUSD = decimal.NewFromInt(6000) // cap defaults to 5000
	require.NoError(t, f.coord.HandleExecutionRequest(context.Background(), req))

	require.Len(t, *results, 1)
	assert.Contains(t, (*results)[0].Error, "per-position cap")
}

func TestPreTradeRejectsWhenStopped(t *testing.T) {
	f := newExecFixture(nil)
	results := f.captureResults(t)
	f.status.running = false

	require.NoError(t, f.coord.HandleExecutionRequest(context.Background(), testRequest()))
	require.Len(t, *results, 1)
	assert.Contains(t, (*results)[0].Error, "not running")
}

func TestMinOrderSizeAbortsWhenTwiceRequested(t *testing.T) {
	f := newExecFixture(nil)
	results := f.captureResults(t)

	// 1000 USD wants 0.02 base; the venue minimum of 0.05 is a 2500 USD
	// notional, more than twice the request.
	f.long.SetMinOrderSize("BTC-PERP", decimal.NewFromFloat(0.05))
	req := testRequest()
	req.SizeUSD = decimal.NewFromInt(1000)
	require.NoError(t, f.coord.HandleExecutionRequest(context.Background(), req))

	require.Len(t, *results, 1)
	assert.Contains(t, (*results)[0].Error, "minimum order notional")
}

func TestMinOrderSizeRoundsUp(t *testing.T) {
	f := newExecFixture(nil)
	opened := f.captureOpened(t)

	// Minimum 0.03 is within 2x of the 0.02 the request implies.
	f.long.SetMinOrderSize("BTC-PERP", decimal.NewFromFloat(0.03))
	req := testRequest()
	req.SizeUSD = decimal.NewFromInt(1000)
	require.NoError(t, f.coord.HandleExecutionRequest(context.Background(), req))

	require.Len(t, *opened, 1)
	p := (*opened)[0].Position
	assert.True(t, p.SizeUSD.Equal(decimal.NewFromFloat(1500.3)), "got %s", p.SizeUSD)
}

func TestFillLoopCompletesHeldOrders(t *testing.T) {
	f := newExecFixture(nil)
	ctx := context.Background()
	results := f.captureResults(t)

	f.long.HoldOrders(true)
	f.short.HoldOrders(true)
	require.NoError(t, f.coord.HandleExecutionRequest(ctx, testRequest()))
	assert.Empty(t, *results, "no result while legs are working")

	f.long.AdvanceFills()
	f.short.AdvanceFills()
	f.coord.sweepFills(ctx, time.Now().UTC())

	require.Len(t, *results, 1)
	assert.True(t, (*results)[0].Success)
}

func TestStaleFillHedgeAdjustment(t *testing.T) {
	f := newExecFixture(nil)
	ctx := context.Background()
	results := f.captureResults(t)

	// Long leg sticks at 60% filled; short leg fills in full.
	f.long.HoldOrders(true)
	f.long.SetFillRatio(decimal.NewFromFloat(0.6))
	require.NoError(t, f.coord.HandleExecutionRequest(ctx, testRequest()))
	f.long.AdvanceFills()

	f.coord.sweepFills(ctx, time.Now().UTC().Add(31*time.Second))

	require.Len(t, *results, 1)
	res := (*results)[0]
	require.True(t, res.Success)
	assert.True(t, res.LongOrder.FilledSize.Equal(decimal.NewFromFloat(0.06)))
	assert.True(t, res.ShortOrder.FilledSize.Equal(decimal.NewFromFloat(0.06)),
		"short trimmed to the stale fill, got %s", res.ShortOrder.FilledSize)

	// Both venues hold matching 0.06 legs.
	longLive, err := f.long.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, longLive, 1)
	assert.True(t, longLive[0].Quantity.Equal(decimal.NewFromFloat(0.06)))

	shortLive, err := f.short.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, shortLive, 1)
	assert.True(t, shortLive[0].Quantity.Equal(decimal.NewFromFloat(0.06)))
}

func TestMaxAgeUnwindsBothLegs(t *testing.T) {
	f := newExecFixture(nil)
	ctx := context.Background()
	results := f.captureResults(t)

	// Both legs stall at 30%: under the hedge ratio, so the pair rides
	// to the max-age unwind.
	for _, p := range []*venue.Paper{f.long, f.short} {
		p.HoldOrders(true)
		p.SetFillRatio(decimal.NewFromFloat(0.3))
	}
	req := testRequest()
	require.NoError(t, f.coord.HandleExecutionRequest(ctx, req))
	f.long.AdvanceFills()
	f.short.AdvanceFills()

	f.coord.sweepFills(ctx, time.Now().UTC().Add(61*time.Second))

	require.Len(t, *results, 1)
	res := (*results)[0]
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "fill window expired")
	assert.Equal(t, domain.OrderCancelled, res.LongOrder.State)
	assert.Equal(t, domain.OrderCancelled, res.ShortOrder.State)

	longLive, err := f.long.Positions(ctx)
	require.NoError(t, err)
	assert.Empty(t, longLive, "filled portion closed reduce-only")

	orders, err := f.repo.Orders.ListByAllocation(ctx, req.AllocationID)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.Equal(t, domain.OrderCancelled, o.State)
	}
}

func TestLegSyncCorrectionTrimsLargerLeg(t *testing.T) {
	f := newExecFixture(nil)
	ctx := context.Background()
	cfg := config.Default()

	long := &domain.Order{
		ID: domain.NewID(), Venue: "bybit", Symbol: "BTC-PERP", Side: domain.SideBuy,
		Size: decimal.NewFromFloat(0.1), FilledSize: decimal.NewFromFloat(0.1),
		State: domain.OrderFilled, SubmittedAt: time.Now().UTC(),
	}
	short := &domain.Order{
		ID: domain.NewID(), Venue: "okx", Symbol: "BTC-PERP", Side: domain.SideSell,
		Size: decimal.NewFromFloat(0.1), FilledSize: decimal.NewFromFloat(0.09),
		State: domain.OrderFilled, SubmittedAt: time.Now().UTC(),
	}
	require.NoError(t, f.repo.Orders.Insert(ctx, *long))
	require.NoError(t, f.repo.Orders.Insert(ctx, *short))

	pe := &pairedExecution{allocationID: domain.NewID(), symbol: "BTC-PERP", long: long, short: short}
	f.coord.legSyncCheck(ctx, cfg, pe)

	// 0.09/0.1 = 0.9 < 0.95: the long leg is trimmed to match.
	assert.True(t, long.FilledSize.Equal(decimal.NewFromFloat(0.09)), "got %s", long.FilledSize)
	assert.True(t, short.FilledSize.Equal(decimal.NewFromFloat(0.09)))
}

func TestCloseProtocol(t *testing.T) {
	f := newExecFixture(nil)
	ctx := context.Background()

	// Live legs on both venues.
	_, err := f.long.PlaceOrder(ctx, venue.OrderRequest{
		Symbol: "BTC-PERP", Side: domain.SideBuy, Type: domain.OrderMarket,
		Quantity: decimal.NewFromFloat(0.1),
	})
	require.NoError(t, err)
	_, err = f.short.PlaceOrder(ctx, venue.OrderRequest{
		Symbol: "BTC-PERP", Side: domain.SideSell, Type: domain.OrderMarket,
		Quantity: decimal.NewFromFloat(0.1),
	})
	require.NoError(t, err)

	p := domain.Position{
		ID: domain.NewID(), Symbol: "BTC-PERP", LongVenue: "bybit", ShortVenue: "okx",
		SizeUSD: decimal.NewFromInt(5000), State: domain.PositionActive,
		Health:          domain.HealthHealthy,
		FundingReceived: decimal.NewFromInt(12),
		FundingPaid:     decimal.NewFromInt(2),
		OpenedAt:        time.Now().UTC().Add(-8 * time.Hour),
	}
	require.NoError(t, f.repo.Positions.Insert(ctx, p))

	var closedEvents []domain.PositionClosedEvent
	f.bus.Subscribe(domain.TopicPositionClosed, func(ctx context.Context, env bus.Envelope) error {
		var ev domain.PositionClosedEvent
		require.NoError(t, env.Decode(&ev))
		closedEvents = append(closedEvents, ev)
		return nil
	})

	req := domain.CloseRequest{
		PositionID: p.ID, Symbol: p.Symbol,
		Reason: domain.ExitMaxHoldTime, Initiator: "position-manager",
	}
	require.NoError(t, f.coord.HandleCloseRequest(ctx, req))

	require.Len(t, closedEvents, 1)
	assert.True(t, closedEvents[0].RealizedPnL.Equal(decimal.NewFromInt(10)),
		"net funding flows into realized pnl, got %s", closedEvents[0].RealizedPnL)
	assert.Equal(t, domain.ExitMaxHoldTime, closedEvents[0].Reason)

	longLive, err := f.long.Positions(ctx)
	require.NoError(t, err)
	assert.Empty(t, longLive)
	shortLive, err := f.short.Positions(ctx)
	require.NoError(t, err)
	assert.Empty(t, shortLive)

	stored, err := f.repo.Positions.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionClosed, stored.State)

	// Redelivery is a no-op.
	require.NoError(t, f.coord.HandleCloseRequest(ctx, req))
	assert.Len(t, closedEvents, 1)
}

func TestRebalanceRequest(t *testing.T) {
	f := newExecFixture(nil)
	ctx := context.Background()

	_, err := f.long.PlaceOrder(ctx, venue.OrderRequest{
		Symbol: "BTC-PERP", Side: domain.SideBuy, Type: domain.OrderMarket,
		Quantity: decimal.NewFromFloat(0.1),
	})
	require.NoError(t, err)

	require.NoError(t, f.coord.HandleRebalanceRequest(ctx, domain.RebalanceRequest{
		PositionID: domain.NewID(), Symbol: "BTC-PERP",
		Venue: "bybit", Side: domain.SideSell, Size: decimal.NewFromFloat(0.02),
	}))

	live, err := f.long.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.True(t, live[0].Quantity.Equal(decimal.NewFromFloat(0.08)), "got %s", live[0].Quantity)
}

func TestSignedSlippage(t *testing.T) {
	hundred := decimal.NewFromInt(100)

	buyWorse := signedSlippagePct(domain.SideBuy, hundred, decimal.NewFromInt(101))
	assert.True(t, buyWorse.Equal(decimal.NewFromInt(1)), "got %s", buyWorse)

	sellWorse := signedSlippagePct(domain.SideSell, hundred, decimal.NewFromInt(99))
	assert.True(t, sellWorse.Equal(decimal.NewFromInt(1)), "got %s", sellWorse)

	buyBetter := signedSlippagePct(domain.SideBuy, hundred, decimal.NewFromInt(99))
	assert.True(t, buyBetter.Equal(decimal.NewFromInt(-1)), "got %s", buyBetter)

	assert.True(t, signedSlippagePct(domain.SideBuy, decimal.Zero, hundred).IsZero())
}
