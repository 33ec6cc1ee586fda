package allocator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundarb/fundarb/internal/bus"
	"github.com/fundarb/fundarb/internal/config"
	"github.com/fundarb/fundarb/internal/domain"
	"github.com/fundarb/fundarb/internal/persistence"
	"github.com/fundarb/fundarb/internal/risk"
)

type mockRisk struct {
	available decimal.Decimal
	approvals []risk.Approval // consumed per call, last one repeats
	validated []decimal.Decimal
	added     int
	released  int
}

func (m *mockRisk) ValidateTrade(symbol, longVenue, shortVenue string, size decimal.Decimal) risk.Approval {
	m.validated = append(m.validated, size)
	if len(m.approvals) == 0 {
		return risk.Approval{Approved: true}
	}
	ap := m.approvals[0]
	if len(m.approvals) > 1 {
		m.approvals = m.approvals[1:]
	}
	return ap
}

func (m *mockRisk) AddExposure(symbol, longVenue, shortVenue string, size decimal.Decimal) {
	m.added++
	m.available = m.available.Sub(size)
}

func (m *mockRisk) ReleaseExposure(symbol, longVenue, shortVenue string, size decimal.Decimal) {
	m.released++
	m.available = m.available.Add(size)
}

func (m *mockRisk) AvailableCapital() decimal.Decimal { return m.available }

type allocFixture struct {
	alloc *Allocator
	repo  *persistence.Repository
	bus   *bus.Memory
	risk  *mockRisk
	cfg   config.Config
}

func newFixture(mutate func(*config.Config)) *allocFixture {
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	rk := &mockRisk{available: decimal.NewFromInt(10_000)}
	repo := persistence.NewMemoryRepository()
	b := bus.NewMemory()
	return &allocFixture{
		alloc: New(config.NewSettings(cfg), rk, repo, b, nil, nil),
		repo:  repo,
		bus:   b,
		risk:  rk,
		cfg:   cfg,
	}
}

func testOpportunity(action domain.BotAction) domain.Opportunity {
	return domain.Opportunity{
		ID:         domain.NewID(),
		Symbol:     "BTC-PERP",
		LongVenue:  "bybit",
		ShortVenue: "okx",
		Scores:     domain.UOSBreakdown{Total: 80},
		Action:     action,
		DetectedAt: time.Now().UTC(),
	}
}

func TestSuggestSizeScoreWeighted(t *testing.T) {
	f := newFixture(nil)

	// 10% of 10k, weighted by 0.5 + 0.5*0.8.
	size, err := f.alloc.SuggestSize(f.cfg, testOpportunity(domain.ActionAutoTrade))
	require.NoError(t, err)
	assert.True(t, size.Equal(decimal.NewFromInt(900)), "got %s", size)
}

func TestSuggestSizeKelly(t *testing.T) {
	f := newFixture(func(cfg *config.Config) {
		cfg.Allocation.UseKellyCriterion = true
	})
	for i := 0; i < 6; i++ {
		f.alloc.edges.Record("BTC-PERP", 100)
	}
	for i := 0; i < 4; i++ {
		f.alloc.edges.Record("BTC-PERP", -50)
	}

	// b=2, p=0.6: half Kelly f = 0.5*(1.2-0.4)/2 = 0.2.
	size, err := f.alloc.SuggestSize(f.cfg, testOpportunity(domain.ActionAutoTrade))
	require.NoError(t, err)
	assert.True(t, size.Equal(decimal.NewFromInt(2000)), "got %s", size)
}

func TestSuggestSizeKellyCappedAtQuarter(t *testing.T) {
	f := newFixture(func(cfg *config.Config) {
		cfg.Allocation.UseKellyCriterion = true
	})
	for i := 0; i < 9; i++ {
		f.alloc.edges.Record("BTC-PERP", 500)
	}
	f.alloc.edges.Record("BTC-PERP", -10)

	size, err := f.alloc.SuggestSize(f.cfg, testOpportunity(domain.ActionAutoTrade))
	require.NoError(t, err)
	assert.True(t, size.Equal(decimal.NewFromInt(2500)), "got %s", size)
}

func TestSuggestSizeKellyEdgeTooThin(t *testing.T) {
	f := newFixture(func(cfg *config.Config) {
		cfg.Allocation.UseKellyCriterion = true
	})
	for i := 0; i < 3; i++ {
		f.alloc.edges.Record("BTC-PERP", 100)
		f.alloc.edges.Record("BTC-PERP", -100)
	}

	// b=1, p=0.5 gives f=0, below the minimum edge.
	_, err := f.alloc.SuggestSize(f.cfg, testOpportunity(domain.ActionAutoTrade))
	assert.ErrorContains(t, err, "kelly edge")
}

func TestSuggestSizeKellyFallsBackWithoutEdgeData(t *testing.T) {
	f := newFixture(func(cfg *config.Config) {
		cfg.Allocation.UseKellyCriterion = true
	})

	size, err := f.alloc.SuggestSize(f.cfg, testOpportunity(domain.ActionAutoTrade))
	require.NoError(t, err)
	assert.True(t, size.Equal(decimal.NewFromInt(900)), "got %s", size)
}

func TestSuggestSizeCorrelationPenalty(t *testing.T) {
	f := newFixture(nil)
	f.alloc.track(domain.Allocation{
		ID: domain.NewID(), Symbol: "BTC-USD", State: domain.AllocActive,
	})

	// Same base asset: rho 0.8 > 0.6, factor 1 - 0.2*1.0 = 0.8.
	size, err := f.alloc.SuggestSize(f.cfg, testOpportunity(domain.ActionAutoTrade))
	require.NoError(t, err)
	assert.InDelta(t, 720, size.InexactFloat64(), 0.01)
}

func TestSuggestSizeCorrelationFloor(t *testing.T) {
	f := newFixture(func(cfg *config.Config) {
		cfg.Allocation.CorrelationSizePenalty = 10
	})
	f.alloc.track(domain.Allocation{
		ID: domain.NewID(), Symbol: "BTC-PERP", State: domain.AllocActive,
	})

	// Same symbol: rho 1.0, raw factor 1 - 0.4*10 < 0, floored at 0.25.
	size, err := f.alloc.SuggestSize(f.cfg, testOpportunity(domain.ActionAutoTrade))
	require.NoError(t, err)
	assert.True(t, size.Equal(decimal.NewFromInt(225)), "got %s", size)
}

func TestSuggestSizeUncorrelatedBelowThreshold(t *testing.T) {
	f := newFixture(nil)
	f.alloc.track(domain.Allocation{
		ID: domain.NewID(), Symbol: "SOL-PERP", State: domain.AllocActive,
	})

	// Baseline beta 0.3 is under the 0.6 threshold: no penalty.
	size, err := f.alloc.SuggestSize(f.cfg, testOpportunity(domain.ActionAutoTrade))
	require.NoError(t, err)
	assert.True(t, size.Equal(decimal.NewFromInt(900)), "got %s", size)
}

func TestSuggestSizeBelowMinimumRejected(t *testing.T) {
	f := newFixture(nil)
	f.risk.available = decimal.NewFromInt(500)

	// 10% of 500 weighted is 45, under the 100 USD floor.
	_, err := f.alloc.SuggestSize(f.cfg, testOpportunity(domain.ActionAutoTrade))
	assert.ErrorContains(t, err, "below minimum allocation")
}

func TestSuggestSizeClampedToAvailable(t *testing.T) {
	f := newFixture(func(cfg *config.Config) {
		cfg.Allocation.UseKellyCriterion = true
		cfg.Allocation.MaxAllocationUSD = decimal.NewFromInt(1500)
	})
	for i := 0; i < 9; i++ {
		f.alloc.edges.Record("BTC-PERP", 500)
	}
	f.alloc.edges.Record("BTC-PERP", -10)

	// Kelly wants 2500 but max-allocation clamps first.
	size, err := f.alloc.SuggestSize(f.cfg, testOpportunity(domain.ActionAutoTrade))
	require.NoError(t, err)
	assert.True(t, size.Equal(decimal.NewFromInt(1500)), "got %s", size)
}

func TestAutoTradeAllocatesAndRequestsExecution(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	var requests []domain.ExecutionRequest
	f.bus.Subscribe(domain.TopicExecutionRequest, func(ctx context.Context, env bus.Envelope) error {
		var req domain.ExecutionRequest
		require.NoError(t, env.Decode(&req))
		requests = append(requests, req)
		return nil
	})

	require.NoError(t, f.alloc.HandleOpportunity(ctx, testOpportunity(domain.ActionAutoTrade)))

	require.Len(t, requests, 1)
	assert.Equal(t, "BTC-PERP", requests[0].Symbol)
	assert.True(t, requests[0].SizeUSD.Equal(decimal.NewFromInt(900)))
	assert.Equal(t, 1, f.risk.added)
	assert.True(t, f.alloc.IsSymbolActive("BTC-PERP"))

	active, err := f.repo.Allocations.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, domain.AllocExecuting, active[0].State)
}

func TestAllocateDownsizesToRiskCap(t *testing.T) {
	f := newFixture(nil)
	f.risk.approvals = []risk.Approval{
		{Approved: false, MaxAllowedSize: decimal.NewFromInt(500), Reason: "per-position cap"},
		{Approved: true},
	}

	var requests []domain.ExecutionRequest
	f.bus.Subscribe(domain.TopicExecutionRequest, func(ctx context.Context, env bus.Envelope) error {
		var req domain.ExecutionRequest
		require.NoError(t, env.Decode(&req))
		requests = append(requests, req)
		return nil
	})

	require.NoError(t, f.alloc.HandleOpportunity(context.Background(), testOpportunity(domain.ActionAutoTrade)))

	require.Len(t, requests, 1)
	assert.True(t, requests[0].SizeUSD.Equal(decimal.NewFromInt(500)), "got %s", requests[0].SizeUSD)
	require.Len(t, f.risk.validated, 2)
	assert.True(t, f.risk.validated[1].Equal(decimal.NewFromInt(500)))
}

func TestAllocateRiskRejectedIsNotAnError(t *testing.T) {
	f := newFixture(nil)
	f.risk.approvals = []risk.Approval{{Approved: false, Reason: "circuit breaker active"}}

	require.NoError(t, f.alloc.HandleOpportunity(context.Background(), testOpportunity(domain.ActionAutoTrade)))
	assert.Equal(t, 0, f.risk.added)
	assert.False(t, f.alloc.IsSymbolActive("BTC-PERP"))
}

func TestManualQueueAndApprove(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	require.NoError(t, f.alloc.HandleOpportunity(ctx, testOpportunity(domain.ActionManualOnly)))

	pending, err := f.alloc.PendingApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].SizeUSD.Equal(decimal.NewFromInt(900)))
	assert.Equal(t, 0, f.risk.added, "pending approvals hold no capital")

	// A second detection of the same symbol does not queue twice.
	require.NoError(t, f.alloc.HandleOpportunity(ctx, testOpportunity(domain.ActionManualOnly)))
	pending, err = f.alloc.PendingApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	var requests []domain.ExecutionRequest
	f.bus.Subscribe(domain.TopicExecutionRequest, func(ctx context.Context, env bus.Envelope) error {
		var req domain.ExecutionRequest
		require.NoError(t, env.Decode(&req))
		requests = append(requests, req)
		return nil
	})

	require.NoError(t, f.alloc.Approve(ctx, pending[0].ID, decimal.Zero))
	require.Len(t, requests, 1)
	assert.Equal(t, 1, f.risk.added)

	stored, err := f.repo.Allocations.Get(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AllocExecuting, stored.State)
}

func TestApproveNonPendingFails(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	require.NoError(t, f.alloc.HandleOpportunity(ctx, testOpportunity(domain.ActionAutoTrade)))
	active, err := f.repo.Allocations.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	assert.ErrorContains(t, f.alloc.Approve(ctx, active[0].ID, decimal.Zero), "not pending")
}

func TestExpireApprovals(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	stale := domain.Allocation{
		ID: domain.NewID(), Symbol: "ETH-PERP", State: domain.AllocPending,
		SizeUSD: decimal.NewFromInt(500), CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, f.repo.Allocations.Insert(ctx, stale))
	f.alloc.track(stale)

	fresh := domain.Allocation{
		ID: domain.NewID(), Symbol: "SOL-PERP", State: domain.AllocPending,
		SizeUSD: decimal.NewFromInt(500), CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.repo.Allocations.Insert(ctx, fresh))
	f.alloc.track(fresh)

	require.NoError(t, f.alloc.expireApprovals(ctx))

	pending, err := f.alloc.PendingApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, fresh.ID, pending[0].ID)
	assert.False(t, f.alloc.IsSymbolActive("ETH-PERP"))
}

func TestExecutionFailureReleasesCapital(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	require.NoError(t, f.alloc.HandleOpportunity(ctx, testOpportunity(domain.ActionAutoTrade)))
	active, err := f.repo.Allocations.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	res := domain.ExecutionResult{AllocationID: active[0].ID, Success: false, Error: "both legs failed"}
	require.NoError(t, f.alloc.HandleExecutionResult(ctx, res))

	assert.Equal(t, 1, f.risk.released)
	assert.False(t, f.alloc.IsSymbolActive("BTC-PERP"))

	stored, err := f.repo.Allocations.Get(ctx, active[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AllocFailed, stored.State)

	// Redelivery of the same result does not release twice.
	require.NoError(t, f.alloc.HandleExecutionResult(ctx, res))
	assert.Equal(t, 1, f.risk.released)
}

func TestPositionClosedSettlesOnce(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	require.NoError(t, f.alloc.HandleOpportunity(ctx, testOpportunity(domain.ActionAutoTrade)))
	active, err := f.repo.Allocations.ListActive(ctx)
	require.NoError(t, err)
	allocID := active[0].ID

	positionID := domain.NewID()
	require.NoError(t, f.alloc.HandleExecutionResult(ctx, domain.ExecutionResult{
		AllocationID: allocID, PositionID: positionID, Success: true,
	}))
	stored, err := f.repo.Allocations.Get(ctx, allocID)
	require.NoError(t, err)
	assert.Equal(t, domain.AllocActive, stored.State)
	assert.Equal(t, positionID, stored.PositionID)

	closed := domain.PositionClosedEvent{
		Position:     domain.Position{ID: positionID, Symbol: "BTC-PERP"},
		AllocationID: allocID,
		RealizedPnL:  decimal.NewFromInt(42),
		Reason:       domain.ExitManual,
	}
	require.NoError(t, f.alloc.HandlePositionClosed(ctx, closed))
	require.NoError(t, f.alloc.HandlePositionClosed(ctx, closed))

	assert.Equal(t, 1, f.risk.released)
	assert.False(t, f.alloc.IsSymbolActive("BTC-PERP"))
	assert.Equal(t, 1, f.alloc.edges.Edge("BTC-PERP").samples())
}

func TestWeaknessScoring(t *testing.T) {
	now := time.Now().UTC()

	losing := domain.Position{
		FundingReceived: decimal.NewFromInt(5),
		FundingPaid:     decimal.NewFromInt(15), // funding pnl -10
		UnrealizedPnL:   decimal.NewFromInt(-5),
		OpenedAt:        now.Add(-5 * time.Hour),
	}
	score, factors := weakness(losing, now)
	assert.InDelta(t, 105, score, 0.01) // 60 + 35 + 10
	assert.InDelta(t, -10, factors["funding_pnl"], 0.01)

	winning := domain.Position{
		FundingReceived: decimal.NewFromInt(30),
		UnrealizedPnL:   decimal.NewFromInt(20),
		OpenedAt:        now.Add(-2 * time.Hour),
	}
	score, _ = weakness(winning, now)
	assert.InDelta(t, -35, score, 0.01) // -20 - 15, no hold penalty

	assert.Greater(t, mustScore(losing, now), mustScore(winning, now))
}

func mustScore(p domain.Position, now time.Time) float64 {
	s, _ := weakness(p, now)
	return s
}

func TestEnforceCoinCapClosesWeakest(t *testing.T) {
	f := newFixture(func(cfg *config.Config) {
		cfg.Allocation.MaxConcurrentCoins = 2
	})
	ctx := context.Background()
	now := time.Now().UTC()

	seed := func(symbol string, funding, unrealized int64) (string, string) {
		p := domain.Position{
			ID: domain.NewID(), Symbol: symbol, State: domain.PositionActive,
			SizeUSD:         decimal.NewFromInt(1000),
			FundingReceived: decimal.NewFromInt(funding),
			UnrealizedPnL:   decimal.NewFromInt(unrealized),
			OpenedAt:        now.Add(-time.Hour),
		}
		require.NoError(t, f.repo.Positions.Insert(ctx, p))
		a := domain.Allocation{
			ID: domain.NewID(), Symbol: symbol, State: domain.AllocActive,
			SizeUSD: p.SizeUSD, PositionID: p.ID, CreatedAt: now,
		}
		require.NoError(t, f.repo.Allocations.Insert(ctx, a))
		f.alloc.track(a)
		return p.ID, a.ID
	}

	weakestPos, weakestAlloc := seed("DOGE-PERP", -20, -30)
	seed("BTC-PERP", 10, 5)
	seed("ETH-PERP", 8, 2)

	var closes []domain.CloseRequest
	f.bus.Subscribe(domain.TopicCloseRequest, func(ctx context.Context, env bus.Envelope) error {
		var req domain.CloseRequest
		require.NoError(t, env.Decode(&req))
		closes = append(closes, req)
		return nil
	})

	require.NoError(t, f.alloc.EnforceCoinCap(ctx))

	require.Len(t, closes, 1)
	assert.Equal(t, weakestPos, closes[0].PositionID)
	assert.Equal(t, domain.ExitAutoUnwind, closes[0].Reason)
	assert.Equal(t, "allocator", closes[0].Initiator)

	audit, err := f.repo.Audit.ListByAllocation(ctx, weakestAlloc)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "auto_unwind", audit[0].Action)
}

func TestEnforceCoinCapUnderLimitNoOp(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	var closes int
	f.bus.Subscribe(domain.TopicCloseRequest, func(ctx context.Context, env bus.Envelope) error {
		closes++
		return nil
	})
	require.NoError(t, f.alloc.EnforceCoinCap(ctx))
	assert.Zero(t, closes)
}

func TestRecoverSyntheticAndStale(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	now := time.Now().UTC()

	// Open position with no allocation: needs a synthetic record.
	orphan := domain.Position{
		ID: domain.NewID(), Symbol: "BTC-PERP", State: domain.PositionActive,
		LongVenue: "bybit", ShortVenue: "okx",
		SizeUSD: decimal.NewFromInt(1500), OpenedAt: now.Add(-time.Hour),
	}
	require.NoError(t, f.repo.Positions.Insert(ctx, orphan))

	// Allocation whose position vanished: must be closed.
	stale := domain.Allocation{
		ID: domain.NewID(), Symbol: "ETH-PERP", State: domain.AllocActive,
		SizeUSD: decimal.NewFromInt(800), PositionID: domain.NewID(), CreatedAt: now,
	}
	require.NoError(t, f.repo.Allocations.Insert(ctx, stale))

	require.NoError(t, f.alloc.Recover(ctx))

	assert.Equal(t, 1, f.alloc.ActiveSymbolCount())
	assert.True(t, f.alloc.IsSymbolActive("BTC-PERP"))
	assert.False(t, f.alloc.IsSymbolActive("ETH-PERP"))
	assert.Equal(t, 1, f.risk.added)

	active, err := f.repo.Allocations.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, orphan.ID, active[0].PositionID)
	assert.True(t, active[0].SizeUSD.Equal(orphan.SizeUSD))

	staleStored, err := f.repo.Allocations.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AllocClosed, staleStored.State)
}

func TestBaseAssetBuckets(t *testing.T) {
	assert.Equal(t, "BTC", baseAsset("BTC-PERP"))
	assert.Equal(t, "BTC", baseAsset("btc/usdt:usdt"))
	assert.Equal(t, "ETH", baseAsset("ETH"))
}
