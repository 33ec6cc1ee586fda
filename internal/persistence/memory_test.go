package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundarb/fundarb/internal/domain"
)

func TestMemoryPositionsLifecycle(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	p := domain.Position{
		ID:       domain.NewID(),
		Symbol:   "BTC-PERP",
		State:    domain.PositionActive,
		Health:   domain.HealthHealthy,
		SizeUSD:  decimal.NewFromInt(1000),
		OpenedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.Positions.Insert(ctx, p))
	assert.Error(t, repo.Positions.Insert(ctx, p), "duplicate insert rejected")

	open, err := repo.Positions.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	p.State = domain.PositionClosed
	p.ClosedAt = time.Now().UTC()
	require.NoError(t, repo.Positions.Update(ctx, p))

	open, err = repo.Positions.ListOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	closed, err := repo.Positions.ListClosed(ctx, TimeRange{
		From: time.Now().Add(-time.Hour),
		To:   time.Now().Add(time.Hour),
	}, 10)
	require.NoError(t, err)
	assert.Len(t, closed, 1)
}

func TestMemoryAllocationsPendingQueue(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first := domain.Allocation{
		ID: domain.NewID(), Symbol: "BTC-PERP",
		State: domain.AllocPending, CreatedAt: time.Now().Add(-time.Minute),
	}
	second := domain.Allocation{
		ID: domain.NewID(), Symbol: "ETH-PERP",
		State: domain.AllocPending, CreatedAt: time.Now(),
	}
	require.NoError(t, repo.Allocations.Insert(ctx, second))
	require.NoError(t, repo.Allocations.Insert(ctx, first))

	pending, err := repo.Allocations.ListPendingApproval(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID, "oldest first")

	require.NoError(t, repo.Allocations.UpdateState(ctx, first.ID, domain.AllocCancelled, "expired"))
	active, err := repo.Allocations.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)
}

func TestMemoryFundingSum(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	id := domain.NewID()
	require.NoError(t, repo.Funding.Insert(ctx, FundingPayment{
		PositionID: id, Venue: "bybit", AmountUSD: decimal.NewFromFloat(1.25),
	}))
	require.NoError(t, repo.Funding.Insert(ctx, FundingPayment{
		PositionID: id, Venue: "okx", AmountUSD: decimal.NewFromFloat(-0.25),
	}))
	require.NoError(t, repo.Funding.Insert(ctx, FundingPayment{
		PositionID: domain.NewID(), Venue: "okx", AmountUSD: decimal.NewFromInt(99),
	}))

	sum, err := repo.Funding.SumForPosition(ctx, id)
	require.NoError(t, err)
	assert.True(t, sum.Equal(decimal.NewFromInt(1)), "sum %s", sum)
}
