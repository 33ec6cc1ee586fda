package allocator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fundarb/fundarb/internal/domain"
	"github.com/fundarb/fundarb/internal/lock"
	"github.com/fundarb/fundarb/internal/persistence"
)

// enforceLockName guards the coin-cap sweep across instances.
const enforceLockName = "allocator:enforce"

// weakness scores an open position for unwind ranking. Higher means
// weaker. The factor map is persisted with every unwind decision.
func weakness(p domain.Position, now time.Time) (float64, map[string]float64) {
	fundingPnL, _ := p.FundingReceived.Sub(p.FundingPaid).Float64()
	unrealized, _ := p.UnrealizedPnL.Float64()
	heldHours := now.Sub(p.OpenedAt).Hours()

	var fundingTerm float64
	if fundingPnL < 0 {
		fundingTerm = 50 - fundingPnL
	} else {
		fundingTerm = -minf(fundingPnL, 20)
	}

	var unrealTerm float64
	if unrealized < 0 {
		unrealTerm = 30 - unrealized
	} else {
		unrealTerm = -minf(unrealized, 15)
	}

	var holdTerm float64
	if heldHours > 4 && fundingPnL+unrealized < 0 {
		holdTerm = 2 * heldHours
	}

	score := fundingTerm + unrealTerm + holdTerm
	return score, map[string]float64{
		"funding_pnl":     fundingPnL,
		"unrealized_pnl":  unrealized,
		"held_hours":      heldHours,
		"funding_term":    fundingTerm,
		"unrealized_term": unrealTerm,
		"hold_term":       holdTerm,
	}
}

type rankedPosition struct {
	position domain.Position
	allocID  string
	score    float64
	factors  map[string]float64
}

// EnforceCoinCap closes the weakest positions while the distinct active
// symbol count exceeds the cap. The store is authoritative for the
// count; the sweep runs under a distributed lock when one is wired.
func (a *Allocator) EnforceCoinCap(ctx context.Context) error {
	if a.locker != nil {
		lease, err := a.locker.Acquire(ctx, enforceLockName)
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil // another instance is sweeping
		}
		if err != nil {
			return err
		}
		defer func() {
			if err := a.locker.Release(ctx, lease); err != nil {
				log.Warn().Err(err).Msg("failed to release enforcement lock")
			}
		}()
	}

	cfg := a.settings.Snapshot()

	active, err := a.repo.Allocations.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active allocations: %w", err)
	}
	symbols := make(map[string]bool)
	for _, alloc := range active {
		symbols[alloc.Symbol] = true
	}
	excess := len(symbols) - cfg.Allocation.MaxConcurrentCoins
	if excess <= 0 {
		return nil
	}

	ranked, err := a.rankPositions(ctx, active)
	if err != nil {
		return err
	}
	if len(ranked) < excess {
		excess = len(ranked)
	}

	now := time.Now().UTC()
	for _, r := range ranked[:excess] {
		if err := a.repo.Unwinds.Insert(ctx, persistence.UnwindDecision{
			PositionID:    r.position.ID,
			Symbol:        r.position.Symbol,
			WeaknessScore: r.score,
			Factors:       r.factors,
			Threshold:     float64(cfg.Allocation.MaxConcurrentCoins),
			DecidedAt:     now,
		}); err != nil {
			log.Error().Err(err).Str("position_id", r.position.ID).Msg("failed to persist unwind decision")
		}
		if err := a.repo.Audit.Insert(ctx, persistence.AuditEntry{
			AllocationID: r.allocID,
			PositionID:   r.position.ID,
			Action:       "auto_unwind",
			Symbol:       r.position.Symbol,
			Detail:       fmt.Sprintf("coin cap exceeded: %d symbols over limit %d, weakness %.1f", len(symbols), cfg.Allocation.MaxConcurrentCoins, r.score),
			OccurredAt:   now,
		}); err != nil {
			log.Error().Err(err).Str("position_id", r.position.ID).Msg("failed to audit unwind")
		}

		a.activity(ctx, domain.ActivityWarning, "auto_unwind", r.position.Symbol, r.position.ID,
			fmt.Sprintf("Closing weakest position %s (weakness %.1f): %d active symbols exceed cap %d",
				r.position.Symbol, r.score, len(symbols), cfg.Allocation.MaxConcurrentCoins), nil)

		if err := a.bus.Publish(ctx, domain.TopicCloseRequest, domain.CloseRequest{
			PositionID:   r.position.ID,
			AllocationID: r.allocID,
			Symbol:       r.position.Symbol,
			Reason:       domain.ExitAutoUnwind,
			Initiator:    "allocator",
		}); err != nil {
			log.Error().Err(err).Str("position_id", r.position.ID).Msg("failed to request unwind close")
		}
	}
	return nil
}

// rankPositions scores every position attached to an active allocation,
// weakest first.
func (a *Allocator) rankPositions(ctx context.Context, active []domain.Allocation) ([]rankedPosition, error) {
	now := time.Now().UTC()
	var ranked []rankedPosition
	for _, alloc := range active {
		if alloc.PositionID == "" {
			continue
		}
		p, err := a.repo.Positions.Get(ctx, alloc.PositionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load position %s: %w", alloc.PositionID, err)
		}
		if p == nil || p.State == domain.PositionClosed || p.State == domain.PositionClosing {
			continue
		}
		score, factors := weakness(*p, now)
		ranked = append(ranked, rankedPosition{position: *p, allocID: alloc.ID, score: score, factors: factors})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	return ranked, nil
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
