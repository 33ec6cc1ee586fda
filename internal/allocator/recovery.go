package allocator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fundarb/fundarb/internal/domain"
)

// Recover rebuilds the in-memory allocation set after a restart. The
// persistent store is authoritative; the Redis snapshot only fills in
// records the store round-trip may have missed mid-crash.
func (a *Allocator) Recover(ctx context.Context) error {
	active, err := a.repo.Allocations.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active allocations: %w", err)
	}

	byID := make(map[string]domain.Allocation, len(active))
	for _, alloc := range active {
		byID[alloc.ID] = alloc
	}
	for _, alloc := range a.cachedSnapshot(ctx) {
		if _, ok := byID[alloc.ID]; ok || alloc.State.Terminal() {
			continue
		}
		// Cached but not in the store: verify before trusting.
		stored, err := a.repo.Allocations.Get(ctx, alloc.ID)
		if err != nil {
			return fmt.Errorf("failed to verify cached allocation %s: %w", alloc.ID, err)
		}
		if stored != nil && !stored.State.Terminal() {
			byID[stored.ID] = *stored
		}
	}

	open, err := a.repo.Positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open positions: %w", err)
	}
	openByID := make(map[string]domain.Position, len(open))
	for _, p := range open {
		openByID[p.ID] = p
	}

	// Orphan positions get a synthetic allocation so capital accounting
	// and the coin cap see them.
	claimed := make(map[string]bool)
	for _, alloc := range byID {
		if alloc.PositionID != "" {
			claimed[alloc.PositionID] = true
		}
	}
	for _, p := range open {
		if claimed[p.ID] {
			continue
		}
		synthetic := domain.Allocation{
			ID:         domain.NewID(),
			Symbol:     p.Symbol,
			LongVenue:  p.LongVenue,
			ShortVenue: p.ShortVenue,
			SizeUSD:    p.SizeUSD,
			State:      domain.AllocActive,
			PositionID: p.ID,
			CreatedAt:  time.Now().UTC(),
			ExecutedAt: p.OpenedAt,
		}
		if err := a.repo.Allocations.Insert(ctx, synthetic); err != nil {
			return fmt.Errorf("failed to persist synthetic allocation for position %s: %w", p.ID, err)
		}
		byID[synthetic.ID] = synthetic
		log.Warn().
			Str("position_id", p.ID).
			Str("allocation_id", synthetic.ID).
			Str("symbol", p.Symbol).
			Msg("recovered orphan position with synthetic allocation")
	}

	// Allocations pointing at positions that no longer exist are closed.
	recovered := 0
	for id, alloc := range byID {
		if alloc.PositionID != "" {
			if _, ok := openByID[alloc.PositionID]; !ok {
				if err := a.repo.Allocations.UpdateState(ctx, id, domain.AllocClosed, "position missing at recovery"); err != nil {
					return fmt.Errorf("failed to close stale allocation %s: %w", id, err)
				}
				delete(byID, id)
				a.dropSnapshot(ctx, id)
				log.Warn().Str("allocation_id", id).Str("symbol", alloc.Symbol).
					Msg("closed allocation whose position no longer exists")
				continue
			}
		}
		recovered++
	}

	a.mu.Lock()
	a.byID = make(map[string]domain.Allocation, len(byID))
	a.bySymbol = make(map[string]int)
	a.mu.Unlock()
	for _, alloc := range byID {
		// Pending approvals hold no capital yet.
		if alloc.State != domain.AllocPending {
			a.risk.AddExposure(alloc.Symbol, alloc.LongVenue, alloc.ShortVenue, alloc.SizeUSD)
		}
		a.track(alloc)
		a.saveSnapshot(ctx, alloc)
	}

	log.Info().
		Int("allocations", recovered).
		Int("open_positions", len(open)).
		Int("active_symbols", a.ActiveSymbolCount()).
		Msg("allocator state recovered")
	return nil
}

// cachedSnapshot loads the Redis allocation hash. Failures degrade to
// store-only recovery.
func (a *Allocator) cachedSnapshot(ctx context.Context) []domain.Allocation {
	if a.cache == nil {
		return nil
	}
	raw, err := a.cache.HGetAll(ctx, snapshotKey).Result()
	if err != nil {
		log.Warn().Err(err).Msg("failed to read allocation snapshot cache")
		return nil
	}
	out := make([]domain.Allocation, 0, len(raw))
	for id, blob := range raw {
		var alloc domain.Allocation
		if err := json.Unmarshal([]byte(blob), &alloc); err != nil {
			log.Warn().Err(err).Str("allocation_id", id).Msg("dropping corrupt cached allocation")
			continue
		}
		out = append(out, alloc)
	}
	return out
}
