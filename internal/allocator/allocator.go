// Package allocator reserves capital for scored opportunities: sizing
// with Kelly or score weighting, correlation penalty, the concurrent
// coin cap with weakness-ranked auto-unwind, and crash recovery from
// the persistent store.
package allocator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/fundarb/fundarb/internal/bus"
	"github.com/fundarb/fundarb/internal/config"
	"github.com/fundarb/fundarb/internal/domain"
	"github.com/fundarb/fundarb/internal/lock"
	"github.com/fundarb/fundarb/internal/persistence"
	"github.com/fundarb/fundarb/internal/risk"
)

// snapshotKey is the Redis hash caching live allocations for restart.
const snapshotKey = "fundarb:allocations"

// RiskGate is the slice of the risk controller the allocator needs.
type RiskGate interface {
	ValidateTrade(symbol, longVenue, shortVenue string, size decimal.Decimal) risk.Approval
	AddExposure(symbol, longVenue, shortVenue string, size decimal.Decimal)
	ReleaseExposure(symbol, longVenue, shortVenue string, size decimal.Decimal)
	AvailableCapital() decimal.Decimal
}

// allocRank orders the allocation lifecycle so stale bus redeliveries
// cannot move an allocation backwards.
var allocRank = map[domain.AllocationState]int{
	domain.AllocPending:   0,
	domain.AllocExecuting: 1,
	domain.AllocActive:    2,
	domain.AllocClosing:   3,
	domain.AllocClosed:    4,
	domain.AllocFailed:    4,
	domain.AllocCancelled: 4,
}

// Allocator is the C3 capital allocator.
type Allocator struct {
	settings *config.Settings
	risk     RiskGate
	repo     *persistence.Repository
	bus      bus.Bus
	cache    *redis.Client // nil disables the snapshot cache
	locker   *lock.Locker  // nil disables the distributed lock
	edges    *edgeBook

	mu       sync.RWMutex
	byID     map[string]domain.Allocation
	bySymbol map[string]int // non-terminal allocation count per symbol
}

// New creates the allocator. cache and locker may be nil for
// single-instance runs without Redis.
func New(settings *config.Settings, gate RiskGate, repo *persistence.Repository, b bus.Bus, cache *redis.Client, locker *lock.Locker) *Allocator {
	return &Allocator{
		settings: settings,
		risk:     gate,
		repo:     repo,
		bus:      b,
		cache:    cache,
		locker:   locker,
		edges:    newEdgeBook(),
		byID:     make(map[string]domain.Allocation),
		bySymbol: make(map[string]int),
	}
}

// ActiveSymbolCount returns the number of distinct symbols with a
// non-terminal allocation.
func (a *Allocator) ActiveSymbolCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.bySymbol)
}

// IsSymbolActive reports whether the symbol has a non-terminal allocation.
func (a *Allocator) IsSymbolActive(symbol string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bySymbol[symbol] > 0
}

// AvailableCapital mirrors the risk controller's free capital.
func (a *Allocator) AvailableCapital() decimal.Decimal {
	return a.risk.AvailableCapital()
}

// HandleOpportunity routes a detected opportunity: AUTO_TRADE
// allocates and requests execution, MANUAL_ONLY queues for approval,
// everything else is ignored.
func (a *Allocator) HandleOpportunity(ctx context.Context, opp domain.Opportunity) error {
	switch opp.Action {
	case domain.ActionAutoTrade:
		return a.allocate(ctx, opp, false)
	case domain.ActionManualOnly:
		return a.queueForApproval(ctx, opp)
	default:
		return nil
	}
}

// allocate runs the sizing pipeline, books capital, and emits the
// execution request. A risk rejection is a decision, not an error.
func (a *Allocator) allocate(ctx context.Context, opp domain.Opportunity, manual bool) error {
	cfg := a.settings.Snapshot()

	size, err := a.SuggestSize(cfg, opp)
	if err != nil {
		a.activity(ctx, domain.ActivityInfo, "allocation_rejected", opp.Symbol, "",
			fmt.Sprintf("Sizing rejected %s: %v", opp.Symbol, err), nil)
		return nil
	}

	approval := a.risk.ValidateTrade(opp.Symbol, opp.LongVenue, opp.ShortVenue, size)
	if !approval.Approved {
		// Downsize to the binding cap when one was returned.
		capSize := approval.MaxAllowedSize
		if capSize.Sign() > 0 && capSize.GreaterThanOrEqual(cfg.Allocation.MinAllocationUSD) {
			size = capSize
			approval = a.risk.ValidateTrade(opp.Symbol, opp.LongVenue, opp.ShortVenue, size)
		}
	}
	if !approval.Approved {
		a.activity(ctx, domain.ActivityInfo, "allocation_rejected", opp.Symbol, "",
			fmt.Sprintf("Risk rejected %s for %s USD: %s", opp.Symbol, size.Round(2), approval.Reason), nil)
		return nil
	}
	for _, w := range approval.Warnings {
		log.Warn().Str("symbol", opp.Symbol).Str("warning", w).Msg("risk approval warning")
	}

	alloc := domain.Allocation{
		ID:            domain.NewID(),
		OpportunityID: opp.ID,
		Symbol:        opp.Symbol,
		LongVenue:     opp.LongVenue,
		ShortVenue:    opp.ShortVenue,
		SizeUSD:       size,
		UOSAtEntry:    opp.Scores.Total,
		State:         domain.AllocExecuting,
		CreatedAt:     time.Now().UTC(),
	}

	if err := a.repo.Allocations.Insert(ctx, alloc); err != nil {
		return fmt.Errorf("failed to persist allocation: %w", err)
	}
	a.risk.AddExposure(alloc.Symbol, alloc.LongVenue, alloc.ShortVenue, alloc.SizeUSD)
	a.track(alloc)
	a.saveSnapshot(ctx, alloc)

	log.Info().
		Str("allocation_id", alloc.ID).
		Str("symbol", alloc.Symbol).
		Str("long_venue", alloc.LongVenue).
		Str("short_venue", alloc.ShortVenue).
		Str("size_usd", alloc.SizeUSD.Round(2).String()).
		Int("uos", alloc.UOSAtEntry).
		Bool("manual", manual).
		Msg("capital allocated")

	if err := a.bus.Publish(ctx, domain.TopicCapitalAllocated, domain.CapitalAllocated{Allocation: alloc}); err != nil {
		log.Error().Err(err).Str("allocation_id", alloc.ID).Msg("failed to publish capital.allocated")
	}
	return a.bus.Publish(ctx, domain.TopicExecutionRequest, domain.ExecutionRequest{
		AllocationID: alloc.ID,
		Symbol:       alloc.Symbol,
		LongVenue:    alloc.LongVenue,
		ShortVenue:   alloc.ShortVenue,
		SizeUSD:      alloc.SizeUSD,
	})
}

// queueForApproval creates a PENDING allocation with a suggested size
// for an operator to approve or reject.
func (a *Allocator) queueForApproval(ctx context.Context, opp domain.Opportunity) error {
	cfg := a.settings.Snapshot()

	size, err := a.SuggestSize(cfg, opp)
	if err != nil {
		a.activity(ctx, domain.ActivityInfo, "approval_skipped", opp.Symbol, "",
			fmt.Sprintf("Not queued %s for approval: %v", opp.Symbol, err), nil)
		return nil
	}

	// One pending request per symbol is enough.
	pending, err := a.repo.Allocations.ListPendingApproval(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending approvals: %w", err)
	}
	for _, p := range pending {
		if p.Symbol == opp.Symbol {
			return nil
		}
	}

	alloc := domain.Allocation{
		ID:            domain.NewID(),
		OpportunityID: opp.ID,
		Symbol:        opp.Symbol,
		LongVenue:     opp.LongVenue,
		ShortVenue:    opp.ShortVenue,
		SizeUSD:       size,
		UOSAtEntry:    opp.Scores.Total,
		State:         domain.AllocPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := a.repo.Allocations.Insert(ctx, alloc); err != nil {
		return fmt.Errorf("failed to queue allocation for approval: %w", err)
	}
	a.track(alloc)
	a.saveSnapshot(ctx, alloc)

	a.activity(ctx, domain.ActivityInfo, "approval_queued", opp.Symbol, "",
		fmt.Sprintf("Queued %s for manual approval, suggested size %s USD, UOS %d",
			opp.Symbol, size.Round(2), opp.Scores.Total),
		map[string]string{"allocation_id": alloc.ID})
	return nil
}

// Approve promotes a pending allocation to execution. A zero override
// keeps the suggested size.
func (a *Allocator) Approve(ctx context.Context, allocationID string, overrideSize decimal.Decimal) error {
	cfg := a.settings.Snapshot()

	alloc, err := a.repo.Allocations.Get(ctx, allocationID)
	if err != nil {
		return fmt.Errorf("failed to load allocation: %w", err)
	}
	if alloc == nil {
		return fmt.Errorf("allocation %s not found", allocationID)
	}
	if alloc.State != domain.AllocPending {
		return fmt.Errorf("allocation %s is %s, not pending", allocationID, alloc.State)
	}

	size := alloc.SizeUSD
	if overrideSize.Sign() > 0 {
		size = overrideSize
	}
	if size.LessThan(cfg.Allocation.MinAllocationUSD) {
		return fmt.Errorf("approved size %s below minimum allocation %s", size.Round(2), cfg.Allocation.MinAllocationUSD)
	}

	approval := a.risk.ValidateTrade(alloc.Symbol, alloc.LongVenue, alloc.ShortVenue, size)
	if !approval.Approved {
		return fmt.Errorf("risk rejected approval of %s: %s", allocationID, approval.Reason)
	}

	alloc.SizeUSD = size
	alloc.State = domain.AllocExecuting
	if err := a.repo.Allocations.UpdateState(ctx, alloc.ID, domain.AllocExecuting, "manually approved"); err != nil {
		return fmt.Errorf("failed to mark allocation executing: %w", err)
	}
	a.risk.AddExposure(alloc.Symbol, alloc.LongVenue, alloc.ShortVenue, alloc.SizeUSD)
	a.track(*alloc)
	a.saveSnapshot(ctx, *alloc)

	a.activity(ctx, domain.ActivityInfo, "allocation_approved", alloc.Symbol, "",
		fmt.Sprintf("Operator approved %s for %s USD", alloc.Symbol, size.Round(2)),
		map[string]string{"allocation_id": alloc.ID})

	return a.bus.Publish(ctx, domain.TopicExecutionRequest, domain.ExecutionRequest{
		AllocationID: alloc.ID,
		Symbol:       alloc.Symbol,
		LongVenue:    alloc.LongVenue,
		ShortVenue:   alloc.ShortVenue,
		SizeUSD:      alloc.SizeUSD,
	})
}

// Reject cancels a pending allocation.
func (a *Allocator) Reject(ctx context.Context, allocationID, reason string) error {
	alloc, err := a.repo.Allocations.Get(ctx, allocationID)
	if err != nil {
		return fmt.Errorf("failed to load allocation: %w", err)
	}
	if alloc == nil {
		return fmt.Errorf("allocation %s not found", allocationID)
	}
	if alloc.State != domain.AllocPending {
		return fmt.Errorf("allocation %s is %s, not pending", allocationID, alloc.State)
	}
	if err := a.repo.Allocations.UpdateState(ctx, allocationID, domain.AllocCancelled, reason); err != nil {
		return fmt.Errorf("failed to cancel allocation: %w", err)
	}
	a.untrack(allocationID)
	a.dropSnapshot(ctx, allocationID)
	return nil
}

// PendingApprovals returns the operator queue, oldest first.
func (a *Allocator) PendingApprovals(ctx context.Context) ([]domain.Allocation, error) {
	return a.repo.Allocations.ListPendingApproval(ctx)
}

// HandleExecutionResult settles an allocation after the coordinator
// reports back.
func (a *Allocator) HandleExecutionResult(ctx context.Context, res domain.ExecutionResult) error {
	a.mu.RLock()
	alloc, known := a.byID[res.AllocationID]
	a.mu.RUnlock()
	if !known {
		stored, err := a.repo.Allocations.Get(ctx, res.AllocationID)
		if err != nil || stored == nil {
			log.Warn().Str("allocation_id", res.AllocationID).Msg("execution result for unknown allocation")
			return nil
		}
		alloc = *stored
	}

	if res.Success {
		if allocRank[alloc.State] >= allocRank[domain.AllocActive] {
			return nil // stale redelivery
		}
		if err := a.repo.Allocations.LinkPosition(ctx, alloc.ID, res.PositionID); err != nil {
			return fmt.Errorf("failed to link position: %w", err)
		}
		if err := a.repo.Allocations.UpdateState(ctx, alloc.ID, domain.AllocActive, "position opened"); err != nil {
			return fmt.Errorf("failed to activate allocation: %w", err)
		}
		alloc.State = domain.AllocActive
		alloc.PositionID = res.PositionID
		alloc.ExecutedAt = time.Now().UTC()
		a.track(alloc)
		a.saveSnapshot(ctx, alloc)
		return nil
	}

	if alloc.State.Terminal() {
		return nil
	}
	if err := a.repo.Allocations.UpdateState(ctx, alloc.ID, domain.AllocFailed, res.Error); err != nil {
		return fmt.Errorf("failed to fail allocation: %w", err)
	}
	a.risk.ReleaseExposure(alloc.Symbol, alloc.LongVenue, alloc.ShortVenue, alloc.SizeUSD)
	a.untrack(alloc.ID)
	a.dropSnapshot(ctx, alloc.ID)
	a.activity(ctx, domain.ActivityError, "execution_failed", alloc.Symbol, "",
		fmt.Sprintf("Execution failed for %s, capital released: %s", alloc.Symbol, res.Error),
		map[string]string{"allocation_id": alloc.ID})
	return nil
}

// HandlePositionClosed releases capital and feeds the realized outcome
// into the Kelly edge book.
func (a *Allocator) HandlePositionClosed(ctx context.Context, ev domain.PositionClosedEvent) error {
	allocID := ev.AllocationID
	if allocID == "" {
		allocID = a.findByPosition(ev.Position.ID)
	}
	if allocID == "" {
		log.Warn().Str("position_id", ev.Position.ID).Msg("position closed without a known allocation")
		return nil
	}

	a.mu.RLock()
	alloc, known := a.byID[allocID]
	a.mu.RUnlock()
	if !known {
		stored, err := a.repo.Allocations.Get(ctx, allocID)
		if err != nil || stored == nil {
			return nil
		}
		alloc = *stored
	}
	if alloc.State.Terminal() {
		return nil // already settled, redelivery
	}

	if err := a.repo.Allocations.UpdateState(ctx, allocID, domain.AllocClosed, string(ev.Reason)); err != nil {
		return fmt.Errorf("failed to close allocation: %w", err)
	}
	a.risk.ReleaseExposure(alloc.Symbol, alloc.LongVenue, alloc.ShortVenue, alloc.SizeUSD)
	a.untrack(allocID)
	a.dropSnapshot(ctx, allocID)

	pnl, _ := ev.RealizedPnL.Float64()
	a.edges.Record(alloc.Symbol, pnl)

	log.Info().
		Str("allocation_id", allocID).
		Str("symbol", alloc.Symbol).
		Str("realized_pnl", ev.RealizedPnL.Round(2).String()).
		Str("reason", string(ev.Reason)).
		Msg("allocation closed, capital released")
	return nil
}

// Run drives the periodic sweeps: coin-cap enforcement and approval
// expiry, both on the enforcement tick.
func (a *Allocator) Run(ctx context.Context) {
	cfg := a.settings.Snapshot()
	ticker := time.NewTicker(cfg.Allocation.EnforceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.EnforceCoinCap(ctx); err != nil {
				log.Error().Err(err).Msg("coin cap enforcement failed")
			}
			if err := a.expireApprovals(ctx); err != nil {
				log.Error().Err(err).Msg("approval expiry sweep failed")
			}
		}
	}
}

// expireApprovals cancels pending approvals older than the expiry.
func (a *Allocator) expireApprovals(ctx context.Context) error {
	cfg := a.settings.Snapshot()

	pending, err := a.repo.Allocations.ListPendingApproval(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending approvals: %w", err)
	}
	cutoff := time.Now().UTC().Add(-cfg.Allocation.ApprovalExpiry)
	for _, p := range pending {
		if p.CreatedAt.After(cutoff) {
			continue
		}
		if err := a.repo.Allocations.UpdateState(ctx, p.ID, domain.AllocCancelled, "approval expired"); err != nil {
			log.Error().Err(err).Str("allocation_id", p.ID).Msg("failed to expire approval")
			continue
		}
		a.untrack(p.ID)
		a.dropSnapshot(ctx, p.ID)
		a.activity(ctx, domain.ActivityInfo, "approval_expired", p.Symbol, "",
			fmt.Sprintf("Approval for %s expired after %s", p.Symbol, cfg.Allocation.ApprovalExpiry),
			map[string]string{"allocation_id": p.ID})
	}
	return nil
}

// track registers or refreshes an allocation in the in-memory index.
func (a *Allocator) track(alloc domain.Allocation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev, existed := a.byID[alloc.ID]
	a.byID[alloc.ID] = alloc
	if !existed {
		a.bySymbol[alloc.Symbol]++
		return
	}
	if prev.Symbol != alloc.Symbol {
		a.decSymbolLocked(prev.Symbol)
		a.bySymbol[alloc.Symbol]++
	}
}

// untrack removes a terminal allocation from the index.
func (a *Allocator) untrack(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.byID[id]
	if !ok {
		return
	}
	delete(a.byID, id)
	a.decSymbolLocked(alloc.Symbol)
}

func (a *Allocator) decSymbolLocked(symbol string) {
	if a.bySymbol[symbol] <= 1 {
		delete(a.bySymbol, symbol)
		return
	}
	a.bySymbol[symbol]--
}

func (a *Allocator) findByPosition(positionID string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for id, alloc := range a.byID {
		if alloc.PositionID == positionID {
			return id
		}
	}
	return ""
}

// saveSnapshot caches one allocation in Redis. Best effort; the store
// stays authoritative.
func (a *Allocator) saveSnapshot(ctx context.Context, alloc domain.Allocation) {
	if a.cache == nil {
		return
	}
	raw, err := json.Marshal(alloc)
	if err != nil {
		return
	}
	if err := a.cache.HSet(ctx, snapshotKey, alloc.ID, raw).Err(); err != nil {
		log.Warn().Err(err).Str("allocation_id", alloc.ID).Msg("failed to cache allocation snapshot")
	}
}

func (a *Allocator) dropSnapshot(ctx context.Context, id string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.HDel(ctx, snapshotKey, id).Err(); err != nil {
		log.Warn().Err(err).Str("allocation_id", id).Msg("failed to drop allocation snapshot")
	}
}

func (a *Allocator) activity(ctx context.Context, level domain.ActivityLevel, typ, symbol, positionID, narrative string, metrics map[string]string) {
	bus.PublishActivity(ctx, a.bus, domain.Activity{
		Service:    "allocator",
		Type:       typ,
		Level:      level,
		Symbol:     symbol,
		PositionID: positionID,
		Narrative:  narrative,
		Metrics:    metrics,
	})
}
