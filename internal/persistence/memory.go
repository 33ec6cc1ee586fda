package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundarb/fundarb/internal/config"
	"github.com/fundarb/fundarb/internal/domain"
)

// NewMemoryRepository returns a Repository backed by process memory.
// Used when the database is disabled and in tests.
func NewMemoryRepository() *Repository {
	store := &memoryStore{
		positions:   make(map[string]domain.Position),
		allocations: make(map[string]domain.Allocation),
		orders:      make(map[string]domain.Order),
		settings:    make(map[string]config.SettingRow),
		exchanges:   make(map[string]ExchangeRow),
	}
	return &Repository{
		Positions:    (*memPositions)(store),
		Allocations:  (*memAllocations)(store),
		Orders:       (*memOrders)(store),
		Spreads:      (*memSpreads)(store),
		Funding:      (*memFunding)(store),
		Interactions: (*memInteractions)(store),
		Unwinds:      (*memUnwinds)(store),
		Audit:        (*memAudit)(store),
		Settings:     (*memSettings)(store),
		Exchanges:    (*memExchanges)(store),
	}
}

type memoryStore struct {
	mu           sync.RWMutex
	positions    map[string]domain.Position
	allocations  map[string]domain.Allocation
	orders       map[string]domain.Order
	spreads      []SpreadSnapshot
	funding      []FundingPayment
	interactions []Interaction
	unwinds      []UnwindDecision
	audit        []AuditEntry
	settings     map[string]config.SettingRow
	exchanges    map[string]ExchangeRow
	nextSeq      int64
}

func (s *memoryStore) seq() int64 {
	s.nextSeq++
	return s.nextSeq
}

type memPositions memoryStore

func (m *memPositions) Insert(ctx context.Context, p domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.positions[p.ID]; exists {
		return fmt.Errorf("duplicate position: %s", p.ID)
	}
	m.positions[p.ID] = p
	return nil
}

func (m *memPositions) Update(ctx context.Context, p domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.positions[p.ID]; !exists {
		return fmt.Errorf("position %s not found", p.ID)
	}
	m.positions[p.ID] = p
	return nil
}

func (m *memPositions) Get(ctx context.Context, id string) (*domain.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *memPositions) ListOpen(ctx context.Context) ([]domain.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Position
	for _, p := range m.positions {
		if p.State != domain.PositionClosed {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (m *memPositions) ListClosed(ctx context.Context, tr TimeRange, limit int) ([]domain.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Position
	for _, p := range m.positions {
		if p.State != domain.PositionClosed {
			continue
		}
		if p.ClosedAt.Before(tr.From) || p.ClosedAt.After(tr.To) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.After(out[j].ClosedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memAllocations memoryStore

func (m *memAllocations) Insert(ctx context.Context, a domain.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.allocations[a.ID]; exists {
		return fmt.Errorf("duplicate allocation: %s", a.ID)
	}
	m.allocations[a.ID] = a
	return nil
}

func (m *memAllocations) UpdateState(ctx context.Context, id string, state domain.AllocationState, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.allocations[id]
	if !ok {
		return fmt.Errorf("allocation %s not found", id)
	}
	a.State = state
	if state == domain.AllocActive && a.ExecutedAt.IsZero() {
		a.ExecutedAt = time.Now().UTC()
	}
	if state.Terminal() && a.ClosedAt.IsZero() {
		a.ClosedAt = time.Now().UTC()
	}
	m.allocations[id] = a
	return nil
}

func (m *memAllocations) LinkPosition(ctx context.Context, id, positionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.allocations[id]
	if !ok {
		return fmt.Errorf("allocation %s not found", id)
	}
	a.PositionID = positionID
	m.allocations[id] = a
	return nil
}

func (m *memAllocations) Get(ctx context.Context, id string) (*domain.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.allocations[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *memAllocations) ListActive(ctx context.Context) ([]domain.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Allocation
	for _, a := range m.allocations {
		if !a.State.Terminal() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memAllocations) ListPendingApproval(ctx context.Context) ([]domain.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Allocation
	for _, a := range m.allocations {
		if a.State == domain.AllocPending && a.PositionID == "" {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memOrders memoryStore

func (m *memOrders) Insert(ctx context.Context, o domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[o.ID]; exists {
		return fmt.Errorf("duplicate order: %s", o.ID)
	}
	m.orders[o.ID] = o
	return nil
}

func (m *memOrders) Update(ctx context.Context, o domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[o.ID]; !exists {
		return fmt.Errorf("order %s not found", o.ID)
	}
	m.orders[o.ID] = o
	return nil
}

func (m *memOrders) ListByAllocation(ctx context.Context, allocationID string) ([]domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Order
	for _, o := range m.orders {
		if o.AllocationID == allocationID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

type memSpreads memoryStore

func (m *memSpreads) Insert(ctx context.Context, s SpreadSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = (*memoryStore)(m).seq()
	m.spreads = append(m.spreads, s)
	return nil
}

func (m *memSpreads) ListRecent(ctx context.Context, positionID string, limit int) ([]SpreadSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SpreadSnapshot
	for i := len(m.spreads) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.spreads[i].PositionID == positionID {
			out = append(out, m.spreads[i])
		}
	}
	return out, nil
}

type memFunding memoryStore

func (m *memFunding) Insert(ctx context.Context, fp FundingPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fp.ID = (*memoryStore)(m).seq()
	m.funding = append(m.funding, fp)
	return nil
}

func (m *memFunding) SumForPosition(ctx context.Context, positionID string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := decimal.Zero
	for _, fp := range m.funding {
		if fp.PositionID == positionID {
			sum = sum.Add(fp.AmountUSD)
		}
	}
	return sum, nil
}

type memInteractions memoryStore

func (m *memInteractions) Insert(ctx context.Context, in Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in.ID = (*memoryStore)(m).seq()
	m.interactions = append(m.interactions, in)
	return nil
}

func (m *memInteractions) ListRecent(ctx context.Context, limit int) ([]Interaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Interaction
	for i := len(m.interactions) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, m.interactions[i])
	}
	return out, nil
}

type memUnwinds memoryStore

func (m *memUnwinds) Insert(ctx context.Context, d UnwindDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = (*memoryStore)(m).seq()
	m.unwinds = append(m.unwinds, d)
	return nil
}

type memAudit memoryStore

func (m *memAudit) Insert(ctx context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = (*memoryStore)(m).seq()
	m.audit = append(m.audit, e)
	return nil
}

func (m *memAudit) ListByAllocation(ctx context.Context, allocationID string) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AuditEntry
	for _, e := range m.audit {
		if e.AllocationID == allocationID {
			out = append(out, e)
		}
	}
	return out, nil
}

type memSettings memoryStore

func (m *memSettings) List(ctx context.Context) ([]config.SettingRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]config.SettingRow, 0, len(m.settings))
	for _, row := range m.settings {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memSettings) Upsert(ctx context.Context, row config.SettingRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[row.Key] = row
	return nil
}

type memExchanges memoryStore

func (m *memExchanges) List(ctx context.Context) ([]ExchangeRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ExchangeRow, 0, len(m.exchanges))
	for _, row := range m.exchanges {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (m *memExchanges) Upsert(ctx context.Context, row ExchangeRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchanges[row.Slug] = row
	return nil
}
