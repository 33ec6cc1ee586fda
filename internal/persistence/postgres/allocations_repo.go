package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/fundarb/fundarb/internal/domain"
	"github.com/fundarb/fundarb/internal/persistence"
)

// allocationsRepo implements AllocationsRepo for PostgreSQL.
type allocationsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAllocationsRepo creates a PostgreSQL allocations repository.
func NewAllocationsRepo(db *sqlx.DB, timeout time.Duration) persistence.AllocationsRepo {
	return &allocationsRepo{db: db, timeout: timeout}
}

const allocationColumns = `
	id, opportunity_id, symbol, long_venue, short_venue, size_usd,
	uos_at_entry, state, position_id, created_at, executed_at, closed_at,
	realized_pnl, unrealized_pnl, net_funding`

func (r *allocationsRepo) Insert(ctx context.Context, a domain.Allocation) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO allocations (` + allocationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.OpportunityID, a.Symbol, a.LongVenue, a.ShortVenue, a.SizeUSD,
		a.UOSAtEntry, a.State, nullString(a.PositionID), a.CreatedAt,
		nullTime(a.ExecutedAt), nullTime(a.ClosedAt),
		a.RealizedPnL, a.UnrealizedPnL, a.NetFunding)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate allocation: %w", err)
		}
		return fmt.Errorf("failed to insert allocation: %w", err)
	}
	return nil
}

func (r *allocationsRepo) UpdateState(ctx context.Context, id string, state domain.AllocationState, detail string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE allocations SET
			state = $2,
			state_detail = $3,
			executed_at = CASE WHEN $2 = 'ACTIVE' AND executed_at IS NULL THEN now() ELSE executed_at END,
			closed_at   = CASE WHEN $2 IN ('CLOSED', 'FAILED', 'CANCELLED') AND closed_at IS NULL THEN now() ELSE closed_at END
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, state, detail)
	if err != nil {
		return fmt.Errorf("failed to update allocation state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("allocation %s not found", id)
	}
	return nil
}

func (r *allocationsRepo) LinkPosition(ctx context.Context, id, positionID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `UPDATE allocations SET position_id = $2 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, positionID)
	if err != nil {
		return fmt.Errorf("failed to link allocation position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("allocation %s not found", id)
	}
	return nil
}

func (r *allocationsRepo) Get(ctx context.Context, id string) (*domain.Allocation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + allocationColumns + ` FROM allocations WHERE id = $1`
	row := r.db.QueryRowxContext(ctx, query, id)

	a, err := scanAllocation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get allocation: %w", err)
	}
	return a, nil
}

func (r *allocationsRepo) ListActive(ctx context.Context) ([]domain.Allocation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + allocationColumns + `
		FROM allocations
		WHERE state NOT IN ('CLOSED', 'FAILED', 'CANCELLED')
		ORDER BY created_at ASC`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active allocations: %w", err)
	}
	defer rows.Close()

	return scanAllocations(rows)
}

func (r *allocationsRepo) ListPendingApproval(ctx context.Context) ([]domain.Allocation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + allocationColumns + `
		FROM allocations
		WHERE state = 'PENDING' AND position_id IS NULL
		ORDER BY created_at ASC`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending allocations: %w", err)
	}
	defer rows.Close()

	return scanAllocations(rows)
}

func scanAllocation(row rowScanner) (*domain.Allocation, error) {
	var a domain.Allocation
	var positionID sql.NullString
	var executedAt, closedAt sql.NullTime

	err := row.Scan(
		&a.ID, &a.OpportunityID, &a.Symbol, &a.LongVenue, &a.ShortVenue, &a.SizeUSD,
		&a.UOSAtEntry, &a.State, &positionID, &a.CreatedAt, &executedAt, &closedAt,
		&a.RealizedPnL, &a.UnrealizedPnL, &a.NetFunding)
	if err != nil {
		return nil, err
	}

	if positionID.Valid {
		a.PositionID = positionID.String
	}
	if executedAt.Valid {
		a.ExecutedAt = executedAt.Time
	}
	if closedAt.Valid {
		a.ClosedAt = closedAt.Time
	}
	return &a, nil
}

func scanAllocations(rows *sqlx.Rows) ([]domain.Allocation, error) {
	var out []domain.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// nullString maps the empty string to SQL NULL.
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
