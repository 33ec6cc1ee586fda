package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fundarb/fundarb/internal/persistence"
)

// interactionsRepo implements InteractionsRepo for PostgreSQL.
type interactionsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewInteractionsRepo creates a PostgreSQL interactions repository.
func NewInteractionsRepo(db *sqlx.DB, timeout time.Duration) persistence.InteractionsRepo {
	return &interactionsRepo{db: db, timeout: timeout}
}

func (r *interactionsRepo) Insert(ctx context.Context, in persistence.Interaction) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	metricsJSON, err := json.Marshal(in.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	query := `
		INSERT INTO interactions (service, type, level, symbol, position_id, narrative, metrics, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = r.db.ExecContext(ctx, query,
		in.Service, in.Type, in.Level, nullString(in.Symbol), nullString(in.PositionID),
		in.Narrative, metricsJSON, in.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to insert interaction: %w", err)
	}
	return nil
}

func (r *interactionsRepo) ListRecent(ctx context.Context, limit int) ([]persistence.Interaction, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, service, type, level, COALESCE(symbol, ''), COALESCE(position_id, ''),
		       narrative, metrics, occurred_at, created_at
		FROM interactions
		ORDER BY occurred_at DESC
		LIMIT $1`

	rows, err := r.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query interactions: %w", err)
	}
	defer rows.Close()

	var out []persistence.Interaction
	for rows.Next() {
		var in persistence.Interaction
		var metricsJSON []byte
		if err := rows.Scan(&in.ID, &in.Service, &in.Type, &in.Level, &in.Symbol,
			&in.PositionID, &in.Narrative, &metricsJSON, &in.OccurredAt, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		if len(metricsJSON) > 0 {
			if err := json.Unmarshal(metricsJSON, &in.Metrics); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
			}
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// unwindRepo implements UnwindRepo for PostgreSQL.
type unwindRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewUnwindRepo creates a PostgreSQL unwind decisions repository.
func NewUnwindRepo(db *sqlx.DB, timeout time.Duration) persistence.UnwindRepo {
	return &unwindRepo{db: db, timeout: timeout}
}

func (r *unwindRepo) Insert(ctx context.Context, d persistence.UnwindDecision) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	factorsJSON, err := json.Marshal(d.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}

	query := `
		INSERT INTO unwind_decisions (position_id, symbol, weakness_score, factors, threshold, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = r.db.ExecContext(ctx, query,
		d.PositionID, d.Symbol, d.WeaknessScore, factorsJSON, d.Threshold, d.DecidedAt)
	if err != nil {
		return fmt.Errorf("failed to insert unwind decision: %w", err)
	}
	return nil
}

// auditRepo implements AuditRepo for PostgreSQL.
type auditRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAuditRepo creates a PostgreSQL audit repository.
func NewAuditRepo(db *sqlx.DB, timeout time.Duration) persistence.AuditRepo {
	return &auditRepo{db: db, timeout: timeout}
}

func (r *auditRepo) Insert(ctx context.Context, e persistence.AuditEntry) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	attrsJSON, err := json.Marshal(e.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	query := `
		INSERT INTO execution_audit (allocation_id, position_id, action, venue, symbol, detail, attributes, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = r.db.ExecContext(ctx, query,
		e.AllocationID, nullString(e.PositionID), e.Action, nullString(e.Venue),
		e.Symbol, e.Detail, attrsJSON, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func (r *auditRepo) ListByAllocation(ctx context.Context, allocationID string) ([]persistence.AuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, allocation_id, COALESCE(position_id, ''), action, COALESCE(venue, ''),
		       symbol, detail, attributes, occurred_at, created_at
		FROM execution_audit
		WHERE allocation_id = $1
		ORDER BY occurred_at ASC`

	rows, err := r.db.QueryxContext(ctx, query, allocationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var out []persistence.AuditEntry
	for rows.Next() {
		var e persistence.AuditEntry
		var attrsJSON []byte
		if err := rows.Scan(&e.ID, &e.AllocationID, &e.PositionID, &e.Action, &e.Venue,
			&e.Symbol, &e.Detail, &attrsJSON, &e.OccurredAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if len(attrsJSON) > 0 {
			if err := json.Unmarshal(attrsJSON, &e.Attributes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}
