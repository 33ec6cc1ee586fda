package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fundarb/fundarb/internal/persistence"
)

// spreadsRepo implements SpreadRepo for PostgreSQL.
type spreadsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSpreadsRepo creates a PostgreSQL spread snapshot repository.
func NewSpreadsRepo(db *sqlx.DB, timeout time.Duration) persistence.SpreadRepo {
	return &spreadsRepo{db: db, timeout: timeout}
}

func (r *spreadsRepo) Insert(ctx context.Context, s persistence.SpreadSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO spread_snapshots (position_id, symbol, spread, long_rate, short_rate, trend, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.ExecContext(ctx, query,
		s.PositionID, s.Symbol, s.Spread, s.LongRate, s.ShortRate, s.Trend, s.ObservedAt)
	if err != nil {
		return fmt.Errorf("failed to insert spread snapshot: %w", err)
	}
	return nil
}

func (r *spreadsRepo) ListRecent(ctx context.Context, positionID string, limit int) ([]persistence.SpreadSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, position_id, symbol, spread, long_rate, short_rate, trend, observed_at, created_at
		FROM spread_snapshots
		WHERE position_id = $1
		ORDER BY observed_at DESC
		LIMIT $2`

	var out []persistence.SpreadSnapshot
	if err := r.db.SelectContext(ctx, &out, query, positionID, limit); err != nil {
		return nil, fmt.Errorf("failed to query spread snapshots: %w", err)
	}
	return out, nil
}
