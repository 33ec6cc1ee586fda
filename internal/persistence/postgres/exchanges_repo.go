package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fundarb/fundarb/internal/persistence"
)

// exchangesRepo implements ExchangesRepo for PostgreSQL.
type exchangesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewExchangesRepo creates a PostgreSQL exchanges repository.
func NewExchangesRepo(db *sqlx.DB, timeout time.Duration) persistence.ExchangesRepo {
	return &exchangesRepo{db: db, timeout: timeout}
}

func (r *exchangesRepo) List(ctx context.Context) ([]persistence.ExchangeRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT slug, enabled, api_type, perp_maker_fee, perp_taker_fee, has_credentials
		FROM exchanges
		ORDER BY slug`

	var out []persistence.ExchangeRow
	if err := r.db.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("failed to query exchanges: %w", err)
	}
	return out, nil
}

func (r *exchangesRepo) Upsert(ctx context.Context, row persistence.ExchangeRow) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO exchanges (slug, enabled, api_type, perp_maker_fee, perp_taker_fee, has_credentials, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (slug) DO UPDATE
		SET enabled = EXCLUDED.enabled, api_type = EXCLUDED.api_type,
		    perp_maker_fee = EXCLUDED.perp_maker_fee,
		    perp_taker_fee = EXCLUDED.perp_taker_fee,
		    has_credentials = EXCLUDED.has_credentials, updated_at = now()`

	if _, err := r.db.ExecContext(ctx, query,
		row.Slug, row.Enabled, row.APIType, row.PerpMakerFee, row.PerpTakerFee, row.HasCredentials); err != nil {
		return fmt.Errorf("failed to upsert exchange %s: %w", row.Slug, err)
	}
	return nil
}
