package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/fundarb/fundarb/internal/persistence"
)

// fundingRepo implements FundingPaymentsRepo for PostgreSQL.
type fundingRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewFundingRepo creates a PostgreSQL funding payments repository.
func NewFundingRepo(db *sqlx.DB, timeout time.Duration) persistence.FundingPaymentsRepo {
	return &fundingRepo{db: db, timeout: timeout}
}

func (r *fundingRepo) Insert(ctx context.Context, fp persistence.FundingPayment) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO funding_payments (position_id, venue, symbol, amount_usd, rate, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.ExecContext(ctx, query,
		fp.PositionID, fp.Venue, fp.Symbol, fp.AmountUSD, fp.Rate, fp.PaidAt)
	if err != nil {
		return fmt.Errorf("failed to insert funding payment: %w", err)
	}
	return nil
}

func (r *fundingRepo) SumForPosition(ctx context.Context, positionID string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT COALESCE(SUM(amount_usd), 0)
		FROM funding_payments
		WHERE position_id = $1`

	var sum decimal.Decimal
	if err := r.db.QueryRowxContext(ctx, query, positionID).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum funding payments: %w", err)
	}
	return sum, nil
}
