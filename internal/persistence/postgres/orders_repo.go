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

// ordersRepo implements OrdersRepo for PostgreSQL.
type ordersRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewOrdersRepo creates a PostgreSQL orders repository.
func NewOrdersRepo(db *sqlx.DB, timeout time.Duration) persistence.OrdersRepo {
	return &ordersRepo{db: db, timeout: timeout}
}

const orderColumns = `
	id, allocation_id, venue, symbol, side, order_type, size,
	requested_price, expected_price, state, filled_size, avg_fill_price,
	fee, slippage_pct, fill_time_ms, paired_order_id, partial_fill_count,
	error, exchange_order_id, reduce_only, submitted_at`

func (r *ordersRepo) Insert(ctx context.Context, o domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21)`

	var requested interface{}
	if o.HasRequested {
		requested = o.RequestedPrice
	}

	_, err := r.db.ExecContext(ctx, query,
		o.ID, o.AllocationID, o.Venue, o.Symbol, o.Side, o.Type, o.Size,
		requested, o.ExpectedPrice, o.State, o.FilledSize, o.AvgFillPrice,
		o.Fee, o.SlippagePct, o.FillTimeMs, nullString(o.PairedOrderID), o.PartialFillCount,
		nullString(o.Error), nullString(o.ExchangeOrderID), o.ReduceOnly, o.SubmittedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate order: %w", err)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (r *ordersRepo) Update(ctx context.Context, o domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE orders SET
			state = $2, filled_size = $3, avg_fill_price = $4, fee = $5,
			slippage_pct = $6, fill_time_ms = $7, partial_fill_count = $8,
			error = $9, exchange_order_id = $10
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query,
		o.ID, o.State, o.FilledSize, o.AvgFillPrice, o.Fee,
		o.SlippagePct, o.FillTimeMs, o.PartialFillCount,
		nullString(o.Error), nullString(o.ExchangeOrderID))
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %s not found", o.ID)
	}
	return nil
}

func (r *ordersRepo) ListByAllocation(ctx context.Context, allocationID string) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE allocation_id = $1
		ORDER BY submitted_at ASC`

	rows, err := r.db.QueryxContext(ctx, query, allocationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func scanOrder(rows *sqlx.Rows) (*domain.Order, error) {
	var o domain.Order
	var requested, pairedID, errStr, exchangeID sql.NullString

	err := rows.Scan(
		&o.ID, &o.AllocationID, &o.Venue, &o.Symbol, &o.Side, &o.Type, &o.Size,
		&requested, &o.ExpectedPrice, &o.State, &o.FilledSize, &o.AvgFillPrice,
		&o.Fee, &o.SlippagePct, &o.FillTimeMs, &pairedID, &o.PartialFillCount,
		&errStr, &exchangeID, &o.ReduceOnly, &o.SubmittedAt)
	if err != nil {
		return nil, err
	}

	if requested.Valid {
		if err := o.RequestedPrice.Scan(requested.String); err != nil {
			return nil, fmt.Errorf("failed to scan requested price: %w", err)
		}
		o.HasRequested = true
	}
	if pairedID.Valid {
		o.PairedOrderID = pairedID.String
	}
	if errStr.Valid {
		o.Error = errStr.String
	}
	if exchangeID.Valid {
		o.ExchangeOrderID = exchangeID.String
	}
	return &o, nil
}
