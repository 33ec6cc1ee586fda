package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/fundarb/fundarb/internal/domain"
	"github.com/fundarb/fundarb/internal/persistence"
)

// positionsRepo implements PositionsRepo for PostgreSQL.
type positionsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPositionsRepo creates a PostgreSQL positions repository.
func NewPositionsRepo(db *sqlx.DB, timeout time.Duration) persistence.PositionsRepo {
	return &positionsRepo{db: db, timeout: timeout}
}

const positionColumns = `
	id, symbol, long_venue, short_venue, size_usd, state, health,
	entry_price, current_price, entry_spread, current_spread,
	long_rate, short_rate, funding_received, funding_paid, funding_periods,
	unrealized_pnl, delta_exposure_pct, leg_drift_pct, price_correlation,
	spread_history, spread_drawdown_pct, spread_trend, degraded_since,
	rebalance_count, exit_reason, opened_at, closed_at`

func (r *positionsRepo) Insert(ctx context.Context, p domain.Position) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	historyJSON, err := json.Marshal(p.SpreadHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal spread history: %w", err)
	}

	query := `
		INSERT INTO positions (` + positionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)`

	_, err = r.db.ExecContext(ctx, query,
		p.ID, p.Symbol, p.LongVenue, p.ShortVenue, p.SizeUSD, p.State, p.Health,
		p.EntryPrice, p.CurrentPrice, p.EntrySpread, p.CurrentSpread,
		p.LongRate, p.ShortRate, p.FundingReceived, p.FundingPaid, p.FundingPeriods,
		p.UnrealizedPnL, p.DeltaExposurePct, p.LegDriftPct, p.PriceCorrelation,
		historyJSON, p.SpreadDrawdownPct, p.SpreadTrend, nullTime(p.DegradedSince),
		p.RebalanceCount, string(p.ExitReason), p.OpenedAt, nullTime(p.ClosedAt))
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate position: %w", err)
		}
		return fmt.Errorf("failed to insert position: %w", err)
	}
	return nil
}

func (r *positionsRepo) Update(ctx context.Context, p domain.Position) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	historyJSON, err := json.Marshal(p.SpreadHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal spread history: %w", err)
	}

	query := `
		UPDATE positions SET
			size_usd = $2, state = $3, health = $4,
			current_price = $5, current_spread = $6,
			long_rate = $7, short_rate = $8,
			funding_received = $9, funding_paid = $10, funding_periods = $11,
			unrealized_pnl = $12, delta_exposure_pct = $13, leg_drift_pct = $14,
			price_correlation = $15, spread_history = $16, spread_drawdown_pct = $17,
			spread_trend = $18, degraded_since = $19, rebalance_count = $20,
			exit_reason = $21, closed_at = $22
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query,
		p.ID, p.SizeUSD, p.State, p.Health,
		p.CurrentPrice, p.CurrentSpread,
		p.LongRate, p.ShortRate,
		p.FundingReceived, p.FundingPaid, p.FundingPeriods,
		p.UnrealizedPnL, p.DeltaExposurePct, p.LegDriftPct,
		p.PriceCorrelation, historyJSON, p.SpreadDrawdownPct,
		p.SpreadTrend, nullTime(p.DegradedSince), p.RebalanceCount,
		string(p.ExitReason), nullTime(p.ClosedAt))
	if err != nil {
		return fmt.Errorf("failed to update position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("position %s not found", p.ID)
	}
	return nil
}

func (r *positionsRepo) Get(ctx context.Context, id string) (*domain.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`
	row := r.db.QueryRowxContext(ctx, query, id)

	p, err := scanPosition(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return p, nil
}

func (r *positionsRepo) ListOpen(ctx context.Context) ([]domain.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE state != 'CLOSED'
		ORDER BY opened_at ASC`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (r *positionsRepo) ListClosed(ctx context.Context, tr persistence.TimeRange, limit int) ([]domain.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE state = 'CLOSED' AND closed_at >= $1 AND closed_at <= $2
		ORDER BY closed_at DESC
		LIMIT $3`

	rows, err := r.db.QueryxContext(ctx, query, tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed positions: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*domain.Position, error) {
	var p domain.Position
	var historyJSON []byte
	var degradedSince, closedAt sql.NullTime
	var exitReason string

	err := row.Scan(
		&p.ID, &p.Symbol, &p.LongVenue, &p.ShortVenue, &p.SizeUSD, &p.State, &p.Health,
		&p.EntryPrice, &p.CurrentPrice, &p.EntrySpread, &p.CurrentSpread,
		&p.LongRate, &p.ShortRate, &p.FundingReceived, &p.FundingPaid, &p.FundingPeriods,
		&p.UnrealizedPnL, &p.DeltaExposurePct, &p.LegDriftPct, &p.PriceCorrelation,
		&historyJSON, &p.SpreadDrawdownPct, &p.SpreadTrend, &degradedSince,
		&p.RebalanceCount, &exitReason, &p.OpenedAt, &closedAt)
	if err != nil {
		return nil, err
	}

	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &p.SpreadHistory); err != nil {
			return nil, fmt.Errorf("failed to unmarshal spread history: %w", err)
		}
	}
	p.ExitReason = domain.ExitReason(exitReason)
	if degradedSince.Valid {
		p.DegradedSince = degradedSince.Time
	}
	if closedAt.Valid {
		p.ClosedAt = closedAt.Time
	}
	return &p, nil
}

func scanPositions(rows *sqlx.Rows) ([]domain.Position, error) {
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
