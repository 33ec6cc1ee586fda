// Package postgres implements the persistence repositories over
// PostgreSQL via sqlx.
package postgres

import (
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fundarb/fundarb/internal/persistence"
)

// NewRepository wires every repository onto one connection pool.
func NewRepository(db *sqlx.DB, timeout time.Duration) *persistence.Repository {
	return &persistence.Repository{
		Positions:    NewPositionsRepo(db, timeout),
		Allocations:  NewAllocationsRepo(db, timeout),
		Orders:       NewOrdersRepo(db, timeout),
		Spreads:      NewSpreadsRepo(db, timeout),
		Funding:      NewFundingRepo(db, timeout),
		Interactions: NewInteractionsRepo(db, timeout),
		Unwinds:      NewUnwindRepo(db, timeout),
		Audit:        NewAuditRepo(db, timeout),
		Settings:     NewSettingsRepo(db, timeout),
		Exchanges:    NewExchangesRepo(db, timeout),
	}
}
