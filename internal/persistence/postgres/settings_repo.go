package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fundarb/fundarb/internal/config"
	"github.com/fundarb/fundarb/internal/persistence"
)

// settingsRepo implements SettingsRepo for PostgreSQL.
type settingsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSettingsRepo creates a PostgreSQL settings repository.
func NewSettingsRepo(db *sqlx.DB, timeout time.Duration) persistence.SettingsRepo {
	return &settingsRepo{db: db, timeout: timeout}
}

func (r *settingsRepo) List(ctx context.Context) ([]config.SettingRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT key, value, data_type, category
		FROM system_settings
		ORDER BY key`

	var out []config.SettingRow
	if err := r.db.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	return out, nil
}

func (r *settingsRepo) Upsert(ctx context.Context, row config.SettingRow) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO system_settings (key, value, data_type, category, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, data_type = EXCLUDED.data_type,
		    category = EXCLUDED.category, updated_at = now()`

	if _, err := r.db.ExecContext(ctx, query, row.Key, row.Value, row.DataType, row.Category); err != nil {
		return fmt.Errorf("failed to upsert setting: %w", err)
	}
	return nil
}
