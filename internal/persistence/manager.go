package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/fundarb/fundarb/internal/config"
)

// RepoFactory builds the repository set from an open connection. The
// postgres subpackage provides the production factory; tests inject
// fakes.
type RepoFactory func(db *sqlx.DB, timeout time.Duration) *Repository

// Manager owns the database connection pool and the repository set.
type Manager struct {
	db     *sqlx.DB
	config config.DatabaseConfig
	repos  *Repository
	health *healthChecker
}

// NewManager opens the connection pool and wires repositories. With
// persistence disabled it returns a manager whose Repository is nil;
// callers fall back to in-memory state.
func NewManager(cfg config.DatabaseConfig, factory RepoFactory) (*Manager, error) {
	if !cfg.Enabled {
		return &Manager{
			config: cfg,
			health: &healthChecker{enabled: false},
		}, nil
	}

	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required when enabled")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Manager{
		db:     db,
		config: cfg,
		repos:  factory(db, cfg.QueryTimeout),
		health: &healthChecker{enabled: true, db: db, timeout: cfg.QueryTimeout},
	}, nil
}

// Repository returns the repository collection, nil when disabled.
func (m *Manager) Repository() *Repository {
	return m.repos
}

// Health returns the health checker.
func (m *Manager) Health() RepositoryHealth {
	return m.health
}

// DB returns the underlying connection, for migrations.
func (m *Manager) DB() *sqlx.DB {
	return m.db
}

// IsEnabled reports whether persistence is active.
func (m *Manager) IsEnabled() bool {
	return m.config.Enabled && m.db != nil
}

// Close closes the connection pool.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

type healthChecker struct {
	enabled bool
	db      *sqlx.DB
	timeout time.Duration
}

func (h *healthChecker) Health(ctx context.Context) HealthCheck {
	if !h.enabled {
		return HealthCheck{
			Healthy:   true,
			Errors:    []string{"database persistence disabled"},
			LastCheck: time.Now(),
		}
	}

	start := time.Now()

	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var errs []string
	healthy := true
	if err := h.db.PingContext(pingCtx); err != nil {
		errs = append(errs, fmt.Sprintf("ping failed: %v", err))
		healthy = false
	}

	stats := h.db.Stats()
	pool := map[string]int{
		"max_open":   stats.MaxOpenConnections,
		"open":       stats.OpenConnections,
		"in_use":     stats.InUse,
		"idle":       stats.Idle,
		"wait_count": int(stats.WaitCount),
	}

	return HealthCheck{
		Healthy:        healthy,
		Errors:         errs,
		ConnectionPool: pool,
		LastCheck:      time.Now(),
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}
}

func (h *healthChecker) Ping(ctx context.Context) error {
	if !h.enabled {
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return h.db.PingContext(pingCtx)
}
