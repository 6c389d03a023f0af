// Package postgres implements the store contract on PostgreSQL via
// sqlx and lib/pq.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog"

	"github.com/vtrpza/bingxv3/internal/errs"
	"github.com/vtrpza/bingxv3/internal/store"
)

// Config holds database connection configuration.
type Config struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// DefaultConfig returns reasonable defaults for database connections.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

// Manager owns the connection pool and hands out repository instances.
type Manager struct {
	db     *sqlx.DB
	config Config
	repos  *store.Repository
	health *healthChecker
	log    zerolog.Logger
}

// NewManager opens the pool, verifies connectivity and builds the
// repository set.
func NewManager(config Config, logger zerolog.Logger) (*Manager, error) {
	if config.DSN == "" {
		return nil, errs.Validationf("postgres: dsn is required")
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = DefaultConfig().QueryTimeout
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return newManager(db, config, logger), nil
}

// newManager wires a Manager over an already-open pool. Tests use it to
// inject a mocked connection.
func newManager(db *sqlx.DB, config Config, logger zerolog.Logger) *Manager {
	return &Manager{
		db:     db,
		config: config,
		repos:  newRepository(db, config.QueryTimeout),
		health: &healthChecker{db: db, timeout: config.QueryTimeout},
		log:    logger.With().Str("component", "store").Logger(),
	}
}

// newRepository binds the repository set to ext, which is either the
// shared pool or one transaction.
func newRepository(ext sqlx.ExtContext, timeout time.Duration) *store.Repository {
	return &store.Repository{
		Assets:     &assetsRepo{ext: ext, timeout: timeout},
		Candles:    &candlesRepo{ext: ext, timeout: timeout},
		Indicators: &indicatorsRepo{ext: ext, timeout: timeout},
		Signals:    &signalsRepo{ext: ext, timeout: timeout},
		Trades:     &tradesRepo{ext: ext, timeout: timeout},
		Orders:     &ordersRepo{ext: ext, timeout: timeout},
	}
}

// Repos returns the pool-bound repository collection.
func (m *Manager) Repos() *store.Repository {
	return m.repos
}

// WithTx runs fn inside one transaction. fn receives a Repository bound
// to that transaction; an error rolls back, nil commits.
func (m *Manager) WithTx(ctx context.Context, fn func(ctx context.Context, r *store.Repository) error) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, newRepository(tx, m.config.QueryTimeout)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Migrate applies the embedded schema statements in order. Statements
// are idempotent, so Migrate is safe to run on every boot.
func (m *Manager) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		stmtCtx, cancel := context.WithTimeout(ctx, m.config.QueryTimeout)
		_, err := m.db.ExecContext(stmtCtx, stmt)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", i, err)
		}
	}
	m.log.Info().Int("statements", len(migrations)).Msg("Schema migrations applied")
	return nil
}

// Health returns the health checker interface.
func (m *Manager) Health() store.RepositoryHealth {
	return m.health
}

// DB returns the underlying database connection.
func (m *Manager) DB() *sqlx.DB {
	return m.db
}

// Close closes the database connection.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// healthChecker implements store.RepositoryHealth.
type healthChecker struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Health returns current repository health status.
func (h *healthChecker) Health(ctx context.Context) store.HealthCheck {
	start := time.Now()

	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var errors []string
	healthy := true

	if err := h.db.PingContext(pingCtx); err != nil {
		errors = append(errors, fmt.Sprintf("ping failed: %v", err))
		healthy = false
	}

	stats := h.db.Stats()
	connectionPool := map[string]int{
		"max_open":      stats.MaxOpenConnections,
		"open":          stats.OpenConnections,
		"in_use":        stats.InUse,
		"idle":          stats.Idle,
		"wait_count":    int(stats.WaitCount),
		"wait_duration": int(stats.WaitDuration.Milliseconds()),
	}

	return store.HealthCheck{
		Healthy:        healthy,
		Errors:         errors,
		ConnectionPool: connectionPool,
		LastCheck:      time.Now(),
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}
}

// Ping tests basic connectivity to the database.
func (h *healthChecker) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	return h.db.PingContext(pingCtx)
}

// Stats returns connection pool and query statistics.
func (h *healthChecker) Stats(ctx context.Context) map[string]interface{} {
	stats := h.db.Stats()

	return map[string]interface{}{
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"wait_duration_ms":     stats.WaitDuration.Milliseconds(),
		"max_idle_closed":      stats.MaxIdleClosed,
		"max_lifetime_closed":  stats.MaxLifetimeClosed,
	}
}
