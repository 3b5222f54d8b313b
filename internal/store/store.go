// Package store persists provider connections, alerts and threshold overrides in
// Postgres, with an in-memory twin for tests and local runs.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrAlertNotFound      = errors.New("alert not found")
)

// PoolConfig tunes the pgx pool.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultPoolConfig matches the pool sizing used across the platform services.
var DefaultPoolConfig = PoolConfig{
	MaxConns:        20,
	MinConns:        2,
	MaxConnLifetime: 30 * time.Minute,
	MaxConnIdleTime: 5 * time.Minute,
}

// DB wraps the pgx pool shared by the repositories.
type DB struct {
	pool *pgxpool.Pool
}

// Open parses dsn, builds the pool and verifies it with a ping.
func Open(ctx context.Context, dsn string, cfg PoolConfig) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	config.MaxConns = cfg.MaxConns
	config.MinConns = cfg.MinConns
	config.MaxConnLifetime = cfg.MaxConnLifetime
	config.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	log.Info().Int32("max_conns", cfg.MaxConns).Msg("Connected to Postgres")
	return &DB{pool: pool}, nil
}

// Ping checks database reachability.
func (db *DB) Ping(ctx context.Context) error { return db.pool.Ping(ctx) }

// Close releases every pooled connection.
func (db *DB) Close() { db.pool.Close() }

// Stat exposes pool statistics for the database probe.
func (db *DB) Stat() *pgxpool.Stat { return db.pool.Stat() }

// withTenant runs fn in a transaction with app.current_tenant set, which the
// row-level security policies on provider_connections key on.
func (db *DB) withTenant(ctx context.Context, tenantID string, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true)`, tenantID); err != nil {
		return fmt.Errorf("set tenant context: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// asService runs fn with row-level security bypassed for cross-tenant maintenance work.
func (db *DB) asService(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT set_config('app.service_role', 'on', true)`); err != nil {
		return fmt.Errorf("set service role: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
