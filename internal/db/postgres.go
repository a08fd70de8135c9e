// Package db opens the Postgres pool shared by the credential, session and audit repositories.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds pool tuning and the per-query timeout.
type Config struct {
	URL               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	// QueryTimeout bounds every repository call. Zero means no bound.
	QueryTimeout time.Duration
}

// DB wraps a pgx pool with the configured query timeout.
type DB struct {
	Pool         *pgxpool.Pool
	QueryTimeout time.Duration
}

// Open creates the pool and pings it. Caller must call Close when done.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.URL == "" {
		return nil, errors.New("db: DATABASE_URL is not set")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pcfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		pcfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(hctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{Pool: pool, QueryTimeout: cfg.QueryTimeout}, nil
}

// Close closes the pool.
func (db *DB) Close() { db.Pool.Close() }

// WithTimeout derives a context bounded by QueryTimeout.
func (db *DB) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.QueryTimeout)
}

// Ping checks connectivity under the query timeout. Used by readiness checks.
func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := db.WithTimeout(ctx)
	defer cancel()
	return db.Pool.Ping(ctx)
}
