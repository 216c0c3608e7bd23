// Package db opens the Postgres pool and applies schema migrations.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/memohai/omnibox/internal/config"
)

// DBTX is the query surface shared by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	defaultMaxConns        = 25
	defaultMinConns        = 5
	defaultMaxConnLifetime = time.Hour
	defaultMaxConnIdleTime = 20 * time.Minute
	healthCheckPeriod      = time.Minute
)

// Open creates a pgx pool from cfg and verifies it with a ping.
func Open(ctx context.Context, log *slog.Logger, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	if log == nil {
		log = slog.Default()
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	poolConfig.MaxConns = defaultMaxConns
	if cfg.Pool.MaxConns > 0 {
		poolConfig.MaxConns = cfg.Pool.MaxConns
	}
	poolConfig.MinConns = defaultMinConns
	if cfg.Pool.MinConns > 0 {
		poolConfig.MinConns = cfg.Pool.MinConns
	}
	if poolConfig.MinConns > poolConfig.MaxConns {
		poolConfig.MinConns = poolConfig.MaxConns
	}
	poolConfig.MaxConnLifetime = config.Duration(cfg.Pool.MaxConnLifetime, defaultMaxConnLifetime)
	poolConfig.MaxConnIdleTime = config.Duration(cfg.Pool.MaxConnIdleTime, defaultMaxConnIdleTime)
	poolConfig.HealthCheckPeriod = healthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	// Close on a failed ping so a half-open pool never leaks.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	log.Info("db connection established",
		slog.String("host", cfg.Host),
		slog.String("database", cfg.Database),
		slog.Int("max_conns", int(poolConfig.MaxConns)),
	)
	return pool, nil
}

// SQLDB exposes the pool through database/sql for libraries that need it
// (the WhatsApp device store and the Matrix crypto store).
func SQLDB(pool *pgxpool.Pool) *sql.DB {
	return stdlib.OpenDBFromPool(pool)
}
