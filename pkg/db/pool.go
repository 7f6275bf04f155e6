// Package db backs the response cache with Postgres: pool setup, versioned
// migrations, database bootstrap and the cache repository.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const logPrefix = "db:pool"

// Pool defaults. The cache issues short single-row statements, so a small
// pool is enough.
const (
	DefaultMaxConns        = 10
	DefaultMinConns        = 1
	DefaultMaxConnIdleTime = 5 * time.Minute
)

// PoolOption adjusts the pool configuration before it is opened.
type PoolOption func(*pgxpool.Config)

// WithMaxConns caps the number of open connections. n <= 0 is ignored.
func WithMaxConns(n int32) PoolOption {
	return func(c *pgxpool.Config) {
		if n > 0 {
			c.MaxConns = n
		}
	}
}

// WithMinConns keeps n connections open. It is clamped to MaxConns.
func WithMinConns(n int32) PoolOption {
	return func(c *pgxpool.Config) {
		if n >= 0 {
			c.MinConns = n
		}
	}
}

// WithApplicationName sets application_name so sessions can be told apart
// in pg_stat_activity.
func WithApplicationName(name string) PoolOption {
	return func(c *pgxpool.Config) {
		if name != "" {
			c.ConnConfig.RuntimeParams["application_name"] = name
		}
	}
}

func poolConfig(databaseURL string, opts ...PoolOption) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", logPrefix, err)
	}
	config.MaxConns = DefaultMaxConns
	config.MinConns = DefaultMinConns
	config.MaxConnIdleTime = DefaultMaxConnIdleTime
	for _, opt := range opts {
		opt(config)
	}
	if config.MinConns > config.MaxConns {
		config.MinConns = config.MaxConns
	}
	return config, nil
}

// NewPool opens a pgx pool for databaseURL and verifies it with a ping.
func NewPool(ctx context.Context, databaseURL string, opts ...PoolOption) (*pgxpool.Pool, error) {
	config, err := poolConfig(databaseURL, opts...)
	if err != nil {
		return nil, err
	}
	slog.Info(fmt.Sprintf("%s - Connecting to %s/%s (max %d conns)", logPrefix, config.ConnConfig.Host, config.ConnConfig.Database, config.MaxConns))

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", logPrefix, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", logPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Database connection established", logPrefix))
	return pool, nil
}
