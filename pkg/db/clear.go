// Package db provides response cache clearing.
package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearCache truncates the response_cache table. The schema is preserved.
func ClearCache(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing response cache", clearLogPrefix))

	if _, err := pool.Exec(ctx, `TRUNCATE TABLE response_cache`); err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Response cache cleared", clearLogPrefix))
	return nil
}
