package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const migrateLogPrefix = "db:migrate"

const createSchemaMigrations = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version     TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// AppliedVersions returns the versions recorded in schema_migrations,
// creating the table on first use.
func AppliedVersions(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	if _, err := pool.Exec(ctx, createSchemaMigrations); err != nil {
		return nil, fmt.Errorf("%s - failed to create schema_migrations: %w", migrateLogPrefix, err)
	}
	rows, err := pool.Query(ctx, `SELECT version FROM schema_migrations ORDER BY applied_at, version`)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read schema_migrations: %w", migrateLogPrefix, err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%s - failed to scan schema_migrations: %w", migrateLogPrefix, err)
	}
	return versions, nil
}

// RunMigrations applies every pending migration, each in its own
// transaction, and returns how many were applied.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) (int, error) {
	applied, err := AppliedVersions(ctx, pool)
	if err != nil {
		return 0, err
	}
	pending := PlanUp(migrations, applied)
	slog.Info(fmt.Sprintf("%s - %d of %d migrations pending", migrateLogPrefix, len(pending), len(migrations)))

	for i, m := range pending {
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.Up); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name)
			return err
		})
		if err != nil {
			return i, fmt.Errorf("%s - migration %s failed: %w", migrateLogPrefix, m.ID(), err)
		}
		slog.Info(fmt.Sprintf("%s - Applied %s", migrateLogPrefix, m.ID()))
	}
	return len(pending), nil
}

// MigrationDown rolls back the most recently applied migration and returns
// it. ErrNothingToRollBack is returned when the ledger is empty.
func MigrationDown(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) (Migration, error) {
	applied, err := AppliedVersions(ctx, pool)
	if err != nil {
		return Migration{}, err
	}
	m, err := PlanDown(migrations, applied)
	if err != nil {
		return Migration{}, err
	}

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, m.Down); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, m.Version)
		return err
	})
	if err != nil {
		return Migration{}, fmt.Errorf("%s - rollback of %s failed: %w", migrateLogPrefix, m.ID(), err)
	}
	slog.Info(fmt.Sprintf("%s - Rolled back %s", migrateLogPrefix, m.ID()))
	return m, nil
}

// MigrationStatus reports which migrations are applied.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) ([]MigrationState, error) {
	applied, err := AppliedVersions(ctx, pool)
	if err != nil {
		return nil, err
	}
	return Statuses(migrations, applied), nil
}
