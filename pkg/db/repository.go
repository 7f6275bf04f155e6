package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/sockr/pkg/cache"
)

const repoLogPrefix = "db:repository"

// Repository persists cached responses in the response_cache table.
type Repository struct {
	pool *pgxpool.Pool
}

var _ cache.Store = (*Repository)(nil)

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns the unexpired value stored under key.
func (r *Repository) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := r.pool.QueryRow(ctx,
		`SELECT value FROM response_cache
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%s - get %s: %w", repoLogPrefix, key, err)
	}
	return value, true, nil
}

// Set upserts value under key. A zero ttl stores it without expiry.
func (r *Repository) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	var expires *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expires = &t
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO response_cache (key, value, expires_at, created, modified)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (key) DO UPDATE SET
		   value = EXCLUDED.value,
		   expires_at = EXCLUDED.expires_at,
		   modified = EXCLUDED.modified`,
		key, value, expires, now)
	if err != nil {
		return fmt.Errorf("%s - set %s: %w", repoLogPrefix, key, err)
	}
	return nil
}

// Delete removes key if present.
func (r *Repository) Delete(ctx context.Context, key string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM response_cache WHERE key = $1`, key); err != nil {
		return fmt.Errorf("%s - delete %s: %w", repoLogPrefix, key, err)
	}
	return nil
}

// PurgeExpired deletes every expired row and returns how many were removed.
func (r *Repository) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM response_cache WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("%s - purge: %w", repoLogPrefix, err)
	}
	return tag.RowsAffected(), nil
}

// Run purges expired rows every interval until ctx is done.
func (r *Repository) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.PurgeExpired(ctx)
			if err != nil {
				slog.Warn(fmt.Sprintf("%s - %v", repoLogPrefix, err))
				continue
			}
			if n > 0 {
				slog.Debug(fmt.Sprintf("%s - purged %d expired rows", repoLogPrefix, n))
			}
		}
	}
}
