package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/duckhouse/duckhouse/internal/types"
)

// PutIdempotencyEntry stores a completed mutating response under the
// caller-supplied key. An existing entry wins: concurrent duplicates keep
// the first recorded response.
func (c *Catalog) PutIdempotencyEntry(ctx context.Context, e *types.IdempotencyEntry) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO idempotency (key, method, endpoint, body_hash, status, body, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO NOTHING`,
		e.Key, e.Method, e.Endpoint, e.BodyHash, e.Status, e.Body, e.CreatedAt, e.ExpiresAt)
	if err != nil {
		return fmt.Errorf("put idempotency entry: %w", err)
	}
	return nil
}

// GetIdempotencyEntry returns the cached entry for key, or nil when
// absent or expired. Expired rows behave as absent.
func (c *Catalog) GetIdempotencyEntry(ctx context.Context, key string, now time.Time) (*types.IdempotencyEntry, error) {
	var e types.IdempotencyEntry
	err := c.db.QueryRowContext(ctx, `
		SELECT key, method, endpoint, body_hash, status, body, created_at, expires_at
		FROM idempotency WHERE key = ?`, key).
		Scan(&e.Key, &e.Method, &e.Endpoint, &e.BodyHash, &e.Status, &e.Body, &e.CreatedAt, &e.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency entry: %w", err)
	}
	if now.After(e.ExpiresAt) {
		return nil, nil
	}
	return &e, nil
}

// SweepIdempotencyEntries deletes expired rows and returns the count.
func (c *Catalog) SweepIdempotencyEntries(ctx context.Context, now time.Time) (int, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM idempotency WHERE expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep idempotency entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
