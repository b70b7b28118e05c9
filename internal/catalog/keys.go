package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/types"
)

// CreateAPIKey inserts a key row.
func (c *Catalog) CreateAPIKey(ctx context.Context, k *types.APIKey) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, project_id, scope, branch_id, description, key_hash, safe_prefix, created_at, expires_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.ProjectID, string(k.Scope), k.BranchID, k.Description,
		k.KeyHash, k.SafePrefix, k.CreatedAt, nullableTime(k.ExpiresAt), boolInt(k.Revoked))
	if err != nil {
		if isUniqueViolation(err) {
			return errkind.New(errkind.Conflict, "api key %q already exists", k.ID)
		}
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKey returns key metadata by id.
func (c *Catalog) GetAPIKey(ctx context.Context, id string) (*types.APIKey, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, project_id, scope, branch_id, description, key_hash, safe_prefix, created_at, expires_at, revoked
		FROM api_keys WHERE id = ?`, id)
	return scanAPIKey(row)
}

// GetAPIKeyByHash looks a key up by its stored hash. Used on every
// authenticated request.
func (c *Catalog) GetAPIKeyByHash(ctx context.Context, hash string) (*types.APIKey, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, project_id, scope, branch_id, description, key_hash, safe_prefix, created_at, expires_at, revoked
		FROM api_keys WHERE key_hash = ?`, hash)
	return scanAPIKey(row)
}

// ListAPIKeys returns key metadata for a project. Revoked keys are
// included only when includeRevoked is set.
func (c *Catalog) ListAPIKeys(ctx context.Context, projectID string, includeRevoked bool) ([]*types.APIKey, error) {
	q := `
		SELECT id, project_id, scope, branch_id, description, key_hash, safe_prefix, created_at, expires_at, revoked
		FROM api_keys WHERE project_id = ?`
	if !includeRevoked {
		q += ` AND revoked = 0`
	}
	q += ` ORDER BY created_at, id`

	rows, err := c.db.QueryContext(ctx, q, projectID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var out []*types.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RevokeAPIKey marks a key revoked. Revocation is monotonic; revoking a
// revoked key succeeds. Revoking the last active project_admin key of a
// project is refused.
func (c *Catalog) RevokeAPIKey(ctx context.Context, id string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, project_id, scope, branch_id, description, key_hash, safe_prefix, created_at, expires_at, revoked
		FROM api_keys WHERE id = ?`, id)
	k, err := scanAPIKey(row)
	if err != nil {
		return err
	}
	if k.Revoked {
		return tx.Commit()
	}

	if k.Scope == types.ScopeProjectAdmin {
		var remaining int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM api_keys
			WHERE project_id = ? AND scope = ? AND revoked = 0 AND id != ?`,
			k.ProjectID, string(types.ScopeProjectAdmin), id).Scan(&remaining)
		if err != nil {
			return fmt.Errorf("count admin keys: %w", err)
		}
		if remaining == 0 {
			return errkind.New(errkind.Conflict,
				"cannot revoke the last active project_admin key of project %q", k.ProjectID)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE api_keys SET revoked = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return tx.Commit()
}

func scanAPIKey(row rowScanner) (*types.APIKey, error) {
	var k types.APIKey
	var scope string
	var expires sql.NullTime
	var revoked int
	err := row.Scan(&k.ID, &k.ProjectID, &scope, &k.BranchID, &k.Description,
		&k.KeyHash, &k.SafePrefix, &k.CreatedAt, &expires, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "api key not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan api key: %w", err)
	}
	k.Scope = types.KeyScope(scope)
	if expires.Valid {
		t := expires.Time
		k.ExpiresAt = &t
	}
	k.Revoked = revoked != 0
	return &k, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
