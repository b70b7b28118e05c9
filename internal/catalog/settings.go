package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/duckhouse/duckhouse/internal/types"
)

// Settings deltas are stored as opaque JSON: the catalog never merges
// layers, keeping inheritance observable (each layer stores only its own
// delta).

// PutSettingsDelta upserts the delta stored at (scope, entityID).
func (c *Catalog) PutSettingsDelta(ctx context.Context, scope types.SettingsScope, entityID string, delta json.RawMessage) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO snapshot_settings (scope, entity_id, delta, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (scope, entity_id) DO UPDATE SET delta = excluded.delta, updated_at = excluded.updated_at`,
		string(scope), entityID, string(delta), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put settings delta: %w", err)
	}
	return nil
}

// GetSettingsDelta returns the delta stored at (scope, entityID), or nil
// when no delta exists at that layer.
func (c *Catalog) GetSettingsDelta(ctx context.Context, scope types.SettingsScope, entityID string) (json.RawMessage, error) {
	var delta string
	err := c.db.QueryRowContext(ctx, `
		SELECT delta FROM snapshot_settings WHERE scope = ? AND entity_id = ?`,
		string(scope), entityID).Scan(&delta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get settings delta: %w", err)
	}
	return json.RawMessage(delta), nil
}

// DeleteSettingsDelta removes the delta stored at (scope, entityID).
// Deleting a missing delta succeeds.
func (c *Catalog) DeleteSettingsDelta(ctx context.Context, scope types.SettingsScope, entityID string) error {
	_, err := c.db.ExecContext(ctx, `
		DELETE FROM snapshot_settings WHERE scope = ? AND entity_id = ?`,
		string(scope), entityID)
	if err != nil {
		return fmt.Errorf("delete settings delta: %w", err)
	}
	return nil
}
