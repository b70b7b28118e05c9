package catalog

import (
	"context"
	"fmt"

	"github.com/duckhouse/duckhouse/internal/types"
)

// AppendOperation records one completed operation. The AUTOINCREMENT id
// together with the timestamp gives a total order per project.
func (c *Catalog) AppendOperation(ctx context.Context, e *types.OperationEntry) error {
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO operations (project_id, operation, status, resource_type, resource_id, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ProjectID, e.Operation, e.Status, e.ResourceType, e.ResourceID, e.Error, e.DurationMS, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append operation: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// ListOperations returns the newest operations of a project, most recent
// first, capped at limit (default 100).
func (c *Catalog) ListOperations(ctx context.Context, projectID string, limit int) ([]*types.OperationEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, project_id, operation, status, resource_type, resource_id, error, duration_ms, created_at
		FROM operations WHERE project_id = ? ORDER BY id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []*types.OperationEntry
	for rows.Next() {
		var e types.OperationEntry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Operation, &e.Status,
			&e.ResourceType, &e.ResourceID, &e.Error, &e.DurationMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
