package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/types"
)

// CreateBranch inserts a dev branch row.
func (c *Catalog) CreateBranch(ctx context.Context, b *types.Branch) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO branches (project_id, id, name, created_at) VALUES (?, ?, ?, ?)`,
		b.ProjectID, b.ID, b.Name, b.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errkind.New(errkind.Conflict, "branch %q already exists", b.ID)
		}
		return fmt.Errorf("insert branch: %w", err)
	}
	return nil
}

// GetBranch returns a dev branch by id.
func (c *Catalog) GetBranch(ctx context.Context, projectID, branchID string) (*types.Branch, error) {
	var b types.Branch
	err := c.db.QueryRowContext(ctx, `
		SELECT project_id, id, name, created_at FROM branches
		WHERE project_id = ? AND id = ?`, projectID, branchID).
		Scan(&b.ProjectID, &b.ID, &b.Name, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "branch %q not found", branchID)
	}
	if err != nil {
		return nil, fmt.Errorf("get branch: %w", err)
	}
	return &b, nil
}

// ListBranches returns all dev branches of a project.
func (c *Catalog) ListBranches(ctx context.Context, projectID string) ([]*types.Branch, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT project_id, id, name, created_at FROM branches
		WHERE project_id = ? ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	var out []*types.Branch
	for rows.Next() {
		var b types.Branch
		if err := rows.Scan(&b.ProjectID, &b.ID, &b.Name, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// DeleteBranch removes the branch row and all of its branch_tables rows.
func (c *Catalog) DeleteBranch(ctx context.Context, projectID, branchID string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM branches WHERE project_id = ? AND id = ?`, projectID, branchID)
	if err != nil {
		return fmt.Errorf("delete branch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotFound, "branch %q not found", branchID)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM branch_tables WHERE project_id = ? AND branch_id = ?`, projectID, branchID); err != nil {
		return fmt.Errorf("delete branch tables: %w", err)
	}
	return tx.Commit()
}

// TrackBranchTable records that a branch materialized a local table copy.
// Idempotent.
func (c *Catalog) TrackBranchTable(ctx context.Context, bt *types.BranchTable) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO branch_tables (project_id, branch_id, bucket, table_name, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (project_id, branch_id, bucket, table_name) DO NOTHING`,
		bt.ProjectID, bt.BranchID, bt.Bucket, bt.Table, bt.CreatedAt)
	if err != nil {
		return fmt.Errorf("track branch table: %w", err)
	}
	return nil
}

// UntrackBranchTable removes a branch-local table record. Succeeds even
// when no row exists (pull is idempotent).
func (c *Catalog) UntrackBranchTable(ctx context.Context, projectID, branchID, bucket, table string) error {
	_, err := c.db.ExecContext(ctx, `
		DELETE FROM branch_tables
		WHERE project_id = ? AND branch_id = ? AND bucket = ? AND table_name = ?`,
		projectID, branchID, bucket, table)
	if err != nil {
		return fmt.Errorf("untrack branch table: %w", err)
	}
	return nil
}

// UntrackBucketTables removes every branch-local record under a bucket,
// for bucket deletion cascades.
func (c *Catalog) UntrackBucketTables(ctx context.Context, projectID, bucket string) error {
	_, err := c.db.ExecContext(ctx, `
		DELETE FROM branch_tables WHERE project_id = ? AND bucket = ?`, projectID, bucket)
	if err != nil {
		return fmt.Errorf("untrack bucket tables: %w", err)
	}
	return nil
}

// HasBranchTable reports whether the branch has a local copy of the table.
func (c *Catalog) HasBranchTable(ctx context.Context, projectID, branchID, bucket, table string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx, `
		SELECT 1 FROM branch_tables
		WHERE project_id = ? AND branch_id = ? AND bucket = ? AND table_name = ?`,
		projectID, branchID, bucket, table).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check branch table: %w", err)
	}
	return true, nil
}

// ListBranchTables returns all local copies tracked for a branch.
func (c *Catalog) ListBranchTables(ctx context.Context, projectID, branchID string) ([]*types.BranchTable, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT project_id, branch_id, bucket, table_name, created_at FROM branch_tables
		WHERE project_id = ? AND branch_id = ? ORDER BY bucket, table_name`, projectID, branchID)
	if err != nil {
		return nil, fmt.Errorf("list branch tables: %w", err)
	}
	defer rows.Close()

	var out []*types.BranchTable
	for rows.Next() {
		var bt types.BranchTable
		if err := rows.Scan(&bt.ProjectID, &bt.BranchID, &bt.Bucket, &bt.Table, &bt.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan branch table: %w", err)
		}
		out = append(out, &bt)
	}
	return out, rows.Err()
}
