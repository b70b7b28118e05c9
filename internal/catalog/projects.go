package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/types"
)

// CreateProject inserts a project row. Conflict when the id exists.
func (c *Catalog) CreateProject(ctx context.Context, p *types.Project) error {
	settings, err := json.Marshal(orEmptyMap(p.Settings))
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, status, settings, bucket_count, table_count, size_bytes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(p.Status), string(settings),
		p.BucketCount, p.TableCount, p.SizeBytes, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errkind.New(errkind.Conflict, "project %q already exists", p.ID)
		}
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// GetProject returns a project by id.
func (c *Catalog) GetProject(ctx context.Context, id string) (*types.Project, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, name, status, settings, bucket_count, table_count, size_bytes, created_at, updated_at
		FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// ListProjects returns all projects ordered by id.
func (c *Catalog) ListProjects(ctx context.Context) ([]*types.Project, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, name, status, settings, bucket_count, table_count, size_bytes, created_at, updated_at
		FROM projects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []*types.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProject updates display name and settings.
func (c *Catalog) UpdateProject(ctx context.Context, id string, name *string, settings map[string]string) error {
	p, err := c.GetProject(ctx, id)
	if err != nil {
		return err
	}
	if name != nil {
		p.Name = *name
	}
	if settings != nil {
		p.Settings = settings
	}
	raw, err := json.Marshal(orEmptyMap(p.Settings))
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		UPDATE projects SET name = ?, settings = ?, updated_at = ? WHERE id = ?`,
		p.Name, string(raw), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return nil
}

// UpdateProjectCounters stores the counters recomputed from disk.
func (c *Catalog) UpdateProjectCounters(ctx context.Context, id string, buckets, tables int, sizeBytes int64) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE projects SET bucket_count = ?, table_count = ?, size_bytes = ?, updated_at = ?
		WHERE id = ?`,
		buckets, tables, sizeBytes, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update project counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotFound, "project %q not found", id)
	}
	return nil
}

// DeleteProject removes the project row and cascades every owned row.
// The caller removes the directories.
func (c *Catalog) DeleteProject(ctx context.Context, id string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotFound, "project %q not found", id)
	}
	for _, stmt := range []string{
		`DELETE FROM branches WHERE project_id = ?`,
		`DELETE FROM branch_tables WHERE project_id = ?`,
		`DELETE FROM api_keys WHERE project_id = ?`,
		`DELETE FROM snapshots WHERE project_id = ?`,
		`DELETE FROM snapshot_settings WHERE scope != 'system' AND (entity_id = ? OR entity_id LIKE ? || '/%')`,
		`DELETE FROM files WHERE project_id = ?`,
		`DELETE FROM wire_sessions WHERE workspace_id IN (SELECT id FROM workspaces WHERE project_id = ?)`,
		`DELETE FROM workspaces WHERE project_id = ?`,
	} {
		args := []any{id}
		if strings.Count(stmt, "?") == 2 {
			args = append(args, id)
		}
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("cascade delete: %w", err)
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*types.Project, error) {
	var p types.Project
	var status, settings string
	err := row.Scan(&p.ID, &p.Name, &status, &settings,
		&p.BucketCount, &p.TableCount, &p.SizeBytes, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "project not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	p.Status = types.ProjectStatus(status)
	if settings != "" && settings != "{}" {
		if err := json.Unmarshal([]byte(settings), &p.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	}
	return &p, nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// isUniqueViolation reports whether err is a SQLite unique-constraint
// failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}
