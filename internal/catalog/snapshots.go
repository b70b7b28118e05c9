package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/types"
)

// SnapshotFilter narrows snapshot listings.
type SnapshotFilter struct {
	Bucket string
	Table  string
	Type   types.SnapshotType
	Limit  int
	Offset int
}

// CreateSnapshot inserts a snapshot row.
func (c *Catalog) CreateSnapshot(ctx context.Context, s *types.Snapshot) error {
	cols, err := json.Marshal(s.Columns)
	if err != nil {
		return fmt.Errorf("marshal columns: %w", err)
	}
	pk, err := json.Marshal(orEmptySlice(s.PrimaryKey))
	if err != nil {
		return fmt.Errorf("marshal primary key: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, project_id, bucket, table_name, type, row_count, size_bytes, columns, primary_key, data_path, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.ProjectID, s.Bucket, s.Table, string(s.Type), s.RowCount, s.SizeBytes,
		string(cols), string(pk), s.DataPath, s.CreatedAt, nullableTime(s.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return errkind.New(errkind.Conflict, "snapshot %q already exists", s.ID)
		}
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// GetSnapshot returns a snapshot by id scoped to a project.
func (c *Catalog) GetSnapshot(ctx context.Context, projectID, id string) (*types.Snapshot, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, project_id, bucket, table_name, type, row_count, size_bytes, columns, primary_key, data_path, created_at, expires_at
		FROM snapshots WHERE project_id = ? AND id = ?`, projectID, id)
	return scanSnapshot(row)
}

// ListSnapshots returns snapshots matching the filter, newest first.
func (c *Catalog) ListSnapshots(ctx context.Context, projectID string, f SnapshotFilter) ([]*types.Snapshot, error) {
	q := `
		SELECT id, project_id, bucket, table_name, type, row_count, size_bytes, columns, primary_key, data_path, created_at, expires_at
		FROM snapshots WHERE project_id = ?`
	args := []any{projectID}
	if f.Bucket != "" {
		q += ` AND bucket = ?`
		args = append(args, f.Bucket)
	}
	if f.Table != "" {
		q += ` AND table_name = ?`
		args = append(args, f.Table)
	}
	if f.Type != "" {
		q += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			q += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*types.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListExpiredSnapshots returns snapshots whose expiry is in the past.
func (c *Catalog) ListExpiredSnapshots(ctx context.Context, now time.Time) ([]*types.Snapshot, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, project_id, bucket, table_name, type, row_count, size_bytes, columns, primary_key, data_path, created_at, expires_at
		FROM snapshots WHERE expires_at IS NOT NULL AND expires_at < ?`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired snapshots: %w", err)
	}
	defer rows.Close()

	var out []*types.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteSnapshot removes the snapshot row. The caller removes the files.
func (c *Catalog) DeleteSnapshot(ctx context.Context, projectID, id string) error {
	res, err := c.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE project_id = ? AND id = ?`, projectID, id)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotFound, "snapshot %q not found", id)
	}
	return nil
}

func scanSnapshot(row rowScanner) (*types.Snapshot, error) {
	var s types.Snapshot
	var typ, cols, pk string
	var expires sql.NullTime
	err := row.Scan(&s.ID, &s.ProjectID, &s.Bucket, &s.Table, &typ, &s.RowCount,
		&s.SizeBytes, &cols, &pk, &s.DataPath, &s.CreatedAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "snapshot not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	s.Type = types.SnapshotType(typ)
	if err := json.Unmarshal([]byte(cols), &s.Columns); err != nil {
		return nil, fmt.Errorf("unmarshal columns: %w", err)
	}
	if err := json.Unmarshal([]byte(pk), &s.PrimaryKey); err != nil {
		return nil, fmt.Errorf("unmarshal primary key: %w", err)
	}
	if expires.Valid {
		t := expires.Time
		s.ExpiresAt = &t
	}
	return &s, nil
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
