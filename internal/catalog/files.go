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

// FileFilter narrows file listings.
type FileFilter struct {
	ProjectID string
	Staged    *bool
	Tags      map[string]string
	Limit     int
	Offset    int
}

// CreateFile inserts a file row.
func (c *Catalog) CreateFile(ctx context.Context, f *types.FileRecord) error {
	tags, err := json.Marshal(orEmptyMap(f.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO files (id, project_id, name, rel_path, size_bytes, content_hash, content_type, is_staged, tags, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ProjectID, f.Name, f.RelPath, f.SizeBytes, f.ContentHash,
		f.ContentType, boolInt(f.IsStaged), string(tags), f.CreatedAt, nullableTime(f.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return errkind.New(errkind.Conflict, "file %q already exists", f.ID)
		}
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

// GetFile returns a file by id.
func (c *Catalog) GetFile(ctx context.Context, id string) (*types.FileRecord, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, rel_path, size_bytes, content_hash, content_type, is_staged, tags, created_at, expires_at
		FROM files WHERE id = ?`, id)
	return scanFile(row)
}

// ListFiles returns files matching the filter, newest first. Tag filters
// apply in memory; tag maps are small.
func (c *Catalog) ListFiles(ctx context.Context, f FileFilter) ([]*types.FileRecord, error) {
	q := `
		SELECT id, project_id, name, rel_path, size_bytes, content_hash, content_type, is_staged, tags, created_at, expires_at
		FROM files WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		q += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.Staged != nil {
		q += ` AND is_staged = ?`
		args = append(args, boolInt(*f.Staged))
	}
	q += ` ORDER BY created_at DESC, id DESC`

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []*types.FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		if !matchTags(rec.Tags, f.Tags) {
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return paginate(out, f.Limit, f.Offset), nil
}

// MarkFilePermanent flips is_staged off and records the new location.
func (c *Catalog) MarkFilePermanent(ctx context.Context, id, relPath string) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE files SET is_staged = 0, rel_path = ?, expires_at = NULL WHERE id = ?`, relPath, id)
	if err != nil {
		return fmt.Errorf("mark file permanent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotFound, "file %q not found", id)
	}
	return nil
}

// DeleteFile removes the file row. The caller removes the bytes.
func (c *Catalog) DeleteFile(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotFound, "file %q not found", id)
	}
	return nil
}

// ListExpiredFiles returns staged files whose expiry is in the past.
func (c *Catalog) ListExpiredFiles(ctx context.Context, now time.Time) ([]*types.FileRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, project_id, name, rel_path, size_bytes, content_hash, content_type, is_staged, tags, created_at, expires_at
		FROM files WHERE expires_at IS NOT NULL AND expires_at < ?`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired files: %w", err)
	}
	defer rows.Close()

	var out []*types.FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanFile(row rowScanner) (*types.FileRecord, error) {
	var f types.FileRecord
	var staged int
	var tags string
	var expires sql.NullTime
	err := row.Scan(&f.ID, &f.ProjectID, &f.Name, &f.RelPath, &f.SizeBytes,
		&f.ContentHash, &f.ContentType, &staged, &tags, &f.CreatedAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "file not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}
	f.IsStaged = staged != 0
	if tags != "" && tags != "{}" {
		if err := json.Unmarshal([]byte(tags), &f.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if expires.Valid {
		t := expires.Time
		f.ExpiresAt = &t
	}
	return &f, nil
}

func matchTags(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
