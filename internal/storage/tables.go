package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/duckhouse/duckhouse/internal/engine"
	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/types"
)

// PreviewMaxRows bounds the preview limit parameter.
const PreviewMaxRows = 10000

// TableExists tests for the table file on main.
func (s *Storage) TableExists(project, bucket, table string) bool {
	return fileExists(s.lay.TablePath(project, bucket, table))
}

// CreateTable initializes the table file and declares the relation with
// the given columns and optional primary key. An engine failure removes
// the just-created file so disk and catalog stay consistent.
func (s *Storage) CreateTable(ctx context.Context, project, bucket, table string, columns []types.Column, primaryKey []string) (*types.Table, error) {
	if err := types.CheckIdent("table name", table); err != nil {
		return nil, err
	}
	if err := types.CheckColumns(columns, primaryKey); err != nil {
		return nil, err
	}
	if !s.BucketExists(project, bucket) {
		return nil, errkind.New(errkind.NotFound, "bucket %q not found", bucket)
	}
	path := s.lay.TablePath(project, bucket, table)
	if fileExists(path) {
		return nil, errkind.New(errkind.Conflict, "table %q already exists", table)
	}

	release, err := s.locks.Acquire(ctx, project, bucket, table)
	if err != nil {
		return nil, err
	}
	defer release()

	conn, err := s.eng.Open(ctx, path)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	if err := conn.CreateRelation(ctx, columns, primaryKey); err != nil {
		_ = conn.Close()
		_ = os.Remove(path)
		return nil, err
	}
	if err := conn.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("close table file: %w", err)
	}

	if err := s.RefreshCounters(ctx, project); err != nil {
		return nil, err
	}
	s.log.Info("table created", "project", project, "bucket", bucket, "table", table)
	return s.DescribeTable(ctx, project, bucket, table, path)
}

// DeleteTable removes the table file on main and drops its lock entry.
func (s *Storage) DeleteTable(ctx context.Context, project, bucket, table string) error {
	release, err := s.locks.Acquire(ctx, project, bucket, table)
	if err != nil {
		return err
	}
	defer release()

	if err := s.DeleteTableLocked(ctx, project, bucket, table); err != nil {
		return err
	}
	release()
	s.locks.Remove(project, bucket, table)
	return nil
}

// DeleteTableLocked removes the table file for a caller that already
// holds the table lock; the lock registry entry stays until the caller
// releases and removes it.
func (s *Storage) DeleteTableLocked(ctx context.Context, project, bucket, table string) error {
	path := s.lay.TablePath(project, bucket, table)
	if !fileExists(path) {
		return errkind.New(errkind.NotFound, "table %q not found", table)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove table file: %w", err)
	}
	// The engine leaves a WAL next to the file.
	_ = os.Remove(path + ".wal")
	s.log.Info("table deleted", "project", project, "bucket", bucket, "table", table)
	return s.RefreshCounters(ctx, project)
}

// DescribeTable introspects a table file: columns, primary key, row
// count, and size. The path parameter lets branch reads describe a
// branch-local copy; pass "" for main.
func (s *Storage) DescribeTable(ctx context.Context, project, bucket, table, path string) (*types.Table, error) {
	if path == "" {
		path = s.lay.TablePath(project, bucket, table)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, errkind.New(errkind.NotFound, "table %q not found", table)
	}

	conn, err := s.eng.OpenReadOnly(ctx, path)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	columns, err := conn.Columns(ctx)
	if err != nil {
		return nil, err
	}
	pk, err := conn.PrimaryKey(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.RowCount(ctx)
	if err != nil {
		return nil, err
	}
	return &types.Table{
		ProjectID: project, Bucket: bucket, Name: table,
		Columns: columns, PrimaryKey: pk,
		RowCount: rows, SizeBytes: info.Size(),
	}, nil
}

// ListTables enumerates the bucket's table files on main with their
// sizes; schemas are not introspected on the list path.
func (s *Storage) ListTables(ctx context.Context, project, bucket string) ([]*types.Table, error) {
	dir := s.lay.BucketDir(project, bucket)
	if !dirExists(dir) {
		return nil, errkind.New(errkind.NotFound, "bucket %q not found", bucket)
	}
	names, _, err := bucketContents(dir)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Table, 0, len(names))
	for _, name := range names {
		info, err := os.Stat(s.lay.TablePath(project, bucket, name))
		if err != nil {
			continue
		}
		out = append(out, &types.Table{
			ProjectID: project, Bucket: bucket, Name: name, SizeBytes: info.Size(),
		})
	}
	return out, nil
}

// PreviewResult is the read-only first-n-rows view of a table.
type PreviewResult struct {
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	RowCount int64    `json:"row_count"`
}

// Preview returns the table's columns, its first limit rows, and the
// total row count. The path parameter resolves branch reads; pass "" for
// main. Preview never takes the table lock.
func (s *Storage) Preview(ctx context.Context, project, bucket, table, path string, limit int) (*PreviewResult, error) {
	if limit < 1 || limit > PreviewMaxRows {
		return nil, errkind.New(errkind.Invalid, "preview limit must be between 1 and %d", PreviewMaxRows)
	}
	if path == "" {
		path = s.lay.TablePath(project, bucket, table)
	}
	if !fileExists(path) {
		return nil, errkind.New(errkind.NotFound, "table %q not found", table)
	}

	conn, err := s.eng.OpenReadOnly(ctx, path)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	cols, rows, total, err := conn.Preview(ctx, limit)
	if err != nil {
		return nil, err
	}
	return &PreviewResult{Columns: cols, Rows: rows, RowCount: total}, nil
}

// OpenTable opens a table file read-write for a caller that already holds
// the table lock.
func (s *Storage) OpenTable(ctx context.Context, path string) (*engine.TableConn, error) {
	return s.eng.Open(ctx, path)
}
