// Package storage implements the per-project storage layout and the
// table lifecycle. Projects, buckets, and tables are tested for existence
// by path; the catalog is a cache and audit record refreshed after every
// mutation.
package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/duckhouse/duckhouse/internal/catalog"
	"github.com/duckhouse/duckhouse/internal/engine"
	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/locks"
	"github.com/duckhouse/duckhouse/internal/types"
)

// Storage is the project/bucket/table lifecycle engine.
type Storage struct {
	lay   Layout
	eng   *engine.Engine
	cat   *catalog.Catalog
	locks *locks.Registry
	log   *slog.Logger
}

// New returns a storage engine over the given layout and collaborators.
func New(lay Layout, eng *engine.Engine, cat *catalog.Catalog, reg *locks.Registry, log *slog.Logger) *Storage {
	return &Storage{lay: lay, eng: eng, cat: cat, locks: reg, log: log}
}

// Layout exposes the path mapping for collaborators (branch manager,
// snapshot engine, session bridge).
func (s *Storage) Layout() Layout { return s.lay }

// Locks exposes the table lock registry.
func (s *Storage) Locks() *locks.Registry { return s.locks }

// Engine exposes the engine adapter.
func (s *Storage) Engine() *engine.Engine { return s.eng }

// InitRoot creates the data, snapshot, and file roots.
func (s *Storage) InitRoot() error {
	for _, dir := range []string{s.lay.Root, s.lay.SnapRoot, s.lay.FileRoot} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create root %s: %w", dir, err)
		}
	}
	return nil
}

// ProjectExists tests for the project directory.
func (s *Storage) ProjectExists(project string) bool {
	return dirExists(s.lay.ProjectDir(project))
}

// CreateProject creates the project directory and the catalog row. The
// directory is removed again when the catalog insert fails, so no
// dangling state survives a mid-operation failure.
func (s *Storage) CreateProject(ctx context.Context, id, name string, settings map[string]string) (*types.Project, error) {
	if err := types.CheckIdent("project id", id); err != nil {
		return nil, err
	}
	dir := s.lay.ProjectDir(id)
	if dirExists(dir) {
		return nil, errkind.New(errkind.Conflict, "project %q already exists", id)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create project directory: %w", err)
	}

	now := time.Now().UTC()
	p := &types.Project{
		ID: id, Name: name, Status: types.ProjectActive,
		Settings: settings, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.cat.CreateProject(ctx, p); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	s.log.Info("project created", "project", id)
	return p, nil
}

// GetProject returns the project when its directory exists. Counters come
// from the catalog row, which is refreshed after every mutation.
func (s *Storage) GetProject(ctx context.Context, id string) (*types.Project, error) {
	if !s.ProjectExists(id) {
		return nil, errkind.New(errkind.NotFound, "project %q not found", id)
	}
	return s.cat.GetProject(ctx, id)
}

// ListProjects returns the catalog rows of every project directory on
// disk.
func (s *Storage) ListProjects(ctx context.Context) ([]*types.Project, error) {
	all, err := s.cat.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Project, 0, len(all))
	for _, p := range all {
		if s.ProjectExists(p.ID) {
			out = append(out, p)
		}
	}
	return out, nil
}

// DeleteProject cascade-removes the project: data directory, snapshot
// directory, file directory, catalog rows, and idle lock entries.
func (s *Storage) DeleteProject(ctx context.Context, id string) error {
	if !s.ProjectExists(id) {
		return errkind.New(errkind.NotFound, "project %q not found", id)
	}
	for _, dir := range []string{
		s.lay.ProjectDir(id),
		s.lay.ProjectSnapshotDir(id),
		s.lay.ProjectFileDir(id),
	} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove %s: %w", dir, err)
		}
	}
	if err := s.cat.DeleteProject(ctx, id); err != nil && !errkind.Is(err, errkind.NotFound) {
		return err
	}
	s.locks.RemovePrefix(id, "")
	s.log.Info("project deleted", "project", id)
	return nil
}

// BucketExists tests for the bucket directory on main.
func (s *Storage) BucketExists(project, bucket string) bool {
	return dirExists(s.lay.BucketDir(project, bucket))
}

// CreateBucket creates a bucket directory on main. Branches never create
// buckets; callers enforce the main-only restriction.
func (s *Storage) CreateBucket(ctx context.Context, project, bucket string) (*types.Bucket, error) {
	if err := types.CheckIdent("bucket name", bucket); err != nil {
		return nil, err
	}
	if !s.ProjectExists(project) {
		return nil, errkind.New(errkind.NotFound, "project %q not found", project)
	}
	dir := s.lay.BucketDir(project, bucket)
	if dirExists(dir) {
		return nil, errkind.New(errkind.Conflict, "bucket %q already exists", bucket)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create bucket directory: %w", err)
	}
	if err := s.RefreshCounters(ctx, project); err != nil {
		return nil, err
	}
	s.log.Info("bucket created", "project", project, "bucket", bucket)
	return &types.Bucket{ProjectID: project, Name: bucket, CreatedAt: time.Now().UTC()}, nil
}

// GetBucket returns the bucket with its table count and total size read
// from disk.
func (s *Storage) GetBucket(ctx context.Context, project, bucket string) (*types.Bucket, error) {
	dir := s.lay.BucketDir(project, bucket)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errkind.New(errkind.NotFound, "bucket %q not found", bucket)
	}
	tables, size, err := bucketContents(dir)
	if err != nil {
		return nil, err
	}
	return &types.Bucket{
		ProjectID: project, Name: bucket,
		TableCount: len(tables), SizeBytes: size,
		CreatedAt: info.ModTime().UTC(),
	}, nil
}

// ListBuckets enumerates the project's bucket directories on main.
func (s *Storage) ListBuckets(ctx context.Context, project string) ([]*types.Bucket, error) {
	if !s.ProjectExists(project) {
		return nil, errkind.New(errkind.NotFound, "project %q not found", project)
	}
	entries, err := os.ReadDir(s.lay.ProjectDir(project))
	if err != nil {
		return nil, fmt.Errorf("read project directory: %w", err)
	}
	var out []*types.Bucket
	for _, e := range entries {
		if !e.IsDir() || IsBranchDir(e.Name()) {
			continue
		}
		b, err := s.GetBucket(ctx, project, e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// DeleteBucket removes a bucket. Without cascade a non-empty bucket is
// refused. With cascade the tables are deleted one by one under their
// locks; the first failure is returned and already-deleted tables stay
// deleted.
func (s *Storage) DeleteBucket(ctx context.Context, project, bucket string, cascade bool) error {
	dir := s.lay.BucketDir(project, bucket)
	if !dirExists(dir) {
		return errkind.New(errkind.NotFound, "bucket %q not found", bucket)
	}
	tables, _, err := bucketContents(dir)
	if err != nil {
		return err
	}
	if len(tables) > 0 && !cascade {
		return errkind.New(errkind.Conflict, "bucket %q is not empty", bucket)
	}
	for _, table := range tables {
		if err := s.DeleteTable(ctx, project, bucket, table); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove bucket directory: %w", err)
	}
	// Branch-local copies of the bucket go with it.
	if err := s.removeBranchBucketDirs(ctx, project, bucket); err != nil {
		return err
	}
	s.locks.RemovePrefix(project, bucket)
	s.log.Info("bucket deleted", "project", project, "bucket", bucket, "cascade", cascade)
	return s.RefreshCounters(ctx, project)
}

func (s *Storage) removeBranchBucketDirs(ctx context.Context, project, bucket string) error {
	entries, err := os.ReadDir(s.lay.ProjectDir(project))
	if err != nil {
		return fmt.Errorf("read project directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || !IsBranchDir(e.Name()) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.lay.ProjectDir(project), e.Name(), bucket)); err != nil {
			return fmt.Errorf("remove branch bucket copy: %w", err)
		}
	}
	return s.cat.UntrackBucketTables(ctx, project, bucket)
}

// RefreshCounters recomputes the project's bucket count, table count, and
// total size from the filesystem and stores them in the catalog.
func (s *Storage) RefreshCounters(ctx context.Context, project string) error {
	buckets, tables, size, err := s.projectContents(project)
	if err != nil {
		return err
	}
	return s.cat.UpdateProjectCounters(ctx, project, buckets, tables, size)
}

// projectContents walks the project directory: bucket and table counts
// cover main only, size covers everything including branch copies.
func (s *Storage) projectContents(project string) (buckets, tables int, size int64, err error) {
	dir := s.lay.ProjectDir(project)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("read project directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if !IsBranchDir(e.Name()) {
			buckets++
			names, _, err := bucketContents(filepath.Join(dir, e.Name()))
			if err != nil {
				return 0, 0, 0, err
			}
			tables += len(names)
		}
	}
	err = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("walk project directory: %w", err)
	}
	return buckets, tables, size, nil
}

func bucketContents(dir string) (tables []string, size int64, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, fmt.Errorf("read bucket directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		tables = append(tables, e.Name())
		if info, err := e.Info(); err == nil {
			size += info.Size()
		}
	}
	return tables, size, nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
