// Package branch implements dev branches with copy-on-write semantics.
//
// The branch id "default" always resolves to main. A dev branch reads
// main's current bytes until it materializes a local copy of a table,
// which happens on the first write. Buckets are never branched.
package branch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/duckhouse/duckhouse/internal/catalog"
	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/storage"
	"github.com/duckhouse/duckhouse/internal/types"
)

// Manager resolves branch context and performs copy-on-write
// materialization and pull-to-main.
type Manager struct {
	st  *storage.Storage
	cat *catalog.Catalog
	log *slog.Logger
}

// NewManager returns a branch manager over the storage engine and
// catalog.
func NewManager(st *storage.Storage, cat *catalog.Catalog, log *slog.Logger) *Manager {
	return &Manager{st: st, cat: cat, log: log}
}

// RequireMain fails with invalid-argument when the branch id names a dev
// branch. Bucket mutation, snapshot CRUD, and snapshot restore are
// restricted to main.
func RequireMain(branchID string) error {
	if !types.IsMainBranch(branchID) {
		return errkind.New(errkind.Invalid, "operation not allowed on branch %q: main only", branchID)
	}
	return nil
}

// Create creates a dev branch: its subdirectory plus the catalog row.
func (m *Manager) Create(ctx context.Context, project, id, name string) (*types.Branch, error) {
	if err := types.CheckIdent("branch id", id); err != nil {
		return nil, err
	}
	if types.IsMainBranch(id) {
		return nil, errkind.New(errkind.Invalid, "branch id %q is reserved", types.MainBranchID)
	}
	if !m.st.ProjectExists(project) {
		return nil, errkind.New(errkind.NotFound, "project %q not found", project)
	}
	dir := m.st.Layout().BranchDir(project, id)
	if _, err := os.Stat(dir); err == nil {
		return nil, errkind.New(errkind.Conflict, "branch %q already exists", id)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create branch directory: %w", err)
	}

	b := &types.Branch{ProjectID: project, ID: id, Name: name, CreatedAt: time.Now().UTC()}
	if err := m.cat.CreateBranch(ctx, b); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	m.log.Info("branch created", "project", project, "branch", id)
	return b, nil
}

// Get returns a branch. The main sentinel resolves without a catalog row.
func (m *Manager) Get(ctx context.Context, project, id string) (*types.Branch, error) {
	if types.IsMainBranch(id) {
		return &types.Branch{ProjectID: project, ID: types.MainBranchID}, nil
	}
	return m.cat.GetBranch(ctx, project, id)
}

// List returns the project's dev branches.
func (m *Manager) List(ctx context.Context, project string) ([]*types.Branch, error) {
	if !m.st.ProjectExists(project) {
		return nil, errkind.New(errkind.NotFound, "project %q not found", project)
	}
	return m.cat.ListBranches(ctx, project)
}

// Delete removes a dev branch: its directory and its branch_tables rows.
// Main tables are untouched.
func (m *Manager) Delete(ctx context.Context, project, id string) error {
	if types.IsMainBranch(id) {
		return errkind.New(errkind.Invalid, "the main branch cannot be deleted")
	}
	if err := m.cat.DeleteBranch(ctx, project, id); err != nil {
		return err
	}
	if err := os.RemoveAll(m.st.Layout().BranchDir(project, id)); err != nil {
		return fmt.Errorf("remove branch directory: %w", err)
	}
	m.log.Info("branch deleted", "project", project, "branch", id)
	return nil
}

// ReadPath resolves the file a read of (branch, bucket, table) should
// open: the branch-local copy iff the branch has materialized one, else
// main (live view).
func (m *Manager) ReadPath(ctx context.Context, project, branchID, bucket, table string) (string, error) {
	lay := m.st.Layout()
	main := lay.TablePath(project, bucket, table)
	if types.IsMainBranch(branchID) {
		return main, nil
	}
	if _, err := m.cat.GetBranch(ctx, project, branchID); err != nil {
		return "", err
	}
	has, err := m.cat.HasBranchTable(ctx, project, branchID, bucket, table)
	if err != nil {
		return "", err
	}
	if has {
		return lay.BranchTablePath(project, branchID, bucket, table), nil
	}
	return main, nil
}

// Materialize resolves the file a write should open, copying the table
// from main into the branch first when no local copy exists yet. The
// caller must hold the table lock.
func (m *Manager) Materialize(ctx context.Context, project, branchID, bucket, table string) (string, error) {
	lay := m.st.Layout()
	main := lay.TablePath(project, bucket, table)
	if types.IsMainBranch(branchID) {
		return main, nil
	}
	if _, err := m.cat.GetBranch(ctx, project, branchID); err != nil {
		return "", err
	}

	local := lay.BranchTablePath(project, branchID, bucket, table)
	has, err := m.cat.HasBranchTable(ctx, project, branchID, bucket, table)
	if err != nil {
		return "", err
	}
	if has {
		return local, nil
	}

	if _, err := os.Stat(main); err != nil {
		return "", errkind.New(errkind.NotFound, "table %q not found", table)
	}
	if err := copyFileAtomic(main, local); err != nil {
		return "", fmt.Errorf("materialize branch copy: %w", err)
	}
	if err := m.cat.TrackBranchTable(ctx, &types.BranchTable{
		ProjectID: project, BranchID: branchID, Bucket: bucket, Table: table,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		_ = os.Remove(local)
		return "", err
	}
	m.log.Info("branch table materialized",
		"project", project, "branch", branchID, "bucket", bucket, "table", table)
	return local, nil
}

// Pull removes the branch-local copy so reads go live from main again.
// Idempotent: pulling a table with no local copy succeeds.
func (m *Manager) Pull(ctx context.Context, project, branchID, bucket, table string) error {
	if types.IsMainBranch(branchID) {
		return errkind.New(errkind.Invalid, "pull is only meaningful on a dev branch")
	}
	if _, err := m.cat.GetBranch(ctx, project, branchID); err != nil {
		return err
	}

	release, err := m.st.Locks().Acquire(ctx, project, bucket, table)
	if err != nil {
		return err
	}
	defer release()

	local := m.st.Layout().BranchTablePath(project, branchID, bucket, table)
	if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove branch copy: %w", err)
	}
	return m.cat.UntrackBranchTable(ctx, project, branchID, bucket, table)
}

// copyFileAtomic copies src into dst's directory under a temp name and
// renames into place, so a crashed copy never looks like a materialized
// table.
func copyFileAtomic(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
