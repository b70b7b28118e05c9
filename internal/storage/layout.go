package storage

import (
	"path/filepath"
	"strings"
)

// Layout maps projects, buckets, tables, branches, snapshots, and files
// onto the fixed on-disk discipline:
//
//	<root>/project_<id>/<bucket>/<table>
//	<root>/project_<id>/branch_<id>/<bucket>/<table>
//	<snap-root>/project_<id>/<snap-id>/data.parquet
//	<files-root>/project_<id>/...
type Layout struct {
	Root     string
	SnapRoot string
	FileRoot string
}

const (
	projectPrefix = "project_"
	branchPrefix  = "branch_"
)

// ProjectDir returns the project's data directory.
func (l Layout) ProjectDir(project string) string {
	return filepath.Join(l.Root, projectPrefix+project)
}

// BucketDir returns a bucket directory on main.
func (l Layout) BucketDir(project, bucket string) string {
	return filepath.Join(l.ProjectDir(project), bucket)
}

// TablePath returns a table file on main.
func (l Layout) TablePath(project, bucket, table string) string {
	return filepath.Join(l.BucketDir(project, bucket), table)
}

// BranchDir returns a dev branch's subdirectory.
func (l Layout) BranchDir(project, branch string) string {
	return filepath.Join(l.ProjectDir(project), branchPrefix+branch)
}

// BranchBucketDir returns a bucket directory inside a dev branch.
func (l Layout) BranchBucketDir(project, branch, bucket string) string {
	return filepath.Join(l.BranchDir(project, branch), bucket)
}

// BranchTablePath returns a branch-local table copy.
func (l Layout) BranchTablePath(project, branch, bucket, table string) string {
	return filepath.Join(l.BranchBucketDir(project, branch, bucket), table)
}

// SnapshotDir returns a snapshot's directory.
func (l Layout) SnapshotDir(project, snapshotID string) string {
	return filepath.Join(l.SnapRoot, projectPrefix+project, snapshotID)
}

// ProjectSnapshotDir returns the directory holding all of a project's
// snapshots.
func (l Layout) ProjectSnapshotDir(project string) string {
	return filepath.Join(l.SnapRoot, projectPrefix+project)
}

// ProjectFileDir returns the directory holding all of a project's staged
// and permanent files.
func (l Layout) ProjectFileDir(project string) string {
	return filepath.Join(l.FileRoot, projectPrefix+project)
}

// StagingDir returns the project's staged-upload directory.
func (l Layout) StagingDir(project string) string {
	return filepath.Join(l.ProjectFileDir(project), "staging")
}

// IsBranchDir reports whether a directory name inside a project directory
// is a branch subdirectory rather than a bucket.
func IsBranchDir(name string) bool { return strings.HasPrefix(name, branchPrefix) }

// ProjectIDFromDir extracts the project id from a project directory name,
// or "" when the name is not a project directory.
func ProjectIDFromDir(name string) string {
	if !strings.HasPrefix(name, projectPrefix) {
		return ""
	}
	return strings.TrimPrefix(name, projectPrefix)
}
