// Package types defines core data structures for the duckhouse backend.
package types

import (
	"time"
)

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectActive  ProjectStatus = "active"
	ProjectDeleted ProjectStatus = "deleted"
)

// Project is a top-level tenant. It owns a directory under the data root
// and every catalog row that references its ID.
type Project struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	Status      ProjectStatus     `json:"status"`
	Settings    map[string]string `json:"settings,omitempty"`
	BucketCount int               `json:"bucket_count"`
	TableCount  int               `json:"table_count"`
	SizeBytes   int64             `json:"size_bytes"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Bucket is a namespace inside a project. A bucket exists iff its
// directory under the project exists; the catalog is a cache.
type Bucket struct {
	ProjectID  string    `json:"project_id"`
	Name       string    `json:"name"`
	TableCount int       `json:"table_count"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at,omitzero"`
}

// Column is one column of a table schema.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Table is a single persistent relation stored as one engine file.
// The relation inside the file is always named the same; callers never
// parameterize it.
type Table struct {
	ProjectID  string   `json:"project_id"`
	Bucket     string   `json:"bucket"`
	Name       string   `json:"name"`
	Columns    []Column `json:"columns,omitempty"`
	PrimaryKey []string `json:"primary_key,omitempty"`
	RowCount   int64    `json:"row_count"`
	SizeBytes  int64    `json:"size_bytes"`
}

// MainBranchID is the sentinel branch id that always resolves to the
// project itself (main).
const MainBranchID = "default"

// Branch is a named variant of a project's data. The id "default" is a
// synonym for main; any other id names a dev branch with copy-on-write
// semantics.
type Branch struct {
	ProjectID string    `json:"project_id"`
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsMain reports whether the branch id denotes main.
func (b Branch) IsMain() bool { return IsMainBranch(b.ID) }

// IsMainBranch reports whether id denotes the main branch. An empty id
// is treated as main: endpoints without a branch segment operate on main
// implicitly.
func IsMainBranch(id string) bool { return id == "" || id == MainBranchID }

// BranchTable records that a dev branch has materialized a local copy of
// a table. Reads on the branch return the local copy iff a row exists.
type BranchTable struct {
	ProjectID string    `json:"project_id"`
	BranchID  string    `json:"branch_id"`
	Bucket    string    `json:"bucket"`
	Table     string    `json:"table"`
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotType distinguishes manual snapshots from the automatic
// pre-destructive ones.
type SnapshotType string

const (
	SnapshotManual        SnapshotType = "manual"
	SnapshotPreDrop       SnapshotType = "auto_predrop"
	SnapshotPreTruncate   SnapshotType = "auto_pretruncate"
	SnapshotPreDelete     SnapshotType = "auto_predelete"
	SnapshotPreDropColumn SnapshotType = "auto_predrop_column"
)

// Valid reports whether t is a known snapshot type.
func (t SnapshotType) Valid() bool {
	switch t {
	case SnapshotManual, SnapshotPreDrop, SnapshotPreTruncate, SnapshotPreDelete, SnapshotPreDropColumn:
		return true
	}
	return false
}

// Snapshot is an immutable columnar export of a table at a point in time.
// A snapshot exists only while its file is present; deleting one removes
// both the directory and the catalog row.
type Snapshot struct {
	ID         string       `json:"id"`
	ProjectID  string       `json:"project_id"`
	Bucket     string       `json:"bucket"`
	Table      string       `json:"table"`
	Type       SnapshotType `json:"type"`
	RowCount   int64        `json:"row_count"`
	SizeBytes  int64        `json:"size_bytes"`
	Columns    []Column     `json:"columns,omitempty"`
	PrimaryKey []string     `json:"primary_key,omitempty"`
	DataPath   string       `json:"data_path"`
	CreatedAt  time.Time    `json:"created_at"`
	ExpiresAt  *time.Time   `json:"expires_at,omitempty"`
}

// SettingsScope is the layer a snapshot-settings delta is stored at.
type SettingsScope string

const (
	ScopeSystem  SettingsScope = "system"
	ScopeProject SettingsScope = "project"
	ScopeBucket  SettingsScope = "bucket"
	ScopeTable   SettingsScope = "table"
)

// KeyScope is the privilege level of an API key.
type KeyScope string

const (
	ScopeProjectAdmin KeyScope = "project_admin"
	ScopeBranchAdmin  KeyScope = "branch_admin"
	ScopeBranchRead   KeyScope = "branch_read"
)

// Valid reports whether s is a known key scope.
func (s KeyScope) Valid() bool {
	switch s {
	case ScopeProjectAdmin, ScopeBranchAdmin, ScopeBranchRead:
		return true
	}
	return false
}

// APIKey is the stored metadata of an API key. The key itself is never
// stored; only its SHA-256 hash and the non-secret safe prefix survive.
type APIKey struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Scope       KeyScope   `json:"scope"`
	BranchID    string     `json:"branch_id,omitempty"`
	Description string     `json:"description,omitempty"`
	KeyHash     string     `json:"-"`
	SafePrefix  string     `json:"safe_prefix"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Revoked     bool       `json:"revoked"`
}

// Expired reports whether the key is past its expiry at the given time.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// FileRecord describes a staged or permanent file owned by a project.
type FileRecord struct {
	ID          string            `json:"id"`
	ProjectID   string            `json:"project_id"`
	Name        string            `json:"name"`
	RelPath     string            `json:"rel_path"`
	SizeBytes   int64             `json:"size_bytes"`
	ContentHash string            `json:"content_hash,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	IsStaged    bool              `json:"is_staged"`
	Tags        map[string]string `json:"tags,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
}

// IdempotencyEntry is a cached mutating response keyed by the
// caller-supplied idempotency header.
type IdempotencyEntry struct {
	Key       string    `json:"key"`
	Method    string    `json:"method"`
	Endpoint  string    `json:"endpoint"`
	BodyHash  string    `json:"body_hash,omitempty"`
	Status    int       `json:"status"`
	Body      []byte    `json:"body,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// OperationEntry is one append-only audit record. Entries form a total
// order of completed operations per project (timestamp + monotonic id).
type OperationEntry struct {
	ID           int64     `json:"id"`
	ProjectID    string    `json:"project_id"`
	Operation    string    `json:"operation"`
	Status       string    `json:"status"`
	ResourceType string    `json:"resource_type,omitempty"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// SessionStatus is the lifecycle state of a wire-protocol session.
type SessionStatus string

const (
	SessionActive         SessionStatus = "active"
	SessionIdleTimeout    SessionStatus = "idle_timeout"
	SessionUserDisconnect SessionStatus = "user_disconnect"
	SessionError          SessionStatus = "error"
)

// WireSession tracks one read-only analytic session served by the
// co-resident wire-protocol server.
type WireSession struct {
	ID           string        `json:"id"`
	WorkspaceID  string        `json:"workspace_id"`
	ClientAddr   string        `json:"client_addr,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	LastActivity time.Time     `json:"last_activity"`
	QueryCount   int64         `json:"query_count"`
	Status       SessionStatus `json:"status"`
}

// Workspace is a read-only analytic credential bound to a project and
// optionally a branch.
type Workspace struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	BranchID     string     `json:"branch_id,omitempty"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	Active       bool       `json:"active"`
	MaxMemoryMB  int        `json:"max_memory_mb,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the workspace is past its expiry.
func (w *Workspace) Expired(now time.Time) bool {
	return w.ExpiresAt != nil && now.After(*w.ExpiresAt)
}

// AttachableTable is one table a wire session may attach: the path points
// at the branch-local file when the workspace's branch has materialized
// the table, otherwise at main.
type AttachableTable struct {
	Bucket   string `json:"bucket"`
	Table    string `json:"table"`
	Path     string `json:"path"`
	RowCount int64  `json:"row_count"`
}

// LogSeverity is the severity of a log message collected during command
// handling and returned alongside the response.
type LogSeverity string

const (
	LogInfo    LogSeverity = "informational"
	LogWarning LogSeverity = "warning"
	LogError   LogSeverity = "error"
	LogDebug   LogSeverity = "debug"
)

// LogMessage is one collected per-request log line.
type LogMessage struct {
	Severity LogSeverity `json:"severity"`
	Message  string      `json:"message"`
}
