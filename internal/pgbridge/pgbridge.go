// Package pgbridge backs the co-resident wire-protocol server: it
// validates workspace credentials, enumerates the tables a read-only
// session may attach, and tracks session lifecycle in the catalog.
package pgbridge

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/duckhouse/duckhouse/internal/catalog"
	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/storage"
	"github.com/duckhouse/duckhouse/internal/types"
)

// Bridge is the session bridge.
type Bridge struct {
	cat     *catalog.Catalog
	st      *storage.Storage
	connCap int
	log     *slog.Logger
}

// New returns a bridge. connCap limits active sessions per workspace;
// zero means unlimited.
func New(cat *catalog.Catalog, st *storage.Storage, connCap int, log *slog.Logger) *Bridge {
	return &Bridge{cat: cat, st: st, connCap: connCap, log: log}
}

// HashPassword returns the hex SHA-256 of a workspace password.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// AuthResult is everything the wire server needs to serve a session.
type AuthResult struct {
	WorkspaceID  string                  `json:"workspace_id"`
	ProjectID    string                  `json:"project_id"`
	BranchID     string                  `json:"branch_id,omitempty"`
	DatabasePath string                  `json:"database_path"`
	Tables       []types.AttachableTable `json:"tables"`
	MaxMemoryMB  int                     `json:"max_memory_mb,omitempty"`
}

// CreateWorkspace registers a read-only analytic credential.
func (b *Bridge) CreateWorkspace(ctx context.Context, project, branchID, username, password string, maxMemoryMB int, ttl time.Duration) (*types.Workspace, error) {
	if username == "" || password == "" {
		return nil, errkind.New(errkind.Invalid, "username and password are required")
	}
	now := time.Now().UTC()
	w := &types.Workspace{
		ID: uuid.NewString(), ProjectID: project, BranchID: branchID,
		Username: username, PasswordHash: HashPassword(password),
		Active: true, MaxMemoryMB: maxMemoryMB, CreatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		w.ExpiresAt = &exp
	}
	if err := b.cat.CreateWorkspace(ctx, w); err != nil {
		return nil, err
	}
	b.log.Info("workspace created", "workspace", w.ID, "project", project, "username", username)
	return w, nil
}

// Authenticate validates credentials and returns the session plan. The
// per-table path is the branch-local file when the workspace's branch
// materialized the table, otherwise main.
func (b *Bridge) Authenticate(ctx context.Context, username, password, clientIP string) (*AuthResult, error) {
	w, err := b.cat.GetWorkspaceByUsername(ctx, username)
	if err != nil {
		if errkind.Is(err, errkind.NotFound) {
			return nil, errkind.New(errkind.Unauthenticated, "unknown user or wrong password")
		}
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(HashPassword(password)), []byte(w.PasswordHash)) != 1 {
		return nil, errkind.New(errkind.Unauthenticated, "unknown user or wrong password")
	}
	now := time.Now().UTC()
	if w.Expired(now) {
		return nil, errkind.New(errkind.Gone, "workspace has expired")
	}
	if !w.Active {
		return nil, errkind.New(errkind.Forbidden, "workspace is deactivated")
	}
	if b.connCap > 0 {
		active, err := b.cat.CountActiveSessions(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		if active >= b.connCap {
			return nil, errkind.New(errkind.TooMany, "workspace connection limit of %d reached", b.connCap)
		}
	}

	tables, err := b.attachableTables(ctx, w)
	if err != nil {
		return nil, err
	}
	b.log.Info("wire session authenticated",
		"workspace", w.ID, "username", username, "client", clientIP, "tables", len(tables))
	return &AuthResult{
		WorkspaceID: w.ID, ProjectID: w.ProjectID, BranchID: w.BranchID,
		DatabasePath: b.st.Layout().ProjectDir(w.ProjectID),
		Tables:       tables,
		MaxMemoryMB:  w.MaxMemoryMB,
	}, nil
}

func (b *Bridge) attachableTables(ctx context.Context, w *types.Workspace) ([]types.AttachableTable, error) {
	buckets, err := b.st.ListBuckets(ctx, w.ProjectID)
	if err != nil {
		return nil, err
	}

	branched := map[string]string{}
	if !types.IsMainBranch(w.BranchID) {
		rows, err := b.cat.ListBranchTables(ctx, w.ProjectID, w.BranchID)
		if err != nil {
			return nil, err
		}
		for _, bt := range rows {
			branched[bt.Bucket+"/"+bt.Table] =
				b.st.Layout().BranchTablePath(w.ProjectID, w.BranchID, bt.Bucket, bt.Table)
		}
	}

	var out []types.AttachableTable
	for _, bucket := range buckets {
		tables, err := b.st.ListTables(ctx, w.ProjectID, bucket.Name)
		if err != nil {
			return nil, err
		}
		for _, tbl := range tables {
			path := b.st.Layout().TablePath(w.ProjectID, bucket.Name, tbl.Name)
			if local, ok := branched[bucket.Name+"/"+tbl.Name]; ok {
				path = local
			}
			rows := int64(0)
			if conn, err := b.st.Engine().OpenReadOnly(ctx, path); err == nil {
				if n, err := conn.RowCount(ctx); err == nil {
					rows = n
				}
				_ = conn.Close()
			}
			out = append(out, types.AttachableTable{
				Bucket: bucket.Name, Table: tbl.Name, Path: path, RowCount: rows,
			})
		}
	}
	return out, nil
}

// CreateSession records a new active session.
func (b *Bridge) CreateSession(ctx context.Context, sessionID, workspaceID, clientAddr string) (*types.WireSession, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if _, err := b.cat.GetWorkspace(ctx, workspaceID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	s := &types.WireSession{
		ID: sessionID, WorkspaceID: workspaceID, ClientAddr: clientAddr,
		StartedAt: now, LastActivity: now, Status: types.SessionActive,
	}
	if err := b.cat.CreateWireSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateActivity refreshes a session's last-activity timestamp and
// optionally increments its query count.
func (b *Bridge) UpdateActivity(ctx context.Context, sessionID string, incrementQueries bool) error {
	return b.cat.TouchWireSession(ctx, sessionID, incrementQueries, time.Now().UTC())
}

// CloseSession transitions a session out of the active state.
func (b *Bridge) CloseSession(ctx context.Context, sessionID string, reason types.SessionStatus) error {
	switch reason {
	case types.SessionIdleTimeout, types.SessionUserDisconnect, types.SessionError:
	default:
		return errkind.New(errkind.Invalid, "unknown close reason %q", reason)
	}
	return b.cat.CloseWireSession(ctx, sessionID, reason)
}

// ListSessions returns sessions filtered by workspace and status.
func (b *Bridge) ListSessions(ctx context.Context, workspaceID string, status types.SessionStatus) ([]*types.WireSession, error) {
	return b.cat.ListWireSessions(ctx, workspaceID, status)
}

// CleanupStale marks sessions idle when their last activity is older
// than idle. Returns the number swept.
func (b *Bridge) CleanupStale(ctx context.Context, idle time.Duration) (int, error) {
	return b.cat.SweepStaleSessions(ctx, time.Now().UTC().Add(-idle))
}
