package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/types"
)

// CreateWorkspace inserts a workspace row.
func (c *Catalog) CreateWorkspace(ctx context.Context, w *types.Workspace) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, project_id, branch_id, username, password_hash, active, max_memory_mb, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.ProjectID, w.BranchID, w.Username, w.PasswordHash,
		boolInt(w.Active), w.MaxMemoryMB, w.CreatedAt, nullableTime(w.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return errkind.New(errkind.Conflict, "workspace %q already exists", w.ID)
		}
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

// GetWorkspace returns a workspace by id.
func (c *Catalog) GetWorkspace(ctx context.Context, id string) (*types.Workspace, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, project_id, branch_id, username, password_hash, active, max_memory_mb, created_at, expires_at
		FROM workspaces WHERE id = ?`, id)
	return scanWorkspace(row)
}

// GetWorkspaceByUsername returns a workspace by its wire username.
func (c *Catalog) GetWorkspaceByUsername(ctx context.Context, username string) (*types.Workspace, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, project_id, branch_id, username, password_hash, active, max_memory_mb, created_at, expires_at
		FROM workspaces WHERE username = ?`, username)
	return scanWorkspace(row)
}

func scanWorkspace(row rowScanner) (*types.Workspace, error) {
	var w types.Workspace
	var active int
	var expires sql.NullTime
	err := row.Scan(&w.ID, &w.ProjectID, &w.BranchID, &w.Username, &w.PasswordHash,
		&active, &w.MaxMemoryMB, &w.CreatedAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "workspace not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan workspace: %w", err)
	}
	w.Active = active != 0
	if expires.Valid {
		t := expires.Time
		w.ExpiresAt = &t
	}
	return &w, nil
}

// ListWorkspaces returns workspaces, optionally filtered by project.
func (c *Catalog) ListWorkspaces(ctx context.Context, projectID string) ([]*types.Workspace, error) {
	q := `
		SELECT id, project_id, branch_id, username, password_hash, active, max_memory_mb, created_at, expires_at
		FROM workspaces`
	var args []any
	if projectID != "" {
		q += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	q += ` ORDER BY created_at DESC, id DESC`

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var out []*types.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// SetWorkspaceActive toggles a workspace's active flag.
func (c *Catalog) SetWorkspaceActive(ctx context.Context, id string, active bool) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE workspaces SET active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return fmt.Errorf("update workspace: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotFound, "workspace %q not found", id)
	}
	return nil
}

// DeleteWorkspace removes a workspace and its sessions.
func (c *Catalog) DeleteWorkspace(ctx context.Context, id string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete workspace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM wire_sessions WHERE workspace_id = ?`, id); err != nil {
		return fmt.Errorf("delete workspace sessions: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotFound, "workspace %q not found", id)
	}
	return tx.Commit()
}

// CreateWireSession inserts a session row in the active state.
func (c *Catalog) CreateWireSession(ctx context.Context, s *types.WireSession) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO wire_sessions (id, workspace_id, client_addr, started_at, last_activity, query_count, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.WorkspaceID, s.ClientAddr, s.StartedAt, s.LastActivity, s.QueryCount, string(s.Status))
	if err != nil {
		if isUniqueViolation(err) {
			return errkind.New(errkind.Conflict, "session %q already exists", s.ID)
		}
		return fmt.Errorf("insert wire session: %w", err)
	}
	return nil
}

// GetWireSession returns a session by id.
func (c *Catalog) GetWireSession(ctx context.Context, id string) (*types.WireSession, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, client_addr, started_at, last_activity, query_count, status
		FROM wire_sessions WHERE id = ?`, id)
	return scanWireSession(row)
}

// ListWireSessions returns sessions, optionally filtered by workspace and
// status, newest first.
func (c *Catalog) ListWireSessions(ctx context.Context, workspaceID string, status types.SessionStatus) ([]*types.WireSession, error) {
	q := `
		SELECT id, workspace_id, client_addr, started_at, last_activity, query_count, status
		FROM wire_sessions WHERE 1=1`
	var args []any
	if workspaceID != "" {
		q += ` AND workspace_id = ?`
		args = append(args, workspaceID)
	}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY started_at DESC, id DESC`

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list wire sessions: %w", err)
	}
	defer rows.Close()

	var out []*types.WireSession
	for rows.Next() {
		s, err := scanWireSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountActiveSessions returns the number of active sessions for a
// workspace, for the per-workspace connection cap.
func (c *Catalog) CountActiveSessions(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM wire_sessions WHERE workspace_id = ? AND status = ?`,
		workspaceID, string(types.SessionActive)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

// TouchWireSession updates last-activity and optionally increments the
// query counter.
func (c *Catalog) TouchWireSession(ctx context.Context, id string, incrementQueries bool, now time.Time) error {
	q := `UPDATE wire_sessions SET last_activity = ?`
	if incrementQueries {
		q += `, query_count = query_count + 1`
	}
	q += ` WHERE id = ? AND status = ?`
	res, err := c.db.ExecContext(ctx, q, now, id, string(types.SessionActive))
	if err != nil {
		return fmt.Errorf("touch wire session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotFound, "active session %q not found", id)
	}
	return nil
}

// CloseWireSession transitions a session out of the active state.
func (c *Catalog) CloseWireSession(ctx context.Context, id string, status types.SessionStatus) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE wire_sessions SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("close wire session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotFound, "session %q not found", id)
	}
	return nil
}

// SweepStaleSessions marks active sessions idle when their last activity
// is older than the cutoff. Returns the number swept.
func (c *Catalog) SweepStaleSessions(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := c.db.ExecContext(ctx, `
		UPDATE wire_sessions SET status = ?
		WHERE status = ? AND last_activity < ?`,
		string(types.SessionIdleTimeout), string(types.SessionActive), cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep stale sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanWireSession(row rowScanner) (*types.WireSession, error) {
	var s types.WireSession
	var status string
	err := row.Scan(&s.ID, &s.WorkspaceID, &s.ClientAddr, &s.StartedAt,
		&s.LastActivity, &s.QueryCount, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan wire session: %w", err)
	}
	s.Status = types.SessionStatus(status)
	return &s, nil
}
