package pgbridge

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duckhouse/duckhouse/internal/branch"
	"github.com/duckhouse/duckhouse/internal/catalog"
	"github.com/duckhouse/duckhouse/internal/engine"
	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/locks"
	"github.com/duckhouse/duckhouse/internal/storage"
	"github.com/duckhouse/duckhouse/internal/types"
)

type fixture struct {
	br  *Bridge
	st  *storage.Storage
	cat *catalog.Catalog
	bm  *branch.Manager
}

func newFixture(t *testing.T, connCap int) *fixture {
	t.Helper()
	root := t.TempDir()
	lay := storage.Layout{
		Root:     filepath.Join(root, "data"),
		SnapRoot: filepath.Join(root, "snapshots"),
		FileRoot: filepath.Join(root, "files"),
	}
	cat, err := catalog.Open(context.Background(), filepath.Join(root, "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	log := slog.New(slog.DiscardHandler)
	st := storage.New(lay, engine.New(0, 0), cat, locks.NewRegistry(), log)
	require.NoError(t, st.InitRoot())
	return &fixture{
		br:  New(cat, st, connCap, log),
		st:  st,
		cat: cat,
		bm:  branch.NewManager(st, cat, log),
	}
}

func (f *fixture) seedProject(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := f.st.CreateProject(ctx, "p1", "Project One", nil)
	require.NoError(t, err)
	_, err = f.st.CreateBucket(ctx, "p1", "analytics")
	require.NoError(t, err)
	_, err = f.st.CreateTable(ctx, "p1", "analytics", "events", []types.Column{
		{Name: "id", Type: "INTEGER"},
		{Name: "payload", Type: "VARCHAR", Nullable: true},
	}, []string{"id"})
	require.NoError(t, err)

	conn, err := f.st.OpenTable(ctx, f.st.Layout().TablePath("p1", "analytics", "events"))
	require.NoError(t, err)
	_, err = conn.Exec(ctx, `INSERT INTO data VALUES (1, 'a'), (2, 'b'), (3, 'c')`)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.seedProject(t)

	w, err := f.br.CreateWorkspace(ctx, "p1", "", "reader", "hunter2", 512, 0)
	require.NoError(t, err)
	assert.True(t, w.Active)

	res, err := f.br.Authenticate(ctx, "reader", "hunter2", "10.0.0.9")
	require.NoError(t, err)
	assert.Equal(t, "p1", res.ProjectID)
	assert.Equal(t, f.st.Layout().ProjectDir("p1"), res.DatabasePath)
	assert.Equal(t, 512, res.MaxMemoryMB)
	require.Len(t, res.Tables, 1)
	tbl := res.Tables[0]
	assert.Equal(t, "analytics", tbl.Bucket)
	assert.Equal(t, "events", tbl.Table)
	assert.Equal(t, f.st.Layout().TablePath("p1", "analytics", "events"), tbl.Path)
	assert.Equal(t, int64(3), tbl.RowCount)

	_, err = f.br.Authenticate(ctx, "reader", "wrong", "10.0.0.9")
	assert.Equal(t, errkind.Unauthenticated, errkind.Of(err))
	_, err = f.br.Authenticate(ctx, "nobody", "hunter2", "10.0.0.9")
	assert.Equal(t, errkind.Unauthenticated, errkind.Of(err))
}

func TestAuthenticateBranchWorkspace(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.seedProject(t)

	_, err := f.bm.Create(ctx, "p1", "dev1", "Dev")
	require.NoError(t, err)

	_, err = f.br.CreateWorkspace(ctx, "p1", "dev1", "dev-reader", "pw", 0, 0)
	require.NoError(t, err)

	// Live view: the branch has not touched the table, so it attaches main.
	res, err := f.br.Authenticate(ctx, "dev-reader", "pw", "")
	require.NoError(t, err)
	require.Len(t, res.Tables, 1)
	assert.Equal(t, f.st.Layout().TablePath("p1", "analytics", "events"), res.Tables[0].Path)

	// After materialization the branch-local copy wins.
	release, err := f.st.Locks().Acquire(ctx, "p1", "analytics", "events")
	require.NoError(t, err)
	_, err = f.bm.Materialize(ctx, "p1", "dev1", "analytics", "events")
	release()
	require.NoError(t, err)

	res, err = f.br.Authenticate(ctx, "dev-reader", "pw", "")
	require.NoError(t, err)
	require.Len(t, res.Tables, 1)
	assert.Equal(t, f.st.Layout().BranchTablePath("p1", "dev1", "analytics", "events"), res.Tables[0].Path)
	assert.Equal(t, int64(3), res.Tables[0].RowCount)
}

func TestAuthenticateRefusals(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.seedProject(t)

	// Expired workspace.
	_, err := f.br.CreateWorkspace(ctx, "p1", "", "expired", "pw", 0, time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = f.br.Authenticate(ctx, "expired", "pw", "")
	assert.Equal(t, errkind.Gone, errkind.Of(err))

	// Deactivated workspace.
	inactive, err := f.br.CreateWorkspace(ctx, "p1", "", "inactive", "pw", 0, 0)
	require.NoError(t, err)
	require.NoError(t, f.cat.SetWorkspaceActive(ctx, inactive.ID, false))
	_, err = f.br.Authenticate(ctx, "inactive", "pw", "")
	assert.Equal(t, errkind.Forbidden, errkind.Of(err))

	// Connection cap.
	capped, err := f.br.CreateWorkspace(ctx, "p1", "", "capped", "pw", 0, 0)
	require.NoError(t, err)
	_, err = f.br.CreateSession(ctx, "", capped.ID, "10.0.0.1:5432")
	require.NoError(t, err)
	_, err = f.br.Authenticate(ctx, "capped", "pw", "")
	assert.Equal(t, errkind.TooMany, errkind.Of(err))
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.seedProject(t)

	w, err := f.br.CreateWorkspace(ctx, "p1", "", "reader", "pw", 0, 0)
	require.NoError(t, err)

	s, err := f.br.CreateSession(ctx, "sess-1", w.ID, "10.0.0.1:5432")
	require.NoError(t, err)
	assert.Equal(t, types.SessionActive, s.Status)

	_, err = f.br.CreateSession(ctx, "", "ghost", "")
	assert.Equal(t, errkind.NotFound, errkind.Of(err))

	require.NoError(t, f.br.UpdateActivity(ctx, "sess-1", true))
	got, err := f.cat.GetWireSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.QueryCount)

	err = f.br.CloseSession(ctx, "sess-1", "whatever")
	assert.Equal(t, errkind.Invalid, errkind.Of(err))

	require.NoError(t, f.br.CloseSession(ctx, "sess-1", types.SessionUserDisconnect))
	got, err = f.cat.GetWireSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionUserDisconnect, got.Status)

	// Closed sessions refuse activity updates.
	err = f.br.UpdateActivity(ctx, "sess-1", false)
	assert.Equal(t, errkind.NotFound, errkind.Of(err))
}

func TestCleanupStale(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.seedProject(t)

	w, err := f.br.CreateWorkspace(ctx, "p1", "", "reader", "pw", 0, 0)
	require.NoError(t, err)
	_, err = f.br.CreateSession(ctx, "sess-1", w.ID, "")
	require.NoError(t, err)

	n, err := f.br.CleanupStale(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sessions, err := f.br.ListSessions(ctx, w.ID, types.SessionIdleTimeout)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
}
