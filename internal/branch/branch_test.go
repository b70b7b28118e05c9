package branch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duckhouse/duckhouse/internal/catalog"
	"github.com/duckhouse/duckhouse/internal/engine"
	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/locks"
	"github.com/duckhouse/duckhouse/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.Storage) {
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

	_, err = st.CreateProject(context.Background(), "p1", "", nil)
	require.NoError(t, err)
	return NewManager(st, cat, log), st
}

// seedTable writes a plain file standing in for a table; the manager only
// copies bytes, so the engine is not involved.
func seedTable(t *testing.T, st *storage.Storage, bucket, table, content string) string {
	t.Helper()
	path := st.Layout().TablePath("p1", bucket, table)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
	return path
}

func TestRequireMain(t *testing.T) {
	assert.NoError(t, RequireMain(""))
	assert.NoError(t, RequireMain("default"))
	assert.Equal(t, errkind.Invalid, errkind.Of(RequireMain("dev1")))
}

func TestBranchLifecycle(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	b, err := m.Create(ctx, "p1", "dev1", "feature work")
	require.NoError(t, err)
	assert.False(t, b.IsMain())

	_, err = m.Create(ctx, "p1", "dev1", "")
	assert.Equal(t, errkind.Conflict, errkind.Of(err))
	_, err = m.Create(ctx, "p1", "default", "")
	assert.Equal(t, errkind.Invalid, errkind.Of(err))
	_, err = m.Create(ctx, "nope", "dev2", "")
	assert.Equal(t, errkind.NotFound, errkind.Of(err))

	list, err := m.List(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	got, err := m.Get(ctx, "p1", "default")
	require.NoError(t, err)
	assert.True(t, got.IsMain())

	require.NoError(t, m.Delete(ctx, "p1", "dev1"))
	_, err = m.Get(ctx, "p1", "dev1")
	assert.Equal(t, errkind.NotFound, errkind.Of(err))
	assert.Equal(t, errkind.Invalid, errkind.Of(m.Delete(ctx, "p1", "default")))
}

func TestLiveViewAndMaterialize(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	main := seedTable(t, st, "b", "users", "main-bytes")
	_, err := m.Create(ctx, "p1", "dev1", "")
	require.NoError(t, err)

	// Live view: no local copy yet, reads resolve to main.
	path, err := m.ReadPath(ctx, "p1", "dev1", "b", "users")
	require.NoError(t, err)
	assert.Equal(t, main, path)

	// First write materializes a local copy.
	local, err := m.Materialize(ctx, "p1", "dev1", "b", "users")
	require.NoError(t, err)
	assert.Equal(t, st.Layout().BranchTablePath("p1", "dev1", "b", "users"), local)
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "main-bytes", string(data))

	// Reads now resolve to the local copy.
	path, err = m.ReadPath(ctx, "p1", "dev1", "b", "users")
	require.NoError(t, err)
	assert.Equal(t, local, path)

	// Second materialize returns the existing copy without recopying.
	require.NoError(t, os.WriteFile(local, []byte("branch-bytes"), 0o640))
	again, err := m.Materialize(ctx, "p1", "dev1", "b", "users")
	require.NoError(t, err)
	assert.Equal(t, local, again)
	data, err = os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "branch-bytes", string(data))

	// Main reads are unaffected throughout.
	path, err = m.ReadPath(ctx, "p1", "default", "b", "users")
	require.NoError(t, err)
	assert.Equal(t, main, path)
}

func TestMaterializeMissingMain(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "p1", "dev1", "")
	require.NoError(t, err)

	_, err = m.Materialize(ctx, "p1", "dev1", "b", "ghost")
	assert.Equal(t, errkind.NotFound, errkind.Of(err))

	_, err = m.Materialize(ctx, "p1", "nosuch", "b", "ghost")
	assert.Equal(t, errkind.NotFound, errkind.Of(err))
}

func TestPullIdempotent(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	main := seedTable(t, st, "b", "users", "main-bytes")
	_, err := m.Create(ctx, "p1", "dev1", "")
	require.NoError(t, err)

	local, err := m.Materialize(ctx, "p1", "dev1", "b", "users")
	require.NoError(t, err)

	require.NoError(t, m.Pull(ctx, "p1", "dev1", "b", "users"))
	_, err = os.Stat(local)
	assert.True(t, os.IsNotExist(err))

	path, err := m.ReadPath(ctx, "p1", "dev1", "b", "users")
	require.NoError(t, err)
	assert.Equal(t, main, path)

	// Pulling again leaves the same state.
	require.NoError(t, m.Pull(ctx, "p1", "dev1", "b", "users"))

	assert.Equal(t, errkind.Invalid, errkind.Of(m.Pull(ctx, "p1", "default", "b", "users")))
}
