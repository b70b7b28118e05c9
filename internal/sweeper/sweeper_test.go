package sweeper

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duckhouse/duckhouse/internal/catalog"
	"github.com/duckhouse/duckhouse/internal/engine"
	"github.com/duckhouse/duckhouse/internal/filestore"
	"github.com/duckhouse/duckhouse/internal/locks"
	"github.com/duckhouse/duckhouse/internal/pgbridge"
	"github.com/duckhouse/duckhouse/internal/snapshot"
	"github.com/duckhouse/duckhouse/internal/storage"
	"github.com/duckhouse/duckhouse/internal/types"
)

type fixture struct {
	cat   *catalog.Catalog
	st    *storage.Storage
	files *filestore.Store
	snap  *snapshot.Engine
	wire  *pgbridge.Bridge
	sw    *Sweeper
}

func newFixture(t *testing.T) *fixture {
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
	files := filestore.New(lay, cat, 0, log)
	snap := snapshot.NewEngine(st, cat, log)
	wire := pgbridge.New(cat, st, 0, log)
	return &fixture{
		cat: cat, st: st, files: files, snap: snap, wire: wire,
		sw: New(cat, files, snap, time.Minute, 30*time.Minute, log),
	}
}

func TestSweepOnceReapsEveryDomain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// An idempotency entry past its TTL.
	require.NoError(t, f.cat.PutIdempotencyEntry(ctx, &types.IdempotencyEntry{
		Key: "k1", Method: "POST", Endpoint: "/projects", Status: 201,
		CreatedAt: now.Add(-20 * time.Minute), ExpiresAt: now.Add(-10 * time.Minute),
	}))

	// A staged file whose expiry has passed.
	_, err := f.st.CreateProject(ctx, "p1", "", nil)
	require.NoError(t, err)
	_, err = f.files.Stage(ctx, "p1", "old.csv", "text/csv", nil, strings.NewReader("id\n1\n"))
	require.NoError(t, err)

	// A snapshot with an expiry in the past.
	_, err = f.st.CreateBucket(ctx, "p1", "b")
	require.NoError(t, err)
	_, err = f.st.CreateTable(ctx, "p1", "b", "t",
		[]types.Column{{Name: "id", Type: "INTEGER"}}, nil)
	require.NoError(t, err)
	snap, err := f.snap.Create(ctx, "p1", "b", "t")
	require.NoError(t, err)

	// A wire session idle past the cutoff.
	ws, err := f.wire.CreateWorkspace(ctx, "p1", "", "reader", "pw", 0, 0)
	require.NoError(t, err)
	_, err = f.wire.CreateSession(ctx, "", ws.ID, "10.0.0.1:5000")
	require.NoError(t, err)

	// Sweep far enough in the future that everything above is expired.
	future := now.Add(48 * time.Hour)
	if snap.ExpiresAt != nil && snap.ExpiresAt.After(future) {
		future = snap.ExpiresAt.Add(time.Hour)
	}
	stats, err := f.sw.SweepOnce(ctx, future)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.IdempotencyEntries)
	assert.Equal(t, 1, stats.StagedFiles)
	assert.Equal(t, 1, stats.Snapshots)
	assert.Equal(t, 1, stats.WireSessions)

	// A second pass finds nothing.
	stats, err = f.sw.SweepOnce(ctx, future)
	require.NoError(t, err)
	assert.Zero(t, stats.total())
}

func TestSweepOnceKeepsLiveEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, f.cat.PutIdempotencyEntry(ctx, &types.IdempotencyEntry{
		Key: "live", Method: "POST", Endpoint: "/projects", Status: 201,
		CreatedAt: now, ExpiresAt: now.Add(10 * time.Minute),
	}))
	_, err := f.st.CreateProject(ctx, "p1", "", nil)
	require.NoError(t, err)
	_, err = f.files.Stage(ctx, "p1", "fresh.csv", "text/csv", nil, strings.NewReader("id\n1\n"))
	require.NoError(t, err)

	stats, err := f.sw.SweepOnce(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, stats.total())

	cached, err := f.cat.GetIdempotencyEntry(ctx, "live", now)
	require.NoError(t, err)
	assert.NotNil(t, cached)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	sw := New(f.cat, f.files, f.snap, 10*time.Millisecond, time.Minute,
		slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
}
