package filestore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duckhouse/duckhouse/internal/catalog"
	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/storage"
)

func newStore(t *testing.T, maxSize int64) *Store {
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
	return New(lay, cat, maxSize, slog.New(slog.DiscardHandler))
}

func TestStageAndPromote(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()

	content := "id,name\n1,A\n"
	rec, err := s.Stage(ctx, "p1", "data.csv", "text/csv", map[string]string{"kind": "import"}, strings.NewReader(content))
	require.NoError(t, err)
	assert.True(t, rec.IsStaged)
	assert.Equal(t, int64(len(content)), rec.SizeBytes)
	require.NotNil(t, rec.ExpiresAt)

	sum := md5.Sum([]byte(content))
	assert.Equal(t, hex.EncodeToString(sum[:]), rec.ContentHash)
	assert.FileExists(t, s.AbsPath(rec))

	promoted, err := s.Promote(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, promoted.IsStaged)
	assert.Nil(t, promoted.ExpiresAt)
	assert.NotContains(t, promoted.RelPath, "staging")
	assert.FileExists(t, s.AbsPath(promoted))

	// Promoting again is a no-op.
	again, err := s.Promote(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, promoted.RelPath, again.RelPath)
}

func TestSizeCap(t *testing.T) {
	s := newStore(t, 8)
	ctx := context.Background()

	_, err := s.Stage(ctx, "p1", "big.bin", "", nil, strings.NewReader("123456789"))
	assert.Equal(t, errkind.TooLarge, errkind.Of(err))

	_, err = s.Stage(ctx, "p1", "ok.bin", "", nil, strings.NewReader("12345678"))
	require.NoError(t, err)
}

func TestUploadSessions(t *testing.T) {
	s := newStore(t, 0)

	sess, err := s.Prepare("p1", "/etc/../data.csv", nil)
	require.NoError(t, err)
	assert.Equal(t, "data.csv", sess.FileName, "names are flattened to their base")
	assert.Equal(t, 1, s.SessionCount())

	got, err := s.session(sess.UploadKey)
	require.NoError(t, err)
	assert.Equal(t, sess.UploadKey, got.UploadKey)

	_, err = s.session("nope")
	assert.Equal(t, errkind.NotFound, errkind.Of(err))

	// Expired sessions are gone, and removed lazily.
	s.mu.Lock()
	sess.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	s.mu.Unlock()
	_, err = s.session(sess.UploadKey)
	assert.Equal(t, errkind.Gone, errkind.Of(err))
	assert.Equal(t, 0, s.SessionCount())

	_, err = s.Prepare("p1", "", nil)
	assert.Equal(t, errkind.Invalid, errkind.Of(err))
}

func TestDeleteAndOpen(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()

	rec, err := s.Stage(ctx, "p1", "f.csv", "text/csv", nil, strings.NewReader("x"))
	require.NoError(t, err)

	got, r, err := s.Open(ctx, rec.ID)
	require.NoError(t, err)
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "x", string(body))
	assert.Equal(t, rec.ID, got.ID)

	require.NoError(t, s.Delete(ctx, rec.ID))
	_, _, err = s.Open(ctx, rec.ID)
	assert.Equal(t, errkind.NotFound, errkind.Of(err))
}

func TestSweep(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()

	staged, err := s.Stage(ctx, "p1", "old.csv", "", nil, strings.NewReader("x"))
	require.NoError(t, err)
	permanent, err := s.Stage(ctx, "p1", "keep.csv", "", nil, strings.NewReader("y"))
	require.NoError(t, err)
	_, err = s.Promote(ctx, permanent.ID)
	require.NoError(t, err)
	_, err = s.Prepare("p1", "pending.csv", nil)
	require.NoError(t, err)

	n, err := s.Sweep(ctx, staged.CreatedAt.Add(StagedFileTTL+time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the staged file expired")
	assert.Equal(t, 0, s.SessionCount())

	_, err = s.Get(ctx, permanent.ID)
	require.NoError(t, err)
}
