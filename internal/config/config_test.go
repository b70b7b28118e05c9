package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.DataRoot)
	assert.Equal(t, filepath.Join("./data", "metadata.db"), cfg.CatalogPath)
	assert.Equal(t, filepath.Join("./data", "snapshots"), cfg.SnapshotRoot)
	assert.Equal(t, filepath.Join("./data", "files"), cfg.FileRoot)
	assert.Equal(t, DefaultOperationTimeout, cfg.OperationTimeout)
	assert.Equal(t, DefaultIdempotencyTTL, cfg.IdempotencyTTL)
	assert.Equal(t, int64(DefaultMaxFileSize), cfg.MaxFileSize)
	assert.Equal(t, "127.0.0.1:8600", cfg.ListenAddr())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DUCKHOUSE_DATA_ROOT", "/srv/duckhouse")
	t.Setenv("DUCKHOUSE_LISTEN_PORT", "9000")
	t.Setenv("DUCKHOUSE_OPERATION_TIMEOUT", "30s")
	t.Setenv("DUCKHOUSE_ADMIN_KEY", "top-secret")
	// Unknown keys are ignored.
	t.Setenv("DUCKHOUSE_NO_SUCH_KEY", "whatever")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/srv/duckhouse", cfg.DataRoot)
	assert.Equal(t, filepath.Join("/srv/duckhouse", "metadata.db"), cfg.CatalogPath)
	assert.Equal(t, 9000, cfg.ListenPort)
	assert.Equal(t, 30*time.Second, cfg.OperationTimeout)
	assert.Equal(t, "top-secret", cfg.AdminKey)
}

func TestLoadExplicitPathsWin(t *testing.T) {
	t.Setenv("DUCKHOUSE_DATA_ROOT", "/srv/duckhouse")
	t.Setenv("DUCKHOUSE_CATALOG_PATH", "/var/lib/duckhouse/meta.db")
	t.Setenv("DUCKHOUSE_SNAPSHOT_ROOT", "/snapshots")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/duckhouse/meta.db", cfg.CatalogPath)
	assert.Equal(t, "/snapshots", cfg.SnapshotRoot)
	assert.Equal(t, filepath.Join("/srv/duckhouse", "files"), cfg.FileRoot)
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("DUCKHOUSE_LISTEN_PORT", "70000")
	_, err := Load()
	require.Error(t, err)
}
