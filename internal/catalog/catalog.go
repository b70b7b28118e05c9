// Package catalog implements the durable metadata catalog on SQLite.
//
// The catalog records projects, branches, API keys, snapshots, settings
// deltas, files, workspaces, wire sessions, idempotency entries, and the
// operation log. For projects, buckets, and tables the filesystem is the
// source of truth; the catalog is a cache and audit record.
//
// Each exported method is a single transaction. There is no
// multi-statement user transaction.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"
)

// Catalog wraps the SQLite database holding all backend metadata.
type Catalog struct {
	db     *sql.DB
	path   string
	closed atomic.Bool
}

// setupWASMCache configures WASM compilation caching so the embedded
// SQLite build is compiled once per machine instead of per process.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "duckhouse", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// Open opens (and if needed creates) the catalog at path. The special
// path ":memory:" opens a shared in-memory catalog for tests.
func Open(ctx context.Context, path string) (*Catalog, error) {
	var connStr string
	if path == ":memory:" {
		connStr = "file:catalogmem?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	if path == ":memory:" {
		// In-memory databases are isolated per connection by default;
		// a single pooled connection keeps all statements on one.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize catalog schema: %w", err)
	}

	return &Catalog{db: db, path: path}, nil
}

// Close checkpoints the WAL and closes the database.
func (c *Catalog) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	_, _ = c.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return c.db.Close()
}

// Ping verifies the catalog connection, for health checks.
func (c *Catalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Path returns the catalog file path.
func (c *Catalog) Path() string { return c.path }
