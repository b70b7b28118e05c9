// Package engine is a thin typed wrapper over the embedded DuckDB engine.
//
// Every table is one DuckDB database file holding a single relation named
// "data". The adapter opens a file per operation, pins one connection so
// transient state (staging relations, transactions) stays on it, and
// closes everything when the caller releases the handle.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"
)

// Relation is the canonical name of the single logical relation inside
// every table file. Callers never parameterize it.
const Relation = "data"

// Engine builds connections to table files with the configured resource
// limits applied.
type Engine struct {
	threads  int
	memoryMB int
}

// New returns an engine adapter. Zero threads or memory means engine
// defaults.
func New(threads, memoryMB int) *Engine {
	return &Engine{threads: threads, memoryMB: memoryMB}
}

func (e *Engine) dsn(path string, readOnly bool) string {
	var opts []string
	if readOnly {
		opts = append(opts, "access_mode=read_only")
	}
	if e.threads > 0 {
		opts = append(opts, fmt.Sprintf("threads=%d", e.threads))
	}
	if e.memoryMB > 0 {
		opts = append(opts, fmt.Sprintf("max_memory=%dMB", e.memoryMB))
	}
	if len(opts) == 0 {
		return path
	}
	return path + "?" + strings.Join(opts, "&")
}

// Open opens a table file read-write. The caller must Close the handle.
func (e *Engine) Open(ctx context.Context, path string) (*TableConn, error) {
	return e.open(ctx, path, false)
}

// OpenReadOnly opens a table file for reads only. Read paths never take
// the table lock, so the engine-level read-only mode is the guard against
// accidental writes.
func (e *Engine) OpenReadOnly(ctx context.Context, path string) (*TableConn, error) {
	return e.open(ctx, path, true)
}

func (e *Engine) open(ctx context.Context, path string, readOnly bool) (*TableConn, error) {
	db, err := sql.Open("duckdb", e.dsn(path, readOnly))
	if err != nil {
		return nil, fmt.Errorf("open table file %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect table file %s: %w", path, err)
	}
	return &TableConn{db: db, conn: conn, path: path}, nil
}

// TableConn is a pinned connection to one table file.
type TableConn struct {
	db   *sql.DB
	conn *sql.Conn
	path string
}

// Path returns the table file path this handle is bound to.
func (t *TableConn) Path() string { return t.path }

// Close releases the connection and the database handle.
func (t *TableConn) Close() error {
	cerr := t.conn.Close()
	if err := t.db.Close(); err != nil {
		return err
	}
	return cerr
}

// Exec runs a statement on the pinned connection.
func (t *TableConn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.conn.ExecContext(ctx, query, args...)
}

// Query runs a query on the pinned connection.
func (t *TableConn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.conn.QueryContext(ctx, query, args...)
}

// QueryRow runs a single-row query on the pinned connection.
func (t *TableConn) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.conn.QueryRowContext(ctx, query, args...)
}

// Begin starts a transaction on the pinned connection.
func (t *TableConn) Begin(ctx context.Context) (*sql.Tx, error) {
	return t.conn.BeginTx(ctx, nil)
}

// QuoteIdent quotes an identifier for interpolation into engine SQL.
func QuoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// QuoteString quotes a string literal for interpolation into engine SQL.
// Used for file paths in COPY and read_parquet, which the engine does not
// accept as bind parameters.
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
