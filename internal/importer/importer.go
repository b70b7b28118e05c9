// Package importer implements the three-stage table load: stage the file
// into a transient relation, merge with the configured deduplication
// mode, clean up. The whole pipeline runs under the table lock on one
// engine connection.
package importer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/duckhouse/duckhouse/internal/branch"
	"github.com/duckhouse/duckhouse/internal/engine"
	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/storage"
	"github.com/duckhouse/duckhouse/internal/types"
)

// DedupMode selects how staged rows merge into a table with a primary
// key.
type DedupMode string

const (
	DedupUpdate DedupMode = "update_duplicates"
	DedupFail   DedupMode = "fail_on_duplicates"
	DedupInsert DedupMode = "insert_duplicates"
)

// Valid reports whether m is a known mode.
func (m DedupMode) Valid() bool {
	switch m {
	case DedupUpdate, DedupFail, DedupInsert:
		return true
	}
	return false
}

// Options tune one import.
type Options struct {
	Incremental bool      `json:"incremental"`
	DedupMode   DedupMode `json:"dedup_mode,omitempty"`
}

// Result reports a completed import.
type Result struct {
	ImportedRows   int64    `json:"imported_rows"`
	TableRowsAfter int64    `json:"table_rows_after"`
	TableSizeBytes int64    `json:"table_size_bytes"`
	Warnings       []string `json:"warnings,omitempty"`
}

// Importer loads staged files into tables.
type Importer struct {
	st  *storage.Storage
	br  *branch.Manager
	log *slog.Logger
}

// New returns an importer.
func New(st *storage.Storage, br *branch.Manager, log *slog.Logger) *Importer {
	return &Importer{st: st, br: br, log: log}
}

// Import loads filePath into (project, branch, bucket, table). A write on
// a dev branch materializes the table first.
func (im *Importer) Import(ctx context.Context, project, branchID, bucket, table, filePath string, format engine.Format, csvOpts engine.CSVOptions, opts Options) (*Result, error) {
	if !format.Valid() {
		return nil, errkind.New(errkind.Invalid, "unknown import format %q", format)
	}
	if opts.DedupMode == "" {
		opts.DedupMode = DedupUpdate
	}
	if !opts.DedupMode.Valid() {
		return nil, errkind.New(errkind.Invalid, "unknown dedup mode %q", opts.DedupMode)
	}
	if _, err := os.Stat(filePath); err != nil {
		return nil, errkind.New(errkind.NotFound, "import file not found")
	}

	release, err := im.st.Locks().Acquire(ctx, project, bucket, table)
	if err != nil {
		return nil, err
	}
	defer release()

	path, err := im.br.Materialize(ctx, project, branchID, bucket, table)
	if err != nil {
		return nil, err
	}

	conn, err := im.st.OpenTable(ctx, path)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	res, err := im.run(ctx, conn, filePath, format, csvOpts, opts)
	if err != nil {
		return nil, err
	}

	if err := im.st.RefreshCounters(ctx, project); err != nil {
		return nil, err
	}
	if info, statErr := os.Stat(path); statErr == nil {
		res.TableSizeBytes = info.Size()
	}
	im.log.Info("import completed",
		"project", project, "branch", branchID, "bucket", bucket, "table", table,
		"format", format, "incremental", opts.Incremental, "mode", opts.DedupMode,
		"imported_rows", res.ImportedRows, "rows_after", res.TableRowsAfter)
	return res, nil
}

func (im *Importer) run(ctx context.Context, conn *engine.TableConn, filePath string, format engine.Format, csvOpts engine.CSVOptions, opts Options) (*Result, error) {
	rowsBefore, err := conn.RowCount(ctx)
	if err != nil {
		return nil, err
	}
	columns, err := conn.Columns(ctx)
	if err != nil {
		return nil, err
	}
	pk, err := conn.PrimaryKey(ctx)
	if err != nil {
		return nil, err
	}

	// STAGE: transient relation mirroring the target's columns.
	staging := "staging_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if err := conn.CreateStagingLike(ctx, staging); err != nil {
		return nil, err
	}
	defer func() {
		// CLEANUP runs on every exit path.
		if err := conn.DropRelation(context.WithoutCancel(ctx), staging); err != nil {
			im.log.Warn("staging relation not dropped", "relation", staging, "error", err)
		}
	}()

	switch format {
	case engine.FormatCSV:
		err = conn.CopyCSVInto(ctx, staging, filePath, csvOpts)
	case engine.FormatParquet:
		err = conn.InsertParquetInto(ctx, staging, filePath)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Invalid, fmt.Errorf("load staged file: %w", err))
	}

	var stagedRows int64
	if err := conn.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", engine.QuoteIdent(staging))).Scan(&stagedRows); err != nil {
		return nil, fmt.Errorf("count staged rows: %w", err)
	}

	// TRANSFORM: replace or merge inside one transaction.
	res := &Result{}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin import transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if !opts.Incremental {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", engine.QuoteIdent(engine.Relation))); err != nil {
			return nil, fmt.Errorf("clear table: %w", err)
		}
		if rowsBefore > 0 {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("non-incremental import replaced %d existing rows", rowsBefore))
		}
	}

	insert := mergeStatement(staging, columns, pk, opts)
	if _, err := tx.ExecContext(ctx, insert); err != nil {
		if isConstraintViolation(err) {
			return nil, errkind.New(errkind.Conflict, "duplicate primary key in import: %v", err)
		}
		return nil, fmt.Errorf("merge staged rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit import: %w", err)
	}

	rowsAfter, err := conn.RowCount(ctx)
	if err != nil {
		return nil, err
	}
	res.TableRowsAfter = rowsAfter
	if opts.Incremental {
		res.ImportedRows = rowsAfter - rowsBefore
	} else {
		res.ImportedRows = stagedRows
	}
	return res, nil
}

// mergeStatement builds the staging-to-target insert. Without a primary
// key every mode is a plain insert; with one, update_duplicates becomes
// an upsert over the non-key columns.
func mergeStatement(staging string, columns []types.Column, pk []string, opts Options) string {
	target := engine.QuoteIdent(engine.Relation)
	base := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", target, engine.QuoteIdent(staging))
	if len(pk) == 0 || opts.DedupMode != DedupUpdate {
		return base
	}

	keys := make(map[string]bool, len(pk))
	quotedPK := make([]string, len(pk))
	for i, k := range pk {
		keys[k] = true
		quotedPK[i] = engine.QuoteIdent(k)
	}
	var sets []string
	for _, c := range columns {
		if !keys[c.Name] {
			q := engine.QuoteIdent(c.Name)
			sets = append(sets, q+" = excluded."+q)
		}
	}
	if len(sets) == 0 {
		return fmt.Sprintf("%s ON CONFLICT (%s) DO NOTHING", base, strings.Join(quotedPK, ", "))
	}
	return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s",
		base, strings.Join(quotedPK, ", "), strings.Join(sets, ", "))
}

func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "constraint error")
}
