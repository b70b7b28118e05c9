// Package export writes filtered table extracts to permanent files.
// Exports are read-only and never take the table lock.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/duckhouse/duckhouse/internal/branch"
	"github.com/duckhouse/duckhouse/internal/catalog"
	"github.com/duckhouse/duckhouse/internal/engine"
	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/storage"
	"github.com/duckhouse/duckhouse/internal/types"
)

// Request selects what to export and in which shape.
type Request struct {
	Format      engine.Format `json:"format"`
	Columns     []string      `json:"columns,omitempty"`
	Compression string        `json:"compression,omitempty"` // "gzip" or empty; csv only
	Limit       int           `json:"limit,omitempty"`
	Filter      string        `json:"filter,omitempty"`
}

// Result reports a completed export.
type Result struct {
	FileID    string `json:"file_id"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Format    string `json:"format"`
}

// Exporter runs exports and registers the output as a permanent file.
type Exporter struct {
	st  *storage.Storage
	br  *branch.Manager
	cat *catalog.Catalog
	log *slog.Logger
}

// New returns an exporter.
func New(st *storage.Storage, br *branch.Manager, cat *catalog.Catalog, log *slog.Logger) *Exporter {
	return &Exporter{st: st, br: br, cat: cat, log: log}
}

// deniedFilterFragments is a coarse safety net against obviously unsafe
// filter expressions; a grammar-level gate is deliberately out of scope.
var deniedFilterFragments = []string{
	";", "--", "/*",
	"drop ", "delete ", "insert ", "update ", "alter ", "truncate ",
}

// CheckFilter rejects filter expressions carrying statement terminators,
// comments, or DDL/DML keywords.
func CheckFilter(filter string) error {
	lower := strings.ToLower(filter)
	for _, frag := range deniedFilterFragments {
		if strings.Contains(lower, frag) {
			return errkind.New(errkind.Invalid, "filter contains disallowed fragment %q", strings.TrimSpace(frag))
		}
	}
	return nil
}

// Export writes the selected rows of (project, branch, bucket, table) to
// a new permanent file and returns its registration.
func (ex *Exporter) Export(ctx context.Context, project, branchID, bucket, table string, req Request) (*Result, error) {
	if !req.Format.Valid() {
		return nil, errkind.New(errkind.Invalid, "unknown export format %q", req.Format)
	}
	if req.Compression != "" && req.Compression != "gzip" {
		return nil, errkind.New(errkind.Invalid, "unknown compression %q", req.Compression)
	}
	if req.Limit < 0 {
		return nil, errkind.New(errkind.Invalid, "limit must not be negative")
	}
	if req.Filter != "" {
		if err := CheckFilter(req.Filter); err != nil {
			return nil, err
		}
	}
	for _, c := range req.Columns {
		if err := types.CheckIdent("column name", c); err != nil {
			return nil, err
		}
	}

	srcPath, err := ex.br.ReadPath(ctx, project, branchID, bucket, table)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(srcPath); err != nil {
		return nil, errkind.New(errkind.NotFound, "table %q not found", table)
	}

	now := time.Now().UTC()
	gzipped := req.Format == engine.FormatCSV && req.Compression == "gzip"
	ext := string(req.Format)
	if gzipped {
		ext += ".gz"
	}
	fileID := uuid.NewString()
	name := fmt.Sprintf("%s_export_%s_%s.%s", fileID, table, now.Format("20060102150405"), ext)
	relPath := filepath.Join(now.Format("2006"), now.Format("01"), now.Format("02"), name)
	absPath := filepath.Join(ex.st.Layout().ProjectFileDir(project), relPath)
	if err := os.MkdirAll(filepath.Dir(absPath), 0o750); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}

	conn, err := ex.st.Engine().OpenReadOnly(ctx, srcPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.CopyQueryTo(ctx, buildQuery(req), absPath, req.Format, gzipped); err != nil {
		_ = os.Remove(absPath)
		return nil, err
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat export file: %w", err)
	}
	rec := &types.FileRecord{
		ID: fileID, ProjectID: project, Name: name, RelPath: relPath,
		SizeBytes: info.Size(), ContentType: contentType(req.Format, gzipped),
		IsStaged: false,
		Tags:     map[string]string{"kind": "export", "bucket": bucket, "table": table},
		CreatedAt: now,
	}
	if err := ex.cat.CreateFile(ctx, rec); err != nil {
		_ = os.Remove(absPath)
		return nil, err
	}

	ex.log.Info("table exported",
		"project", project, "branch", branchID, "bucket", bucket, "table", table,
		"file", fileID, "format", req.Format, "bytes", info.Size())
	return &Result{FileID: fileID, Path: relPath, SizeBytes: info.Size(), Format: string(req.Format)}, nil
}

func buildQuery(req Request) string {
	cols := "*"
	if len(req.Columns) > 0 {
		quoted := make([]string, len(req.Columns))
		for i, c := range req.Columns {
			quoted[i] = engine.QuoteIdent(c)
		}
		cols = strings.Join(quoted, ", ")
	}
	q := fmt.Sprintf("SELECT %s FROM %s", cols, engine.QuoteIdent(engine.Relation))
	if req.Filter != "" {
		q += " WHERE " + req.Filter
	}
	if req.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", req.Limit)
	}
	return q
}

func contentType(f engine.Format, gzipped bool) string {
	if f == engine.FormatParquet {
		return "application/vnd.apache.parquet"
	}
	if gzipped {
		return "application/gzip"
	}
	return "text/csv"
}
