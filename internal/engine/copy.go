package engine

import (
	"context"
	"fmt"
	"strings"
)

// Format is a bulk-transfer file format.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
)

// Valid reports whether f is a known format.
func (f Format) Valid() bool { return f == FormatCSV || f == FormatParquet }

// CSVOptions are the caller-tunable knobs of the engine's CSV loader.
type CSVOptions struct {
	Delimiter  string `json:"delimiter,omitempty"`
	Quote      string `json:"quote,omitempty"`
	Escape     string `json:"escape,omitempty"`
	Header     *bool  `json:"header,omitempty"`
	NullString string `json:"null_string,omitempty"`
}

func (o CSVOptions) clauses() []string {
	out := []string{"FORMAT CSV"}
	if o.Delimiter != "" {
		out = append(out, "DELIMITER "+QuoteString(o.Delimiter))
	}
	if o.Quote != "" {
		out = append(out, "QUOTE "+QuoteString(o.Quote))
	}
	if o.Escape != "" {
		out = append(out, "ESCAPE "+QuoteString(o.Escape))
	}
	header := true
	if o.Header != nil {
		header = *o.Header
	}
	out = append(out, fmt.Sprintf("HEADER %t", header))
	if o.NullString != "" {
		out = append(out, "NULLSTR "+QuoteString(o.NullString))
	}
	return out
}

// CreateStagingLike creates a transient relation mirroring the canonical
// relation's column list. Constraints are deliberately not copied; the
// merge step enforces them.
func (t *TableConn) CreateStagingLike(ctx context.Context, staging string) error {
	stmt := fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s WHERE 1=0",
		QuoteIdent(staging), QuoteIdent(Relation))
	if _, err := t.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create staging relation: %w", err)
	}
	return nil
}

// DropRelation drops a relation if it exists.
func (t *TableConn) DropRelation(ctx context.Context, name string) error {
	if _, err := t.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", QuoteIdent(name))); err != nil {
		return fmt.Errorf("drop relation %s: %w", name, err)
	}
	return nil
}

// CopyCSVInto bulk-loads a CSV file into the named relation using the
// engine's native loader.
func (t *TableConn) CopyCSVInto(ctx context.Context, relation, filePath string, opts CSVOptions) error {
	stmt := fmt.Sprintf("COPY %s FROM %s (%s)",
		QuoteIdent(relation), QuoteString(filePath), strings.Join(opts.clauses(), ", "))
	if _, err := t.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("copy csv into %s: %w", relation, err)
	}
	return nil
}

// InsertParquetInto bulk-loads a parquet file into the named relation.
func (t *TableConn) InsertParquetInto(ctx context.Context, relation, filePath string) error {
	stmt := fmt.Sprintf("INSERT INTO %s SELECT * FROM read_parquet(%s)",
		QuoteIdent(relation), QuoteString(filePath))
	if _, err := t.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("copy parquet into %s: %w", relation, err)
	}
	return nil
}

// CopyQueryTo writes a query result to a file. Parquet output is
// zstd-compressed; CSV output is optionally gzip-compressed and always
// carries a header row.
func (t *TableConn) CopyQueryTo(ctx context.Context, query, destPath string, format Format, gzipped bool) error {
	var clauses []string
	switch format {
	case FormatParquet:
		clauses = []string{"FORMAT PARQUET", "COMPRESSION ZSTD"}
	case FormatCSV:
		clauses = []string{"FORMAT CSV", "HEADER true"}
		if gzipped {
			clauses = append(clauses, "COMPRESSION gzip")
		}
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
	stmt := fmt.Sprintf("COPY (%s) TO %s (%s)", query, QuoteString(destPath), strings.Join(clauses, ", "))
	if _, err := t.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("copy to %s: %w", destPath, err)
	}
	return nil
}

// ExportRelationParquet writes the full relation to a zstd parquet file.
func (t *TableConn) ExportRelationParquet(ctx context.Context, destPath string) error {
	return t.CopyQueryTo(ctx, "SELECT * FROM "+QuoteIdent(Relation), destPath, FormatParquet, false)
}

// ReplaceFromParquet rebuilds the canonical relation from a parquet file.
func (t *TableConn) ReplaceFromParquet(ctx context.Context, filePath string) error {
	stmt := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS SELECT * FROM read_parquet(%s)",
		QuoteIdent(Relation), QuoteString(filePath))
	if _, err := t.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("replace relation from %s: %w", filePath, err)
	}
	return nil
}
