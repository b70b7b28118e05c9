package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/types"
)

// CreateRelation declares the canonical relation with the given columns
// and optional primary key. The file must not already contain one.
func (t *TableConn) CreateRelation(ctx context.Context, columns []types.Column, primaryKey []string) error {
	ddl, err := buildCreateRelation(Relation, columns, primaryKey)
	if err != nil {
		return err
	}
	if _, err := t.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create relation: %w", err)
	}
	return nil
}

func buildCreateRelation(name string, columns []types.Column, primaryKey []string) (string, error) {
	if len(columns) == 0 {
		return "", errkind.New(errkind.Invalid, "table requires at least one column")
	}
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(QuoteIdent(name))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(QuoteIdent(c.Name))
		b.WriteByte(' ')
		b.WriteString(c.Type)
		if !c.Nullable {
			b.WriteString(" NOT NULL")
		}
	}
	if len(primaryKey) > 0 {
		b.WriteString(", PRIMARY KEY (")
		for i, pk := range primaryKey {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(QuoteIdent(pk))
		}
		b.WriteByte(')')
	}
	b.WriteByte(')')
	return b.String(), nil
}

// Columns introspects the relation's column list.
func (t *TableConn) Columns(ctx context.Context) ([]types.Column, error) {
	rows, err := t.Query(ctx, fmt.Sprintf("PRAGMA table_info(%s)", QuoteIdent(Relation)))
	if err != nil {
		return nil, fmt.Errorf("table_info: %w", err)
	}
	defer rows.Close()

	var out []types.Column
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull bool
			dflt    any
			pk      bool
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info: %w", err)
		}
		out = append(out, types.Column{Name: name, Type: ctype, Nullable: !notNull})
	}
	return out, rows.Err()
}

// PrimaryKey introspects the relation's primary key columns in
// declaration order. Empty when no key is declared.
func (t *TableConn) PrimaryKey(ctx context.Context) ([]string, error) {
	rows, err := t.Query(ctx, `
		SELECT unnest(constraint_column_names)
		FROM duckdb_constraints()
		WHERE table_name = ? AND constraint_type = 'PRIMARY KEY'`, Relation)
	if err != nil {
		return nil, fmt.Errorf("constraints: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("scan constraint column: %w", err)
		}
		out = append(out, col)
	}
	return out, rows.Err()
}

// RowCount returns the relation's row count.
func (t *TableConn) RowCount(ctx context.Context) (int64, error) {
	var n int64
	err := t.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", QuoteIdent(Relation))).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}

// Preview returns the column names, the first limit rows, and the total
// row count of the relation.
func (t *TableConn) Preview(ctx context.Context, limit int) ([]string, [][]any, int64, error) {
	total, err := t.RowCount(ctx)
	if err != nil {
		return nil, nil, 0, err
	}
	rows, err := t.Query(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", QuoteIdent(Relation), limit))
	if err != nil {
		return nil, nil, 0, fmt.Errorf("preview: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("preview columns: %w", err)
	}
	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, 0, fmt.Errorf("scan preview row: %w", err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		out = append(out, vals)
	}
	return cols, out, total, rows.Err()
}

// DeleteAllRows removes every row of the relation.
func (t *TableConn) DeleteAllRows(ctx context.Context) error {
	if _, err := t.Exec(ctx, fmt.Sprintf("DELETE FROM %s", QuoteIdent(Relation))); err != nil {
		return fmt.Errorf("delete all rows: %w", err)
	}
	return nil
}

// Truncate is equivalent to DeleteAllRows; the engine reclaims space on
// checkpoint.
func (t *TableConn) Truncate(ctx context.Context) error {
	if _, err := t.Exec(ctx, fmt.Sprintf("TRUNCATE %s", QuoteIdent(Relation))); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	return nil
}

// DropColumn removes one column from the relation.
func (t *TableConn) DropColumn(ctx context.Context, column string) error {
	stmt := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", QuoteIdent(Relation), QuoteIdent(column))
	if _, err := t.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("drop column %s: %w", column, err)
	}
	return nil
}

// ApplyPrimaryKey re-declares the primary key after a restore. The engine
// cannot add a constraint to a populated relation, so the relation is
// rebuilt around it.
func (t *TableConn) ApplyPrimaryKey(ctx context.Context, columns []types.Column, primaryKey []string) error {
	if len(primaryKey) == 0 {
		return nil
	}
	tmp := Relation + "__rekey"
	ddl, err := buildCreateRelation(tmp, columns, primaryKey)
	if err != nil {
		return err
	}
	tx, err := t.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin rekey: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		ddl,
		fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", QuoteIdent(tmp), QuoteIdent(Relation)),
		fmt.Sprintf("DROP TABLE %s", QuoteIdent(Relation)),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", QuoteIdent(tmp), QuoteIdent(Relation)),
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rekey relation: %w", err)
		}
	}
	return tx.Commit()
}
