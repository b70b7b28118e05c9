package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duckhouse/duckhouse/internal/types"
)

func TestDSN(t *testing.T) {
	e := New(0, 0)
	assert.Equal(t, "/tmp/t.db", e.dsn("/tmp/t.db", false))

	e = New(4, 512)
	assert.Equal(t, "/tmp/t.db?threads=4&max_memory=512MB", e.dsn("/tmp/t.db", false))
	assert.Equal(t, "/tmp/t.db?access_mode=read_only&threads=4&max_memory=512MB", e.dsn("/tmp/t.db", true))
}

func TestQuoting(t *testing.T) {
	assert.Equal(t, `"data"`, QuoteIdent("data"))
	assert.Equal(t, `"we""ird"`, QuoteIdent(`we"ird`))
	assert.Equal(t, `'/a/b.csv'`, QuoteString("/a/b.csv"))
	assert.Equal(t, `'it''s'`, QuoteString("it's"))
}

func TestBuildCreateRelation(t *testing.T) {
	cols := []types.Column{
		{Name: "id", Type: "INTEGER"},
		{Name: "name", Type: "VARCHAR", Nullable: true},
	}
	ddl, err := buildCreateRelation("data", cols, []string{"id"})
	require.NoError(t, err)
	assert.Equal(t, `CREATE TABLE "data" ("id" INTEGER NOT NULL, "name" VARCHAR, PRIMARY KEY ("id"))`, ddl)

	ddl, err = buildCreateRelation("data", cols, nil)
	require.NoError(t, err)
	assert.NotContains(t, ddl, "PRIMARY KEY")

	_, err = buildCreateRelation("data", nil, nil)
	require.Error(t, err)
}

func TestCSVClauses(t *testing.T) {
	clauses := CSVOptions{}.clauses()
	assert.Equal(t, []string{"FORMAT CSV", "HEADER true"}, clauses)

	noHeader := false
	clauses = CSVOptions{Delimiter: ";", Quote: `"`, NullString: "NULL", Header: &noHeader}.clauses()
	assert.Equal(t, []string{
		"FORMAT CSV", "DELIMITER ';'", `QUOTE '"'`, "HEADER false", "NULLSTR 'NULL'",
	}, clauses)
}

func TestFormatValid(t *testing.T) {
	assert.True(t, FormatCSV.Valid())
	assert.True(t, FormatParquet.Valid())
	assert.False(t, Format("json").Valid())
}
