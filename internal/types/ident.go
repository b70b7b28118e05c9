package types

import (
	"regexp"

	"github.com/duckhouse/duckhouse/internal/errkind"
)

// identRe constrains identifiers that become path segments and quoted
// SQL identifiers. Dots are excluded so a name can never escape its
// directory or smuggle a qualified relation name.
var identRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// ValidIdent reports whether s is acceptable as a project, bucket,
// table, or branch identifier.
func ValidIdent(s string) bool { return identRe.MatchString(s) }

// CheckIdent returns an invalid-argument error when s is not a valid
// identifier. The label names the field in the error message.
func CheckIdent(label, s string) error {
	if !ValidIdent(s) {
		return errkind.New(errkind.Invalid, "invalid %s %q: must match %s", label, s, identRe.String())
	}
	return nil
}

// CheckColumns validates a column list and an optional primary key.
// Every primary-key column must appear in the column list.
func CheckColumns(columns []Column, primaryKey []string) error {
	if len(columns) == 0 {
		return errkind.New(errkind.Invalid, "at least one column is required")
	}
	names := make(map[string]bool, len(columns))
	for _, c := range columns {
		if err := CheckIdent("column name", c.Name); err != nil {
			return err
		}
		if names[c.Name] {
			return errkind.New(errkind.Invalid, "duplicate column %q", c.Name)
		}
		names[c.Name] = true
	}
	for _, pk := range primaryKey {
		if !names[pk] {
			return errkind.New(errkind.Invalid, "primary key column %q not in column list", pk)
		}
	}
	return nil
}
