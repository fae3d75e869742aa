// Package dialect holds the per-database identifier and type rules used
// everywhere an identifier or DDL type is rendered, and everywhere a source
// column is matched against a target column.
package dialect

import (
	"fmt"
	"strings"

	"github.com/dtpipe/dtpipe/internal/schema"
)

// UpsertStyle selects how a writer resolves key collisions for this target.
type UpsertStyle int

const (
	// UpsertConflict uses a multi-row INSERT ... ON CONFLICT with one
	// placeholder per value.
	UpsertConflict UpsertStyle = iota
	// UpsertMerge loads into a staging table and MERGEs at Complete.
	UpsertMerge
)

// Dialect is the per-database rule set. Implementations are stateless.
type Dialect interface {
	// Name is the endpoint prefix: pg, mssql, ora, duck, sqlite.
	Name() string
	// Quote renders name as a quoted identifier.
	Quote(name string) string
	// NeedsQuoting reports whether name must be quoted (reserved word or
	// characters outside the dialect's bare-identifier set).
	NeedsQuoting(name string) bool
	// Normalize applies the dialect's case-folding rule, the equivalence
	// used when matching source columns to target columns.
	Normalize(name string) string
	// Placeholder renders the i-th (1-based) bind parameter.
	Placeholder(i int) string
	// TypeName renders the native DDL type for a logical type.
	TypeName(t schema.LogicalType) string
	// LogicalType infers a logical type from a native type name as reported
	// by target introspection.
	LogicalType(native string) schema.LogicalType
	// SupportsTruncate reports whether the target has a native TRUNCATE.
	SupportsTruncate() bool
	// Upsert reports how Upsert/Ignore are implemented against this target.
	Upsert() UpsertStyle
}

// ForName returns the dialect registered under the endpoint prefix.
func ForName(name string) (Dialect, error) {
	switch name {
	case "pg":
		return Postgres{}, nil
	case "mssql":
		return SQLServer{}, nil
	case "ora":
		return Oracle{}, nil
	case "duck":
		return DuckDB{}, nil
	case "sqlite":
		return SQLite{}, nil
	}
	return nil, fmt.Errorf("dialect: unknown database %q", name)
}

// Ident renders a column for DDL/DML: quoted when the dialect requires it or
// when the column is case sensitive.
func Ident(d Dialect, c schema.ColumnInfo) string {
	if c.CaseSensitive || d.NeedsQuoting(c.Name) {
		return d.Quote(c.Name)
	}
	return c.Name
}

// bareLowerASCII reports whether s is a lowercase-ascii bare identifier:
// [a-z_][a-z0-9_]*.
func bareLowerASCII(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// bareUpperASCII is the Oracle flavor: [A-Z_][A-Z0-9_]*.
func bareUpperASCII(s string) bool {
	return bareLowerASCII(strings.ToLower(s)) && s == strings.ToUpper(s)
}

// reservedCommon are keywords rejected as bare identifiers by every
// supported target. Per-dialect lists extend it.
var reservedCommon = map[string]bool{
	"select": true, "from": true, "where": true, "table": true, "insert": true,
	"update": true, "delete": true, "order": true, "group": true, "by": true,
	"create": true, "drop": true, "alter": true, "index": true, "values": true,
	"join": true, "union": true, "case": true, "when": true, "then": true,
	"else": true, "end": true, "and": true, "or": true, "not": true,
	"null": true, "default": true, "primary": true, "key": true, "user": true,
}

func isReserved(name string) bool {
	return reservedCommon[strings.ToLower(name)]
}

// doubleQuote is the ANSI quoting shared by pg, duck, sqlite and ora.
func doubleQuote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
