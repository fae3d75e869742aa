package dialect

import (
	"fmt"
	"strings"

	"github.com/dtpipe/dtpipe/internal/schema"
)

// Postgres folds unquoted identifiers to lower case.
type Postgres struct{}

func (Postgres) Name() string                 { return "pg" }
func (Postgres) Quote(name string) string     { return doubleQuote(name) }
func (Postgres) Normalize(name string) string { return strings.ToLower(name) }
func (Postgres) Placeholder(i int) string     { return fmt.Sprintf("$%d", i) }
func (Postgres) SupportsTruncate() bool       { return true }
func (Postgres) Upsert() UpsertStyle          { return UpsertConflict }

func (Postgres) NeedsQuoting(name string) bool {
	return isReserved(name) || !bareLowerASCII(name)
}

func (Postgres) TypeName(t schema.LogicalType) string {
	switch t {
	case schema.Bool:
		return "boolean"
	case schema.Int8, schema.Int16:
		return "smallint"
	case schema.Int32, schema.Uint8, schema.Uint16:
		return "integer"
	case schema.Int64, schema.Uint32, schema.Uint64:
		return "bigint"
	case schema.Float32:
		return "real"
	case schema.Float64:
		return "double precision"
	case schema.Decimal:
		return "numeric"
	case schema.Bytes:
		return "bytea"
	case schema.Date:
		return "date"
	case schema.Timestamp:
		return "timestamp"
	case schema.TimestampTZ:
		return "timestamptz"
	case schema.UUID:
		return "uuid"
	default:
		return "text"
	}
}

func (Postgres) LogicalType(native string) schema.LogicalType {
	return commonLogicalType(native)
}

// SQLServer preserves identifier case but matches case-insensitively.
type SQLServer struct{}

func (SQLServer) Name() string                 { return "mssql" }
func (SQLServer) Normalize(name string) string { return strings.ToLower(name) }
func (SQLServer) Placeholder(i int) string     { return fmt.Sprintf("@p%d", i) }
func (SQLServer) SupportsTruncate() bool       { return true }
func (SQLServer) Upsert() UpsertStyle          { return UpsertMerge }

func (SQLServer) Quote(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (SQLServer) NeedsQuoting(name string) bool {
	return isReserved(name) || !bareLowerASCII(strings.ToLower(name))
}

func (SQLServer) TypeName(t schema.LogicalType) string {
	switch t {
	case schema.Bool:
		return "bit"
	case schema.Int8:
		return "tinyint"
	case schema.Int16, schema.Uint8:
		return "smallint"
	case schema.Int32, schema.Uint16:
		return "int"
	case schema.Int64, schema.Uint32, schema.Uint64:
		return "bigint"
	case schema.Float32:
		return "real"
	case schema.Float64:
		return "float"
	case schema.Decimal:
		return "decimal(38,10)"
	case schema.Bytes:
		return "varbinary(max)"
	case schema.Date:
		return "date"
	case schema.Timestamp:
		return "datetime2"
	case schema.TimestampTZ:
		return "datetimeoffset"
	case schema.UUID:
		return "uniqueidentifier"
	default:
		return "nvarchar(max)"
	}
}

func (SQLServer) LogicalType(native string) schema.LogicalType {
	switch strings.ToLower(baseType(native)) {
	case "bit":
		return schema.Bool
	case "tinyint":
		return schema.Int8
	case "uniqueidentifier":
		return schema.UUID
	case "datetime", "datetime2", "smalldatetime":
		return schema.Timestamp
	case "datetimeoffset":
		return schema.TimestampTZ
	case "nvarchar", "nchar", "ntext":
		return schema.String
	case "varbinary", "image":
		return schema.Bytes
	}
	return commonLogicalType(native)
}

// Oracle folds unquoted identifiers to upper case.
type Oracle struct{}

func (Oracle) Name() string                 { return "ora" }
func (Oracle) Quote(name string) string     { return doubleQuote(name) }
func (Oracle) Normalize(name string) string { return strings.ToUpper(name) }
func (Oracle) Placeholder(i int) string     { return fmt.Sprintf(":%d", i) }
func (Oracle) SupportsTruncate() bool       { return true }
func (Oracle) Upsert() UpsertStyle          { return UpsertMerge }

func (Oracle) NeedsQuoting(name string) bool {
	return isReserved(name) || !bareUpperASCII(name)
}

func (Oracle) TypeName(t schema.LogicalType) string {
	switch t {
	case schema.Bool:
		return "number(1)"
	case schema.Int8, schema.Int16, schema.Uint8:
		return "number(5)"
	case schema.Int32, schema.Uint16:
		return "number(10)"
	case schema.Int64, schema.Uint32, schema.Uint64:
		return "number(19)"
	case schema.Float32:
		return "binary_float"
	case schema.Float64:
		return "binary_double"
	case schema.Decimal:
		return "number"
	case schema.Bytes:
		return "blob"
	case schema.Date:
		return "date"
	case schema.Timestamp:
		return "timestamp"
	case schema.TimestampTZ:
		return "timestamp with time zone"
	case schema.UUID:
		return "raw(16)"
	default:
		return "varchar2(4000)"
	}
}

func (Oracle) LogicalType(native string) schema.LogicalType {
	switch strings.ToLower(baseType(native)) {
	case "number":
		return schema.Decimal
	case "binary_float":
		return schema.Float32
	case "binary_double":
		return schema.Float64
	case "varchar2", "nvarchar2", "char", "nchar", "clob", "nclob":
		return schema.String
	case "blob", "raw", "long raw":
		return schema.Bytes
	case "date":
		return schema.Timestamp // Oracle DATE carries time of day.
	}
	return commonLogicalType(native)
}

// DuckDB follows Postgres folding rules.
type DuckDB struct{}

func (DuckDB) Name() string                 { return "duck" }
func (DuckDB) Quote(name string) string     { return doubleQuote(name) }
func (DuckDB) Normalize(name string) string { return strings.ToLower(name) }
func (DuckDB) Placeholder(i int) string     { return "?" }
func (DuckDB) SupportsTruncate() bool       { return true }
func (DuckDB) Upsert() UpsertStyle          { return UpsertConflict }

func (DuckDB) NeedsQuoting(name string) bool {
	return isReserved(name) || !bareLowerASCII(name)
}

func (DuckDB) TypeName(t schema.LogicalType) string {
	switch t {
	case schema.Bool:
		return "boolean"
	case schema.Int8:
		return "tinyint"
	case schema.Int16:
		return "smallint"
	case schema.Int32:
		return "integer"
	case schema.Int64:
		return "bigint"
	case schema.Uint8:
		return "utinyint"
	case schema.Uint16:
		return "usmallint"
	case schema.Uint32:
		return "uinteger"
	case schema.Uint64:
		return "ubigint"
	case schema.Float32:
		return "float"
	case schema.Float64:
		return "double"
	case schema.Decimal:
		return "decimal(18,6)"
	case schema.Bytes:
		return "blob"
	case schema.Date:
		return "date"
	case schema.Timestamp:
		return "timestamp"
	case schema.TimestampTZ:
		return "timestamptz"
	case schema.UUID:
		return "uuid"
	default:
		return "varchar"
	}
}

func (DuckDB) LogicalType(native string) schema.LogicalType {
	switch strings.ToLower(baseType(native)) {
	case "utinyint":
		return schema.Uint8
	case "usmallint":
		return schema.Uint16
	case "uinteger":
		return schema.Uint32
	case "ubigint":
		return schema.Uint64
	case "hugeint":
		return schema.Decimal
	}
	return commonLogicalType(native)
}

// SQLite is loosely typed; affinity names map onto the logical set.
type SQLite struct{}

func (SQLite) Name() string                 { return "sqlite" }
func (SQLite) Quote(name string) string     { return doubleQuote(name) }
func (SQLite) Normalize(name string) string { return strings.ToLower(name) }
func (SQLite) Placeholder(i int) string     { return "?" }
func (SQLite) SupportsTruncate() bool       { return false }
func (SQLite) Upsert() UpsertStyle          { return UpsertConflict }

func (SQLite) NeedsQuoting(name string) bool {
	return isReserved(name) || !bareLowerASCII(strings.ToLower(name))
}

func (SQLite) TypeName(t schema.LogicalType) string {
	switch t {
	case schema.Bool, schema.Int8, schema.Int16, schema.Int32, schema.Int64,
		schema.Uint8, schema.Uint16, schema.Uint32, schema.Uint64:
		return "integer"
	case schema.Float32, schema.Float64:
		return "real"
	case schema.Decimal:
		return "numeric"
	case schema.Bytes:
		return "blob"
	default:
		return "text"
	}
}

func (SQLite) LogicalType(native string) schema.LogicalType {
	n := strings.ToLower(baseType(native))
	switch {
	case strings.Contains(n, "int"):
		return schema.Int64
	case strings.Contains(n, "char"), strings.Contains(n, "clob"), strings.Contains(n, "text"):
		return schema.String
	case strings.Contains(n, "blob"), n == "":
		return schema.Bytes
	case strings.Contains(n, "real"), strings.Contains(n, "floa"), strings.Contains(n, "doub"):
		return schema.Float64
	default:
		return schema.Decimal
	}
}

// baseType strips a precision suffix: "numeric(18,4)" -> "numeric".
func baseType(native string) string {
	if i := strings.IndexByte(native, '('); i > 0 {
		return strings.TrimSpace(native[:i])
	}
	return strings.TrimSpace(native)
}

// commonLogicalType covers the native names shared by the ANSI-ish targets.
func commonLogicalType(native string) schema.LogicalType {
	switch strings.ToLower(baseType(native)) {
	case "bool", "boolean":
		return schema.Bool
	case "smallint", "int2":
		return schema.Int16
	case "int", "integer", "int4", "mediumint":
		return schema.Int32
	case "bigint", "int8":
		return schema.Int64
	case "real", "float4", "float":
		return schema.Float32
	case "double", "double precision", "float8":
		return schema.Float64
	case "numeric", "decimal", "number":
		return schema.Decimal
	case "bytea", "blob", "varbinary", "binary":
		return schema.Bytes
	case "date":
		return schema.Date
	case "timestamp", "timestamp without time zone", "datetime", "datetime2":
		return schema.Timestamp
	case "timestamptz", "timestamp with time zone", "datetimeoffset":
		return schema.TimestampTZ
	case "uuid", "uniqueidentifier":
		return schema.UUID
	default:
		return schema.String
	}
}
