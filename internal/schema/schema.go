// Package schema defines the row and schema model that flows between the
// reader, the transformer chain, and the writer. Rows are positional: the
// value at index i belongs to the column at index i of the schema that
// produced the row.
package schema

import (
	"fmt"
	"strings"
)

// Value is a single cell. nil represents SQL NULL.
type Value = any

// Row is an ordered sequence of values conforming to some Schema.
type Row []Value

// Clone returns a shallow copy of the row. Cell values are not copied;
// they are treated as immutable once produced.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// LogicalType is the closed set of types a column can carry through the
// pipeline, independent of any database's native type system.
type LogicalType int

const (
	Bool LogicalType = iota
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float32
	Float64
	Decimal
	String
	Bytes
	Date
	Timestamp
	TimestampTZ
	UUID
)

var typeNames = map[LogicalType]string{
	Bool: "bool", Int8: "int8", Int16: "int16", Int32: "int32", Int64: "int64",
	Uint8: "uint8", Uint16: "uint16", Uint32: "uint32", Uint64: "uint64",
	Float32: "float32", Float64: "float64", Decimal: "decimal",
	String: "string", Bytes: "bytes", Date: "date",
	Timestamp: "timestamp", TimestampTZ: "timestamptz", UUID: "uuid",
}

func (t LogicalType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("logicaltype(%d)", int(t))
}

// ParseLogicalType resolves a type name as used in CLI directives and YAML
// job files.
func ParseLogicalType(name string) (LogicalType, error) {
	for t, n := range typeNames {
		if n == strings.ToLower(strings.TrimSpace(name)) {
			return t, nil
		}
	}
	return String, fmt.Errorf("schema: unknown logical type %q", name)
}

// IsNumeric reports whether the type participates in numeric precision
// checks.
func (t LogicalType) IsNumeric() bool {
	switch t {
	case Int8, Int16, Int32, Int64, Uint8, Uint16, Uint32, Uint64, Float32, Float64, Decimal:
		return true
	}
	return false
}

// ColumnInfo describes one column of a pipeline schema.
type ColumnInfo struct {
	Name string
	Type LogicalType
	// Nullable records whether NULL is an admissible value.
	Nullable bool
	// CaseSensitive means the name must be rendered verbatim (quoted) into
	// SQL identifiers and matched byte-for-byte against target columns.
	CaseSensitive bool
}

// Schema is an ordered sequence of columns. Names must be unique under the
// target dialect's identifier folding; Validate enforces uniqueness under a
// supplied fold function.
type Schema []ColumnInfo

// Names returns the column names in order.
func (s Schema) Names() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = c.Name
	}
	return out
}

// Index returns the position of the named column, folding both sides with
// fold unless the column is case sensitive. Returns -1 if absent.
func (s Schema) Index(name string, fold func(string) string) int {
	for i, c := range s {
		if c.CaseSensitive {
			if c.Name == name {
				return i
			}
			continue
		}
		if fold == nil {
			if strings.EqualFold(c.Name, name) {
				return i
			}
			continue
		}
		if fold(c.Name) == fold(name) {
			return i
		}
	}
	return -1
}

// Clone returns a copy of the schema that can be mutated by a transformer
// without aliasing its input.
func (s Schema) Clone() Schema {
	out := make(Schema, len(s))
	copy(out, s)
	return out
}

// Validate checks name uniqueness under fold. A nil fold compares
// case-insensitively, matching the loosest dialect.
func (s Schema) Validate(fold func(string) string) error {
	if fold == nil {
		fold = strings.ToLower
	}
	seen := make(map[string]string, len(s))
	for _, c := range s {
		key := fold(c.Name)
		if c.CaseSensitive {
			key = c.Name
		}
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("schema: duplicate column name %q collides with %q", c.Name, prev)
		}
		seen[key] = c.Name
	}
	return nil
}

// Batch is a bounded, contiguous run of rows sharing one schema. A batch
// never spans a schema change.
type Batch struct {
	Columns Schema
	Rows    []Row
}

// Len returns the number of rows in the batch.
func (b Batch) Len() int { return len(b.Rows) }
