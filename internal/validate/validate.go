// Package validate compares the final pipeline schema against the
// introspected target and samples rows for constraint violations before any
// data moves. In strict mode an Error-level finding aborts the job.
package validate

import (
	"fmt"
	"math"

	"github.com/dtpipe/dtpipe/internal/dialect"
	"github.com/dtpipe/dtpipe/internal/schema"
	"github.com/dtpipe/dtpipe/internal/writer"
)

// Code identifies one finding class.
type Code string

const (
	Compatible           Code = "Compatible"
	WillBeCreated        Code = "WillBeCreated"
	PossibleTruncation   Code = "PossibleTruncation"
	TypeMismatch         Code = "TypeMismatch"
	MissingInTarget      Code = "MissingInTarget"
	ExtraInTarget        Code = "ExtraInTarget"
	ExtraInTargetNotNull Code = "ExtraInTargetNotNull"
	NullabilityConflict  Code = "NullabilityConflict"
	NotNullViolation     Code = "NotNullViolation"
	LengthOverflow       Code = "LengthOverflow"
	PrecisionOverflow    Code = "PrecisionOverflow"
	DuplicateOnUnique    Code = "DuplicateOnUnique"
)

// Level grades a finding.
type Level int

const (
	Info Level = iota
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case Info:
		return "info"
	case Warning:
		return "warning"
	default:
		return "error"
	}
}

// Finding is one validator observation about a column or sampled cell.
type Finding struct {
	Code   Code
	Level  Level
	Column string
	Detail string
}

func (f Finding) String() string {
	if f.Column == "" {
		return fmt.Sprintf("[%s] %s: %s", f.Level, f.Code, f.Detail)
	}
	return fmt.Sprintf("[%s] %s %s: %s", f.Level, f.Code, f.Column, f.Detail)
}

// Report collects findings for one job.
type Report struct {
	Findings []Finding
}

func (r *Report) add(f Finding) { r.Findings = append(r.Findings, f) }

// HasErrors reports whether any Error-level finding is present.
func (r *Report) HasErrors() bool {
	for _, f := range r.Findings {
		if f.Level == Error {
			return true
		}
	}
	return false
}

// Compare matches the source schema against the target,
// positionally-then-by-name under the dialect's identifier equivalence.
// Each target column binds to at most one source column.
func Compare(src schema.Schema, target *writer.TargetInfo, d dialect.Dialect) *Report {
	r := &Report{}
	if target == nil || !target.Exists {
		r.add(Finding{Code: WillBeCreated, Level: Info,
			Detail: "target table does not exist and will be created from the source schema"})
		return r
	}

	bound := make([]bool, len(target.Columns))
	matchTarget := func(pos int, name string, caseSensitive bool) int {
		// Positional first: an unbound target column at the same position
		// with an equivalent name wins without search.
		if pos < len(target.Columns) && !bound[pos] && nameMatches(name, target.Columns[pos].Name, caseSensitive, d) {
			return pos
		}
		for i := range target.Columns {
			if !bound[i] && nameMatches(name, target.Columns[i].Name, caseSensitive, d) {
				return i
			}
		}
		return -1
	}

	for pos, sc := range src {
		ti := matchTarget(pos, sc.Name, sc.CaseSensitive)
		if ti < 0 {
			r.add(Finding{Code: MissingInTarget, Level: Error, Column: sc.Name,
				Detail: "source column has no counterpart in the target table"})
			continue
		}
		bound[ti] = true
		tc := target.Columns[ti]
		compareColumn(r, sc, tc)
	}

	for i, tc := range target.Columns {
		if bound[i] {
			continue
		}
		if !tc.Nullable {
			r.add(Finding{Code: ExtraInTargetNotNull, Level: Error, Column: tc.Name,
				Detail: "target column is NOT NULL and receives no source value"})
		} else {
			r.add(Finding{Code: ExtraInTarget, Level: Warning, Column: tc.Name,
				Detail: "target column receives no source value and will be NULL"})
		}
	}
	return r
}

func nameMatches(src, target string, caseSensitive bool, d dialect.Dialect) bool {
	if caseSensitive {
		return src == target
	}
	return d.Normalize(src) == target || d.Normalize(src) == d.Normalize(target)
}

func compareColumn(r *Report, sc schema.ColumnInfo, tc writer.TargetColumn) {
	switch {
	case sc.Type == tc.Type:
		r.add(Finding{Code: Compatible, Level: Info, Column: sc.Name,
			Detail: fmt.Sprintf("%s -> %s", sc.Type, tc.NativeType)})
	case narrowing(sc.Type, tc.Type):
		r.add(Finding{Code: PossibleTruncation, Level: Warning, Column: sc.Name,
			Detail: fmt.Sprintf("%s narrows to %s (%s)", sc.Type, tc.Type, tc.NativeType)})
	case convertible(sc.Type, tc.Type):
		r.add(Finding{Code: Compatible, Level: Info, Column: sc.Name,
			Detail: fmt.Sprintf("%s converts to %s (%s)", sc.Type, tc.Type, tc.NativeType)})
	default:
		r.add(Finding{Code: TypeMismatch, Level: Error, Column: sc.Name,
			Detail: fmt.Sprintf("%s cannot be loaded into %s (%s)", sc.Type, tc.Type, tc.NativeType)})
	}
	if sc.Nullable && !tc.Nullable {
		r.add(Finding{Code: NullabilityConflict, Level: Warning, Column: sc.Name,
			Detail: "nullable source loads into NOT NULL target"})
	}
}

// widths orders the numeric ladder for narrowing detection.
var widths = map[schema.LogicalType]int{
	schema.Bool: 1,
	schema.Int8: 8, schema.Uint8: 8,
	schema.Int16: 16, schema.Uint16: 16,
	schema.Int32: 32, schema.Uint32: 32, schema.Float32: 32,
	schema.Int64: 64, schema.Uint64: 64, schema.Float64: 64,
	schema.Decimal: 128,
}

func narrowing(src, dst schema.LogicalType) bool {
	sw, sok := widths[src]
	dw, dok := widths[dst]
	if sok && dok {
		return sw > dw
	}
	// Any type renders into a string; a string into anything narrower may
	// truncate.
	return src == schema.String && dst != schema.String && dst != schema.Bytes
}

func convertible(src, dst schema.LogicalType) bool {
	if dst == schema.String || dst == schema.Bytes {
		return true
	}
	if src.IsNumeric() && dst.IsNumeric() {
		return true
	}
	switch {
	case src == schema.Date && (dst == schema.Timestamp || dst == schema.TimestampTZ):
		return true
	case src == schema.Timestamp && dst == schema.TimestampTZ:
		return true
	case src == schema.TimestampTZ && dst == schema.Timestamp:
		return true
	case src == schema.UUID && dst == schema.Bytes:
		return true
	}
	return false
}

// SampleRows checks a bounded sample of rows against the bound target
// constraints: NOT NULL, declared max length, numeric precision, and
// duplicates on unique columns.
func SampleRows(src schema.Schema, target *writer.TargetInfo, rows []schema.Row, d dialect.Dialect) []Finding {
	if target == nil || !target.Exists {
		return nil
	}
	var out []Finding
	seen := make(map[int]map[string]int) // column index -> value -> first row

	for i, sc := range src {
		tc := matchByName(target, sc, d)
		if tc == nil {
			continue
		}
		for ri, row := range rows {
			v := row[i]
			if v == nil {
				if !tc.Nullable {
					out = append(out, Finding{Code: NotNullViolation, Level: Error, Column: sc.Name,
						Detail: fmt.Sprintf("row %d is NULL but target is NOT NULL", ri)})
				}
				continue
			}
			if tc.MaxLength > 0 {
				if s, ok := v.(string); ok && len([]rune(s)) > tc.MaxLength {
					out = append(out, Finding{Code: LengthOverflow, Level: Error, Column: sc.Name,
						Detail: fmt.Sprintf("row %d length %d exceeds %d", ri, len([]rune(s)), tc.MaxLength)})
				}
			}
			if f, ok := numericValue(v); ok && overflows(f, tc.Type) {
				out = append(out, Finding{Code: PrecisionOverflow, Level: Error, Column: sc.Name,
					Detail: fmt.Sprintf("row %d value %v overflows %s", ri, v, tc.NativeType)})
			}
			if tc.IsUnique || tc.IsPK {
				key := schema.ToString(v)
				if seen[i] == nil {
					seen[i] = map[string]int{}
				}
				if first, dup := seen[i][key]; dup {
					out = append(out, Finding{Code: DuplicateOnUnique, Level: Error, Column: sc.Name,
						Detail: fmt.Sprintf("rows %d and %d both carry %q", first, ri, key)})
				} else {
					seen[i][key] = ri
				}
			}
		}
	}
	return out
}

func matchByName(target *writer.TargetInfo, sc schema.ColumnInfo, d dialect.Dialect) *writer.TargetColumn {
	for i := range target.Columns {
		if nameMatches(sc.Name, target.Columns[i].Name, sc.CaseSensitive, d) {
			return &target.Columns[i]
		}
	}
	return nil
}

func numericValue(v schema.Value) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	return 0, false
}

// ranges bounds the integer logical types for precision checks.
var ranges = map[schema.LogicalType][2]float64{
	schema.Int8:   {math.MinInt8, math.MaxInt8},
	schema.Int16:  {math.MinInt16, math.MaxInt16},
	schema.Int32:  {math.MinInt32, math.MaxInt32},
	schema.Uint8:  {0, math.MaxUint8},
	schema.Uint16: {0, math.MaxUint16},
	schema.Uint32: {0, math.MaxUint32},
}

func overflows(v float64, t schema.LogicalType) bool {
	r, ok := ranges[t]
	if !ok {
		return false
	}
	return v < r[0] || v > r[1]
}
