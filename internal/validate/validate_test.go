package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtpipe/dtpipe/internal/dialect"
	"github.com/dtpipe/dtpipe/internal/schema"
	"github.com/dtpipe/dtpipe/internal/writer"
)

func target(cols ...writer.TargetColumn) *writer.TargetInfo {
	return &writer.TargetInfo{Exists: true, Columns: cols}
}

func findCode(r *Report, c Code) *Finding {
	for i := range r.Findings {
		if r.Findings[i].Code == c {
			return &r.Findings[i]
		}
	}
	return nil
}

func TestCompareMissingTarget(t *testing.T) {
	src := schema.Schema{{Name: "id", Type: schema.Int64}}
	r := Compare(src, &writer.TargetInfo{}, dialect.Postgres{})
	require.Len(t, r.Findings, 1)
	assert.Equal(t, WillBeCreated, r.Findings[0].Code)
	assert.False(t, r.HasErrors())
}

func TestCompareCompatible(t *testing.T) {
	src := schema.Schema{{Name: "id", Type: schema.Int64}}
	r := Compare(src, target(
		writer.TargetColumn{Name: "id", NativeType: "bigint", Type: schema.Int64},
	), dialect.Postgres{})
	require.NotNil(t, findCode(r, Compatible))
	assert.False(t, r.HasErrors())
}

func TestCompareMissingInTargetIsError(t *testing.T) {
	src := schema.Schema{
		{Name: "id", Type: schema.Int64},
		{Name: "extra", Type: schema.String},
	}
	r := Compare(src, target(
		writer.TargetColumn{Name: "id", NativeType: "bigint", Type: schema.Int64},
	), dialect.Postgres{})
	f := findCode(r, MissingInTarget)
	require.NotNil(t, f)
	assert.Equal(t, Error, f.Level)
	assert.Equal(t, "extra", f.Column)
	assert.True(t, r.HasErrors())
}

func TestCompareExtraInTargetNotNull(t *testing.T) {
	src := schema.Schema{{Name: "id", Type: schema.Int64}}
	r := Compare(src, target(
		writer.TargetColumn{Name: "id", NativeType: "bigint", Type: schema.Int64},
		writer.TargetColumn{Name: "mandatory", NativeType: "text", Type: schema.String},
	), dialect.Postgres{})
	f := findCode(r, ExtraInTargetNotNull)
	require.NotNil(t, f)
	assert.Equal(t, Error, f.Level)
}

func TestCompareExtraInTargetNullableIsWarning(t *testing.T) {
	src := schema.Schema{{Name: "id", Type: schema.Int64}}
	r := Compare(src, target(
		writer.TargetColumn{Name: "id", NativeType: "bigint", Type: schema.Int64},
		writer.TargetColumn{Name: "note", NativeType: "text", Type: schema.String, Nullable: true},
	), dialect.Postgres{})
	f := findCode(r, ExtraInTarget)
	require.NotNil(t, f)
	assert.Equal(t, Warning, f.Level)
	assert.False(t, r.HasErrors())
}

func TestComparePossibleTruncation(t *testing.T) {
	src := schema.Schema{{Name: "n", Type: schema.Int64}}
	r := Compare(src, target(
		writer.TargetColumn{Name: "n", NativeType: "integer", Type: schema.Int32},
	), dialect.Postgres{})
	require.NotNil(t, findCode(r, PossibleTruncation))
	assert.False(t, r.HasErrors())
}

func TestCompareTypeMismatch(t *testing.T) {
	src := schema.Schema{{Name: "b", Type: schema.Bytes}}
	r := Compare(src, target(
		writer.TargetColumn{Name: "b", NativeType: "timestamp", Type: schema.Timestamp},
	), dialect.Postgres{})
	f := findCode(r, TypeMismatch)
	require.NotNil(t, f)
	assert.True(t, r.HasErrors())
}

func TestCompareCaseFolding(t *testing.T) {
	// Source UserId matches target userid under pg folding.
	src := schema.Schema{{Name: "UserId", Type: schema.Int64}}
	r := Compare(src, target(
		writer.TargetColumn{Name: "userid", NativeType: "bigint", Type: schema.Int64},
	), dialect.Postgres{})
	assert.Nil(t, findCode(r, MissingInTarget))
}

func TestCompareCaseSensitiveMismatch(t *testing.T) {
	src := schema.Schema{{Name: "UserId", Type: schema.Int64, CaseSensitive: true}}
	r := Compare(src, target(
		writer.TargetColumn{Name: "userid", NativeType: "bigint", Type: schema.Int64},
	), dialect.Postgres{})
	assert.NotNil(t, findCode(r, MissingInTarget))
}

func TestCompareBindsEachTargetOnce(t *testing.T) {
	// Two source columns folding to the same name: the second cannot bind
	// the already-consumed target column.
	src := schema.Schema{
		{Name: "id", Type: schema.Int64},
		{Name: "ID", Type: schema.Int64},
	}
	r := Compare(src, target(
		writer.TargetColumn{Name: "id", NativeType: "bigint", Type: schema.Int64},
	), dialect.Postgres{})
	assert.NotNil(t, findCode(r, MissingInTarget))
}

func TestNullabilityConflictIsWarning(t *testing.T) {
	src := schema.Schema{{Name: "id", Type: schema.Int64, Nullable: true}}
	r := Compare(src, target(
		writer.TargetColumn{Name: "id", NativeType: "bigint", Type: schema.Int64},
	), dialect.Postgres{})
	f := findCode(r, NullabilityConflict)
	require.NotNil(t, f)
	assert.Equal(t, Warning, f.Level)
}

func TestSampleRowsNotNull(t *testing.T) {
	src := schema.Schema{{Name: "name", Type: schema.String, Nullable: true}}
	rows := []schema.Row{{"ok"}, {nil}}
	fs := SampleRows(src, target(
		writer.TargetColumn{Name: "name", NativeType: "text", Type: schema.String},
	), rows, dialect.Postgres{})
	require.Len(t, fs, 1)
	assert.Equal(t, NotNullViolation, fs[0].Code)
}

func TestSampleRowsLengthOverflow(t *testing.T) {
	src := schema.Schema{{Name: "code", Type: schema.String}}
	rows := []schema.Row{{"abcdef"}}
	fs := SampleRows(src, target(
		writer.TargetColumn{Name: "code", NativeType: "varchar(3)", Type: schema.String, Nullable: true, MaxLength: 3},
	), rows, dialect.Postgres{})
	require.Len(t, fs, 1)
	assert.Equal(t, LengthOverflow, fs[0].Code)
}

func TestSampleRowsPrecisionOverflow(t *testing.T) {
	src := schema.Schema{{Name: "n", Type: schema.Int64}}
	rows := []schema.Row{{int64(40000)}}
	fs := SampleRows(src, target(
		writer.TargetColumn{Name: "n", NativeType: "smallint", Type: schema.Int16, Nullable: true},
	), rows, dialect.Postgres{})
	require.Len(t, fs, 1)
	assert.Equal(t, PrecisionOverflow, fs[0].Code)
}

func TestSampleRowsDuplicateOnUnique(t *testing.T) {
	src := schema.Schema{{Name: "email", Type: schema.String}}
	rows := []schema.Row{{"a@x"}, {"b@x"}, {"a@x"}}
	fs := SampleRows(src, target(
		writer.TargetColumn{Name: "email", NativeType: "text", Type: schema.String, Nullable: true, IsUnique: true},
	), rows, dialect.Postgres{})
	require.Len(t, fs, 1)
	assert.Equal(t, DuplicateOnUnique, fs[0].Code)
	assert.Contains(t, fs[0].Detail, `"a@x"`)
}
