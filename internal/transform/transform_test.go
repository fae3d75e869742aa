package transform

import (
	"testing"

	"github.com/dtpipe/dtpipe/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseSchema() schema.Schema {
	return schema.Schema{
		{Name: "id", Type: schema.Int64},
		{Name: "email", Type: schema.String, Nullable: true},
		{Name: "amount", Type: schema.Float64, Nullable: true},
	}
}

func TestBuildGroupsConsecutiveSameKind(t *testing.T) {
	chain, err := Build([]Directive{
		{Kind: "fake", Arg: "email:internet.email"},
		{Kind: "fake", Arg: "id:number.int"},
		{Kind: "mask", Arg: "email:###"},
		{Kind: "fake", Arg: "email:internet.email"},
	}, Options{})
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, "fake", chain[0].Name())
	assert.Equal(t, "mask", chain[1].Name())
	assert.Equal(t, "fake", chain[2].Name())
}

func TestBuildSingleInstanceForRun(t *testing.T) {
	chain, err := Build([]Directive{
		{Kind: "null", Arg: "a"},
		{Kind: "null", Arg: "b"},
		{Kind: "null", Arg: "c"},
	}, Options{})
	require.NoError(t, err)
	assert.Len(t, chain, 1)
}

func TestBuildUnknownKind(t *testing.T) {
	_, err := Build([]Directive{{Kind: "encrypt", Arg: "x"}}, Options{})
	assert.Error(t, err)
}

func TestNullTransformer(t *testing.T) {
	tr, err := newNull([]string{"email,amount"})
	require.NoError(t, err)
	_, err = tr.Init(baseSchema())
	require.NoError(t, err)

	res, err := tr.Apply(&Ctx{}, schema.Row{int64(1), "x@y", 3.5})
	require.NoError(t, err)
	assert.Equal(t, schema.Row{int64(1), nil, nil}, res.Rows[0])
}

func TestNullUnknownColumn(t *testing.T) {
	tr, err := newNull([]string{"ghost"})
	require.NoError(t, err)
	_, err = tr.Init(baseSchema())
	assert.Error(t, err)
}

func TestOverwriteCoercesLiteral(t *testing.T) {
	tr, err := newOverwrite([]string{"amount:9.99"})
	require.NoError(t, err)
	_, err = tr.Init(baseSchema())
	require.NoError(t, err)

	res, err := tr.Apply(&Ctx{}, schema.Row{int64(1), "x", 1.0})
	require.NoError(t, err)
	assert.Equal(t, 9.99, res.Rows[0][2])
}

func TestDropShrinksPositionally(t *testing.T) {
	tr, err := newDropColumns([]string{"email"})
	require.NoError(t, err)
	out, err := tr.Init(baseSchema())
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "id", out[0].Name)
	assert.Equal(t, "amount", out[1].Name)

	res, err := tr.Apply(&Ctx{}, schema.Row{int64(1), "x@y", 2.5})
	require.NoError(t, err)
	assert.Equal(t, schema.Row{int64(1), 2.5}, res.Rows[0])
}

func TestMaskPattern(t *testing.T) {
	assert.Equal(t, "**3-456", applyMask("123-456", "**#-"))
	// Pattern shorter than value keeps the tail.
	assert.Equal(t, "X2345", applyMask("12345", "X"))
	// Hash keeps the source character.
	assert.Equal(t, "12345", applyMask("12345", "#####"))
}

func TestMaskCoercesNonString(t *testing.T) {
	tr, err := newMask([]string{"id:**"}, false)
	require.NoError(t, err)
	_, err = tr.Init(baseSchema())
	require.NoError(t, err)

	res, err := tr.Apply(&Ctx{}, schema.Row{int64(1234), "x", nil})
	require.NoError(t, err)
	assert.Equal(t, "**34", res.Rows[0][0])
}

func TestMaskSkipNull(t *testing.T) {
	tr, err := newMask([]string{"email:***"}, true)
	require.NoError(t, err)
	_, err = tr.Init(baseSchema())
	require.NoError(t, err)

	res, err := tr.Apply(&Ctx{}, schema.Row{int64(1), nil, nil})
	require.NoError(t, err)
	assert.Nil(t, res.Rows[0][1])
}

func TestFakeSeedColumnDeterminism(t *testing.T) {
	// Two rows with the same seed-column value must fake identically,
	// regardless of position.
	build := func() *fakeTransformer {
		tr, err := newFake([]string{"email:internet.email"}, Options{FakeSeedColumn: "id"})
		require.NoError(t, err)
		_, err = tr.Init(baseSchema())
		require.NoError(t, err)
		return tr
	}

	tr := build()
	r1, err := tr.Apply(&Ctx{RowIndex: 0}, schema.Row{int64(1), "a@x", nil})
	require.NoError(t, err)
	r2, err := tr.Apply(&Ctx{RowIndex: 7}, schema.Row{int64(1), "b@y", nil})
	require.NoError(t, err)
	assert.Equal(t, r1.Rows[0][1], r2.Rows[0][1])

	// And across runs.
	tr2 := build()
	r3, err := tr2.Apply(&Ctx{RowIndex: 99}, schema.Row{int64(1), "c@z", nil})
	require.NoError(t, err)
	assert.Equal(t, r1.Rows[0][1], r3.Rows[0][1])

	// Different key, different fake.
	r4, err := tr2.Apply(&Ctx{RowIndex: 1}, schema.Row{int64(2), "d@w", nil})
	require.NoError(t, err)
	assert.NotEqual(t, r1.Rows[0][1], r4.Rows[0][1])
}

func TestFakeGlobalSeedReproducible(t *testing.T) {
	run := func() []any {
		tr, err := newFake([]string{"email:internet.email"}, Options{FakeSeed: 42})
		require.NoError(t, err)
		_, err = tr.Init(baseSchema())
		require.NoError(t, err)
		var out []any
		for i := 0; i < 3; i++ {
			res, err := tr.Apply(&Ctx{RowIndex: int64(i)}, schema.Row{int64(i), "", nil})
			require.NoError(t, err)
			out = append(out, res.Rows[0][1])
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestFakeVariantPartitionsState(t *testing.T) {
	tr, err := newFake([]string{"email:internet.email#a", "id:number.int"}, Options{FakeSeedColumn: "id"})
	require.NoError(t, err)
	_, err = tr.Init(baseSchema())
	require.NoError(t, err)

	tr2, err := newFake([]string{"email:internet.email#b", "id:number.int"}, Options{FakeSeedColumn: "id"})
	require.NoError(t, err)
	_, err = tr2.Init(baseSchema())
	require.NoError(t, err)

	ra, err := tr.Apply(&Ctx{}, schema.Row{int64(5), "", nil})
	require.NoError(t, err)
	rb, err := tr2.Apply(&Ctx{}, schema.Row{int64(5), "", nil})
	require.NoError(t, err)
	assert.NotEqual(t, ra.Rows[0][1], rb.Rows[0][1])
}

func TestFakeUnknownGenerator(t *testing.T) {
	_, err := newFake([]string{"email:internet.ssn"}, Options{})
	assert.Error(t, err)
}

func TestFormatAddsColumn(t *testing.T) {
	tr, err := newFormat([]string{"label:user {{id}} <{{email}}>"})
	require.NoError(t, err)
	out, err := tr.Init(baseSchema())
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, "label", out[3].Name)
	assert.Equal(t, schema.String, out[3].Type)

	res, err := tr.Apply(&Ctx{}, schema.Row{int64(3), "a@x", nil})
	require.NoError(t, err)
	assert.Equal(t, "user 3 <a@x>", res.Rows[0][3])
}

func TestFormatNumericSpecifier(t *testing.T) {
	tr, err := newFormat([]string{"pretty:{{amount|%.2f}}"})
	require.NoError(t, err)
	_, err = tr.Init(baseSchema())
	require.NoError(t, err)

	res, err := tr.Apply(&Ctx{}, schema.Row{int64(1), "", 3.14159})
	require.NoError(t, err)
	assert.Equal(t, "3.14", res.Rows[0][3])
}

func TestFormatReplacesExistingColumn(t *testing.T) {
	tr, err := newFormat([]string{"email:{{id}}@example.org"})
	require.NoError(t, err)
	out, err := tr.Init(baseSchema())
	require.NoError(t, err)
	assert.Len(t, out, 3)

	res, err := tr.Apply(&Ctx{}, schema.Row{int64(8), "old@x", nil})
	require.NoError(t, err)
	assert.Equal(t, "8@example.org", res.Rows[0][1])
}

func TestComputeTypedColumn(t *testing.T) {
	tr, err := newCompute([]string{"double:float64=row.amount * 2"})
	require.NoError(t, err)
	out, err := tr.Init(baseSchema())
	require.NoError(t, err)
	assert.Equal(t, schema.Float64, out[3].Type)

	res, err := tr.Apply(&Ctx{}, schema.Row{int64(1), "", 2.5})
	require.NoError(t, err)
	assert.Equal(t, 5.0, res.Rows[0][3])
}

func TestComputeDuplicateColumn(t *testing.T) {
	tr, err := newCompute([]string{"email=1"})
	require.NoError(t, err)
	_, err = tr.Init(baseSchema())
	assert.Error(t, err)
}

func TestFilterPredicate(t *testing.T) {
	tr, err := newFilter([]string{"row.amount > 1"})
	require.NoError(t, err)
	_, err = tr.Init(baseSchema())
	require.NoError(t, err)

	keep, err := tr.Apply(&Ctx{}, schema.Row{int64(1), "", 2.0})
	require.NoError(t, err)
	assert.False(t, keep.Filtered)

	drop, err := tr.Apply(&Ctx{}, schema.Row{int64(2), "", 0.5})
	require.NoError(t, err)
	assert.True(t, drop.Filtered)
}

func TestExpandSplitsRows(t *testing.T) {
	sch := schema.Schema{
		{Name: "tags", Type: schema.String},
		{Name: "tag", Type: schema.String, Nullable: true},
	}
	tr, err := newExpand([]string{"row.tags.split(',').map(function(t){ return {tags: row.tags, tag: t}; })"})
	require.NoError(t, err)
	_, err = tr.Init(sch)
	require.NoError(t, err)

	res, err := tr.Apply(&Ctx{}, schema.Row{"A,B,C", nil})
	require.NoError(t, err)
	require.Len(t, res.Rows, 3)
	assert.Equal(t, "A", res.Rows[0][1])
	assert.Equal(t, "B", res.Rows[1][1])
	assert.Equal(t, "C", res.Rows[2][1])
}

func TestExpandRejectsUnknownColumn(t *testing.T) {
	tr, err := newExpand([]string{"[{ghost: 1}]"})
	require.NoError(t, err)
	_, err = tr.Init(baseSchema())
	require.NoError(t, err)
	_, err = tr.Apply(&Ctx{}, schema.Row{int64(1), "", nil})
	assert.Error(t, err)
}

func TestExpandEmptyArrayFilters(t *testing.T) {
	tr, err := newExpand([]string{"[]"})
	require.NoError(t, err)
	_, err = tr.Init(baseSchema())
	require.NoError(t, err)
	res, err := tr.Apply(&Ctx{}, schema.Row{int64(1), "", nil})
	require.NoError(t, err)
	assert.True(t, res.Filtered)
}

func TestWindowBuffersAndEmits(t *testing.T) {
	sch := schema.Schema{{Name: "n", Type: schema.Int64}}
	tr, err := newWindow([]string{"2:rows.map(function(r){ return {n: r.n * 10}; })"})
	require.NoError(t, err)
	_, err = tr.Init(sch)
	require.NoError(t, err)

	res, err := tr.Apply(&Ctx{}, schema.Row{int64(1)})
	require.NoError(t, err)
	assert.True(t, res.Filtered)

	res, err = tr.Apply(&Ctx{}, schema.Row{int64(2)})
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, int64(10), res.Rows[0][0])
	assert.Equal(t, int64(20), res.Rows[1][0])
}

func TestWindowFlushEmitsPartial(t *testing.T) {
	sch := schema.Schema{{Name: "n", Type: schema.Int64}}
	tr, err := newWindow([]string{"3:rows"})
	require.NoError(t, err)
	_, err = tr.Init(sch)
	require.NoError(t, err)

	_, err = tr.Apply(&Ctx{}, schema.Row{int64(7)})
	require.NoError(t, err)

	rows, err := tr.Flush()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(7), rows[0][0])
}

func TestWindowFlushEmptyBuffer(t *testing.T) {
	tr, err := newWindow([]string{"2:rows"})
	require.NoError(t, err)
	_, err = tr.Init(schema.Schema{{Name: "n", Type: schema.Int64}})
	require.NoError(t, err)
	rows, err := tr.Flush()
	require.NoError(t, err)
	assert.Empty(t, rows)
}
