package reader

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtpipe/dtpipe/internal/endpoint"
	"github.com/dtpipe/dtpipe/internal/schema"
)

func drain(t *testing.T, r Reader, batchSize int) []schema.Row {
	t.Helper()
	var rows []schema.Row
	for {
		b, err := r.ReadBatch(context.Background(), batchSize)
		if err == io.EOF {
			return rows
		}
		require.NoError(t, err)
		rows = append(rows, b.Rows...)
	}
}

func TestGenerateEmitsSampleIndex(t *testing.T) {
	r, err := NewGenerate("5")
	require.NoError(t, err)
	require.NoError(t, r.Open(context.Background()))
	defer r.Close()

	assert.Equal(t, "SampleIndex", r.Schema()[0].Name)
	rows := drain(t, r, 2)
	require.Len(t, rows, 5)
	for i, row := range rows {
		assert.Equal(t, int64(i), row[0])
	}
}

func TestGenerateBatchBoundaries(t *testing.T) {
	r, err := NewGenerate("5")
	require.NoError(t, err)
	require.NoError(t, r.Open(context.Background()))
	defer r.Close()

	b, err := r.ReadBatch(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, b.Rows, 3)
	b, err = r.ReadBatch(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, b.Rows, 2)
	_, err = r.ReadBatch(context.Background(), 3)
	assert.Equal(t, io.EOF, err)
}

func TestCSVHeaderAndTypes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,name,score\n1,alice,9.5\n2,bob,\n"), 0644))

	r := NewCSV(path, Options{Types: map[string]schema.LogicalType{
		"id":    schema.Int64,
		"score": schema.Float64,
	}})
	require.NoError(t, r.Open(context.Background()))
	defer r.Close()

	sch := r.Schema()
	require.Len(t, sch, 3)
	assert.Equal(t, schema.Int64, sch[0].Type)
	assert.Equal(t, schema.String, sch[1].Type)

	rows := drain(t, r, 10)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0][0])
	assert.Equal(t, "alice", rows[0][1])
	assert.Equal(t, 9.5, rows[0][2])
	// Empty typed cell reads as NULL.
	assert.Nil(t, rows[1][2])
}

func TestCSVNoHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\nc,d\n"), 0644))

	r := NewCSV(path, Options{NoHeader: true})
	require.NoError(t, r.Open(context.Background()))
	defer r.Close()

	assert.Equal(t, []string{"col1", "col2"}, r.Schema().Names())
	rows := drain(t, r, 10)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0][0])
	assert.Equal(t, "d", rows[1][1])
}

func TestCSVCustomDelimiter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.csv")
	require.NoError(t, os.WriteFile(path, []byte("x;y\n1;2\n"), 0644))

	r := NewCSV(path, Options{Delimiter: ';'})
	require.NoError(t, r.Open(context.Background()))
	defer r.Close()

	rows := drain(t, r, 10)
	require.Len(t, rows, 1)
	assert.Equal(t, "2", rows[0][1])
}

func TestCSVArityMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1\n"), 0644))

	r := NewCSV(path, Options{})
	require.NoError(t, r.Open(context.Background()))
	defer r.Close()

	_, err := r.ReadBatch(context.Background(), 10)
	assert.Error(t, err)
}

func TestArrowStreamRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.arrows")
	asch := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)

	f, err := os.Create(path)
	require.NoError(t, err)
	w := ipc.NewWriter(f, ipc.WithSchema(asch))
	b := array.NewRecordBuilder(memory.DefaultAllocator, asch)
	b.Field(0).(*array.Int64Builder).AppendValues([]int64{1, 2}, nil)
	b.Field(1).(*array.StringBuilder).AppendValues([]string{"x", "y"}, nil)
	rec := b.NewRecord()
	require.NoError(t, w.Write(rec))
	rec.Release()
	b.Release()
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	r := NewArrow(path)
	require.NoError(t, r.Open(context.Background()))
	defer r.Close()

	sch := r.Schema()
	assert.Equal(t, schema.Int64, sch[0].Type)
	assert.Equal(t, schema.String, sch[1].Type)

	rows := drain(t, r, 1)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(2), rows[1][0])
	assert.Equal(t, "y", rows[1][1])
}

func TestParquetRoundTrip(t *testing.T) {
	type record struct {
		ID   int64   `parquet:"id"`
		Name string  `parquet:"name"`
		Val  float64 `parquet:"val"`
	}
	path := filepath.Join(t.TempDir(), "data.parquet")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := parquet.NewGenericWriter[record](f)
	_, err = w.Write([]record{{ID: 1, Name: "a", Val: 1.5}, {ID: 2, Name: "b", Val: 2.5}})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	r := NewParquet(path)
	require.NoError(t, r.Open(context.Background()))
	defer r.Close()

	sch := r.Schema()
	require.Len(t, sch, 3)
	assert.Equal(t, schema.Int64, sch[0].Type)

	rows := drain(t, r, 10)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(2), rows[1][0])
	assert.Equal(t, "b", rows[1][1])
	assert.Equal(t, 2.5, rows[1][2])
}

func TestFactorySelectsByKind(t *testing.T) {
	r, err := New(endpoint.Endpoint{Kind: endpoint.Generate, Spec: "3"}, Options{})
	require.NoError(t, err)
	require.NoError(t, r.Open(context.Background()))
	defer r.Close()
	assert.Len(t, drain(t, r, 10), 3)
}

func TestSQLReaderRequiresQuery(t *testing.T) {
	_, err := NewSQL(endpoint.Endpoint{Kind: endpoint.Postgres, Spec: "dsn"}, Options{})
	assert.Error(t, err)
}

func TestSQLiteReaderEndToEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "src.db")
	seedSQLite(t, path, `CREATE TABLE t(id INTEGER, name TEXT);
		INSERT INTO t VALUES (1,'a'),(2,'b'),(3,NULL);`)

	r, err := NewSQL(endpoint.Endpoint{Kind: endpoint.SQLite, Spec: path},
		Options{Query: "SELECT id, name FROM t ORDER BY id"})
	require.NoError(t, err)
	require.NoError(t, r.Open(context.Background()))
	defer r.Close()

	sch := r.Schema()
	require.Len(t, sch, 2)
	assert.Equal(t, schema.Int64, sch[0].Type)

	rows := drain(t, r, 2)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(1), rows[0][0])
	assert.Equal(t, "b", rows[1][1])
	assert.Nil(t, rows[2][1])
}
