package writer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtpipe/dtpipe/internal/schema"
)

func fileSchema() schema.Schema {
	return schema.Schema{
		{Name: "id", Type: schema.Int64},
		{Name: "name", Type: schema.String, Nullable: true},
	}
}

func TestCSVWriterHeaderAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	w := NewCSV(path, Options{})
	require.NoError(t, w.Initialize(context.Background(), fileSchema()))

	b := schema.Batch{Columns: fileSchema(), Rows: []schema.Row{
		{int64(1), "alice"},
		{int64(2), nil},
	}}
	require.NoError(t, w.WriteBatch(context.Background(), b))
	require.NoError(t, w.Complete(context.Background()))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,alice\n2,\n", string(data))

	counter, ok := any(w).(ByteCounter)
	require.True(t, ok)
	assert.Equal(t, int64(len(data)), counter.BytesWritten())
}

func TestCSVWriterNoHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	w := NewCSV(path, Options{NoHeader: true, Delimiter: ';'})
	require.NoError(t, w.Initialize(context.Background(), fileSchema()))
	b := schema.Batch{Columns: fileSchema(), Rows: []schema.Row{{int64(7), "x"}}}
	require.NoError(t, w.WriteBatch(context.Background(), b))
	require.NoError(t, w.Complete(context.Background()))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "7;x\n", string(data))
}

func TestParquetWriterProducesReadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.parquet")
	w := NewParquet(path)
	require.NoError(t, w.Initialize(context.Background(), fileSchema()))
	b := schema.Batch{Columns: fileSchema(), Rows: []schema.Row{
		{int64(1), "a"},
		{int64(2), nil},
	}}
	require.NoError(t, w.WriteBatch(context.Background(), b))
	require.NoError(t, w.Complete(context.Background()))
	require.NoError(t, w.Close())

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, st.Size())
}

func TestArrowStreamWriterRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.arrows")
	w := NewArrow(path)
	require.NoError(t, w.Initialize(context.Background(), fileSchema()))
	b := schema.Batch{Columns: fileSchema(), Rows: []schema.Row{
		{int64(1), "a"},
		{int64(2), nil},
	}}
	require.NoError(t, w.WriteBatch(context.Background(), b))
	require.NoError(t, w.Complete(context.Background()))
	require.NoError(t, w.Close())

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, st.Size())
}

func TestArrowFileFormatSelectedByExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.arrow")
	w := NewArrow(path).(*arrowWriter)
	require.NoError(t, w.Initialize(context.Background(), fileSchema()))
	assert.NotNil(t, w.fileW)
	assert.Nil(t, w.stream)
	require.NoError(t, w.Complete(context.Background()))
	require.NoError(t, w.Close())
}
