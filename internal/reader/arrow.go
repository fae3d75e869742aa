package reader

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"

	"github.com/dtpipe/dtpipe/internal/schema"
)

// arrowReader streams records from an Arrow IPC stream or file. The format
// is detected from the magic bytes so one endpoint prefix covers both.
type arrowReader struct {
	path string

	file *os.File
	// stream is set for the stream format, fileRdr for the file format.
	stream  *ipc.Reader
	fileRdr *ipc.FileReader
	nextRec int

	sch schema.Schema
	// pending buffers rows decoded from the current record beyond the
	// requested batch size.
	pending []schema.Row
	done    bool
}

// arrowFileMagic opens every Arrow file-format file.
var arrowFileMagic = []byte("ARROW1")

// NewArrow builds a reader over path.
func NewArrow(path string) Reader {
	return &arrowReader{path: path}
}

func (a *arrowReader) Open(ctx context.Context) error {
	f, err := os.Open(a.path)
	if err != nil {
		return fmt.Errorf("reader: arrow: %w", err)
	}
	a.file = f

	magic := make([]byte, len(arrowFileMagic))
	if _, err := io.ReadFull(f, magic); err == nil && string(magic) == string(arrowFileMagic) {
		fr, err := ipc.NewFileReader(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("reader: arrow: open file format: %w", err)
		}
		a.fileRdr = fr
		a.sch = fromArrowSchema(fr.Schema())
		return nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("reader: arrow: rewind: %w", err)
	}
	sr, err := ipc.NewReader(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("reader: arrow: open stream format: %w", err)
	}
	a.stream = sr
	a.sch = fromArrowSchema(sr.Schema())
	return nil
}

func (a *arrowReader) Schema() schema.Schema { return a.sch }

func (a *arrowReader) ReadBatch(ctx context.Context, n int) (schema.Batch, error) {
	batch := schema.Batch{Columns: a.sch}
	for len(batch.Rows) < n {
		if err := ctx.Err(); err != nil {
			return schema.Batch{}, err
		}
		if len(a.pending) > 0 {
			take := min(n-len(batch.Rows), len(a.pending))
			batch.Rows = append(batch.Rows, a.pending[:take]...)
			a.pending = a.pending[take:]
			continue
		}
		if a.done {
			break
		}
		rec, err := a.nextRecord()
		if err == io.EOF {
			a.done = true
			break
		}
		if err != nil {
			return schema.Batch{}, err
		}
		a.pending = recordRows(rec)
		rec.Release()
	}
	if len(batch.Rows) == 0 {
		return schema.Batch{}, io.EOF
	}
	return batch, nil
}

func (a *arrowReader) nextRecord() (arrow.Record, error) {
	if a.fileRdr != nil {
		if a.nextRec >= a.fileRdr.NumRecords() {
			return nil, io.EOF
		}
		rec, err := a.fileRdr.Record(a.nextRec)
		if err != nil {
			return nil, fmt.Errorf("reader: arrow: record %d: %w", a.nextRec, err)
		}
		a.nextRec++
		rec.Retain()
		return rec, nil
	}
	if !a.stream.Next() {
		if err := a.stream.Err(); err != nil && err != io.EOF {
			return nil, fmt.Errorf("reader: arrow: %w", err)
		}
		return nil, io.EOF
	}
	rec := a.stream.Record()
	rec.Retain()
	return rec, nil
}

func (a *arrowReader) Close() error {
	if a.stream != nil {
		a.stream.Release()
	}
	if a.fileRdr != nil {
		a.fileRdr.Close()
	}
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

// fromArrowSchema maps an Arrow schema onto the pipeline type set.
func fromArrowSchema(as *arrow.Schema) schema.Schema {
	out := make(schema.Schema, len(as.Fields()))
	for i, f := range as.Fields() {
		out[i] = schema.ColumnInfo{Name: f.Name, Type: fromArrowType(f.Type), Nullable: f.Nullable}
	}
	return out
}

func fromArrowType(t arrow.DataType) schema.LogicalType {
	switch t.ID() {
	case arrow.BOOL:
		return schema.Bool
	case arrow.INT8:
		return schema.Int8
	case arrow.INT16:
		return schema.Int16
	case arrow.INT32:
		return schema.Int32
	case arrow.INT64:
		return schema.Int64
	case arrow.UINT8:
		return schema.Uint8
	case arrow.UINT16:
		return schema.Uint16
	case arrow.UINT32:
		return schema.Uint32
	case arrow.UINT64:
		return schema.Uint64
	case arrow.FLOAT32:
		return schema.Float32
	case arrow.FLOAT64:
		return schema.Float64
	case arrow.DECIMAL128, arrow.DECIMAL256:
		return schema.Decimal
	case arrow.BINARY, arrow.LARGE_BINARY:
		return schema.Bytes
	case arrow.DATE32, arrow.DATE64:
		return schema.Date
	case arrow.TIMESTAMP:
		if ts, ok := t.(*arrow.TimestampType); ok && ts.TimeZone != "" {
			return schema.TimestampTZ
		}
		return schema.Timestamp
	default:
		return schema.String
	}
}

// recordRows decodes one Arrow record into pipeline rows.
func recordRows(rec arrow.Record) []schema.Row {
	nRows := int(rec.NumRows())
	nCols := int(rec.NumCols())
	rows := make([]schema.Row, nRows)
	for i := range rows {
		rows[i] = make(schema.Row, nCols)
	}
	for c := 0; c < nCols; c++ {
		col := rec.Column(c)
		for i := 0; i < nRows; i++ {
			rows[i][c] = arrowValue(col, i)
		}
	}
	return rows
}

func arrowValue(col arrow.Array, i int) schema.Value {
	if col.IsNull(i) {
		return nil
	}
	switch a := col.(type) {
	case *array.Boolean:
		return a.Value(i)
	case *array.Int8:
		return int64(a.Value(i))
	case *array.Int16:
		return int64(a.Value(i))
	case *array.Int32:
		return int64(a.Value(i))
	case *array.Int64:
		return a.Value(i)
	case *array.Uint8:
		return uint64(a.Value(i))
	case *array.Uint16:
		return uint64(a.Value(i))
	case *array.Uint32:
		return uint64(a.Value(i))
	case *array.Uint64:
		return a.Value(i)
	case *array.Float32:
		return float64(a.Value(i))
	case *array.Float64:
		return a.Value(i)
	case *array.String:
		return a.Value(i)
	case *array.LargeString:
		return a.Value(i)
	case *array.Binary:
		return a.Value(i)
	case *array.Timestamp:
		typ := a.DataType().(*arrow.TimestampType)
		return a.Value(i).ToTime(typ.Unit)
	case *array.Date32:
		return a.Value(i).ToTime()
	case *array.Date64:
		return a.Value(i).ToTime()
	default:
		return col.ValueStr(i)
	}
}
