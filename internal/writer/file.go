package writer

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/parquet-go/parquet-go"

	"github.com/dtpipe/dtpipe/internal/schema"
)

// countingWriter tracks payload bytes for the metrics record.
type countingWriter struct {
	f *os.File
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.f.Write(p)
	c.n += int64(n)
	return n, err
}

// csvWriter renders batches as RFC 4180 rows, creating the file at
// Initialize and writing the header unless disabled.
type csvWriter struct {
	path string
	opts Options

	cw  *countingWriter
	w   *csv.Writer
	sch schema.Schema
}

// NewCSV builds a csv sink over path.
func NewCSV(path string, opts Options) Writer {
	return &csvWriter{path: path, opts: opts}
}

func (c *csvWriter) Initialize(_ context.Context, s schema.Schema) error {
	f, err := os.Create(c.path)
	if err != nil {
		return fmt.Errorf("writer: csv: %w", err)
	}
	c.cw = &countingWriter{f: f}
	c.w = csv.NewWriter(c.cw)
	if c.opts.Delimiter != 0 {
		c.w.Comma = c.opts.Delimiter
	}
	c.sch = s
	if !c.opts.NoHeader {
		if err := c.w.Write(s.Names()); err != nil {
			return fmt.Errorf("writer: csv: header: %w", err)
		}
	}
	return nil
}

func (c *csvWriter) WriteBatch(ctx context.Context, b schema.Batch) error {
	rec := make([]string, len(c.sch))
	for _, row := range b.Rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i, v := range row {
			rec[i] = schema.ToString(v)
		}
		if err := c.w.Write(rec); err != nil {
			return fmt.Errorf("writer: csv: %w", err)
		}
	}
	c.w.Flush()
	return c.w.Error()
}

func (c *csvWriter) Complete(context.Context) error {
	c.w.Flush()
	return c.w.Error()
}

func (c *csvWriter) Close() error {
	if c.cw == nil {
		return nil
	}
	return c.cw.f.Close()
}

func (c *csvWriter) BytesWritten() int64 {
	if c.cw == nil {
		return 0
	}
	return c.cw.n
}

// parquetWriter renders batches into one parquet file with Snappy
// compression.
type parquetWriter struct {
	path string

	f      *os.File
	pw     *parquet.GenericWriter[map[string]any]
	sch    schema.Schema
	fields []string
}

// NewParquet builds a parquet sink over path.
func NewParquet(path string) Writer {
	return &parquetWriter{path: path}
}

func (p *parquetWriter) Initialize(_ context.Context, s schema.Schema) error {
	f, err := os.Create(p.path)
	if err != nil {
		return fmt.Errorf("writer: parquet: %w", err)
	}
	p.f = f
	p.sch = s
	p.fields = s.Names()

	group := parquet.Group{}
	for _, c := range s {
		node := parquetNode(c.Type)
		if c.Nullable {
			node = parquet.Optional(node)
		}
		group[c.Name] = node
	}
	psch := parquet.NewSchema("dtpipe", group)
	p.pw = parquet.NewGenericWriter[map[string]any](f, psch, parquet.Compression(&parquet.Snappy))
	return nil
}

func (p *parquetWriter) WriteBatch(ctx context.Context, b schema.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	recs := make([]map[string]any, len(b.Rows))
	for i, row := range b.Rows {
		rec := make(map[string]any, len(p.fields))
		for j, name := range p.fields {
			if row[j] == nil {
				continue
			}
			v, err := parquetValue(row[j], p.sch[j].Type)
			if err != nil {
				return fmt.Errorf("writer: parquet: column %s: %w", name, err)
			}
			rec[name] = v
		}
		recs[i] = rec
	}
	if _, err := p.pw.Write(recs); err != nil {
		return fmt.Errorf("writer: parquet: %w", err)
	}
	return nil
}

func (p *parquetWriter) Complete(context.Context) error {
	if err := p.pw.Close(); err != nil {
		return fmt.Errorf("writer: parquet: close: %w", err)
	}
	p.pw = nil
	return nil
}

func (p *parquetWriter) Close() error {
	if p.pw != nil {
		// Failure path: still produce a syntactically complete file.
		_ = p.pw.Close()
	}
	if p.f != nil {
		return p.f.Close()
	}
	return nil
}

func (p *parquetWriter) BytesWritten() int64 {
	if p.f == nil {
		return 0
	}
	if st, err := p.f.Stat(); err == nil {
		return st.Size()
	}
	return 0
}

// parquetValue normalizes a cell onto the Go representation its parquet
// node expects.
func parquetValue(v schema.Value, t schema.LogicalType) (any, error) {
	coerced, err := schema.Coerce(v, t)
	if err != nil {
		return nil, err
	}
	switch t {
	case schema.Bool, schema.Bytes:
		return coerced, nil
	case schema.Int8, schema.Int16, schema.Int32, schema.Int64,
		schema.Uint8, schema.Uint16, schema.Uint32, schema.Uint64,
		schema.Float32, schema.Float64:
		return coerced, nil
	default:
		// String-backed nodes: temporal, decimal, uuid, string.
		return schema.ToString(coerced), nil
	}
}

func parquetNode(t schema.LogicalType) parquet.Node {
	// Integer and float families widen to 64 bits: pipeline values carry
	// int64/uint64/float64 and the round-trip law allows this coercion.
	switch t {
	case schema.Bool:
		return parquet.Leaf(parquet.BooleanType)
	case schema.Int8, schema.Int16, schema.Int32, schema.Int64:
		return parquet.Int(64)
	case schema.Uint8, schema.Uint16, schema.Uint32, schema.Uint64:
		return parquet.Uint(64)
	case schema.Float32, schema.Float64:
		return parquet.Leaf(parquet.DoubleType)
	case schema.Bytes:
		return parquet.Leaf(parquet.ByteArrayType)
	default:
		return parquet.String()
	}
}

// arrowWriter renders batches as Arrow IPC, stream format by default and
// file format for .arrow paths.
type arrowWriter struct {
	path string

	f      *os.File
	stream *ipc.Writer
	fileW  *ipc.FileWriter
	asch   *arrow.Schema
	sch    schema.Schema
}

// NewArrow builds an arrow sink over path.
func NewArrow(path string) Writer {
	return &arrowWriter{path: path}
}

func (a *arrowWriter) Initialize(_ context.Context, s schema.Schema) error {
	f, err := os.Create(a.path)
	if err != nil {
		return fmt.Errorf("writer: arrow: %w", err)
	}
	a.f = f
	a.sch = s

	fields := make([]arrow.Field, len(s))
	for i, c := range s {
		fields[i] = arrow.Field{Name: c.Name, Type: arrowType(c.Type), Nullable: c.Nullable}
	}
	a.asch = arrow.NewSchema(fields, nil)

	if strings.HasSuffix(strings.ToLower(a.path), ".arrow") {
		fw, err := ipc.NewFileWriter(f, ipc.WithSchema(a.asch))
		if err != nil {
			return fmt.Errorf("writer: arrow: %w", err)
		}
		a.fileW = fw
	} else {
		a.stream = ipc.NewWriter(f, ipc.WithSchema(a.asch))
	}
	return nil
}

func (a *arrowWriter) WriteBatch(ctx context.Context, b schema.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	builder := array.NewRecordBuilder(memory.DefaultAllocator, a.asch)
	defer builder.Release()

	for _, row := range b.Rows {
		for i := range a.sch {
			if err := appendArrowValue(builder.Field(i), row[i], a.sch[i].Type); err != nil {
				return fmt.Errorf("writer: arrow: column %s: %w", a.sch[i].Name, err)
			}
		}
	}
	rec := builder.NewRecord()
	defer rec.Release()

	var err error
	if a.fileW != nil {
		err = a.fileW.Write(rec)
	} else {
		err = a.stream.Write(rec)
	}
	if err != nil {
		return fmt.Errorf("writer: arrow: %w", err)
	}
	return nil
}

func (a *arrowWriter) Complete(context.Context) error {
	if a.fileW != nil {
		if err := a.fileW.Close(); err != nil {
			return fmt.Errorf("writer: arrow: close: %w", err)
		}
		a.fileW = nil
		return nil
	}
	if err := a.stream.Close(); err != nil {
		return fmt.Errorf("writer: arrow: close: %w", err)
	}
	a.stream = nil
	return nil
}

func (a *arrowWriter) Close() error {
	if a.fileW != nil {
		_ = a.fileW.Close()
	}
	if a.stream != nil {
		_ = a.stream.Close()
	}
	if a.f != nil {
		return a.f.Close()
	}
	return nil
}

func (a *arrowWriter) BytesWritten() int64 {
	if a.f == nil {
		return 0
	}
	if st, err := a.f.Stat(); err == nil {
		return st.Size()
	}
	return 0
}

func arrowType(t schema.LogicalType) arrow.DataType {
	switch t {
	case schema.Bool:
		return arrow.FixedWidthTypes.Boolean
	case schema.Int8:
		return arrow.PrimitiveTypes.Int8
	case schema.Int16:
		return arrow.PrimitiveTypes.Int16
	case schema.Int32:
		return arrow.PrimitiveTypes.Int32
	case schema.Int64:
		return arrow.PrimitiveTypes.Int64
	case schema.Uint8:
		return arrow.PrimitiveTypes.Uint8
	case schema.Uint16:
		return arrow.PrimitiveTypes.Uint16
	case schema.Uint32:
		return arrow.PrimitiveTypes.Uint32
	case schema.Uint64:
		return arrow.PrimitiveTypes.Uint64
	case schema.Float32:
		return arrow.PrimitiveTypes.Float32
	case schema.Float64:
		return arrow.PrimitiveTypes.Float64
	case schema.Bytes:
		return arrow.BinaryTypes.Binary
	case schema.Timestamp:
		return &arrow.TimestampType{Unit: arrow.Microsecond}
	case schema.TimestampTZ:
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	case schema.Date:
		return arrow.FixedWidthTypes.Date32
	default:
		return arrow.BinaryTypes.String
	}
}

func appendArrowValue(b array.Builder, v schema.Value, t schema.LogicalType) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	coerced, err := schema.Coerce(v, t)
	if err != nil {
		return err
	}
	switch builder := b.(type) {
	case *array.BooleanBuilder:
		builder.Append(coerced.(bool))
	case *array.Int8Builder:
		builder.Append(int8(coerced.(int64)))
	case *array.Int16Builder:
		builder.Append(int16(coerced.(int64)))
	case *array.Int32Builder:
		builder.Append(int32(coerced.(int64)))
	case *array.Int64Builder:
		builder.Append(coerced.(int64))
	case *array.Uint8Builder:
		builder.Append(uint8(coerced.(uint64)))
	case *array.Uint16Builder:
		builder.Append(uint16(coerced.(uint64)))
	case *array.Uint32Builder:
		builder.Append(uint32(coerced.(uint64)))
	case *array.Uint64Builder:
		builder.Append(coerced.(uint64))
	case *array.Float32Builder:
		builder.Append(float32(coerced.(float64)))
	case *array.Float64Builder:
		builder.Append(coerced.(float64))
	case *array.BinaryBuilder:
		builder.Append(coerced.([]byte))
	case *array.StringBuilder:
		builder.Append(schema.ToString(coerced))
	case *array.TimestampBuilder:
		ts := coerced.(time.Time)
		builder.Append(arrow.Timestamp(ts.UnixMicro()))
	case *array.Date32Builder:
		ts := coerced.(time.Time)
		builder.Append(arrow.Date32FromTime(ts))
	default:
		return fmt.Errorf("unsupported arrow builder %T", b)
	}
	return nil
}
