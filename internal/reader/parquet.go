package reader

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/dtpipe/dtpipe/internal/schema"
)

// parquetReader streams row groups out of a parquet file as generic maps.
type parquetReader struct {
	path string

	file *os.File
	pr   *parquet.GenericReader[any]
	sch  schema.Schema
	// fields keeps the parquet column order; Go maps do not.
	fields []string
	done   bool
}

// NewParquet builds a reader over path.
func NewParquet(path string) Reader {
	return &parquetReader{path: path}
}

func (p *parquetReader) Open(ctx context.Context) error {
	f, err := os.Open(p.path)
	if err != nil {
		return fmt.Errorf("reader: parquet: %w", err)
	}
	p.file = f
	p.pr = parquet.NewGenericReader[any](f)

	psch := p.pr.Schema()
	for _, field := range psch.Fields() {
		p.fields = append(p.fields, field.Name())
		p.sch = append(p.sch, schema.ColumnInfo{
			Name:     field.Name(),
			Type:     parquetLogicalType(field),
			Nullable: field.Optional(),
		})
	}
	return nil
}

func (p *parquetReader) Schema() schema.Schema { return p.sch }

func (p *parquetReader) ReadBatch(ctx context.Context, n int) (schema.Batch, error) {
	if p.done {
		return schema.Batch{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return schema.Batch{}, err
	}

	buf := make([]any, n)
	read, err := p.pr.Read(buf)
	if err == io.EOF {
		p.done = true
	} else if err != nil {
		return schema.Batch{}, fmt.Errorf("reader: parquet: %w", err)
	}
	if read == 0 {
		return schema.Batch{}, io.EOF
	}

	batch := schema.Batch{Columns: p.sch, Rows: make([]schema.Row, read)}
	for i := 0; i < read; i++ {
		obj, _ := buf[i].(map[string]any)
		row := make(schema.Row, len(p.fields))
		for j, name := range p.fields {
			v, err := schema.Coerce(obj[name], p.sch[j].Type)
			if err != nil {
				return schema.Batch{}, fmt.Errorf("reader: parquet: column %s: %w", name, err)
			}
			row[j] = v
		}
		batch.Rows[i] = row
	}
	return batch, nil
}

func (p *parquetReader) Close() error {
	if p.pr != nil {
		p.pr.Close()
	}
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}

// parquetLogicalType maps a parquet field onto the pipeline type set.
func parquetLogicalType(field parquet.Field) schema.LogicalType {
	if field.Type() == nil {
		return schema.String
	}
	switch field.Type().Kind() {
	case parquet.Boolean:
		return schema.Bool
	case parquet.Int32:
		return schema.Int32
	case parquet.Int64:
		return schema.Int64
	case parquet.Float:
		return schema.Float32
	case parquet.Double:
		return schema.Float64
	case parquet.ByteArray:
		if field.Type().LogicalType() != nil && field.Type().LogicalType().UTF8 != nil {
			return schema.String
		}
		return schema.Bytes
	case parquet.FixedLenByteArray:
		return schema.Bytes
	default:
		return schema.String
	}
}
