package reader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dtpipe/dtpipe/internal/schema"
)

// csvReader streams an RFC 4180 file. Without a header the columns are
// named col1..colN; without a type declaration every column is a string.
type csvReader struct {
	path string
	opts Options

	file *os.File
	r    *csv.Reader
	sch  schema.Schema
	// peeked holds the first record when the file has no header: it is both
	// the arity probe and the first data row.
	peeked []string
	done   bool
}

// NewCSV builds a reader over path.
func NewCSV(path string, opts Options) Reader {
	return &csvReader{path: path, opts: opts}
}

func (c *csvReader) Open(ctx context.Context) error {
	f, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("reader: csv: %w", err)
	}
	c.file = f
	c.r = csv.NewReader(f)
	c.r.ReuseRecord = false
	if c.opts.Delimiter != 0 {
		c.r.Comma = c.opts.Delimiter
	}

	first, err := c.r.Read()
	if errors.Is(err, io.EOF) {
		c.done = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("reader: csv: read header: %w", err)
	}

	names := first
	if c.opts.NoHeader {
		c.peeked = first
		names = make([]string, len(first))
		for i := range first {
			names[i] = fmt.Sprintf("col%d", i+1)
		}
	}
	c.sch = make(schema.Schema, len(names))
	for i, n := range names {
		typ := schema.String
		if t, ok := c.opts.Types[n]; ok {
			typ = t
		}
		c.sch[i] = schema.ColumnInfo{Name: n, Type: typ, Nullable: true}
	}
	return nil
}

func (c *csvReader) Schema() schema.Schema { return c.sch }

func (c *csvReader) ReadBatch(ctx context.Context, n int) (schema.Batch, error) {
	if c.done {
		return schema.Batch{}, io.EOF
	}
	batch := schema.Batch{Columns: c.sch}
	if c.peeked != nil {
		row, err := c.convert(c.peeked)
		if err != nil {
			return schema.Batch{}, err
		}
		batch.Rows = append(batch.Rows, row)
		c.peeked = nil
	}
	for len(batch.Rows) < n {
		if err := ctx.Err(); err != nil {
			return schema.Batch{}, err
		}
		rec, err := c.r.Read()
		if errors.Is(err, io.EOF) {
			c.done = true
			break
		}
		if err != nil {
			return schema.Batch{}, fmt.Errorf("reader: csv: %w", err)
		}
		row, err := c.convert(rec)
		if err != nil {
			return schema.Batch{}, err
		}
		batch.Rows = append(batch.Rows, row)
	}
	if len(batch.Rows) == 0 {
		return schema.Batch{}, io.EOF
	}
	return batch, nil
}

func (c *csvReader) convert(rec []string) (schema.Row, error) {
	if len(rec) != len(c.sch) {
		return nil, fmt.Errorf("reader: csv: record has %d fields, schema has %d", len(rec), len(c.sch))
	}
	row := make(schema.Row, len(rec))
	for i, field := range rec {
		if field == "" && c.sch[i].Type != schema.String {
			// Empty non-string cells read as NULL.
			continue
		}
		v, err := schema.Coerce(field, c.sch[i].Type)
		if err != nil {
			return nil, fmt.Errorf("reader: csv: column %s: %w", c.sch[i].Name, err)
		}
		row[i] = v
	}
	return row, nil
}

func (c *csvReader) Close() error {
	if c.file == nil {
		return nil
	}
	return c.file.Close()
}
