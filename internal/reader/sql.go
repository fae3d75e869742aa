package reader

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"
	_ "github.com/sijms/go-ora/v2"

	"github.com/dtpipe/dtpipe/internal/dialect"
	"github.com/dtpipe/dtpipe/internal/endpoint"
	"github.com/dtpipe/dtpipe/internal/retry"
	"github.com/dtpipe/dtpipe/internal/schema"
)

// driverNames maps endpoint kinds to database/sql driver registrations.
var driverNames = map[endpoint.Kind]string{
	endpoint.Postgres:  "pgx",
	endpoint.SQLServer: "sqlserver",
	endpoint.Oracle:    "oracle",
	endpoint.DuckDB:    "duckdb",
	endpoint.SQLite:    "sqlite3",
}

// sqlReader is the shared skeleton for the five relational sources: one
// connection, one streaming result cursor, batches pulled on demand.
type sqlReader struct {
	kind endpoint.Kind
	dsn  string
	opts Options
	d    dialect.Dialect

	db   *sql.DB
	rows *sql.Rows
	sch  schema.Schema
	// types holds each column's logical type for value normalization.
	types []schema.LogicalType
}

// NewSQL builds a reader for a relational endpoint. The query must already
// have passed the safety check.
func NewSQL(ep endpoint.Endpoint, opts Options) (Reader, error) {
	if opts.Query == "" {
		return nil, retry.New(retry.Config, "reader", fmt.Errorf("database source %s requires a query", ep.Kind))
	}
	d, err := dialect.ForName(string(ep.Kind))
	if err != nil {
		return nil, err
	}
	return &sqlReader{kind: ep.Kind, dsn: ep.Spec, opts: opts, d: d}, nil
}

func (r *sqlReader) Open(ctx context.Context) error {
	db, err := sql.Open(driverNames[r.kind], r.dsn)
	if err != nil {
		return fmt.Errorf("reader: %s: open: %w", r.kind, err)
	}
	// A reader owns exactly one streaming cursor; cap the pool to match.
	db.SetMaxOpenConns(1)

	pingCtx := ctx
	if r.opts.ConnTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, r.opts.ConnTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return fmt.Errorf("reader: %s: connect: %w", r.kind, err)
	}

	rows, err := db.QueryContext(ctx, r.opts.Query)
	if err != nil {
		db.Close()
		return fmt.Errorf("reader: %s: query: %w", r.kind, err)
	}

	sch, types, err := schemaFromColumns(rows, r.d)
	if err != nil {
		rows.Close()
		db.Close()
		return err
	}

	r.db, r.rows, r.sch, r.types = db, rows, sch, types
	return nil
}

func (r *sqlReader) Schema() schema.Schema { return r.sch }

func (r *sqlReader) ReadBatch(ctx context.Context, n int) (schema.Batch, error) {
	if r.rows == nil {
		return schema.Batch{}, fmt.Errorf("reader: %s: not opened", r.kind)
	}
	fctx, cancel := fetchCtx(ctx, r.opts)
	defer cancel()

	batch := schema.Batch{Columns: r.sch}
	deadline, hasDeadline := fctx.Deadline()
	for len(batch.Rows) < n && r.rows.Next() {
		row, err := r.scanRow()
		if err != nil {
			return schema.Batch{}, err
		}
		batch.Rows = append(batch.Rows, row)
		if err := fctx.Err(); err != nil {
			return schema.Batch{}, err
		}
		if hasDeadline && time.Now().After(deadline) {
			return schema.Batch{}, context.DeadlineExceeded
		}
	}
	if err := r.rows.Err(); err != nil {
		return schema.Batch{}, fmt.Errorf("reader: %s: fetch: %w", r.kind, err)
	}
	if len(batch.Rows) == 0 {
		return schema.Batch{}, io.EOF
	}
	return batch, nil
}

func (r *sqlReader) scanRow() (schema.Row, error) {
	dests := make([]any, len(r.sch))
	for i := range dests {
		dests[i] = new(any)
	}
	if err := r.rows.Scan(dests...); err != nil {
		return nil, fmt.Errorf("reader: %s: scan: %w", r.kind, err)
	}
	row := make(schema.Row, len(r.sch))
	for i, d := range dests {
		row[i] = normalizeDriverValue(*(d.(*any)), r.types[i])
	}
	return row, nil
}

func (r *sqlReader) Close() error {
	var first error
	if r.rows != nil {
		if err := r.rows.Close(); err != nil {
			first = err
		}
		r.rows = nil
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil && first == nil {
			first = err
		}
		r.db = nil
	}
	return first
}

// schemaFromColumns maps the cursor's column metadata onto the pipeline
// type set using the target dialect's native-type rules.
func schemaFromColumns(rows *sql.Rows, d dialect.Dialect) (schema.Schema, []schema.LogicalType, error) {
	cts, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, fmt.Errorf("reader: column types: %w", err)
	}
	sch := make(schema.Schema, len(cts))
	types := make([]schema.LogicalType, len(cts))
	for i, ct := range cts {
		lt := d.LogicalType(ct.DatabaseTypeName())
		nullable := true
		if n, ok := ct.Nullable(); ok {
			nullable = n
		}
		name := ct.Name()
		sch[i] = schema.ColumnInfo{
			Name:          name,
			Type:          lt,
			Nullable:      nullable,
			CaseSensitive: d.Normalize(name) != name && d.NeedsQuoting(name),
		}
		types[i] = lt
	}
	if err := sch.Validate(d.Normalize); err != nil {
		return nil, nil, err
	}
	return sch, types, nil
}

// normalizeDriverValue collapses driver scan types onto the pipeline value
// set so transformers see one representation per logical type.
func normalizeDriverValue(v any, t schema.LogicalType) schema.Value {
	if v == nil {
		return nil
	}
	switch x := v.(type) {
	case []byte:
		if t == schema.Bytes {
			return x
		}
		if coerced, err := schema.Coerce(string(x), t); err == nil {
			return coerced
		}
		return string(x)
	case time.Time:
		return x
	default:
		if coerced, err := schema.Coerce(v, t); err == nil {
			return coerced
		}
		return v
	}
}
