package writer

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	mssql "github.com/microsoft/go-mssqldb"

	"github.com/dtpipe/dtpipe/internal/endpoint"
	"github.com/dtpipe/dtpipe/internal/schema"
)

// bulkInsert attempts the provider's native bulk path. It returns done=true
// when the batch was fully written; done=false falls back to the standard
// parameterized insert.
func (w *sqlWriter) bulkInsert(ctx context.Context, table string, b schema.Batch) (done bool, err error) {
	switch w.kind {
	case endpoint.Postgres:
		return true, w.copyFromPostgres(ctx, table, b)
	case endpoint.SQLServer:
		return true, w.bulkCopySQLServer(ctx, table, b)
	default:
		return false, nil
	}
}

// copyFromPostgres drives the COPY protocol through the pgx connection
// underneath database/sql.
func (w *sqlWriter) copyFromPostgres(ctx context.Context, table string, b schema.Batch) error {
	conn, err := w.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("writer: pg: acquire conn: %w", err)
	}
	defer conn.Close()

	cols := make([]string, len(w.sch))
	for i, c := range w.sch {
		cols[i] = w.d.Normalize(c.Name)
		if c.CaseSensitive {
			cols[i] = c.Name
		}
	}
	src := make([][]any, len(b.Rows))
	for i, r := range b.Rows {
		src[i] = r
	}

	return conn.Raw(func(driverConn any) error {
		pgxConn := driverConn.(*stdlib.Conn).Conn()
		_, err := pgxConn.CopyFrom(ctx, pgx.Identifier{table}, cols, pgx.CopyFromRows(src))
		if err != nil {
			return fmt.Errorf("writer: pg: copy: %w", err)
		}
		return nil
	})
}

// bulkCopySQLServer streams the batch through the TDS bulk-load statement.
func (w *sqlWriter) bulkCopySQLServer(ctx context.Context, table string, b schema.Batch) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("writer: mssql: begin bulk: %w", err)
	}
	defer tx.Rollback()

	cols := make([]string, len(w.sch))
	for i, c := range w.sch {
		cols[i] = c.Name
	}
	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(table, mssql.BulkOptions{}, cols...))
	if err != nil {
		return fmt.Errorf("writer: mssql: prepare bulk: %w", err)
	}
	for _, row := range b.Rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			stmt.Close()
			return fmt.Errorf("writer: mssql: bulk row: %w", err)
		}
	}
	// The final empty Exec flushes the bulk stream.
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("writer: mssql: bulk flush: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("writer: mssql: close bulk: %w", err)
	}
	return tx.Commit()
}
