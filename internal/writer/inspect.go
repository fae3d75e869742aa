package writer

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dtpipe/dtpipe/internal/dialect"
	"github.com/dtpipe/dtpipe/internal/endpoint"
)

// inspectTarget discovers what exists at the sink table: columns with
// native types, nullability, primary key and unique membership, and a row
// count. Built once per job, before the strategy acts.
func inspectTarget(ctx context.Context, db *sql.DB, kind endpoint.Kind, d dialect.Dialect, table string) (*TargetInfo, error) {
	var (
		info *TargetInfo
		err  error
	)
	switch kind {
	case endpoint.SQLite:
		info, err = inspectSQLite(ctx, db, table)
	case endpoint.Postgres:
		info, err = inspectInformationSchema(ctx, db, d, table, pgInspectQueries)
	case endpoint.DuckDB:
		info, err = inspectInformationSchema(ctx, db, d, table, duckInspectQueries)
	case endpoint.SQLServer:
		info, err = inspectInformationSchema(ctx, db, d, table, mssqlInspectQueries)
	case endpoint.Oracle:
		info, err = inspectInformationSchema(ctx, db, d, table, oraInspectQueries)
	default:
		return nil, fmt.Errorf("writer: inspect: no introspection for %q", kind)
	}
	if err != nil {
		return nil, err
	}
	for i := range info.Columns {
		info.Columns[i].Type = d.LogicalType(info.Columns[i].NativeType)
	}
	if info.Exists {
		var count int64
		row := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIfNeeded(d, table)))
		if err := row.Scan(&count); err == nil {
			info.RowCount = count
		}
	}
	return info, nil
}

// inspectQueries parameterizes the shared information_schema walk. The
// column query must yield (name, native_type, is_nullable, max_length);
// the key query must yield (column_name, constraint_type).
type inspectQueries struct {
	columns string
	keys    string
}

var pgInspectQueries = inspectQueries{
	columns: `SELECT column_name, data_type, CASE WHEN is_nullable = 'YES' THEN 1 ELSE 0 END,
			COALESCE(character_maximum_length, 0)
		FROM information_schema.columns
		WHERE table_name = $1 AND table_schema = ANY (current_schemas(false))
		ORDER BY ordinal_position`,
	keys: `SELECT kcu.column_name, tc.constraint_type
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON kcu.constraint_name = tc.constraint_name
			AND kcu.table_schema = tc.table_schema
		WHERE tc.table_name = $1 AND tc.constraint_type IN ('PRIMARY KEY', 'UNIQUE')
		ORDER BY kcu.ordinal_position`,
}

var duckInspectQueries = inspectQueries{
	columns: `SELECT column_name, data_type, CASE WHEN is_nullable = 'YES' THEN 1 ELSE 0 END,
			COALESCE(character_maximum_length, 0)
		FROM information_schema.columns
		WHERE table_name = ?
		ORDER BY ordinal_position`,
	keys: `SELECT unnest(constraint_column_names), constraint_type
		FROM duckdb_constraints()
		WHERE table_name = ? AND constraint_type IN ('PRIMARY KEY', 'UNIQUE')`,
}

var mssqlInspectQueries = inspectQueries{
	columns: `SELECT column_name, data_type, CASE WHEN is_nullable = 'YES' THEN 1 ELSE 0 END,
			COALESCE(character_maximum_length, 0)
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE table_name = @p1
		ORDER BY ordinal_position`,
	keys: `SELECT kcu.column_name, tc.constraint_type
		FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
		JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
			ON kcu.constraint_name = tc.constraint_name
		WHERE tc.table_name = @p1 AND tc.constraint_type IN ('PRIMARY KEY', 'UNIQUE')
		ORDER BY kcu.ordinal_position`,
}

var oraInspectQueries = inspectQueries{
	columns: `SELECT column_name, data_type,
			CASE WHEN nullable = 'Y' THEN 1 ELSE 0 END, COALESCE(char_length, 0)
		FROM user_tab_columns
		WHERE table_name = :1
		ORDER BY column_id`,
	keys: `SELECT cc.column_name,
			CASE c.constraint_type WHEN 'P' THEN 'PRIMARY KEY' ELSE 'UNIQUE' END
		FROM user_constraints c
		JOIN user_cons_columns cc ON cc.constraint_name = c.constraint_name
		WHERE c.table_name = :1 AND c.constraint_type IN ('P', 'U')
		ORDER BY cc.position`,
}

func inspectInformationSchema(ctx context.Context, db *sql.DB, d dialect.Dialect, table string, q inspectQueries) (*TargetInfo, error) {
	lookup := d.Normalize(table)

	rows, err := db.QueryContext(ctx, q.columns, lookup)
	if err != nil {
		return nil, fmt.Errorf("writer: inspect columns: %w", err)
	}
	defer rows.Close()

	info := &TargetInfo{}
	for rows.Next() {
		var (
			c        TargetColumn
			nullable int
		)
		if err := rows.Scan(&c.Name, &c.NativeType, &nullable, &c.MaxLength); err != nil {
			return nil, fmt.Errorf("writer: inspect scan: %w", err)
		}
		c.Nullable = nullable != 0
		info.Columns = append(info.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("writer: inspect: %w", err)
	}
	if len(info.Columns) == 0 {
		return info, nil
	}
	info.Exists = true

	keyRows, err := db.QueryContext(ctx, q.keys, lookup)
	if err != nil {
		return nil, fmt.Errorf("writer: inspect keys: %w", err)
	}
	defer keyRows.Close()
	for keyRows.Next() {
		var col, kind string
		if err := keyRows.Scan(&col, &kind); err != nil {
			return nil, fmt.Errorf("writer: inspect key scan: %w", err)
		}
		if c := info.Column(col); c != nil {
			if kind == "PRIMARY KEY" {
				c.IsPK = true
				info.PrimaryKey = append(info.PrimaryKey, col)
			} else {
				c.IsUnique = true
			}
		}
	}
	return info, keyRows.Err()
}

// inspectSQLite walks the pragma tables; SQLite has no information_schema.
func inspectSQLite(ctx context.Context, db *sql.DB, table string) (*TargetInfo, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("writer: inspect: %w", err)
	}
	defer rows.Close()

	info := &TargetInfo{}
	for rows.Next() {
		var (
			cid     int
			c       TargetColumn
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &c.Name, &c.NativeType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("writer: inspect scan: %w", err)
		}
		c.Nullable = notNull == 0
		c.IsPK = pk > 0
		if c.IsPK {
			info.PrimaryKey = append(info.PrimaryKey, c.Name)
		}
		info.Columns = append(info.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("writer: inspect: %w", err)
	}
	info.Exists = len(info.Columns) > 0
	if !info.Exists {
		return info, nil
	}

	// Unique membership comes from the index list.
	idxRows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(%q)", table))
	if err != nil {
		return info, nil
	}
	defer idxRows.Close()
	type idx struct {
		name   string
		unique bool
	}
	var idxs []idx
	for idxRows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := idxRows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			break
		}
		if unique == 1 {
			idxs = append(idxs, idx{name: name, unique: true})
		}
	}
	for _, ix := range idxs {
		colRows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(%q)", ix.name))
		if err != nil {
			continue
		}
		for colRows.Next() {
			var seqno, cid int
			var col string
			if err := colRows.Scan(&seqno, &cid, &col); err != nil {
				break
			}
			if c := info.Column(col); c != nil {
				c.IsUnique = true
			}
		}
		colRows.Close()
	}
	return info, nil
}

func quoteIfNeeded(d dialect.Dialect, name string) string {
	if d.NeedsQuoting(name) {
		return d.Quote(name)
	}
	return name
}
