package writer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dtpipe/dtpipe/internal/dialect"
	"github.com/dtpipe/dtpipe/internal/endpoint"
	"github.com/dtpipe/dtpipe/internal/job"
	"github.com/dtpipe/dtpipe/internal/retry"
	"github.com/dtpipe/dtpipe/internal/schema"
)

// driverNames maps endpoint kinds to database/sql driver registrations.
// The drivers themselves are registered by the reader package's imports.
var driverNames = map[endpoint.Kind]string{
	endpoint.Postgres:  "pgx",
	endpoint.SQLServer: "sqlserver",
	endpoint.Oracle:    "oracle",
	endpoint.DuckDB:    "duckdb",
	endpoint.SQLite:    "sqlite3",
}

// maxBindParams bounds one INSERT statement; rows are chunked so the
// placeholder count stays under every provider's limit.
const maxBindParams = 1000

// sqlWriter drives the strategy state machine against a relational sink.
type sqlWriter struct {
	kind endpoint.Kind
	dsn  string
	d    dialect.Dialect
	opts Options

	db   *sql.DB
	info *TargetInfo
	sch  schema.Schema

	// keys are the resolved physical key column names for Upsert/Ignore.
	keys []string
	// staging is the ephemeral table name when the merge path is used.
	staging string
	// stagedRows counts rows loaded into staging, for reject accounting.
	stagedRows  int64
	rejected    int64
	initialized bool
}

// NewSQL builds a strategy-driven writer for a relational endpoint.
func NewSQL(ep endpoint.Endpoint, opts Options) (*sqlWriter, error) {
	if opts.Table == "" {
		return nil, retry.New(retry.Config, "writer", fmt.Errorf("database sink %s requires --table", ep.Kind))
	}
	d, err := dialect.ForName(string(ep.Kind))
	if err != nil {
		return nil, err
	}
	return &sqlWriter{kind: ep.Kind, dsn: ep.Spec, d: d, opts: opts}, nil
}

// Open connects the sink session. It runs before Inspect so the validator
// can see the target without the strategy having acted.
func (w *sqlWriter) Open(ctx context.Context) error {
	db, err := sql.Open(driverNames[w.kind], w.dsn)
	if err != nil {
		return fmt.Errorf("writer: %s: open: %w", w.kind, err)
	}
	pingCtx := ctx
	if w.opts.ConnTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, w.opts.ConnTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return fmt.Errorf("writer: %s: connect: %w", w.kind, err)
	}
	w.db = db
	return nil
}

// ExecHook runs a lifecycle hook statement on the sink session.
func (w *sqlWriter) ExecHook(ctx context.Context, stmt string) error {
	if _, err := w.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("writer: %s: hook: %w", w.kind, err)
	}
	return nil
}

// Inspect builds the immutable TargetInfo.
func (w *sqlWriter) Inspect(ctx context.Context) (*TargetInfo, error) {
	if w.info != nil {
		return w.info, nil
	}
	info, err := inspectTarget(ctx, w.db, w.kind, w.d, w.opts.Table)
	if err != nil {
		return nil, err
	}
	w.info = info
	return info, nil
}

// Initialize runs the strategy preparation: create, truncate, delete,
// introspect-drop-recreate, or staging setup, then freezes the physical
// write plan.
func (w *sqlWriter) Initialize(ctx context.Context, s schema.Schema) error {
	w.sch = s
	if w.info == nil {
		if _, err := w.Inspect(ctx); err != nil {
			if !w.opts.AutoMigrate {
				return retry.New(retry.Fatal, "writer", fmt.Errorf("inspect %s: %w", w.opts.Table, err))
			}
			w.info = &TargetInfo{}
		}
	}

	strategy := job.Strategy(w.opts.Strategy)
	if strategy == job.Upsert || strategy == job.Ignore {
		if err := w.resolveKeys(); err != nil {
			return err
		}
	}

	if !w.info.Exists {
		if err := w.createFromSource(ctx); err != nil {
			return err
		}
	} else {
		switch strategy {
		case job.Append:
			// Plain insert into what is there.
		case job.Truncate:
			if err := w.truncate(ctx); err != nil {
				return err
			}
		case job.DeleteThenInsert:
			if err := w.exec(ctx, fmt.Sprintf("DELETE FROM %s", w.tableIdent(w.opts.Table))); err != nil {
				return err
			}
		case job.Recreate:
			if err := w.recreate(ctx); err != nil {
				return err
			}
		case job.Upsert, job.Ignore:
			// Collision handling is in the insert or the final merge.
		default:
			return retry.New(retry.Config, "writer", fmt.Errorf("unknown strategy %q", w.opts.Strategy))
		}
	}

	if (strategy == job.Upsert || strategy == job.Ignore) && w.d.Upsert() == dialect.UpsertMerge {
		if err := w.createStaging(ctx); err != nil {
			return err
		}
	}
	w.initialized = true
	return nil
}

// resolveKeys applies the key resolution order: discovered primary key,
// then user-supplied columns normalized to physical target names. The two
// sources are de-duplicated case-insensitively.
func (w *sqlWriter) resolveKeys() error {
	seen := map[string]bool{}
	var keys []string
	add := func(name string) {
		folded := strings.ToLower(name)
		if !seen[folded] {
			seen[folded] = true
			keys = append(keys, name)
		}
	}
	for _, k := range w.info.PrimaryKey {
		add(k)
	}
	for _, k := range w.opts.KeyColumns {
		add(w.physicalName(k))
	}
	if len(keys) == 0 {
		return retry.New(retry.Validation, "writer",
			fmt.Errorf("%s requires a key: target %s has no primary key and no --key given", w.opts.Strategy, w.opts.Table))
	}
	w.keys = keys
	return nil
}

// physicalName maps a user-supplied column name onto the physical target
// column via the dialect's folding rule, falling back to the source schema
// and finally the dialect default.
func (w *sqlWriter) physicalName(name string) string {
	if w.info != nil {
		for _, c := range w.info.Columns {
			if w.d.Normalize(c.Name) == w.d.Normalize(name) {
				return c.Name
			}
		}
	}
	if i := w.sch.Index(name, w.d.Normalize); i >= 0 {
		return w.sch[i].Name
	}
	return w.d.Normalize(name)
}

func (w *sqlWriter) createFromSource(ctx context.Context) error {
	ddl, err := w.createDDL(w.opts.Table, sourceDDLColumns(w.sch, w.d))
	if err != nil {
		return err
	}
	return w.exec(ctx, ddl)
}

// recreate enforces the introspect-before-drop invariant: the captured
// native types rebuild the table after the drop.
func (w *sqlWriter) recreate(ctx context.Context) error {
	cols, err := w.capturedDDLColumns()
	if err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf("DROP TABLE %s", w.tableIdent(w.opts.Table))); err != nil {
		return err
	}
	ddl, err := w.createDDL(w.opts.Table, cols)
	if err != nil {
		return err
	}
	return w.exec(ctx, ddl)
}

// capturedDDLColumns renders the recreate column list from introspection,
// falling back to source logical types only under auto-migrate.
func (w *sqlWriter) capturedDDLColumns() ([]ddlColumn, error) {
	if len(w.info.Columns) == 0 {
		if !w.opts.AutoMigrate {
			return nil, retry.New(retry.Fatal, "writer",
				fmt.Errorf("recreate %s: no captured column types (enable --auto-migrate to build from source types)", w.opts.Table))
		}
		return sourceDDLColumns(w.sch, w.d), nil
	}
	cols := make([]ddlColumn, 0, len(w.info.Columns))
	for _, c := range w.info.Columns {
		cols = append(cols, ddlColumn{
			name:     c.Name,
			typeName: c.NativeType,
			notNull:  !c.Nullable,
			pk:       c.IsPK,
		})
	}
	return cols, nil
}

func (w *sqlWriter) truncate(ctx context.Context) error {
	if !w.d.SupportsTruncate() {
		// Fall back to DeleteThenInsert semantics.
		return w.exec(ctx, fmt.Sprintf("DELETE FROM %s", w.tableIdent(w.opts.Table)))
	}
	return w.exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", w.tableIdent(w.opts.Table)))
}

func (w *sqlWriter) createStaging(ctx context.Context) error {
	w.staging = fmt.Sprintf("dtpipe_stage_%s", strings.ReplaceAll(uuid.NewString()[:13], "-", ""))
	ddl, err := w.createDDL(w.staging, sourceDDLColumns(w.sch, w.d))
	if err != nil {
		return err
	}
	return w.exec(ctx, ddl)
}

// WriteBatch loads one batch through the physical plan: plain insert,
// conflict-resolving insert, or staging insert.
func (w *sqlWriter) WriteBatch(ctx context.Context, b schema.Batch) error {
	if !w.initialized {
		return retry.New(retry.Fatal, "writer", errors.New("WriteBatch before Initialize"))
	}
	if w.opts.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.WriteTimeout)
		defer cancel()
	}

	table := w.opts.Table
	if w.staging != "" {
		table = w.staging
	}

	if job.InsertMode(w.opts.InsertMode) == job.InsertBulk && w.staging == "" && !w.conflictInsert() {
		if done, err := w.bulkInsert(ctx, table, b); done || err != nil {
			return err
		}
	}

	// Chunk rows so the bind-parameter count stays bounded.
	rowsPerChunk := max(1, maxBindParams/max(1, len(w.sch)))
	for start := 0; start < len(b.Rows); start += rowsPerChunk {
		end := min(start+rowsPerChunk, len(b.Rows))
		if err := w.insertChunk(ctx, table, b.Rows[start:end], start); err != nil {
			return err
		}
	}
	if w.staging != "" {
		w.stagedRows += int64(len(b.Rows))
	}
	return nil
}

// conflictInsert reports whether inserts carry ON CONFLICT clauses.
func (w *sqlWriter) conflictInsert() bool {
	s := job.Strategy(w.opts.Strategy)
	return (s == job.Upsert || s == job.Ignore) && w.d.Upsert() == dialect.UpsertConflict
}

func (w *sqlWriter) insertChunk(ctx context.Context, table string, rows []schema.Row, rowOffset int) error {
	stmt, args := w.buildInsert(table, rows)
	res, err := w.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		if retry.KindOf(err) == retry.Transient {
			return err
		}
		return w.analyzeFailure(ctx, table, rows, rowOffset, err)
	}
	if job.Strategy(w.opts.Strategy) == job.Ignore && w.staging == "" {
		if affected, aerr := res.RowsAffected(); aerr == nil {
			w.rejected += int64(len(rows)) - affected
		}
	}
	return nil
}

// buildInsert renders a multi-row parameterized INSERT, with the conflict
// clause when the strategy needs one.
func (w *sqlWriter) buildInsert(table string, rows []schema.Row) (string, []any) {
	var b strings.Builder
	cols := make([]string, len(w.sch))
	for i, c := range w.sch {
		cols[i] = dialect.Ident(w.d, c)
	}
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", w.tableIdent(table), strings.Join(cols, ", "))

	args := make([]any, 0, len(rows)*len(w.sch))
	n := 1
	for ri, row := range rows {
		if ri > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for ci := range w.sch {
			if ci > 0 {
				b.WriteString(", ")
			}
			b.WriteString(w.d.Placeholder(n))
			args = append(args, row[ci])
			n++
		}
		b.WriteByte(')')
	}

	if w.conflictInsert() {
		b.WriteString(w.conflictClause())
	}
	return b.String(), args
}

// conflictClause renders the ON CONFLICT tail for Upsert/Ignore on targets
// with native conflict handling.
func (w *sqlWriter) conflictClause() string {
	keyIdents := make([]string, len(w.keys))
	isKey := map[string]bool{}
	for i, k := range w.keys {
		keyIdents[i] = w.identFor(k)
		isKey[strings.ToLower(k)] = true
	}
	if job.Strategy(w.opts.Strategy) == job.Ignore {
		return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(keyIdents, ", "))
	}
	var sets []string
	for _, c := range w.sch {
		if isKey[strings.ToLower(c.Name)] {
			continue
		}
		id := dialect.Ident(w.d, c)
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", id, id))
	}
	if len(sets) == 0 {
		// Key-only table: collisions carry no updatable columns.
		return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(keyIdents, ", "))
	}
	return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s",
		strings.Join(keyIdents, ", "), strings.Join(sets, ", "))
}

// Complete merges staged rows into the target and drops the staging table.
func (w *sqlWriter) Complete(ctx context.Context) error {
	if w.staging == "" {
		return nil
	}
	if err := w.mergeStaging(ctx); err != nil {
		return err
	}
	staging := w.staging
	w.staging = ""
	return w.exec(ctx, fmt.Sprintf("DROP TABLE %s", w.tableIdent(staging)))
}

// mergeStaging renders the MERGE used by targets without native conflict
// inserts (SQL Server, Oracle).
func (w *sqlWriter) mergeStaging(ctx context.Context) error {
	isKey := map[string]bool{}
	for _, k := range w.keys {
		isKey[strings.ToLower(k)] = true
	}

	var on, sets, insertCols, insertVals []string
	for _, c := range w.sch {
		id := dialect.Ident(w.d, c)
		insertCols = append(insertCols, id)
		insertVals = append(insertVals, "s."+id)
		if isKey[strings.ToLower(c.Name)] {
			on = append(on, fmt.Sprintf("t.%s = s.%s", w.identFor(c.Name), w.identFor(c.Name)))
		} else {
			sets = append(sets, fmt.Sprintf("t.%s = s.%s", id, id))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s t USING %s s ON (%s)",
		w.tableIdent(w.opts.Table), w.tableIdent(w.staging), strings.Join(on, " AND "))
	if job.Strategy(w.opts.Strategy) == job.Upsert && len(sets) > 0 {
		fmt.Fprintf(&b, " WHEN MATCHED THEN UPDATE SET %s", strings.Join(sets, ", "))
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
		strings.Join(insertCols, ", "), strings.Join(insertVals, ", "))
	if w.kind == endpoint.SQLServer {
		b.WriteByte(';')
	}

	res, err := w.db.ExecContext(ctx, b.String())
	if err != nil {
		return fmt.Errorf("writer: %s: merge: %w", w.kind, err)
	}
	if job.Strategy(w.opts.Strategy) == job.Ignore {
		if affected, aerr := res.RowsAffected(); aerr == nil {
			w.rejected += w.stagedRows - affected
		}
	}
	return nil
}

// Close drops any staging leftover from a failed run and closes the
// session. Safe to call in any state.
func (w *sqlWriter) Close() error {
	if w.db == nil {
		return nil
	}
	if w.staging != "" {
		// Best effort: staging must never outlive the job.
		_, _ = w.db.Exec(fmt.Sprintf("DROP TABLE %s", w.tableIdent(w.staging)))
		w.staging = ""
	}
	err := w.db.Close()
	w.db = nil
	return err
}

func (w *sqlWriter) RowsRejected() int64 { return w.rejected }

func (w *sqlWriter) exec(ctx context.Context, stmt string) error {
	if _, err := w.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("writer: %s: %s: %w", w.kind, firstWord(stmt), err)
	}
	return nil
}

func (w *sqlWriter) tableIdent(name string) string {
	if w.d.NeedsQuoting(name) {
		return w.d.Quote(name)
	}
	return name
}

// identFor renders a physical column name, quoting when the dialect's
// folding would otherwise change it.
func (w *sqlWriter) identFor(name string) string {
	if w.d.NeedsQuoting(name) || w.d.Normalize(name) != name {
		return w.d.Quote(name)
	}
	return name
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}

// ddlColumn is one rendered CREATE TABLE column.
type ddlColumn struct {
	name     string
	typeName string
	notNull  bool
	pk       bool
}

func sourceDDLColumns(s schema.Schema, d dialect.Dialect) []ddlColumn {
	out := make([]ddlColumn, len(s))
	for i, c := range s {
		out[i] = ddlColumn{name: c.Name, typeName: d.TypeName(c.Type), notNull: !c.Nullable}
	}
	return out
}

// createDDL renders CREATE TABLE, attaching a primary key over the
// resolved key columns when the strategy needs one and introspection did
// not dictate its own.
func (w *sqlWriter) createDDL(table string, cols []ddlColumn) (string, error) {
	if len(cols) == 0 {
		return "", retry.New(retry.Fatal, "writer", fmt.Errorf("create %s: empty schema", table))
	}
	pkCols := make([]string, 0, 2)
	for _, c := range cols {
		if c.pk {
			pkCols = append(pkCols, w.identFor(c.name))
		}
	}
	if len(pkCols) == 0 && table == w.opts.Table {
		s := job.Strategy(w.opts.Strategy)
		if s == job.Upsert || s == job.Ignore {
			for _, k := range w.keys {
				pkCols = append(pkCols, w.identFor(k))
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (", w.tableIdent(table))
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s %s", w.identFor(c.name), c.typeName)
		if c.notNull {
			b.WriteString(" NOT NULL")
		}
	}
	if len(pkCols) > 0 {
		fmt.Fprintf(&b, ", PRIMARY KEY (%s)", strings.Join(pkCols, ", "))
	}
	b.WriteByte(')')
	return b.String(), nil
}
