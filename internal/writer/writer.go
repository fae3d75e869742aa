// Package writer implements the sink side of a job: the write-strategy
// state machine for database targets and the file-format writers. A writer
// moves through Inspect -> Initialize -> WriteBatch* -> Complete -> Close.
package writer

import (
	"context"
	"time"

	"github.com/dtpipe/dtpipe/internal/schema"
)

// Writer is the sink contract driven by the pipeline kernel. Initialize
// receives the final pipeline schema and runs the strategy preparation;
// Complete finalizes (merging staged rows where the strategy staged them);
// Close releases resources and is safe after failure.
type Writer interface {
	Initialize(ctx context.Context, s schema.Schema) error
	WriteBatch(ctx context.Context, b schema.Batch) error
	Complete(ctx context.Context) error
	Close() error
}

// Inspector is implemented by database writers: it reports what exists at
// the target before any strategy action is taken. The result is built once
// and immutable thereafter.
type Inspector interface {
	Inspect(ctx context.Context) (*TargetInfo, error)
}

// HookExecutor runs lifecycle hook statements against the sink session.
type HookExecutor interface {
	ExecHook(ctx context.Context, stmt string) error
}

// Database is the extended contract of relational writers: the session is
// opened and the target inspected before the strategy acts, and lifecycle
// hooks run on the same session.
type Database interface {
	Writer
	Inspector
	HookExecutor
	Open(ctx context.Context) error
}

// ByteCounter is implemented by writers that can report payload size.
type ByteCounter interface {
	BytesWritten() int64
}

// RejectCounter is implemented by writers that can drop individual rows
// (Ignore strategy) and feed the row-conservation accounting.
type RejectCounter interface {
	RowsRejected() int64
}

// TargetColumn is one introspected sink column.
type TargetColumn struct {
	Name       string
	NativeType string
	// Type is the logical type inferred from NativeType via the dialect.
	Type     schema.LogicalType
	Nullable bool
	IsPK     bool
	IsUnique bool
	// MaxLength is the declared character length, 0 when unbounded or not
	// applicable.
	MaxLength int
}

// TargetInfo is what inspection discovered about the sink table.
type TargetInfo struct {
	Exists     bool
	Columns    []TargetColumn
	PrimaryKey []string
	RowCount   int64
	SizeBytes  int64
}

// Column finds an introspected column by exact physical name.
func (t *TargetInfo) Column(name string) *TargetColumn {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// Options is the typed configuration block for writers.
type Options struct {
	Table       string
	Strategy    string
	InsertMode  string
	KeyColumns  []string
	AutoMigrate bool
	// WriteTimeout bounds each WriteBatch.
	WriteTimeout time.Duration
	ConnTimeout  time.Duration

	// CSV tuning.
	Delimiter rune
	NoHeader  bool
}
