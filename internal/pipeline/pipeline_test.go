package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtpipe/dtpipe/internal/job"
	"github.com/dtpipe/dtpipe/internal/metrics"
	"github.com/dtpipe/dtpipe/internal/retry"
	"github.com/dtpipe/dtpipe/internal/schema"
	"github.com/dtpipe/dtpipe/internal/transform"
)

// memReader serves a fixed row set in batches.
type memReader struct {
	sch  schema.Schema
	rows []schema.Row
	pos  int
	// failFetches injects transient errors on the given fetch ordinals.
	failFetches map[int]error
	fetches     int
}

func (m *memReader) Open(context.Context) error { return nil }
func (m *memReader) Schema() schema.Schema      { return m.sch }
func (m *memReader) Close() error               { return nil }

func (m *memReader) ReadBatch(_ context.Context, n int) (schema.Batch, error) {
	m.fetches++
	if err, ok := m.failFetches[m.fetches]; ok {
		return schema.Batch{}, err
	}
	if m.pos >= len(m.rows) {
		return schema.Batch{}, io.EOF
	}
	end := min(m.pos+n, len(m.rows))
	b := schema.Batch{Columns: m.sch, Rows: m.rows[m.pos:end]}
	m.pos = end
	return b, nil
}

// memWriter collects written batches and can inject failures.
type memWriter struct {
	initialized bool
	completed   bool
	batches     [][]schema.Row
	rows        []schema.Row
	// writeErrs are consumed one per WriteBatch call.
	writeErrs []error
}

func (m *memWriter) Initialize(_ context.Context, s schema.Schema) error {
	m.initialized = true
	return nil
}

func (m *memWriter) WriteBatch(_ context.Context, b schema.Batch) error {
	if len(m.writeErrs) > 0 {
		err := m.writeErrs[0]
		m.writeErrs = m.writeErrs[1:]
		if err != nil {
			return err
		}
	}
	rows := make([]schema.Row, len(b.Rows))
	copy(rows, b.Rows)
	m.batches = append(m.batches, rows)
	m.rows = append(m.rows, rows...)
	return nil
}

func (m *memWriter) Complete(context.Context) error { m.completed = true; return nil }
func (m *memWriter) Close() error                   { return nil }

// hookRecorder captures hook execution order.
type hookRecorder struct {
	calls []string
	// failOn makes the named statement fail.
	failOn string
}

func (h *hookRecorder) exec(_ context.Context, stmt string) error {
	h.calls = append(h.calls, stmt)
	if h.failOn != "" && stmt == h.failOn {
		return errors.New("hook boom")
	}
	return nil
}

func intSchema() schema.Schema {
	return schema.Schema{{Name: "n", Type: schema.Int64}}
}

func intRows(n int) []schema.Row {
	rows := make([]schema.Row, n)
	for i := range rows {
		rows[i] = schema.Row{int64(i)}
	}
	return rows
}

func runOpts(batch int) Options {
	return Options{
		BatchSize:    batch,
		SamplingRate: 1.0,
		Retry:        retry.Policy{MaxRetries: 3, InitDelay: time.Millisecond},
		FinalSchema:  intSchema(),
		Logger:       zerolog.Nop(),
		DryRun:       -1,
	}
}

func TestRunMovesAllRows(t *testing.T) {
	rd := &memReader{sch: intSchema(), rows: intRows(10)}
	w := &memWriter{}
	res, err := Run(context.Background(), rd, nil, w, runOpts(3))
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.RowsIn)
	assert.Equal(t, int64(10), res.RowsOut)
	assert.True(t, w.completed)
	// Row conservation with no transformers.
	assert.Len(t, w.rows, 10)
}

func TestRunPreservesOrder(t *testing.T) {
	rd := &memReader{sch: intSchema(), rows: intRows(25)}
	w := &memWriter{}
	_, err := Run(context.Background(), rd, nil, w, runOpts(4))
	require.NoError(t, err)
	for i, row := range w.rows {
		assert.Equal(t, int64(i), row[0])
	}
}

func TestLimitHonoredStrictly(t *testing.T) {
	rd := &memReader{sch: intSchema(), rows: intRows(100)}
	w := &memWriter{}
	opts := runOpts(7)
	opts.Limit = 10
	res, err := Run(context.Background(), rd, nil, w, opts)
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.RowsOut)
	assert.Len(t, w.rows, 10)
	// Reading ceased shortly after the limit; far fewer than 100 rows read.
	assert.Less(t, res.RowsIn, int64(30))
}

func TestSamplingDeterministic(t *testing.T) {
	sample := func() []schema.Row {
		rd := &memReader{sch: intSchema(), rows: intRows(200)}
		w := &memWriter{}
		opts := runOpts(16)
		opts.SamplingRate = 0.5
		opts.SamplingSeed = 1234
		_, err := Run(context.Background(), rd, nil, w, opts)
		require.NoError(t, err)
		return w.rows
	}
	first := sample()
	second := sample()
	assert.Equal(t, first, second)
	assert.NotEmpty(t, first)
	assert.Less(t, len(first), 200)
}

func TestSamplingCountsFiltered(t *testing.T) {
	rd := &memReader{sch: intSchema(), rows: intRows(100)}
	w := &memWriter{}
	opts := runOpts(16)
	opts.SamplingRate = 0.3
	opts.SamplingSeed = 7
	res, err := Run(context.Background(), rd, nil, w, opts)
	require.NoError(t, err)
	assert.Equal(t, res.RowsIn, res.RowsOut+res.RowsFiltered)
}

func TestFilterAndExpandConservation(t *testing.T) {
	sch := schema.Schema{
		{Name: "tags", Type: schema.String},
		{Name: "active", Type: schema.Bool},
		{Name: "tag", Type: schema.String, Nullable: true},
	}
	rd := &memReader{sch: sch, rows: []schema.Row{
		{"A,B,C", true, nil},
		{"", false, nil},
	}}
	chain, err := transform.Build([]transform.Directive{
		{Kind: "filter", Arg: "row.active"},
		{Kind: "expand", Arg: "row.tags.split(',').map(function(t){ return {tags: row.tags, active: row.active, tag: t}; })"},
	}, transform.Options{})
	require.NoError(t, err)
	for _, tr := range chain {
		_, err := tr.Init(sch)
		require.NoError(t, err)
	}

	w := &memWriter{}
	opts := runOpts(10)
	opts.FinalSchema = sch
	res, err := Run(context.Background(), rd, chain, w, opts)
	require.NoError(t, err)

	require.Len(t, w.rows, 3)
	assert.Equal(t, "A", w.rows[0][2])
	assert.Equal(t, "B", w.rows[1][2])
	assert.Equal(t, "C", w.rows[2][2])
	assert.Equal(t, int64(2), res.RowsIn)
	assert.Equal(t, int64(1), res.RowsFiltered)
}

func TestRetryThenFatalHookSequence(t *testing.T) {
	rd := &memReader{sch: intSchema(), rows: intRows(3)}
	w := &memWriter{writeErrs: []error{
		errors.New("connection reset"),
		errors.New("connection reset"),
		retry.New(retry.Data, "writer", errors.New("value out of range")),
	}}
	hooks := &hookRecorder{}
	opts := runOpts(10)
	opts.Hooks = job.Hooks{Pre: "PRE", Post: "POST", OnError: "ONERR", Finally: "FIN"}
	opts.HookExec = hooks.exec
	opts.Retry = retry.Policy{MaxRetries: 3, InitDelay: time.Millisecond}
	opts.Metrics = metrics.New()

	res, err := Run(context.Background(), rd, nil, w, opts)
	require.Error(t, err)
	assert.Equal(t, retry.Data, retry.KindOf(err))
	// Exactly two retries were attempted before the fatal error.
	assert.Equal(t, int64(2), opts.Metrics.Snapshot().Retries)
	assert.Equal(t, int64(0), res.RowsOut)
	assert.Equal(t, []string{"PRE", "ONERR", "FIN"}, hooks.calls)
}

func TestHookOrderOnSuccess(t *testing.T) {
	rd := &memReader{sch: intSchema(), rows: intRows(2)}
	w := &memWriter{}
	hooks := &hookRecorder{}
	opts := runOpts(10)
	opts.Hooks = job.Hooks{Pre: "PRE", Post: "POST", OnError: "ONERR", Finally: "FIN"}
	opts.HookExec = hooks.exec

	_, err := Run(context.Background(), rd, nil, w, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"PRE", "POST", "FIN"}, hooks.calls)
}

func TestPreExecFailureIsFatalAndRunsFinally(t *testing.T) {
	rd := &memReader{sch: intSchema(), rows: intRows(2)}
	w := &memWriter{}
	hooks := &hookRecorder{failOn: "PRE"}
	opts := runOpts(10)
	opts.Hooks = job.Hooks{Pre: "PRE", OnError: "ONERR", Finally: "FIN"}
	opts.HookExec = hooks.exec

	_, err := Run(context.Background(), rd, nil, w, opts)
	require.Error(t, err)
	assert.False(t, w.initialized)
	assert.Equal(t, []string{"PRE", "ONERR", "FIN"}, hooks.calls)
}

func TestCancellationSkipsOnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rd := &memReader{sch: intSchema(), rows: intRows(50)}
	w := &memWriter{}
	hooks := &hookRecorder{}
	opts := runOpts(5)
	opts.Hooks = job.Hooks{OnError: "ONERR", Finally: "FIN"}
	opts.HookExec = hooks.exec

	_, err := Run(ctx, rd, nil, w, opts)
	require.Error(t, err)
	assert.Equal(t, retry.Cancel, retry.KindOf(err))
	assert.Equal(t, []string{"FIN"}, hooks.calls)
}

func TestReaderTransientRetried(t *testing.T) {
	rd := &memReader{
		sch:  intSchema(),
		rows: intRows(6),
		failFetches: map[int]error{
			2: errors.New("i/o error"),
		},
	}
	w := &memWriter{}
	res, err := Run(context.Background(), rd, nil, w, runOpts(3))
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.RowsOut)
}

func TestReaderFatalNotRetried(t *testing.T) {
	rd := &memReader{
		sch:  intSchema(),
		rows: intRows(6),
		failFetches: map[int]error{
			2: fmt.Errorf("cursor is gone: %w", retry.New(retry.Fatal, "reader", errors.New("cannot resume"))),
		},
	}
	w := &memWriter{}
	_, err := Run(context.Background(), rd, nil, w, runOpts(3))
	require.Error(t, err)
	assert.Equal(t, 2, rd.fetches)
}

func TestWindowFlushPassesThroughChain(t *testing.T) {
	sch := intSchema()
	chain, err := transform.Build([]transform.Directive{
		{Kind: "window", Arg: "4:rows"},
	}, transform.Options{})
	require.NoError(t, err)
	for _, tr := range chain {
		_, err := tr.Init(sch)
		require.NoError(t, err)
	}

	rd := &memReader{sch: sch, rows: intRows(6)}
	w := &memWriter{}
	opts := runOpts(10)
	res, err := Run(context.Background(), rd, chain, w, opts)
	require.NoError(t, err)
	// 4 rows emitted by the full window, 2 by the flush.
	assert.Equal(t, int64(6), res.RowsOut)
}

func TestDryRunTracesWithoutWriter(t *testing.T) {
	rd := &memReader{sch: intSchema(), rows: intRows(10)}
	w := &memWriter{}
	chain, err := transform.Build([]transform.Directive{
		{Kind: "filter", Arg: "row.n % 2 === 0"},
	}, transform.Options{})
	require.NoError(t, err)
	for _, tr := range chain {
		_, err := tr.Init(intSchema())
		require.NoError(t, err)
	}

	opts := runOpts(10)
	opts.DryRun = 4
	res, err := Run(context.Background(), rd, chain, w, opts)
	require.NoError(t, err)
	require.NotNil(t, res.Trace)
	assert.False(t, w.initialized)
	assert.Len(t, res.Trace.Rows, 4)
	assert.Equal(t, []string{"reader", "filter"}, res.Trace.Stages)
	assert.Equal(t, "filtered", res.Trace.Rows[1].Steps[0].Outcome)
	assert.Equal(t, "row", res.Trace.Rows[0].Steps[0].Outcome)
}

func TestBatchBoundaries(t *testing.T) {
	rd := &memReader{sch: intSchema(), rows: intRows(10)}
	w := &memWriter{}
	res, err := Run(context.Background(), rd, nil, w, runOpts(4))
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Batches)
	assert.Len(t, w.batches[0], 4)
	assert.Len(t, w.batches[2], 2)
}
