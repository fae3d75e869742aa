package pipeline

import (
	"context"
	"errors"
	"io"

	"github.com/dtpipe/dtpipe/internal/retry"
	"github.com/dtpipe/dtpipe/internal/schema"
	"github.com/dtpipe/dtpipe/internal/transform"
)

// Trace is the dry-run record: the reader and final schemas plus the
// journey of the first N rows through the chain.
type Trace struct {
	// Stages holds the stage names, reader first.
	Stages []string
	// Schemas holds the two boundary schemas: Schemas[0] is the reader
	// schema, Schemas[1] the final schema. Intermediate per-stage schemas
	// are not recorded here.
	Schemas []schema.Schema
	Rows    []RowTrace
}

// RowTrace follows one source row.
type RowTrace struct {
	Index int64
	Steps []StepTrace
}

// StepTrace records what one stage did to the row.
type StepTrace struct {
	Stage string
	// Outcome is "row", "filtered", or "expanded".
	Outcome string
	// Rows is the stage output (empty when filtered).
	Rows []schema.Row
}

// dryRun traces rows through the chain without touching the writer.
func (k *kernel) dryRun(ctx context.Context) error {
	trace := &Trace{}
	k.result.Trace = trace

	trace.Stages = append(trace.Stages, "reader")
	for _, t := range k.chain {
		trace.Stages = append(trace.Stages, t.Name())
	}
	// Boundary schemas: what the reader produces and what the writer would
	// have received.
	trace.Schemas = append(trace.Schemas, k.rd.Schema(), k.opts.FinalSchema)

	remaining := k.opts.DryRun
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return retry.New(retry.Cancel, "pipeline", err)
		}
		batch, err := k.rd.ReadBatch(ctx, min(remaining, k.opts.BatchSize))
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		for _, row := range batch.Rows {
			if remaining == 0 {
				break
			}
			remaining--
			rt := RowTrace{Index: k.rowIndex}
			k.traceRow(&rt, row)
			trace.Rows = append(trace.Rows, rt)
			k.rowIndex++
			k.result.RowsIn++
		}
	}
	return nil
}

func (k *kernel) traceRow(rt *RowTrace, row schema.Row) {
	rows := []schema.Row{row}
	for _, t := range k.chain {
		var next []schema.Row
		outcome := "row"
		for _, r := range rows {
			res, err := t.Apply(&transform.Ctx{RowIndex: rt.Index}, r)
			if err != nil {
				rt.Steps = append(rt.Steps, StepTrace{Stage: t.Name(), Outcome: "error: " + err.Error()})
				return
			}
			if res.Filtered {
				continue
			}
			next = append(next, res.Rows...)
		}
		switch {
		case len(next) == 0:
			outcome = "filtered"
		case len(next) > len(rows):
			outcome = "expanded"
		}
		rt.Steps = append(rt.Steps, StepTrace{Stage: t.Name(), Outcome: outcome, Rows: next})
		if len(next) == 0 {
			return
		}
		rows = next
	}
}
