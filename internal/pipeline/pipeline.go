// Package pipeline is the kernel: it drives one batched stream from an
// opened reader through an initialized transformer chain into a writer,
// enforcing batch size, limit, sampling, retries, cancellation, and the
// lifecycle hooks. Backpressure is structural: there is exactly one
// outstanding batch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/dtpipe/dtpipe/internal/job"
	"github.com/dtpipe/dtpipe/internal/metrics"
	"github.com/dtpipe/dtpipe/internal/reader"
	"github.com/dtpipe/dtpipe/internal/retry"
	"github.com/dtpipe/dtpipe/internal/schema"
	"github.com/dtpipe/dtpipe/internal/transform"
	"github.com/dtpipe/dtpipe/internal/writer"
)

// Options configures one kernel run.
type Options struct {
	BatchSize    int
	Limit        int64
	SamplingRate float64
	SamplingSeed int64

	Retry retry.Policy
	Hooks job.Hooks
	// HookExec runs hook statements against the sink; nil when the sink has
	// no SQL session (file sinks) — hooks are then configuration errors
	// caught upstream.
	HookExec func(ctx context.Context, stmt string) error

	// FinalSchema is the schema the chain produces, handed to the writer.
	FinalSchema schema.Schema

	Metrics *metrics.Pipeline
	Logger  zerolog.Logger

	// DryRun >= 0 traces that many rows through the chain instead of
	// writing. The writer is never initialized.
	DryRun int
}

// Result summarizes a completed run.
type Result struct {
	RowsIn       int64
	RowsOut      int64
	RowsFiltered int64
	Batches      int64
	Duration     time.Duration
	// Trace is set for dry runs.
	Trace *Trace
}

// Run executes the kernel. The reader is open, the chain initialized; the
// writer has not seen Initialize yet.
func Run(ctx context.Context, rd reader.Reader, chain []transform.Transformer, w writer.Writer, opts Options) (Result, error) {
	k := &kernel{
		rd:    rd,
		chain: chain,
		w:     w,
		opts:  opts,
		log:   opts.Logger,
	}
	if opts.Metrics == nil {
		k.metrics = metrics.New()
	} else {
		k.metrics = opts.Metrics
	}
	if opts.SamplingRate > 0 && opts.SamplingRate < 1 {
		k.sampler = rand.New(rand.NewSource(opts.SamplingSeed))
	}

	start := time.Now()
	err := k.run(ctx)
	k.result.Duration = time.Since(start)

	if err != nil {
		kind := retry.KindOf(err)
		if kind != retry.Cancel {
			k.runHook(ctx, "on_error", opts.Hooks.OnError, true)
		}
		k.runHook(ctx, "finally", opts.Hooks.Finally, true)
		return k.result, err
	}
	k.runHook(ctx, "finally", opts.Hooks.Finally, true)
	return k.result, nil
}

type kernel struct {
	rd      reader.Reader
	chain   []transform.Transformer
	w       writer.Writer
	opts    Options
	metrics *metrics.Pipeline
	log     zerolog.Logger

	sampler *rand.Rand
	result  Result

	// out accumulates surviving rows for the next write.
	out []schema.Row
	// rowIndex is the absolute source row position.
	rowIndex int64
	// limitHit stops reading once the final-row limit is reached.
	limitHit bool
}

func (k *kernel) run(ctx context.Context) error {
	if k.opts.DryRun >= 0 {
		return k.dryRun(ctx)
	}

	// PreExec runs strictly before any read; its failure is fatal.
	if err := k.runHook(ctx, "pre", k.opts.Hooks.Pre, false); err != nil {
		return err
	}

	if err := k.w.Initialize(ctx, k.opts.FinalSchema); err != nil {
		return err
	}

	for !k.limitHit {
		if err := ctx.Err(); err != nil {
			return retry.New(retry.Cancel, "pipeline", err)
		}
		batch, err := k.readBatch(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := k.processBatch(ctx, batch); err != nil {
			return err
		}
	}

	if err := k.flushChain(ctx); err != nil {
		return err
	}
	if len(k.out) > 0 {
		if err := k.writeBatch(ctx); err != nil {
			return err
		}
	}

	if err := k.w.Complete(ctx); err != nil {
		return err
	}
	k.finishCounters()
	return k.runHook(ctx, "post", k.opts.Hooks.Post, false)
}

// readBatch pulls the next source batch under the retry budget. A stream
// that cannot resume mid-query surfaces a non-transient error on the
// retried fetch, which promotes the failure to fatal.
func (k *kernel) readBatch(ctx context.Context) (schema.Batch, error) {
	var batch schema.Batch
	err := k.opts.Retry.Do(ctx, func() error {
		var rerr error
		batch, rerr = k.rd.ReadBatch(ctx, k.opts.BatchSize)
		return rerr
	}, func(err error, attempt int) {
		k.metrics.AddRetry()
		k.log.Warn().Err(err).Int("attempt", attempt).Msg("retrying read")
	})
	if err != nil {
		if errors.Is(err, io.EOF) {
			return batch, io.EOF
		}
		if errors.Is(err, context.Canceled) {
			return batch, retry.New(retry.Cancel, "reader", err)
		}
		return batch, err
	}
	return batch, nil
}

// processBatch samples, transforms, and accumulates one source batch,
// honoring the limit on final rows.
func (k *kernel) processBatch(ctx context.Context, batch schema.Batch) error {
	for _, row := range batch.Rows {
		if err := ctx.Err(); err != nil {
			return retry.New(retry.Cancel, "pipeline", err)
		}
		idx := k.rowIndex
		k.rowIndex++
		k.metrics.AddRead(1)
		k.result.RowsIn++

		if k.sampler != nil && k.sampler.Float64() >= k.opts.SamplingRate {
			k.metrics.AddFiltered(1)
			k.result.RowsFiltered++
			continue
		}

		rows, filtered, err := applyChain(k.chain, 0, &transform.Ctx{RowIndex: idx}, row)
		if err != nil {
			return retry.New(retry.Fatal, "transform", err)
		}
		if filtered {
			k.metrics.AddFiltered(1)
			k.result.RowsFiltered++
			continue
		}
		if n := len(rows); n > 1 {
			k.metrics.AddExpanded(n - 1)
		}
		if err := k.accumulate(ctx, rows); err != nil {
			return err
		}
		if k.limitHit {
			return nil
		}
	}
	return nil
}

// accumulate appends surviving rows to the output batch, writing when full
// and truncating at the limit.
func (k *kernel) accumulate(ctx context.Context, rows []schema.Row) error {
	for _, r := range rows {
		if k.opts.Limit > 0 && k.result.RowsOut+int64(len(k.out)) >= k.opts.Limit {
			k.limitHit = true
			return nil
		}
		k.out = append(k.out, r)
		if len(k.out) >= k.opts.BatchSize {
			if err := k.writeBatch(ctx); err != nil {
				return err
			}
		}
	}
	if k.opts.Limit > 0 && k.result.RowsOut+int64(len(k.out)) >= k.opts.Limit {
		k.limitHit = true
	}
	return nil
}

// writeBatch hands the accumulated batch to the writer under the retry
// budget, preserving batch content across attempts.
func (k *kernel) writeBatch(ctx context.Context) error {
	batch := schema.Batch{Columns: k.opts.FinalSchema, Rows: k.out}
	start := time.Now()
	err := k.opts.Retry.Do(ctx, func() error {
		return k.w.WriteBatch(ctx, batch)
	}, func(err error, attempt int) {
		k.metrics.AddRetry()
		k.log.Warn().Err(err).Int("attempt", attempt).Msg("retrying write")
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return retry.New(retry.Cancel, "writer", err)
		}
		return err
	}
	k.metrics.ObserveBatch(time.Since(start))
	k.metrics.AddWritten(len(batch.Rows))
	k.result.RowsOut += int64(len(batch.Rows))
	k.result.Batches++
	k.out = k.out[:0]
	return nil
}

// flushChain drains trailing transformer state (windows) through the rest
// of the chain at end-of-stream.
func (k *kernel) flushChain(ctx context.Context) error {
	for i, t := range k.chain {
		f, ok := t.(transform.Flusher)
		if !ok {
			continue
		}
		rows, err := f.Flush()
		if err != nil {
			return retry.New(retry.Fatal, "transform", err)
		}
		for _, row := range rows {
			if k.limitHit {
				return nil
			}
			out, filtered, err := applyChain(k.chain, i+1, &transform.Ctx{RowIndex: k.rowIndex}, row)
			if err != nil {
				return retry.New(retry.Fatal, "transform", err)
			}
			if filtered {
				k.metrics.AddFiltered(1)
				k.result.RowsFiltered++
				continue
			}
			if n := len(out); n > 1 {
				k.metrics.AddExpanded(n - 1)
			}
			if err := k.accumulate(ctx, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// finishCounters folds writer-side rejects into the metrics record.
func (k *kernel) finishCounters() {
	if rc, ok := k.w.(writer.RejectCounter); ok {
		k.metrics.AddRejected(int(rc.RowsRejected()))
	}
	if bc, ok := k.w.(writer.ByteCounter); ok {
		k.metrics.AddBytes(bc.BytesWritten())
	}
}

// runHook executes one lifecycle hook. Best-effort hooks log their failure
// instead of raising it.
func (k *kernel) runHook(ctx context.Context, name, stmt string, bestEffort bool) error {
	if stmt == "" {
		return nil
	}
	if k.opts.HookExec == nil {
		err := retry.New(retry.Config, "pipeline", fmt.Errorf("%s hook requires a database sink", name))
		if bestEffort {
			k.log.Warn().Err(err).Str("hook", name).Msg("hook skipped")
			return nil
		}
		return err
	}
	// Hooks run on a background-derived context so Finally still executes
	// after cancellation.
	hctx := ctx
	if bestEffort && ctx.Err() != nil {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
	}
	if err := k.opts.HookExec(hctx, stmt); err != nil {
		if bestEffort {
			k.log.Warn().Err(err).Str("hook", name).Msg("hook failed")
			return nil
		}
		return retry.New(retry.Fatal, "pipeline", fmt.Errorf("%s hook: %w", name, err))
	}
	k.log.Debug().Str("hook", name).Msg("hook executed")
	return nil
}

// applyChain pushes one row through chain[from:], fanning out over
// expansions. Filtered rows short-circuit.
func applyChain(chain []transform.Transformer, from int, ctx *transform.Ctx, row schema.Row) ([]schema.Row, bool, error) {
	rows := []schema.Row{row}
	for i := from; i < len(chain); i++ {
		var next []schema.Row
		for _, r := range rows {
			res, err := chain[i].Apply(ctx, r)
			if err != nil {
				return nil, false, err
			}
			if res.Filtered {
				continue
			}
			next = append(next, res.Rows...)
		}
		if len(next) == 0 {
			return nil, true, nil
		}
		rows = next
	}
	return rows, false, nil
}
