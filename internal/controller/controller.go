// Package controller composes one job from its frozen definition: it
// resolves endpoints, builds and owns the reader, the transformer chain,
// and the writer, runs the pre-flight validator, drives the kernel, and
// flushes metrics.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dtpipe/dtpipe/internal/dialect"
	"github.com/dtpipe/dtpipe/internal/endpoint"
	"github.com/dtpipe/dtpipe/internal/job"
	"github.com/dtpipe/dtpipe/internal/metrics"
	"github.com/dtpipe/dtpipe/internal/pipeline"
	"github.com/dtpipe/dtpipe/internal/reader"
	"github.com/dtpipe/dtpipe/internal/retry"
	"github.com/dtpipe/dtpipe/internal/schema"
	"github.com/dtpipe/dtpipe/internal/transform"
	"github.com/dtpipe/dtpipe/internal/validate"
	"github.com/dtpipe/dtpipe/internal/writer"
)

// Controller owns the components of one job for its lifetime.
type Controller struct {
	def *job.Definition
	log zerolog.Logger
	// Secrets resolves keyring aliases; nil uses the OS keyring.
	Secrets endpoint.SecretResolver

	metrics *metrics.Pipeline
}

// New builds a controller over a validated definition.
func New(def *job.Definition, log zerolog.Logger) *Controller {
	return &Controller{def: def, log: log, metrics: metrics.New()}
}

// Outcome is what one run produced, for rendering.
type Outcome struct {
	Result pipeline.Result
	Report *validate.Report
	// Schemas maps each stage boundary: reader schema first, final last.
	Schemas []schema.Schema
}

// Run executes the job end to end.
func (c *Controller) Run(ctx context.Context) (Outcome, error) {
	out := Outcome{}
	if err := c.def.Validate(); err != nil {
		return out, retry.New(retry.Config, "controller", err)
	}

	inEp, err := endpoint.Parse(c.def.Input, c.Secrets)
	if err != nil {
		return out, retry.New(retry.Config, "controller", err)
	}
	dryRun := c.def.DryRun >= 0

	// Reader.
	rd, err := reader.New(inEp, c.readerOptions(inEp))
	if err != nil {
		return out, err
	}
	if err := rd.Open(ctx); err != nil {
		c.fail("reader open")
		return out, err
	}
	defer rd.Close()

	// Transformer chain: grouped instances, then schema propagation.
	chain, schemas, err := c.buildChain(rd.Schema())
	if err != nil {
		return out, retry.New(retry.Config, "controller", err)
	}
	out.Schemas = schemas
	final := schemas[len(schemas)-1]

	// Writer (skipped entirely for dry runs).
	var (
		w        writer.Writer
		hookExec func(context.Context, string) error
	)
	if !dryRun {
		outEp, err := endpoint.Parse(c.def.Output, c.Secrets)
		if err != nil {
			return out, retry.New(retry.Config, "controller", err)
		}
		w, err = writer.New(outEp, c.writerOptions())
		if err != nil {
			return out, err
		}
		defer w.Close()

		report, hx, err := c.prepareSink(ctx, w, outEp, final)
		out.Report = report
		if err != nil {
			return out, err
		}
		hookExec = hx
	}

	res, err := pipeline.Run(ctx, rd, chain, w, pipeline.Options{
		BatchSize:    c.def.BatchSize,
		Limit:        c.def.Limit,
		SamplingRate: c.def.SamplingRate,
		SamplingSeed: c.def.SamplingSeed,
		Retry: retry.Policy{
			MaxRetries: c.def.MaxRetries,
			InitDelay:  time.Duration(c.def.RetryDelayMs) * time.Millisecond,
		},
		Hooks:       c.def.Hooks,
		HookExec:    hookExec,
		FinalSchema: final,
		Metrics:     c.metrics,
		Logger:      c.log,
		DryRun:      c.def.DryRun,
	})
	out.Result = res
	if err != nil {
		c.fail(retry.KindOf(err).String())
		c.flushMetrics()
		return out, err
	}

	c.metrics.Finish("completed")
	c.flushMetrics()
	c.log.Info().
		Int64("rows_in", res.RowsIn).
		Int64("rows_out", res.RowsOut).
		Int64("batches", res.Batches).
		Dur("duration", res.Duration).
		Msg("job completed")
	return out, nil
}

// prepareSink connects a database sink, inspects it, and gates on the
// validator in strict mode — all before the writer strategy acts.
func (c *Controller) prepareSink(ctx context.Context, w writer.Writer, outEp endpoint.Endpoint, final schema.Schema) (*validate.Report, func(context.Context, string) error, error) {
	sw, ok := w.(writer.Database)
	if !ok {
		if c.hasHooks() {
			return nil, nil, retry.New(retry.Config, "controller",
				errors.New("lifecycle hooks require a database sink"))
		}
		return nil, nil, nil
	}

	if err := sw.Open(ctx); err != nil {
		return nil, nil, err
	}
	info, err := sw.Inspect(ctx)
	if err != nil && !c.def.AutoMigrate {
		return nil, nil, retry.New(retry.Fatal, "writer", err)
	}

	d, derr := dialect.ForName(string(outEp.Kind))
	if derr != nil {
		return nil, nil, derr
	}
	report := validate.Compare(final, info, d)
	for _, f := range report.Findings {
		if f.Level >= validate.Warning {
			c.log.Warn().Str("column", f.Column).Str("code", string(f.Code)).Msg(f.Detail)
		}
	}
	if c.def.StrictSchema && report.HasErrors() {
		return report, nil, retry.New(retry.Validation, "validator",
			fmt.Errorf("strict schema check failed with %d findings", len(report.Findings)))
	}
	return report, sw.ExecHook, nil
}

func (c *Controller) hasHooks() bool {
	h := c.def.Hooks
	return h.Pre != "" || h.Post != "" || h.OnError != "" || h.Finally != ""
}

// buildChain groups directives, initializes each instance in order, and
// returns the schema at every stage boundary.
func (c *Controller) buildChain(s0 schema.Schema) ([]transform.Transformer, []schema.Schema, error) {
	directives := make([]transform.Directive, len(c.def.Transforms))
	for i, d := range c.def.Transforms {
		directives[i] = transform.Directive{Kind: d.Kind, Arg: d.Arg}
	}
	chain, err := transform.Build(directives, transform.Options{
		FakeSeed:       c.def.FakeSeed,
		FakeSeedColumn: c.def.FakeSeedColumn,
		FakeRowIndex:   c.def.FakeRowIndex,
		MaskSkipNull:   c.def.MaskSkipNull,
	})
	if err != nil {
		return nil, nil, err
	}

	schemas := []schema.Schema{s0}
	cur := s0
	for _, t := range chain {
		next, err := t.Init(cur)
		if err != nil {
			return nil, nil, err
		}
		schemas = append(schemas, next)
		cur = next
	}
	return chain, schemas, nil
}

func (c *Controller) readerOptions(ep endpoint.Endpoint) reader.Options {
	opts := reader.Options{
		Query:        c.def.Query,
		ConnTimeout:  time.Duration(c.def.ConnectionTimeoutSec) * time.Second,
		QueryTimeout: time.Duration(c.def.QueryTimeoutSec) * time.Second,
		NoHeader:     c.def.CSV.NoHeader,
	}
	if c.def.CSV.Delimiter != "" {
		opts.Delimiter = []rune(c.def.CSV.Delimiter)[0]
	}
	if len(c.def.CSV.Types) > 0 {
		opts.Types = map[string]schema.LogicalType{}
		for name, tn := range c.def.CSV.Types {
			lt, err := schema.ParseLogicalType(tn)
			if err == nil {
				opts.Types[name] = lt
			}
		}
	}
	return opts
}

func (c *Controller) writerOptions() writer.Options {
	opts := writer.Options{
		Table:       c.def.Table,
		Strategy:    string(c.def.Strategy),
		InsertMode:  string(c.def.InsertMode),
		KeyColumns:  c.def.KeyColumns,
		AutoMigrate: c.def.AutoMigrate,
		ConnTimeout: time.Duration(c.def.ConnectionTimeoutSec) * time.Second,
		NoHeader:    c.def.CSV.NoHeader,
	}
	if c.def.CSV.Delimiter != "" {
		opts.Delimiter = []rune(c.def.CSV.Delimiter)[0]
	}
	return opts
}

func (c *Controller) fail(status string) {
	c.metrics.Finish("failed: " + status)
}

func (c *Controller) flushMetrics() {
	if c.def.MetricsPath == "" {
		return
	}
	if err := c.metrics.Flush(c.def.MetricsPath); err != nil {
		c.log.Warn().Err(err).Msg("metrics flush failed")
	}
}

// ExitCode maps a terminal error onto the process exit code contract.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var unsafe job.ErrUnsafeQuery
	if errors.As(err, &unsafe) {
		return 2
	}
	if retry.KindOf(err) == retry.Cancel {
		return 130
	}
	return 1
}
