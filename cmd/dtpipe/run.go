package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dtpipe/dtpipe/internal/controller"
	"github.com/dtpipe/dtpipe/internal/job"
)

var runFlags struct {
	input    string
	output   string
	query    string
	table    string
	strategy string
	keys     []string

	batchSize    int
	limit        int64
	samplingRate float64
	samplingSeed int64

	maxRetries   int
	retryDelayMs int
	connTimeout  int
	queryTimeout int

	preExec     string
	postExec    string
	onErrorExec string
	finallyExec string

	dryRun       string
	strictSchema bool
	autoMigrate  bool
	unsafeQuery  bool
	metricsPath  string
	logPath      string
	jobFile      string
	exportJob    string
	insertMode   string

	fakeSeed       int64
	fakeSeedColumn string
	fakeRowIndex   bool
	maskSkipNull   bool

	csvDelimiter string
	csvNoHeader  bool
	csvTypes     []string

	quiet bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one pipe job",
	Long: `Run one pipe job: read rows from --input, apply the transformer
directives in the order they appear on the command line, and write the
result to --output.`,
	RunE: runRun,
}

// transformerKinds are the order-significant directive flags.
var transformerKinds = []string{
	"fake", "mask", "null", "overwrite", "format",
	"compute", "filter", "expand", "window", "drop",
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.input, "input", "i", "", "Source endpoint (<prefix>:<dsn-or-path>)")
	f.StringVarP(&runFlags.output, "output", "o", "", "Sink endpoint")
	f.StringVarP(&runFlags.query, "query", "q", "", "Read query (SELECT/WITH only unless --unsafe-query)")
	f.StringVar(&runFlags.table, "table", "", "Target table for database sinks")
	f.StringVar(&runFlags.strategy, "strategy", string(job.Append), "Write strategy: Append, Truncate, DeleteThenInsert, Recreate, Upsert, Ignore")
	f.StringSliceVar(&runFlags.keys, "key", nil, "Key column(s) for Upsert/Ignore")
	f.StringVar(&runFlags.insertMode, "insert-mode", string(job.InsertStandard), "Insert mode: Standard or Bulk")

	f.IntVar(&runFlags.batchSize, "batch-size", 1000, "Rows per batch")
	f.Int64Var(&runFlags.limit, "limit", 0, "Stop after this many output rows (0 = unlimited)")
	f.Float64Var(&runFlags.samplingRate, "sampling-rate", 1.0, "Keep each row with this probability")
	f.Int64Var(&runFlags.samplingSeed, "sampling-seed", 0, "Seed for reproducible sampling")

	f.IntVar(&runFlags.maxRetries, "max-retries", 3, "Retry budget for transient failures")
	f.IntVar(&runFlags.retryDelayMs, "retry-delay-ms", 500, "Initial retry backoff in milliseconds")
	f.IntVar(&runFlags.connTimeout, "connection-timeout", 0, "Connection timeout in seconds")
	f.IntVar(&runFlags.queryTimeout, "query-timeout", 0, "Per-fetch query timeout in seconds")

	f.StringVar(&runFlags.preExec, "pre-exec", "", "SQL to run on the sink before the load")
	f.StringVar(&runFlags.postExec, "post-exec", "", "SQL to run on the sink after a successful load")
	f.StringVar(&runFlags.onErrorExec, "on-error-exec", "", "SQL to run on the sink after a fatal failure")
	f.StringVar(&runFlags.finallyExec, "finally-exec", "", "SQL to always run on the sink at job end")

	f.StringVar(&runFlags.dryRun, "dry-run", "", "Trace N rows through the chain without writing")
	f.Lookup("dry-run").NoOptDefVal = "10"
	f.BoolVar(&runFlags.strictSchema, "strict-schema", false, "Abort on any Error-level schema finding")
	f.BoolVar(&runFlags.autoMigrate, "auto-migrate", false, "Build target columns from source types when introspection cannot")
	f.BoolVar(&runFlags.unsafeQuery, "unsafe-query", false, "Allow queries that do not start with SELECT/WITH")
	f.StringVar(&runFlags.metricsPath, "metrics-path", "", "Write the structured metrics document here")
	f.StringVar(&runFlags.logPath, "log", "", "Append JSON logs to this file")
	f.StringVar(&runFlags.jobFile, "job", "", "Load the job definition from this YAML file")
	f.StringVar(&runFlags.exportJob, "export-job", "", "Write the resolved job definition to this YAML file and exit")

	f.Int64Var(&runFlags.fakeSeed, "fake-seed", 0, "Global seed for fake generation")
	f.StringVar(&runFlags.fakeSeedColumn, "fake-seed-column", "", "Derive per-row fake seeds from this column")
	f.BoolVar(&runFlags.fakeRowIndex, "fake-row-index", false, "Derive per-row fake seeds from the source row position")
	f.BoolVar(&runFlags.maskSkipNull, "mask-skip-null", false, "Preserve NULLs through mask")

	f.StringVar(&runFlags.csvDelimiter, "csv-delimiter", "", "CSV field delimiter (single character)")
	f.BoolVar(&runFlags.csvNoHeader, "csv-no-header", false, "CSV files carry no header row")
	f.StringSliceVar(&runFlags.csvTypes, "csv-type", nil, "Declare a CSV column type as NAME:TYPE")

	f.BoolVar(&runFlags.quiet, "quiet", false, "Suppress the run summary")

	// Transformer directives: each kind is declared so cobra accepts it;
	// ordering is recovered from the raw argument list because grouping is
	// order-significant.
	for _, kind := range transformerKinds {
		f.StringArray(kind, nil, fmt.Sprintf("Add a %s transformer step", kind))
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	def, err := resolveDefinition(cmd)
	if err != nil {
		return err
	}

	if runFlags.exportJob != "" {
		if err := def.Export(runFlags.exportJob); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "job written to "+runFlags.exportJob)
		return nil
	}

	logger, closeLog, err := buildLogger(def.LogPath, runFlags.quiet)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := controller.New(def, logger)
	outcome, err := c.Run(ctx)
	if outcome.Report != nil && (err != nil || !runFlags.quiet) {
		renderReport(cmd.ErrOrStderr(), outcome.Report)
	}
	if err != nil {
		return err
	}
	if def.DryRun >= 0 {
		renderTrace(cmd.OutOrStdout(), outcome)
		return nil
	}
	if !runFlags.quiet {
		renderSummary(cmd.ErrOrStderr(), outcome.Result)
	}
	return nil
}

// resolveDefinition merges the YAML job file (when given) with explicitly
// set flags; flags win.
func resolveDefinition(cmd *cobra.Command) (*job.Definition, error) {
	def := job.Default()
	if runFlags.jobFile != "" {
		loaded, err := job.Load(runFlags.jobFile)
		if err != nil {
			return nil, err
		}
		def = loaded
	}

	f := cmd.Flags()
	setString := func(name string, dst *string, v string) {
		if f.Changed(name) {
			*dst = v
		}
	}
	setString("input", &def.Input, runFlags.input)
	setString("output", &def.Output, runFlags.output)
	setString("query", &def.Query, runFlags.query)
	setString("table", &def.Table, runFlags.table)
	setString("metrics-path", &def.MetricsPath, runFlags.metricsPath)
	setString("log", &def.LogPath, runFlags.logPath)
	setString("fake-seed-column", &def.FakeSeedColumn, runFlags.fakeSeedColumn)
	setString("pre-exec", &def.Hooks.Pre, runFlags.preExec)
	setString("post-exec", &def.Hooks.Post, runFlags.postExec)
	setString("on-error-exec", &def.Hooks.OnError, runFlags.onErrorExec)
	setString("finally-exec", &def.Hooks.Finally, runFlags.finallyExec)
	setString("csv-delimiter", &def.CSV.Delimiter, runFlags.csvDelimiter)

	if f.Changed("strategy") {
		def.Strategy = job.Strategy(runFlags.strategy)
	}
	if f.Changed("insert-mode") {
		def.InsertMode = job.InsertMode(runFlags.insertMode)
	}
	if f.Changed("key") {
		def.KeyColumns = runFlags.keys
	}
	if f.Changed("batch-size") {
		def.BatchSize = runFlags.batchSize
	}
	if f.Changed("limit") {
		def.Limit = runFlags.limit
	}
	if f.Changed("sampling-rate") {
		def.SamplingRate = runFlags.samplingRate
	}
	if f.Changed("sampling-seed") {
		def.SamplingSeed = runFlags.samplingSeed
	}
	if f.Changed("max-retries") {
		def.MaxRetries = runFlags.maxRetries
	}
	if f.Changed("retry-delay-ms") {
		def.RetryDelayMs = runFlags.retryDelayMs
	}
	if f.Changed("connection-timeout") {
		def.ConnectionTimeoutSec = runFlags.connTimeout
	}
	if f.Changed("query-timeout") {
		def.QueryTimeoutSec = runFlags.queryTimeout
	}
	if f.Changed("strict-schema") {
		def.StrictSchema = runFlags.strictSchema
	}
	if f.Changed("auto-migrate") {
		def.AutoMigrate = runFlags.autoMigrate
	}
	if f.Changed("unsafe-query") {
		def.UnsafeQuery = runFlags.unsafeQuery
	}
	if f.Changed("fake-seed") {
		def.FakeSeed = runFlags.fakeSeed
	}
	if f.Changed("fake-row-index") {
		def.FakeRowIndex = runFlags.fakeRowIndex
	}
	if f.Changed("mask-skip-null") {
		def.MaskSkipNull = runFlags.maskSkipNull
	}
	if f.Changed("csv-no-header") {
		def.CSV.NoHeader = runFlags.csvNoHeader
	}
	if f.Changed("csv-type") {
		def.CSV.Types = map[string]string{}
		for _, spec := range runFlags.csvTypes {
			name, tn, ok := strings.Cut(spec, ":")
			if !ok {
				return nil, fmt.Errorf("--csv-type expects NAME:TYPE, got %q", spec)
			}
			def.CSV.Types[name] = tn
		}
	}
	if f.Changed("dry-run") {
		n := 0
		if _, err := fmt.Sscanf(runFlags.dryRun, "%d", &n); err != nil || n < 0 {
			return nil, fmt.Errorf("--dry-run expects a non-negative count, got %q", runFlags.dryRun)
		}
		def.DryRun = n
	}

	if directives := orderedDirectives(os.Args[1:]); len(directives) > 0 {
		def.Transforms = directives
	}
	return def, nil
}

// orderedDirectives recovers the transformer directives in command-line
// order. pflag stores repeated flags per name; grouping consecutive
// same-kind directives into one instance requires the original interleaved
// order.
func orderedDirectives(args []string) []job.Directive {
	kinds := map[string]bool{}
	for _, k := range transformerKinds {
		kinds[k] = true
	}
	var out []job.Directive
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			continue
		}
		name, value, inline := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !kinds[name] {
			continue
		}
		if !inline {
			if i+1 >= len(args) {
				continue
			}
			i++
			value = args[i]
		}
		out = append(out, job.Directive{Kind: name, Arg: value})
	}
	return out
}
