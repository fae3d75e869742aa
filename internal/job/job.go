// Package job defines the frozen description of one pipe run: endpoints,
// query, write strategy, tuning knobs, lifecycle hooks, and the ordered
// transformer directives. Definitions load from flags or from a YAML job
// file and export back out losslessly.
package job

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dtpipe/dtpipe/internal/schema"
)

// Strategy is the high-level write mode.
type Strategy string

const (
	Append           Strategy = "Append"
	Truncate         Strategy = "Truncate"
	DeleteThenInsert Strategy = "DeleteThenInsert"
	Recreate         Strategy = "Recreate"
	Upsert           Strategy = "Upsert"
	Ignore           Strategy = "Ignore"
)

// InsertMode is the low-level mechanism used to place rows into the sink.
type InsertMode string

const (
	InsertStandard InsertMode = "Standard"
	InsertBulk     InsertMode = "Bulk"
)

// Directive is one ordered transformer instruction as given on the command
// line or in the YAML steps list.
type Directive struct {
	Kind string `yaml:"kind"`
	Arg  string `yaml:"arg,omitempty"`
}

// CSVOptions tune csv endpoints on either side of the pipe.
type CSVOptions struct {
	// Delimiter is a single character; empty means comma.
	Delimiter string `yaml:"delimiter,omitempty"`
	NoHeader  bool   `yaml:"no_header,omitempty"`
	// Types declares column logical types by name; undeclared columns read
	// as strings.
	Types map[string]string `yaml:"types,omitempty"`
}

// Hooks are SQL statements executed against the sink around the run.
type Hooks struct {
	Pre     string `yaml:"pre,omitempty"`
	Post    string `yaml:"post,omitempty"`
	OnError string `yaml:"on_error,omitempty"`
	Finally string `yaml:"finally,omitempty"`
}

// Definition is the complete description of one job. It is frozen once the
// controller resolves it; nothing mutates it afterwards.
type Definition struct {
	Input  string `yaml:"input"`
	Output string `yaml:"output"`
	Query  string `yaml:"query,omitempty"`
	Table  string `yaml:"table,omitempty"`

	Strategy   Strategy   `yaml:"strategy"`
	InsertMode InsertMode `yaml:"insert_mode"`
	// KeyColumns are the user-supplied Upsert/Ignore key columns.
	KeyColumns []string `yaml:"key_columns,omitempty"`

	BatchSize    int     `yaml:"batch_size"`
	Limit        int64   `yaml:"limit,omitempty"`
	SamplingRate float64 `yaml:"sampling_rate,omitempty"`
	SamplingSeed int64   `yaml:"sampling_seed,omitempty"`

	MaxRetries   int `yaml:"max_retries"`
	RetryDelayMs int `yaml:"retry_delay_ms"`

	ConnectionTimeoutSec int `yaml:"connection_timeout,omitempty"`
	QueryTimeoutSec      int `yaml:"query_timeout,omitempty"`

	Hooks Hooks      `yaml:"hooks,omitempty"`
	CSV   CSVOptions `yaml:"csv,omitempty"`

	StrictSchema bool   `yaml:"strict_schema,omitempty"`
	AutoMigrate  bool   `yaml:"auto_migrate,omitempty"`
	UnsafeQuery  bool   `yaml:"unsafe_query,omitempty"`
	MetricsPath  string `yaml:"metrics_path,omitempty"`
	LogPath      string `yaml:"log_path,omitempty"`

	// DryRun traces the first N rows through the chain without writing.
	// -1 means dry-run is off.
	DryRun int `yaml:"dry_run,omitempty"`

	Transforms []Directive `yaml:"transforms,omitempty"`

	// FakeSeed drives globally-seeded fake generation; FakeSeedColumn makes
	// fakes a pure function of the named column's value.
	FakeSeed       int64  `yaml:"fake_seed,omitempty"`
	FakeSeedColumn string `yaml:"fake_seed_column,omitempty"`
	// FakeRowIndex derives each row's fake seed from its source position.
	FakeRowIndex bool `yaml:"fake_row_index,omitempty"`
	// MaskSkipNull preserves NULLs through mask instead of masking the
	// empty string.
	MaskSkipNull bool `yaml:"mask_skip_null,omitempty"`
}

// Default returns a Definition with the engine defaults applied.
func Default() *Definition {
	return &Definition{
		Strategy:     Append,
		InsertMode:   InsertStandard,
		BatchSize:    1000,
		SamplingRate: 1.0,
		MaxRetries:   3,
		RetryDelayMs: 500,
		DryRun:       -1,
	}
}

// Load reads a YAML job file over the defaults.
func Load(path string) (*Definition, error) {
	def := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("job: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, def); err != nil {
		return nil, fmt.Errorf("job: parse %s: %w", path, err)
	}
	def.applyDefaults()
	return def, nil
}

// Export writes the definition to a YAML file. Load(Export(d)) is a
// behavioral identity: it produces the same pipeline and writer
// configuration.
func (d *Definition) Export(path string) error {
	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("job: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("job: write %s: %w", path, err)
	}
	return nil
}

func (d *Definition) applyDefaults() {
	if d.Strategy == "" {
		d.Strategy = Append
	}
	if d.InsertMode == "" {
		d.InsertMode = InsertStandard
	}
	if d.BatchSize == 0 {
		d.BatchSize = 1000
	}
	if d.SamplingRate == 0 {
		d.SamplingRate = 1.0
	}
	if d.MaxRetries == 0 {
		d.MaxRetries = 3
	}
	if d.RetryDelayMs == 0 {
		d.RetryDelayMs = 500
	}
	if d.DryRun == 0 {
		d.DryRun = -1
	}
}

// Validate checks the definition for configuration errors. It runs before
// any endpoint is opened.
func (d *Definition) Validate() error {
	if d.Input == "" {
		return fmt.Errorf("job: input endpoint is required")
	}
	if d.Output == "" && d.DryRun < 0 {
		return fmt.Errorf("job: output endpoint is required")
	}
	switch d.Strategy {
	case Append, Truncate, DeleteThenInsert, Recreate, Upsert, Ignore:
	default:
		return fmt.Errorf("job: unknown strategy %q", d.Strategy)
	}
	switch d.InsertMode {
	case InsertStandard, InsertBulk:
	default:
		return fmt.Errorf("job: unknown insert mode %q", d.InsertMode)
	}
	if d.BatchSize < 1 {
		return fmt.Errorf("job: batch_size must be >= 1, got %d", d.BatchSize)
	}
	if d.SamplingRate <= 0 || d.SamplingRate > 1 {
		return fmt.Errorf("job: sampling_rate must be in (0,1], got %g", d.SamplingRate)
	}
	if d.Limit < 0 {
		return fmt.Errorf("job: limit must be >= 0, got %d", d.Limit)
	}
	if d.MaxRetries < 0 || d.MaxRetries > 100 {
		return fmt.Errorf("job: max_retries must be 0-100, got %d", d.MaxRetries)
	}
	if d.RetryDelayMs < 1 {
		return fmt.Errorf("job: retry_delay_ms must be >= 1, got %d", d.RetryDelayMs)
	}
	if len(d.KeyColumns) > 0 {
		switch d.Strategy {
		case Upsert, Ignore:
		default:
			return fmt.Errorf("job: key columns conflict with strategy %s", d.Strategy)
		}
	}
	if len(d.CSV.Delimiter) > 1 {
		return fmt.Errorf("job: csv delimiter must be a single character, got %q", d.CSV.Delimiter)
	}
	for name, tn := range d.CSV.Types {
		if _, err := schema.ParseLogicalType(tn); err != nil {
			return fmt.Errorf("job: csv column %s: %w", name, err)
		}
	}
	if d.Query != "" {
		if err := CheckQuerySafety(d.Query, d.UnsafeQuery); err != nil {
			return err
		}
	}
	return nil
}

// ErrUnsafeQuery marks a SQL safety violation; the CLI maps it to exit
// code 2.
type ErrUnsafeQuery struct{ Token string }

func (e ErrUnsafeQuery) Error() string {
	return fmt.Sprintf("job: query must begin with SELECT or WITH, found %q (use --unsafe-query to override)", e.Token)
}

// CheckQuerySafety enforces the token-level read-only rule: after trimming,
// the first token must be SELECT or WITH unless the override is set.
func CheckQuerySafety(query string, unsafe bool) error {
	if unsafe {
		return nil
	}
	fields := strings.Fields(strings.TrimSpace(query))
	if len(fields) == 0 {
		return fmt.Errorf("job: empty query")
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "WITH":
		return nil
	}
	return ErrUnsafeQuery{Token: fields[0]}
}
