// Package transform provides the row-level transformation contract, the
// built-in transformer kinds, and the grouping rule that turns an ordered
// directive list into a pipeline of transformer instances.
package transform

import (
	"fmt"
	"strings"

	"github.com/dtpipe/dtpipe/internal/schema"
)

// Directive is one ordered instruction: a kind plus its raw argument as
// written on the command line or in a YAML step.
type Directive struct {
	Kind string
	Arg  string
}

// Ctx carries per-row call context into Apply.
type Ctx struct {
	// RowIndex is the absolute zero-based index of the row in the source
	// stream, before sampling and filtering.
	RowIndex int64
}

// Result is the outcome of applying a transformer to one row: the row
// (possibly replaced), nothing (filtered), or several rows (expanded).
type Result struct {
	Filtered bool
	Rows     []schema.Row
}

// One wraps a single surviving row.
func One(r schema.Row) Result { return Result{Rows: []schema.Row{r}} }

// Many wraps an expansion.
func Many(rows []schema.Row) Result { return Result{Rows: rows} }

// Drop filters the row out.
func Drop() Result { return Result{Filtered: true} }

// Transformer is a stateful row processor. Init is called once, in chain
// order, and must be deterministic and side-effect free; Apply is called
// once per surviving row.
type Transformer interface {
	Name() string
	// Init receives the schema produced by the previous stage and returns
	// the schema this stage produces. It may add, drop, rename, reorder, or
	// retype columns.
	Init(in schema.Schema) (schema.Schema, error)
	Apply(ctx *Ctx, row schema.Row) (Result, error)
}

// Flusher is implemented by transformers holding trailing state (window)
// that must be emitted at end-of-stream.
type Flusher interface {
	Flush() ([]schema.Row, error)
}

// Options carries chain-wide settings bound from the job definition.
type Options struct {
	// FakeSeed seeds globally-deterministic fake generation; 0 means
	// nondeterministic per run.
	FakeSeed int64
	// FakeSeedColumn, when set, derives each row's fake values from a hash
	// of the named column so equal keys always fake equally.
	FakeSeedColumn string
	// FakeRowIndex derives fakes from the source row position.
	FakeRowIndex bool
	// MaskSkipNull preserves nulls through mask instead of coercing.
	MaskSkipNull bool
}

// Build converts the ordered directive list into transformer instances,
// grouping consecutive directives of the same kind into one instance. The
// grouping is observable behavior: later instances see the schema and
// values produced by earlier ones.
func Build(directives []Directive, opts Options) ([]Transformer, error) {
	var out []Transformer
	for i := 0; i < len(directives); {
		kind := directives[i].Kind
		j := i
		var args []string
		for j < len(directives) && directives[j].Kind == kind {
			args = append(args, directives[j].Arg)
			j++
		}
		tr, err := newTransformer(kind, args, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
		i = j
	}
	return out, nil
}

func newTransformer(kind string, args []string, opts Options) (Transformer, error) {
	switch kind {
	case "null":
		return newNull(args)
	case "overwrite":
		return newOverwrite(args)
	case "mask":
		return newMask(args, opts.MaskSkipNull)
	case "fake":
		return newFake(args, opts)
	case "format":
		return newFormat(args)
	case "compute":
		return newCompute(args)
	case "filter":
		return newFilter(args)
	case "expand":
		return newExpand(args)
	case "window":
		return newWindow(args)
	case "drop":
		return newDropColumns(args)
	}
	return nil, fmt.Errorf("transform: unknown transformer kind %q", kind)
}

// splitColArg splits "Col:rest" directives, leaving rest intact.
func splitColArg(arg string) (col, rest string, err error) {
	col, rest, ok := strings.Cut(arg, ":")
	if !ok || strings.TrimSpace(col) == "" {
		return "", "", fmt.Errorf("transform: expected COLUMN:ARG, got %q", arg)
	}
	return strings.TrimSpace(col), rest, nil
}

// columnList splits comma-separated column arguments, possibly spread over
// several grouped directives.
func columnList(args []string) []string {
	var cols []string
	for _, a := range args {
		for _, c := range strings.Split(a, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cols = append(cols, c)
			}
		}
	}
	return cols
}

// resolve finds each named column in the schema, error on absence.
func resolve(s schema.Schema, names []string, kind string) ([]int, error) {
	idx := make([]int, len(names))
	for i, n := range names {
		pos := s.Index(n, nil)
		if pos < 0 {
			return nil, fmt.Errorf("transform: %s: column %q not in schema", kind, n)
		}
		idx[i] = pos
	}
	return idx, nil
}
