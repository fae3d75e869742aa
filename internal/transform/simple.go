package transform

import (
	"fmt"

	"github.com/dtpipe/dtpipe/internal/schema"
)

// nullTransformer sets the listed columns to NULL.
type nullTransformer struct {
	cols []string
	idx  []int
}

func newNull(args []string) (*nullTransformer, error) {
	cols := columnList(args)
	if len(cols) == 0 {
		return nil, fmt.Errorf("transform: null: no columns given")
	}
	return &nullTransformer{cols: cols}, nil
}

func (t *nullTransformer) Name() string { return "null" }

func (t *nullTransformer) Init(in schema.Schema) (schema.Schema, error) {
	idx, err := resolve(in, t.cols, "null")
	if err != nil {
		return nil, err
	}
	t.idx = idx
	return in, nil
}

func (t *nullTransformer) Apply(_ *Ctx, row schema.Row) (Result, error) {
	for _, i := range t.idx {
		row[i] = nil
	}
	return One(row), nil
}

// overwriteTransformer sets listed columns to a fixed literal, coerced once
// at Init to each column's logical type.
type overwriteTransformer struct {
	mappings map[string]string // column -> literal
	order    []string
	idx      []int
	values   []schema.Value
}

func newOverwrite(args []string) (*overwriteTransformer, error) {
	t := &overwriteTransformer{mappings: map[string]string{}}
	for _, a := range args {
		col, lit, err := splitColArg(a)
		if err != nil {
			return nil, err
		}
		if _, dup := t.mappings[col]; !dup {
			t.order = append(t.order, col)
		}
		t.mappings[col] = lit
	}
	return t, nil
}

func (t *overwriteTransformer) Name() string { return "overwrite" }

func (t *overwriteTransformer) Init(in schema.Schema) (schema.Schema, error) {
	idx, err := resolve(in, t.order, "overwrite")
	if err != nil {
		return nil, err
	}
	t.idx = idx
	t.values = make([]schema.Value, len(t.order))
	for i, col := range t.order {
		v, err := schema.Coerce(t.mappings[col], in[idx[i]].Type)
		if err != nil {
			return nil, fmt.Errorf("transform: overwrite %s: %w", col, err)
		}
		t.values[i] = v
	}
	return in, nil
}

func (t *overwriteTransformer) Apply(_ *Ctx, row schema.Row) (Result, error) {
	for i, pos := range t.idx {
		row[pos] = t.values[i]
	}
	return One(row), nil
}

// dropTransformer removes the listed columns; rows shrink positionally.
type dropTransformer struct {
	cols []string
	keep []int
}

func newDropColumns(args []string) (*dropTransformer, error) {
	cols := columnList(args)
	if len(cols) == 0 {
		return nil, fmt.Errorf("transform: drop: no columns given")
	}
	return &dropTransformer{cols: cols}, nil
}

func (t *dropTransformer) Name() string { return "drop" }

func (t *dropTransformer) Init(in schema.Schema) (schema.Schema, error) {
	dropped, err := resolve(in, t.cols, "drop")
	if err != nil {
		return nil, err
	}
	isDropped := make(map[int]bool, len(dropped))
	for _, i := range dropped {
		isDropped[i] = true
	}
	t.keep = t.keep[:0]
	out := make(schema.Schema, 0, len(in)-len(dropped))
	for i, c := range in {
		if !isDropped[i] {
			t.keep = append(t.keep, i)
			out = append(out, c)
		}
	}
	return out, nil
}

func (t *dropTransformer) Apply(_ *Ctx, row schema.Row) (Result, error) {
	out := make(schema.Row, len(t.keep))
	for i, pos := range t.keep {
		out[i] = row[pos]
	}
	return One(out), nil
}

// maskTransformer rewrites string values character-wise under a pattern:
// '#' keeps the source character, anything else replaces it. A pattern
// shorter than the value keeps the trailing source characters.
type maskTransformer struct {
	patterns map[string]string
	order    []string
	idx      []int
	skipNull bool
}

func newMask(args []string, skipNull bool) (*maskTransformer, error) {
	t := &maskTransformer{patterns: map[string]string{}, skipNull: skipNull}
	for _, a := range args {
		col, pat, err := splitColArg(a)
		if err != nil {
			return nil, err
		}
		if _, dup := t.patterns[col]; !dup {
			t.order = append(t.order, col)
		}
		t.patterns[col] = pat
	}
	return t, nil
}

func (t *maskTransformer) Name() string { return "mask" }

func (t *maskTransformer) Init(in schema.Schema) (schema.Schema, error) {
	idx, err := resolve(in, t.order, "mask")
	if err != nil {
		return nil, err
	}
	t.idx = idx
	return in, nil
}

func (t *maskTransformer) Apply(_ *Ctx, row schema.Row) (Result, error) {
	for i, pos := range t.idx {
		v := row[pos]
		if v == nil {
			if t.skipNull {
				continue
			}
			row[pos] = applyMask("", t.patterns[t.order[i]])
			continue
		}
		row[pos] = applyMask(schema.ToString(v), t.patterns[t.order[i]])
	}
	return One(row), nil
}

func applyMask(value, pattern string) string {
	vr := []rune(value)
	pr := []rune(pattern)
	out := make([]rune, len(vr))
	copy(out, vr)
	for i := 0; i < len(pr) && i < len(vr); i++ {
		if pr[i] != '#' {
			out[i] = pr[i]
		}
	}
	// Pattern longer than value: the extra pattern chars are appended as
	// literals so the masked shape is stable.
	for i := len(vr); i < len(pr); i++ {
		if pr[i] != '#' {
			out = append(out, pr[i])
		}
	}
	return string(out)
}
