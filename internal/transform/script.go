package transform

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"github.com/dtpipe/dtpipe/internal/schema"
)

// scriptEnv wraps one goja runtime with a compiled program. Each scripted
// transformer owns its runtime; the pipeline applies rows from a single
// goroutine.
type scriptEnv struct {
	vm      *goja.Runtime
	program *goja.Program
}

func compileScript(kind, src string) (*scriptEnv, error) {
	program, err := goja.Compile(kind, "("+src+")", true)
	if err != nil {
		return nil, fmt.Errorf("transform: %s: compile: %w", kind, err)
	}
	return &scriptEnv{vm: goja.New(), program: program}, nil
}

// evalRow binds the row object and evaluates the program.
func (e *scriptEnv) evalRow(s schema.Schema, row schema.Row) (goja.Value, error) {
	e.vm.Set("row", rowObject(s, row))
	v, err := e.vm.RunProgram(e.program)
	if err != nil {
		return nil, fmt.Errorf("transform: script: %w", err)
	}
	return v, nil
}

// rowObject exposes a row to scripts as a plain object keyed by column name.
func rowObject(s schema.Schema, row schema.Row) map[string]any {
	obj := make(map[string]any, len(s))
	for i, c := range s {
		obj[c.Name] = row[i]
	}
	return obj
}

// objectRow converts a script object back to a positional row under the
// schema, coercing every value to its column's logical type; absent keys
// become NULL, extra keys are rejected so expansion cannot silently change
// arity.
func objectRow(s schema.Schema, obj map[string]any) (schema.Row, error) {
	for key := range obj {
		if s.Index(key, nil) < 0 {
			return nil, fmt.Errorf("transform: script produced unknown column %q", key)
		}
	}
	row := make(schema.Row, len(s))
	for i, c := range s {
		v, ok := obj[c.Name]
		if !ok || v == nil {
			continue
		}
		coerced, err := schema.Coerce(normalizeScriptValue(v), c.Type)
		if err != nil {
			return nil, fmt.Errorf("transform: script column %s: %w", c.Name, err)
		}
		row[i] = coerced
	}
	return row, nil
}

// exportObjects reads a script result as a list of row objects. JS-built
// arrays export as []any; an identity script returning the bound Go slice
// exports it unchanged.
func exportObjects(kind string, exported any) ([]map[string]any, error) {
	switch items := exported.(type) {
	case []map[string]any:
		return items, nil
	case []any:
		out := make([]map[string]any, len(items))
		for i, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("transform: %s: array element must be an object, got %T", kind, item)
			}
			out[i] = obj
		}
		return out, nil
	default:
		return nil, fmt.Errorf("transform: %s: script must return an array, got %T", kind, exported)
	}
}

// normalizeScriptValue collapses goja's export types onto the pipeline
// value set.
func normalizeScriptValue(v any) schema.Value {
	switch x := v.(type) {
	case nil:
		return nil
	case int:
		return int64(x)
	case int32:
		return int64(x)
	default:
		return x
	}
}

// computeTransformer appends a new column computed by a JS expression. The
// argument form is NAME[:TYPE]=EXPR; the type defaults to string and the
// result is coerced to it.
type computeTransformer struct {
	specs []computeSpec
	sch   schema.Schema
}

type computeSpec struct {
	name string
	typ  schema.LogicalType
	env  *scriptEnv
}

func newCompute(args []string) (*computeTransformer, error) {
	t := &computeTransformer{}
	for _, a := range args {
		head, expr, ok := strings.Cut(a, "=")
		if !ok {
			return nil, fmt.Errorf("transform: compute: expected NAME[:TYPE]=EXPR, got %q", a)
		}
		name := strings.TrimSpace(head)
		typ := schema.String
		if n, tn, hasType := strings.Cut(head, ":"); hasType {
			name = strings.TrimSpace(n)
			parsed, err := schema.ParseLogicalType(tn)
			if err != nil {
				return nil, fmt.Errorf("transform: compute %s: %w", name, err)
			}
			typ = parsed
		}
		env, err := compileScript("compute", expr)
		if err != nil {
			return nil, err
		}
		t.specs = append(t.specs, computeSpec{name: name, typ: typ, env: env})
	}
	return t, nil
}

func (t *computeTransformer) Name() string { return "compute" }

func (t *computeTransformer) Init(in schema.Schema) (schema.Schema, error) {
	out := in.Clone()
	for _, sp := range t.specs {
		if out.Index(sp.name, nil) >= 0 {
			return nil, fmt.Errorf("transform: compute: column %q already exists", sp.name)
		}
		out = append(out, schema.ColumnInfo{Name: sp.name, Type: sp.typ, Nullable: true})
	}
	t.sch = out
	return out, nil
}

func (t *computeTransformer) Apply(_ *Ctx, row schema.Row) (Result, error) {
	// The expression sees columns to the left of the one it defines,
	// including earlier computed ones.
	base := len(t.sch) - len(t.specs)
	for i, sp := range t.specs {
		visible := t.sch[:base+i]
		v, err := sp.env.evalRow(visible, row)
		if err != nil {
			return Result{}, err
		}
		coerced, err := schema.Coerce(normalizeScriptValue(v.Export()), sp.typ)
		if err != nil {
			return Result{}, fmt.Errorf("transform: compute %s: %w", sp.name, err)
		}
		row = append(row, coerced)
	}
	return One(row), nil
}

// filterTransformer drops rows whose predicate is falsy.
type filterTransformer struct {
	envs []*scriptEnv
	sch  schema.Schema
}

func newFilter(args []string) (*filterTransformer, error) {
	t := &filterTransformer{}
	for _, a := range args {
		env, err := compileScript("filter", a)
		if err != nil {
			return nil, err
		}
		t.envs = append(t.envs, env)
	}
	return t, nil
}

func (t *filterTransformer) Name() string { return "filter" }

func (t *filterTransformer) Init(in schema.Schema) (schema.Schema, error) {
	t.sch = in
	return in, nil
}

func (t *filterTransformer) Apply(_ *Ctx, row schema.Row) (Result, error) {
	for _, env := range t.envs {
		v, err := env.evalRow(t.sch, row)
		if err != nil {
			return Result{}, err
		}
		if !v.ToBoolean() {
			return Drop(), nil
		}
	}
	return One(row), nil
}

// expandTransformer replaces each row with the array of rows its script
// returns, preserving relative order.
type expandTransformer struct {
	envs []*scriptEnv
	sch  schema.Schema
}

func newExpand(args []string) (*expandTransformer, error) {
	t := &expandTransformer{}
	for _, a := range args {
		env, err := compileScript("expand", a)
		if err != nil {
			return nil, err
		}
		t.envs = append(t.envs, env)
	}
	return t, nil
}

func (t *expandTransformer) Name() string { return "expand" }

func (t *expandTransformer) Init(in schema.Schema) (schema.Schema, error) {
	t.sch = in
	return in, nil
}

func (t *expandTransformer) Apply(_ *Ctx, row schema.Row) (Result, error) {
	rows := []schema.Row{row}
	for _, env := range t.envs {
		var next []schema.Row
		for _, r := range rows {
			expanded, err := t.expandOne(env, r)
			if err != nil {
				return Result{}, err
			}
			next = append(next, expanded...)
		}
		rows = next
	}
	if len(rows) == 0 {
		return Drop(), nil
	}
	return Many(rows), nil
}

func (t *expandTransformer) expandOne(env *scriptEnv, row schema.Row) ([]schema.Row, error) {
	v, err := env.evalRow(t.sch, row)
	if err != nil {
		return nil, err
	}
	objs, err := exportObjects("expand", v.Export())
	if err != nil {
		return nil, err
	}
	out := make([]schema.Row, 0, len(objs))
	for _, obj := range objs {
		r, err := objectRow(t.sch, obj)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
