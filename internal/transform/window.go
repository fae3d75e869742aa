package transform

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dtpipe/dtpipe/internal/schema"
)

// windowTransformer buffers size rows, hands the buffer to a batch script
// as `rows`, and emits the rows the script returns. Flush runs the script
// over the trailing partial window at end-of-stream.
type windowTransformer struct {
	size int
	env  *scriptEnv
	sch  schema.Schema
	buf  []schema.Row
}

func newWindow(args []string) (*windowTransformer, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("transform: window: exactly one N:SCRIPT directive expected, got %d", len(args))
	}
	head, script, ok := strings.Cut(args[0], ":")
	if !ok {
		return nil, fmt.Errorf("transform: window: expected N:SCRIPT, got %q", args[0])
	}
	size, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil || size < 1 {
		return nil, fmt.Errorf("transform: window: size must be a positive integer, got %q", head)
	}
	env, err := compileScript("window", script)
	if err != nil {
		return nil, err
	}
	return &windowTransformer{size: size, env: env}, nil
}

func (t *windowTransformer) Name() string { return "window" }

func (t *windowTransformer) Init(in schema.Schema) (schema.Schema, error) {
	t.sch = in
	t.buf = t.buf[:0]
	return in, nil
}

func (t *windowTransformer) Apply(_ *Ctx, row schema.Row) (Result, error) {
	t.buf = append(t.buf, row)
	if len(t.buf) < t.size {
		return Drop(), nil
	}
	out, err := t.emit()
	if err != nil {
		return Result{}, err
	}
	if len(out) == 0 {
		return Drop(), nil
	}
	return Many(out), nil
}

// Flush emits the incomplete trailing window.
func (t *windowTransformer) Flush() ([]schema.Row, error) {
	if len(t.buf) == 0 {
		return nil, nil
	}
	return t.emit()
}

func (t *windowTransformer) emit() ([]schema.Row, error) {
	objs := make([]map[string]any, len(t.buf))
	for i, r := range t.buf {
		objs[i] = rowObject(t.sch, r)
	}
	t.buf = t.buf[:0]

	t.env.vm.Set("rows", objs)
	v, err := t.env.vm.RunProgram(t.env.program)
	if err != nil {
		return nil, fmt.Errorf("transform: window: %w", err)
	}
	objs, err = exportObjects("window", v.Export())
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
