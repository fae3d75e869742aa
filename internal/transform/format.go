package transform

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dtpipe/dtpipe/internal/schema"
)

// placeholderRe matches {{name}} and {{name|spec}} substitutions. spec is a
// fmt verb for numbers ("%.2f") or a time layout for temporal values.
var placeholderRe = regexp.MustCompile(`\{\{\s*([^}|]+?)\s*(?:\|\s*([^}]+?)\s*)?\}\}`)

type formatMapping struct {
	target   string
	template string
	// refs are the referenced column indexes resolved at Init.
	refs map[string]int
	// targetIdx is -1 when the target column is appended.
	targetIdx int
}

// formatTransformer renders a template into a target string column, adding
// the column when it does not already exist.
type formatTransformer struct {
	mappings []formatMapping
}

func newFormat(args []string) (*formatTransformer, error) {
	t := &formatTransformer{}
	for _, a := range args {
		col, tmpl, err := splitColArg(a)
		if err != nil {
			return nil, err
		}
		t.mappings = append(t.mappings, formatMapping{target: col, template: tmpl})
	}
	return t, nil
}

func (t *formatTransformer) Name() string { return "format" }

func (t *formatTransformer) Init(in schema.Schema) (schema.Schema, error) {
	out := in.Clone()
	for i := range t.mappings {
		m := &t.mappings[i]
		m.refs = map[string]int{}
		for _, match := range placeholderRe.FindAllStringSubmatch(m.template, -1) {
			name := match[1]
			pos := out.Index(name, nil)
			if pos < 0 {
				return nil, fmt.Errorf("transform: format: column %q not in schema", name)
			}
			m.refs[name] = pos
		}
		if pos := out.Index(m.target, nil); pos >= 0 {
			m.targetIdx = pos
			out[pos].Type = schema.String
		} else {
			m.targetIdx = -1
			out = append(out, schema.ColumnInfo{Name: m.target, Type: schema.String, Nullable: true})
		}
	}
	return out, nil
}

func (t *formatTransformer) Apply(_ *Ctx, row schema.Row) (Result, error) {
	for _, m := range t.mappings {
		rendered := placeholderRe.ReplaceAllStringFunc(m.template, func(ph string) string {
			match := placeholderRe.FindStringSubmatch(ph)
			v := row[m.refs[match[1]]]
			return renderValue(v, match[2])
		})
		if m.targetIdx >= 0 {
			row[m.targetIdx] = rendered
		} else {
			row = append(row, rendered)
		}
	}
	return One(row), nil
}

// renderValue formats one cell under an optional specifier: fmt verbs for
// numerics, time layouts for temporal values.
func renderValue(v schema.Value, spec string) string {
	if v == nil {
		return ""
	}
	if spec == "" {
		return schema.ToString(v)
	}
	if ts, ok := v.(time.Time); ok {
		return ts.Format(spec)
	}
	if strings.ContainsRune(spec, '%') {
		return fmt.Sprintf(spec, v)
	}
	return schema.ToString(v)
}
