package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dtpipe/dtpipe/internal/controller"
	"github.com/dtpipe/dtpipe/internal/pipeline"
	"github.com/dtpipe/dtpipe/internal/schema"
	"github.com/dtpipe/dtpipe/internal/validate"
)

// renderReport prints the validator findings to stderr, colored by level.
func renderReport(w io.Writer, r *validate.Report) {
	for _, f := range r.Findings {
		line := f.String()
		switch f.Level {
		case validate.Error:
			line = errorStyle.Render(line)
		case validate.Warning:
			line = warnStyle.Render(line)
		default:
			line = infoStyle.Render(line)
		}
		fmt.Fprintln(w, line)
	}
}

// renderTrace prints the dry-run result: the schema evolution across the
// chain and the journey of each traced row.
func renderTrace(w io.Writer, out controller.Outcome) {
	trace := out.Result.Trace
	if trace == nil {
		return
	}

	fmt.Fprintln(w, stageStyle.Render("schema evolution"))
	for i, s := range out.Schemas {
		label := "reader"
		if i > 0 && i < len(trace.Stages) {
			label = trace.Stages[i]
		}
		fmt.Fprintf(w, "  %s %s\n", stageStyle.Render(label+":"), renderSchema(s))
	}

	fmt.Fprintln(w, stageStyle.Render("row trace"))
	for _, rt := range trace.Rows {
		fmt.Fprintf(w, "  %s\n", dimStyle.Render(fmt.Sprintf("row %d", rt.Index)))
		for _, step := range rt.Steps {
			switch step.Outcome {
			case "filtered":
				fmt.Fprintf(w, "    %s %s\n", step.Stage, warnStyle.Render("filtered"))
			case "expanded":
				fmt.Fprintf(w, "    %s %s\n", step.Stage,
					successStyle.Render(fmt.Sprintf("expanded to %d rows", len(step.Rows))))
				for _, r := range step.Rows {
					fmt.Fprintf(w, "      %s\n", renderRow(r))
				}
			default:
				if len(step.Rows) == 1 {
					fmt.Fprintf(w, "    %s %s\n", step.Stage, renderRow(step.Rows[0]))
				} else {
					fmt.Fprintf(w, "    %s %s\n", step.Stage, step.Outcome)
				}
			}
		}
	}
}

func renderSchema(s schema.Schema) string {
	parts := make([]string, len(s))
	for i, c := range s {
		null := ""
		if !c.Nullable {
			null = " not null"
		}
		parts[i] = fmt.Sprintf("%s %s%s", c.Name, c.Type, null)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func renderRow(r schema.Row) string {
	parts := make([]string, len(r))
	for i, v := range r {
		if v == nil {
			parts[i] = dimStyle.Render("null")
			continue
		}
		parts[i] = schema.ToString(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// renderSummary prints the one-line run outcome.
func renderSummary(w io.Writer, res pipeline.Result) {
	fmt.Fprintln(w, successStyle.Render(fmt.Sprintf(
		"done: %d rows in, %d rows out, %d filtered, %d batches in %s",
		res.RowsIn, res.RowsOut, res.RowsFiltered, res.Batches, res.Duration.Round(time.Millisecond))))
}
