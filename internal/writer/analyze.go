package writer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dtpipe/dtpipe/internal/retry"
	"github.com/dtpipe/dtpipe/internal/schema"
)

// analyzeMaxRows and analyzeMaxTime bound the failure analysis so a huge batch cannot stall
// the diagnostic path.
const (
	analyzeMaxRows = 256
	analyzeMaxTime = 5 * time.Second
)

// analyzeFailure narrows a failed chunk down to the offending row and, when
// identifiable, the offending column. Single-row retries run inside a
// rolled-back transaction so the analysis never persists data. Analysis is
// best-effort: when inconclusive, the original error surfaces.
func (w *sqlWriter) analyzeFailure(ctx context.Context, table string, rows []schema.Row, rowOffset int, orig error) error {
	actx, cancel := context.WithTimeout(ctx, analyzeMaxTime)
	defer cancel()

	badRow, rowErr := w.findBadRow(actx, table, rows)
	if badRow < 0 {
		return retry.New(retry.Data, "writer", fmt.Errorf("batch insert into %s: %w", table, orig))
	}

	e := retry.New(retry.Data, "writer", rowErr)
	e.Row = rowOffset + badRow
	if col := w.identifyColumn(rows[badRow], rowErr); col >= 0 {
		e.Column = col
		name := w.sch[col].Name
		native := w.d.TypeName(w.sch[col].Type)
		if w.info != nil {
			if tc := w.info.Column(w.physicalName(name)); tc != nil {
				native = tc.NativeType
			}
		}
		e.Ident = fmt.Sprintf("%s %s = %v", name, native, rows[badRow][col])
	}
	return e
}

// findBadRow replays rows one at a time in a transaction that is always
// rolled back, returning the first failing index.
func (w *sqlWriter) findBadRow(ctx context.Context, table string, rows []schema.Row) (int, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return -1, nil
	}
	defer tx.Rollback()

	limit := min(len(rows), analyzeMaxRows)
	for i := 0; i < limit; i++ {
		if ctx.Err() != nil {
			return -1, nil
		}
		stmt, args := w.buildInsert(table, rows[i:i+1])
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return i, err
		}
	}
	return -1, nil
}

// identifyColumn guesses which column the driver complained about, first by
// name match in the message, then by a max-length heuristic.
func (w *sqlWriter) identifyColumn(row schema.Row, err error) int {
	msg := strings.ToLower(err.Error())
	for i, c := range w.sch {
		if strings.Contains(msg, strings.ToLower(c.Name)) {
			return i
		}
	}
	if w.info == nil {
		return -1
	}
	for i, c := range w.sch {
		tc := w.info.Column(w.physicalName(c.Name))
		if tc == nil || tc.MaxLength <= 0 {
			continue
		}
		if s, ok := row[i].(string); ok && len([]rune(s)) > tc.MaxLength {
			return i
		}
	}
	return -1
}
