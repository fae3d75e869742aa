package reader

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dtpipe/dtpipe/internal/endpoint"
	"github.com/dtpipe/dtpipe/internal/schema"
)

// generateReader is the synthetic source: it emits rows with a single
// monotonically increasing SampleIndex column, optionally rate limited.
type generateReader struct {
	spec   endpoint.GenerateSpec
	next   int64
	opened bool
	// interval between rows when a rate is set.
	interval time.Duration
	last     time.Time
}

// NewGenerate builds a reader from a generate:<N>[;rate=R] endpoint spec.
func NewGenerate(spec string) (Reader, error) {
	parsed, err := endpoint.ParseGenerate(spec)
	if err != nil {
		return nil, err
	}
	g := &generateReader{spec: parsed}
	if parsed.RatePerSec > 0 {
		g.interval = time.Duration(float64(time.Second) / parsed.RatePerSec)
	}
	return g, nil
}

func (g *generateReader) Open(ctx context.Context) error {
	g.opened = true
	g.next = 0
	return nil
}

func (g *generateReader) Schema() schema.Schema {
	return schema.Schema{{Name: "SampleIndex", Type: schema.Int64}}
}

func (g *generateReader) ReadBatch(ctx context.Context, n int) (schema.Batch, error) {
	if !g.opened {
		return schema.Batch{}, fmt.Errorf("reader: generate: not opened")
	}
	if g.next >= g.spec.Rows {
		return schema.Batch{}, io.EOF
	}
	batch := schema.Batch{Columns: g.Schema()}
	for len(batch.Rows) < n && g.next < g.spec.Rows {
		if err := g.throttle(ctx); err != nil {
			return schema.Batch{}, err
		}
		batch.Rows = append(batch.Rows, schema.Row{g.next})
		g.next++
	}
	return batch, nil
}

func (g *generateReader) throttle(ctx context.Context) error {
	if g.interval == 0 {
		return nil
	}
	now := time.Now()
	wait := g.interval - now.Sub(g.last)
	g.last = now.Add(max(wait, 0))
	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *generateReader) Close() error { return nil }
