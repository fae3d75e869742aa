// Package reader provides the pull-based batch readers for every supported
// source. Readers stream: they never materialize the full result set.
package reader

import (
	"context"
	"time"

	"github.com/dtpipe/dtpipe/internal/schema"
)

// Reader is the source contract. Open negotiates the session and executes
// the user query; ReadBatch returns up to n rows and io.EOF once the stream
// is exhausted; Close releases the session.
type Reader interface {
	Open(ctx context.Context) error
	Schema() schema.Schema
	ReadBatch(ctx context.Context, n int) (schema.Batch, error)
	Close() error
}

// Options is the typed tuning block shared by the reader adapters. Zero
// values mean provider defaults.
type Options struct {
	// Query is the user-supplied read statement. Database readers require
	// one; file readers ignore it.
	Query string
	// ConnTimeout bounds Open.
	ConnTimeout time.Duration
	// QueryTimeout is the per-fetch deadline applied to each ReadBatch.
	QueryTimeout time.Duration
	// FetchSize tunes the provider's fetch buffer where supported.
	FetchSize int

	// CSV tuning.
	Delimiter rune
	NoHeader  bool
	// Types optionally declares csv column types as name:type pairs; columns
	// without a declaration read as strings.
	Types map[string]schema.LogicalType
}

// fetchCtx applies the per-fetch query timeout.
func fetchCtx(ctx context.Context, o Options) (context.Context, context.CancelFunc) {
	if o.QueryTimeout > 0 {
		return context.WithTimeout(ctx, o.QueryTimeout)
	}
	return ctx, func() {}
}
