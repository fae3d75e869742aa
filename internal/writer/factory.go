package writer

import (
	"fmt"

	"github.com/dtpipe/dtpipe/internal/endpoint"
	"github.com/dtpipe/dtpipe/internal/retry"
)

// New selects the writer for an endpoint.
func New(ep endpoint.Endpoint, opts Options) (Writer, error) {
	switch {
	case ep.Kind == endpoint.CSV:
		return NewCSV(ep.Spec, opts), nil
	case ep.Kind == endpoint.Parquet:
		return NewParquet(ep.Spec), nil
	case ep.Kind == endpoint.Arrow:
		return NewArrow(ep.Spec), nil
	case ep.Kind.IsDatabase():
		return NewSQL(ep, opts)
	}
	return nil, retry.New(retry.Config, "writer", fmt.Errorf("no writer for provider %q", ep.Kind))
}
