package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	p := New()
	p.AddRead(100)
	p.AddWritten(90)
	p.AddFiltered(10)
	p.AddRetry()
	p.AddBytes(4096)

	s := p.Snapshot()
	assert.Equal(t, int64(100), s.RowsRead)
	assert.Equal(t, int64(90), s.RowsWritten)
	assert.Equal(t, int64(10), s.RowsFiltered)
	assert.Equal(t, int64(1), s.Retries)
	assert.Equal(t, int64(4096), s.BytesWritten)
}

func TestBatchLatencySummary(t *testing.T) {
	p := New()
	for _, d := range []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond} {
		p.ObserveBatch(d)
	}
	s := p.Snapshot()
	assert.Equal(t, int64(3), s.BatchCount)
	assert.Equal(t, 10.0, s.BatchMs.Min)
	assert.Equal(t, 30.0, s.BatchMs.Max)
	assert.Equal(t, 20.0, s.BatchMs.Avg)
	assert.Equal(t, 20.0, s.BatchMs.P50)
	assert.Len(t, s.PerBatchMs, 3)
}

func TestFinishStampsStatus(t *testing.T) {
	p := New()
	p.Finish("completed")
	s := p.Snapshot()
	assert.Equal(t, "completed", s.Status)
	assert.False(t, s.EndedAt.IsZero())
}

func TestFlushWritesJSON(t *testing.T) {
	p := New()
	p.AddRead(5)
	p.Finish("completed")

	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, p.Flush(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var s Snapshot
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, int64(5), s.RowsRead)
	assert.Equal(t, "completed", s.Status)
}
