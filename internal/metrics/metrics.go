// Package metrics holds the single-writer run counters and flushes them to
// a structured JSON file on request. The engine never reads them back.
package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// Pipeline is the process-scope metrics record for one job. The kernel is
// the only writer; observers read through Snapshot.
type Pipeline struct {
	mu sync.RWMutex

	rowsRead     int64
	rowsWritten  int64
	rowsFiltered int64
	rowsExpanded int64
	rowsRejected int64
	bytesWritten int64
	batchCount   int64
	retries      int64

	startTime time.Time
	endTime   time.Time
	status    string

	// batchLatencies holds per-batch write durations in order.
	batchLatencies []time.Duration
}

// New returns a metrics record with the clock started.
func New() *Pipeline {
	return &Pipeline{startTime: time.Now(), status: "running"}
}

func (p *Pipeline) AddRead(n int)     { p.add(&p.rowsRead, n) }
func (p *Pipeline) AddWritten(n int)  { p.add(&p.rowsWritten, n) }
func (p *Pipeline) AddFiltered(n int) { p.add(&p.rowsFiltered, n) }
func (p *Pipeline) AddExpanded(n int) { p.add(&p.rowsExpanded, n) }
func (p *Pipeline) AddRejected(n int) { p.add(&p.rowsRejected, n) }
func (p *Pipeline) AddBytes(n int64)  { p.add64(&p.bytesWritten, n) }
func (p *Pipeline) AddRetry()         { p.add(&p.retries, 1) }

func (p *Pipeline) add(field *int64, n int) {
	p.mu.Lock()
	*field += int64(n)
	p.mu.Unlock()
}

func (p *Pipeline) add64(field *int64, n int64) {
	p.mu.Lock()
	*field += n
	p.mu.Unlock()
}

// ObserveBatch records one completed batch write.
func (p *Pipeline) ObserveBatch(d time.Duration) {
	p.mu.Lock()
	p.batchCount++
	p.batchLatencies = append(p.batchLatencies, d)
	p.mu.Unlock()
}

// Finish stamps the end time and terminal status.
func (p *Pipeline) Finish(status string) {
	p.mu.Lock()
	p.endTime = time.Now()
	p.status = status
	p.mu.Unlock()
}

// Snapshot is the readable view of the record.
type Snapshot struct {
	RowsRead     int64        `json:"rows_read"`
	RowsWritten  int64        `json:"rows_written"`
	RowsFiltered int64        `json:"rows_filtered"`
	RowsExpanded int64        `json:"rows_expanded"`
	RowsRejected int64        `json:"rows_rejected"`
	BytesWritten int64        `json:"bytes_written"`
	BatchCount   int64        `json:"batch_count"`
	Retries      int64        `json:"retries"`
	Status       string       `json:"status"`
	StartedAt    time.Time    `json:"started_at"`
	EndedAt      time.Time    `json:"ended_at,omitempty"`
	DurationMs   int64        `json:"duration_ms"`
	BatchMs      BatchLatency `json:"batch_latency_ms"`
	PerBatchMs   []float64    `json:"per_batch_ms,omitempty"`
}

// BatchLatency summarizes the per-batch write durations.
type BatchLatency struct {
	Min float64 `json:"min"`
	Avg float64 `json:"avg"`
	Max float64 `json:"max"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
}

// Snapshot returns a consistent copy of the record.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	end := p.endTime
	if end.IsZero() {
		end = time.Now()
	}
	s := Snapshot{
		RowsRead:     p.rowsRead,
		RowsWritten:  p.rowsWritten,
		RowsFiltered: p.rowsFiltered,
		RowsExpanded: p.rowsExpanded,
		RowsRejected: p.rowsRejected,
		BytesWritten: p.bytesWritten,
		BatchCount:   p.batchCount,
		Retries:      p.retries,
		Status:       p.status,
		StartedAt:    p.startTime,
		EndedAt:      p.endTime,
		DurationMs:   end.Sub(p.startTime).Milliseconds(),
	}
	if len(p.batchLatencies) > 0 {
		s.PerBatchMs = make([]float64, len(p.batchLatencies))
		sorted := make([]time.Duration, len(p.batchLatencies))
		copy(sorted, p.batchLatencies)
		var total time.Duration
		for i, d := range p.batchLatencies {
			s.PerBatchMs[i] = ms(d)
			total += d
		}
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		s.BatchMs = BatchLatency{
			Min: ms(sorted[0]),
			Max: ms(sorted[len(sorted)-1]),
			Avg: ms(total) / float64(len(sorted)),
			P50: ms(percentile(sorted, 0.50)),
			P95: ms(percentile(sorted, 0.95)),
		}
	}
	return s
}

// Flush writes the snapshot to path, replacing any prior document.
func (p *Pipeline) Flush(path string) error {
	data, err := json.MarshalIndent(p.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("metrics: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}
	return nil
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}
