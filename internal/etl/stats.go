package etl

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Stats holds per-run counters. Safe for concurrent use.
type Stats struct {
	filesClaimed     atomic.Int64
	filesRetired     atomic.Int64
	recordsRead      atomic.Int64
	quarantined      atomic.Int64
	rowsCommitted    atomic.Int64
	batchesCommitted atomic.Int64
	retries          atomic.Int64

	started time.Time
}

func NewStats() *Stats {
	return &Stats{started: time.Now()}
}

func (s *Stats) FilesClaimed() int64     { return s.filesClaimed.Load() }
func (s *Stats) FilesRetired() int64     { return s.filesRetired.Load() }
func (s *Stats) RecordsRead() int64      { return s.recordsRead.Load() }
func (s *Stats) Quarantined() int64      { return s.quarantined.Load() }
func (s *Stats) RowsCommitted() int64    { return s.rowsCommitted.Load() }
func (s *Stats) BatchesCommitted() int64 { return s.batchesCommitted.Load() }
func (s *Stats) Retries() int64          { return s.retries.Load() }

// Rate returns committed rows per second since the run started.
func (s *Stats) Rate() float64 {
	d := time.Since(s.started).Seconds()
	if d <= 0 {
		return 0
	}
	return float64(s.RowsCommitted()) / d
}

func (s *Stats) String() string {
	return fmt.Sprintf("files=%d retired=%d records=%d quarantined=%d rows=%d batches=%d retries=%d rate=%.2f rows/sec",
		s.FilesClaimed(), s.FilesRetired(), s.RecordsRead(), s.Quarantined(),
		s.RowsCommitted(), s.BatchesCommitted(), s.Retries(), s.Rate())
}
