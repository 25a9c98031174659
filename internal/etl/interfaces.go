package etl

import (
	"context"

	"github.com/BartekS5/invoice-ingest/pkg/models"
)

// Source discovers and claims input files.
type Source interface {
	// PollOnce claims up to max unclaimed files. Files whose ID satisfies
	// retired were already delivered and are only cleaned up again.
	PollOnce(ctx context.Context, max int, retired func(id string) bool) ([]*ClaimedFile, error)
	// Claim re-claims the files with the given IDs, for replaying a pending batch.
	Claim(ctx context.Context, ids []string) ([]*ClaimedFile, error)
	// Retire deletes or archives a delivered file. Retiring a missing file is not an error.
	Retire(f *ClaimedFile) error
	// Release drops the claim without retiring the file.
	Release(f *ClaimedFile)
}

// Loader delivers micro-batches to the relational sink.
type Loader interface {
	// Commit writes every row of the batch in one transaction. Committing
	// the same batch twice leaves the sink unchanged.
	Commit(ctx context.Context, batch *models.MicroBatch) error
	// Committed reports whether the batch marker for batchID is present.
	Committed(ctx context.Context, batchID int64) (bool, error)
}

// DeadLetterSink receives quarantined records.
type DeadLetterSink interface {
	Quarantine(ctx context.Context, dl models.DeadLetter) error
	Close(ctx context.Context) error
}

// CheckpointStore is the durable record of delivery progress.
type CheckpointStore interface {
	Snapshot() *models.Checkpoint
	IsRetired(fileID string) bool
	// Begin persists the intent to deliver a batch.
	Begin(p models.PendingBatch) error
	// Advance retires fileIDs and clears the pending intent in one atomic
	// write. When committed is true LastCommittedBatchID becomes batchID.
	Advance(batchID int64, fileIDs []string, committed bool) error
}
