package models

import "time"

// CheckpointVersion is bumped whenever the on-disk checkpoint layout changes.
const CheckpointVersion = 1

// Checkpoint is the durable delivery progress of the pipeline.
//
// A file ID enters Retired only after every row derived from it is committed
// to the sink. Pending is the write-ahead intent for the batch currently in
// flight; it is cleared in the same write that advances LastCommittedBatchID.
type Checkpoint struct {
	Version              int                  `json:"version"`
	LastCommittedBatchID int64                `json:"last_committed_batch_id"`
	Retired              map[string]time.Time `json:"retired_files"`
	Pending              *PendingBatch        `json:"pending,omitempty"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

// PendingBatch records which files were claimed for a batch before the
// batch is delivered, so a restart replays them under the same BatchID.
type PendingBatch struct {
	BatchID   int64     `json:"batch_id"`
	FileIDs   []string  `json:"file_ids"`
	Files     []string  `json:"files"`
	StartedAt time.Time `json:"started_at"`
}

// NewCheckpoint returns an empty checkpoint for a fresh start.
func NewCheckpoint() *Checkpoint {
	return &Checkpoint{
		Version: CheckpointVersion,
		Retired: make(map[string]time.Time),
	}
}

// Clone returns a deep copy safe to hand out to callers.
func (c *Checkpoint) Clone() *Checkpoint {
	out := &Checkpoint{
		Version:              c.Version,
		LastCommittedBatchID: c.LastCommittedBatchID,
		Retired:              make(map[string]time.Time, len(c.Retired)),
		UpdatedAt:            c.UpdatedAt,
	}
	for id, at := range c.Retired {
		out.Retired[id] = at
	}
	if c.Pending != nil {
		p := *c.Pending
		p.FileIDs = append([]string(nil), c.Pending.FileIDs...)
		p.Files = append([]string(nil), c.Pending.Files...)
		out.Pending = &p
	}
	return out
}
