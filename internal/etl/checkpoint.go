package etl

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BartekS5/invoice-ingest/pkg/logger"
	"github.com/BartekS5/invoice-ingest/pkg/models"
)

const checkpointFile = "checkpoint.json"

// FileCheckpointStore keeps the checkpoint as a JSON file that is replaced
// atomically (write temp, fsync, rename, fsync dir) on every update. The
// in-memory copy only changes after the new file is durable.
type FileCheckpointStore struct {
	dir  string
	path string

	mu sync.RWMutex
	cp *models.Checkpoint

	now func() time.Time
}

// OpenCheckpointStore loads the checkpoint in dir, creating the directory
// when needed. A missing file is a fresh start; an unreadable one is an error.
func OpenCheckpointStore(dir string) (*FileCheckpointStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &CheckpointIOError{Op: "mkdir", Path: dir, Err: err}
	}

	s := &FileCheckpointStore{
		dir:  dir,
		path: filepath.Join(dir, checkpointFile),
		now:  time.Now,
	}
	s.removeStaleTemps()

	cp, err := readCheckpoint(s.path)
	if err != nil {
		return nil, err
	}
	s.cp = cp
	return s, nil
}

func readCheckpoint(path string) (*models.Checkpoint, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return models.NewCheckpoint(), nil
	}
	if err != nil {
		return nil, &CheckpointIOError{Op: "read", Path: path, Err: err}
	}

	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, &CheckpointIOError{Op: "decode", Path: path, Err: err}
	}
	if cp.Version > models.CheckpointVersion {
		return nil, &CheckpointIOError{Op: "decode", Path: path,
			Err: fmt.Errorf("unsupported checkpoint version %d", cp.Version)}
	}
	if cp.Retired == nil {
		cp.Retired = make(map[string]time.Time)
	}
	cp.Version = models.CheckpointVersion
	return &cp, nil
}

// Path returns the checkpoint file location.
func (s *FileCheckpointStore) Path() string { return s.path }

func (s *FileCheckpointStore) Snapshot() *models.Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cp.Clone()
}

func (s *FileCheckpointStore) IsRetired(fileID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cp.Retired[fileID]
	return ok
}

func (s *FileCheckpointStore) Begin(p models.PendingBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.BatchID <= s.cp.LastCommittedBatchID {
		return &CheckpointIOError{Op: "begin", Path: s.path,
			Err: fmt.Errorf("batch %d is not after last committed batch %d", p.BatchID, s.cp.LastCommittedBatchID)}
	}

	next := s.cp.Clone()
	if p.StartedAt.IsZero() {
		p.StartedAt = s.now()
	}
	next.Pending = &p
	return s.persistLocked(next)
}

func (s *FileCheckpointStore) Advance(batchID int64, fileIDs []string, committed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cp.Clone()
	at := s.now()
	for _, id := range fileIDs {
		next.Retired[id] = at
	}
	if committed {
		if batchID <= next.LastCommittedBatchID {
			return &CheckpointIOError{Op: "advance", Path: s.path,
				Err: fmt.Errorf("batch %d is not after last committed batch %d", batchID, next.LastCommittedBatchID)}
		}
		next.LastCommittedBatchID = batchID
	}
	next.Pending = nil
	return s.persistLocked(next)
}

func (s *FileCheckpointStore) persistLocked(next *models.Checkpoint) error {
	next.UpdatedAt = s.now()
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return &CheckpointIOError{Op: "encode", Path: s.path, Err: err}
	}
	if err := writeFileAtomic(s.dir, s.path, data); err != nil {
		return &CheckpointIOError{Op: "write", Path: s.path, Err: err}
	}
	s.cp = next
	return nil
}

func writeFileAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, checkpointFile+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Some filesystems refuse fsync on directories.
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}

func (s *FileCheckpointStore) removeStaleTemps() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, checkpointFile+".") && strings.HasSuffix(name, ".tmp") {
			if err := os.Remove(filepath.Join(s.dir, name)); err == nil {
				logger.Warnf("Removed torn checkpoint temp file %s", name)
			}
		}
	}
}
