package etl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BartekS5/invoice-ingest/pkg/models"
)

// FileDeadLetter appends quarantined records to a JSON-lines file and syncs
// after every record, so a quarantine is durable before its file is retired.
type FileDeadLetter struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	encoder *json.Encoder
	count   int64
}

func NewFileDeadLetter(path string) (*FileDeadLetter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create dead-letter directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter file: %w", err)
	}
	return &FileDeadLetter{path: path, file: f, encoder: json.NewEncoder(f)}, nil
}

func (d *FileDeadLetter) Quarantine(_ context.Context, dl models.DeadLetter) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return fmt.Errorf("dead-letter file %s is closed", d.path)
	}
	if err := d.encoder.Encode(dl); err != nil {
		return fmt.Errorf("failed to write dead letter: %w", err)
	}
	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync dead-letter file: %w", err)
	}
	d.count++
	return nil
}

// Count returns how many records this writer has quarantined.
func (d *FileDeadLetter) Count() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

func (d *FileDeadLetter) Close(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
