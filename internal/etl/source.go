package etl

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BartekS5/invoice-ingest/pkg/logger"
	"github.com/fsnotify/fsnotify"
)

// Clean-source policies applied to a file once it is retired.
const (
	CleanArchive = "archive"
	CleanDelete  = "delete"
)

// ClaimedFile is an input file held exclusively by one pipeline cycle.
type ClaimedFile struct {
	ID      string
	Path    string
	Name    string
	Content []byte
	ModTime time.Time
}

type FileSourceOptions struct {
	Dir         string
	Pattern     string
	CleanSource string
	ArchiveDir  string
}

// FileSource polls a directory of immutable JSON files. Claims are held in
// process memory, so two processes must not share one input directory.
type FileSource struct {
	opts     FileSourceOptions
	readFile func(name string) ([]byte, error)

	mu      sync.Mutex
	claimed map[string]string // path -> file ID
}

func NewFileSource(opts FileSourceOptions) (*FileSource, error) {
	if opts.Dir == "" {
		return nil, errors.New("input directory is required")
	}
	if opts.Pattern == "" {
		opts.Pattern = "*.json"
	}
	if _, err := filepath.Match(opts.Pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid file pattern %q: %w", opts.Pattern, err)
	}
	switch opts.CleanSource {
	case CleanDelete:
	case CleanArchive, "":
		opts.CleanSource = CleanArchive
		if opts.ArchiveDir == "" {
			opts.ArchiveDir = filepath.Join(opts.Dir, "_archive")
		}
	default:
		return nil, fmt.Errorf("unknown clean-source policy %q", opts.CleanSource)
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create input directory: %w", err)
	}
	return &FileSource{opts: opts, readFile: os.ReadFile, claimed: make(map[string]string)}, nil
}

type candidate struct {
	path    string
	name    string
	modTime time.Time
}

// scan lists matching regular files, oldest first.
func (s *FileSource) scan() ([]candidate, error) {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list input directory: %w", err)
	}

	var out []candidate
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || ignoredName(name) {
			continue
		}
		if ok, _ := filepath.Match(s.opts.Pattern, name); !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // removed since ReadDir
		}
		out = append(out, candidate{
			path:    filepath.Join(s.opts.Dir, name),
			name:    name,
			modTime: info.ModTime(),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].modTime.Equal(out[j].modTime) {
			return out[i].modTime.Before(out[j].modTime)
		}
		return out[i].name < out[j].name
	})
	return out, nil
}

// ignoredName filters files that are still being written by a producer.
func ignoredName(name string) bool {
	return strings.HasPrefix(name, ".") ||
		strings.HasSuffix(name, ".tmp") ||
		strings.HasSuffix(name, ".part")
}

// FileID identifies a file by name and content so the ID is stable across restarts.
func FileID(name string, content []byte) string {
	sum := sha256.Sum256(content)
	return name + "@" + hex.EncodeToString(sum[:])
}

func (s *FileSource) PollOnce(ctx context.Context, max int, retired func(id string) bool) ([]*ClaimedFile, error) {
	if max <= 0 {
		max = 1
	}
	cands, err := s.scan()
	if err != nil {
		return nil, err
	}

	var files []*ClaimedFile
	for _, c := range cands {
		if len(files) >= max {
			break
		}
		if err := ctx.Err(); err != nil {
			return files, err
		}
		if s.isClaimedPath(c.path) {
			continue
		}

		f, err := s.read(c)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				// Later files are still claimed; this one is tried again next poll.
				logger.Warnf("Skipping unreadable file %s: %v", c.name, err)
			}
			continue
		}

		if retired != nil && retired(f.ID) {
			// Delivered before a crash interrupted the cleanup.
			logger.Infof("File %s already retired, cleaning up", f.Name)
			if err := s.clean(f); err != nil {
				logger.Warnf("Cleanup of retired file %s failed: %v", f.Name, err)
			}
			continue
		}

		if s.tryClaim(f) {
			files = append(files, f)
		}
	}
	return files, nil
}

// Claim reclaims the files of a pending batch by ID. A file that is gone is
// left out, but one that exists and cannot be read is an error: dropping it
// here would retire it unread.
func (s *FileSource) Claim(ctx context.Context, ids []string) ([]*ClaimedFile, error) {
	want := make(map[string]int, len(ids))
	for i, id := range ids {
		want[id] = i
	}

	cands, err := s.scan()
	if err != nil {
		return nil, err
	}

	found := make([]*ClaimedFile, len(ids))
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// The file name is the ID prefix; skip hashing unrelated files.
		if !nameWanted(c.name, ids) {
			continue
		}
		f, err := s.read(c)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		i, ok := want[f.ID]
		if !ok || found[i] != nil {
			continue
		}
		if s.tryClaim(f) {
			found[i] = f
		}
	}

	out := make([]*ClaimedFile, 0, len(ids))
	for _, f := range found {
		if f != nil {
			out = append(out, f)
		}
	}
	return out, nil
}

func nameWanted(name string, ids []string) bool {
	for _, id := range ids {
		if strings.HasPrefix(id, name+"@") {
			return true
		}
	}
	return false
}

func (s *FileSource) read(c candidate) (*ClaimedFile, error) {
	content, err := s.readFile(c.path)
	if err != nil {
		return nil, err
	}
	return &ClaimedFile{
		ID:      FileID(c.name, content),
		Path:    c.path,
		Name:    c.name,
		Content: content,
		ModTime: c.modTime,
	}, nil
}

func (s *FileSource) isClaimedPath(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.claimed[path]
	return ok
}

func (s *FileSource) tryClaim(f *ClaimedFile) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claimed[f.Path]; ok {
		return false
	}
	s.claimed[f.Path] = f.ID
	return true
}

func (s *FileSource) Release(f *ClaimedFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claimed, f.Path)
}

func (s *FileSource) Retire(f *ClaimedFile) error {
	err := s.clean(f)
	if err == nil {
		s.Release(f)
	}
	return err
}

// clean applies the clean-source policy. A file that is already gone counts as done.
func (s *FileSource) clean(f *ClaimedFile) error {
	if s.opts.CleanSource == CleanDelete {
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete %s: %w", f.Name, err)
		}
		return nil
	}

	if err := os.MkdirAll(s.opts.ArchiveDir, 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	target := filepath.Join(s.opts.ArchiveDir, f.Name)
	if _, err := os.Stat(target); err == nil {
		// Same name seen before with different content.
		target = filepath.Join(s.opts.ArchiveDir, fmt.Sprintf("%s.%d", f.Name, time.Now().UnixNano()))
	}
	if err := os.Rename(f.Path, target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to archive %s: %w", f.Name, err)
	}
	return nil
}

// Watch signals on the returned channel whenever a file lands in the input
// directory. Notifications coalesce; the channel closes when ctx is done.
func (s *FileSource) Watch(ctx context.Context) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(s.opts.Dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	notify := make(chan struct{}, 1)
	go func() {
		defer close(notify)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if ignoredName(filepath.Base(ev.Name)) {
					continue
				}
				select {
				case notify <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warnf("Input directory watcher error: %v", err)
			}
		}
	}()
	return notify, nil
}

// ParseRecords splits file content into raw JSON records. A file may hold a
// single object, a top-level array, or a sequence of concatenated or
// newline-delimited values. Any tokenization failure fails the whole file.
func ParseRecords(name string, content []byte) ([]json.RawMessage, error) {
	content = bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := dec.Decode(&arr); err != nil {
			return nil, &ParseError{File: name, Err: err}
		}
		if _, err := dec.Token(); err != io.EOF {
			return nil, &ParseError{File: name, Err: errors.New("unexpected data after top-level array")}
		}
		return arr, nil
	}

	var records []json.RawMessage
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, &ParseError{File: name, Err: err}
		}
		records = append(records, raw)
	}
}
