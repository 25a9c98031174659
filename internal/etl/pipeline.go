package etl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BartekS5/invoice-ingest/pkg/logger"
	"github.com/BartekS5/invoice-ingest/pkg/models"
	"github.com/BartekS5/invoice-ingest/pkg/utils"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Options tune the coordinator loop.
type Options struct {
	MaxFilesPerTrigger int
	PollInterval       time.Duration
	Workers            int
	WriteTimeout       time.Duration
	MaxRetries         int
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	// Drain makes Run return after the first poll that finds no files.
	Drain bool
	RunID string
}

func (o *Options) applyDefaults() {
	if o.MaxFilesPerTrigger <= 0 {
		o.MaxFilesPerTrigger = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 30 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.RunID == "" {
		o.RunID = uuid.NewString()
	}
}

// Pipeline is the coordinator: it runs poll, transform, commit and
// checkpoint advance as one sequential cycle, never overlapping two batches.
type Pipeline struct {
	Source      Source
	Loader      Loader
	Checkpoints CheckpointStore
	DeadLetters DeadLetterSink
	Validator   *Validator
	Flattener   *Flattener
	Stats       *Stats
	Opts        Options

	// Notify, when set, wakes the idle wait early (e.g. on file arrival).
	Notify <-chan struct{}

	mu    sync.Mutex
	state State
}

func NewPipeline(src Source, loader Loader, checkpoints CheckpointStore, deadLetters DeadLetterSink, opts Options) *Pipeline {
	opts.applyDefaults()
	return &Pipeline{
		Source:      src,
		Loader:      loader,
		Checkpoints: checkpoints,
		DeadLetters: deadLetters,
		Validator:   NewValidator(),
		Flattener:   NewFlattener(),
		Stats:       NewStats(),
		Opts:        opts,
		state:       StateIdle,
	}
}

// State returns the current stage of the cycle.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) transition(next State) {
	p.mu.Lock()
	prev := p.state
	p.state = next
	p.mu.Unlock()

	if !prev.CanTransition(next) {
		logger.Warnf("Unexpected state transition %s -> %s", prev, next)
		return
	}
	logger.Debugf("State %s -> %s", prev, next)
}

// Run loops until ctx is cancelled or a fatal error occurs. Cancellation is
// honoured only at the Idle boundary: a cycle that has started runs to
// completion, including its sink commit. The returned error is a
// *FatalError, or nil on graceful shutdown.
func (p *Pipeline) Run(ctx context.Context) error {
	logger.Infof("Starting pipeline %s. Max files per trigger: %d, Poll interval: %v, Workers: %d",
		p.Opts.RunID, p.Opts.MaxFilesPerTrigger, p.Opts.PollInterval, p.Opts.Workers)

	if err := p.recoverPending(ctx); err != nil {
		return p.halt(err)
	}

	for {
		if ctx.Err() != nil {
			logger.Infof("Shutdown requested, stopping at idle boundary. %s", p.Stats)
			return nil
		}

		n, err := p.RunOnce(ctx)
		if err != nil {
			return p.halt(err)
		}
		if n > 0 {
			continue
		}
		if p.Opts.Drain {
			logger.Infof("No more input files. Pipeline finished. %s", p.Stats)
			return nil
		}
		p.wait(ctx)
	}
}

func (p *Pipeline) halt(err error) error {
	last := p.State()
	p.transition(StateFatal)
	logger.Errorf("Pipeline halted in %s: %v. Claimed files are left unretired.", last, err)
	return &FatalError{State: last, Err: err}
}

func (p *Pipeline) wait(ctx context.Context) {
	timer := time.NewTimer(p.Opts.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	case _, ok := <-p.Notify:
		if !ok {
			p.Notify = nil
		}
	}
}

// RunOnce performs a single poll cycle and returns how many files it
// claimed. Errors returned are fatal.
func (p *Pipeline) RunOnce(ctx context.Context) (int, error) {
	work := context.WithoutCancel(ctx)

	p.transition(StatePolling)
	files, err := p.Source.PollOnce(work, p.Opts.MaxFilesPerTrigger, p.Checkpoints.IsRetired)
	if err != nil {
		// Input listing problems are recoverable; the next poll tries again.
		logger.Warnf("Polling failed: %v", err)
		for _, f := range files {
			p.Source.Release(f)
		}
		p.transition(StateIdle)
		return 0, nil
	}
	if len(files) == 0 {
		p.transition(StateIdle)
		return 0, nil
	}
	p.Stats.filesClaimed.Add(int64(len(files)))

	batchID := p.Checkpoints.Snapshot().LastCommittedBatchID + 1
	pending := models.PendingBatch{BatchID: batchID}
	for _, f := range files {
		pending.FileIDs = append(pending.FileIDs, f.ID)
		pending.Files = append(pending.Files, f.Name)
	}
	if err := p.Checkpoints.Begin(pending); err != nil {
		for _, f := range files {
			p.Source.Release(f)
		}
		return len(files), err
	}

	return len(files), p.deliver(work, batchID, files)
}

// recoverPending replays a batch whose delivery was interrupted, under its
// original BatchID so the sink key absorbs rows that were already written.
func (p *Pipeline) recoverPending(ctx context.Context) error {
	pending := p.Checkpoints.Snapshot().Pending
	if pending == nil {
		return nil
	}
	work := context.WithoutCancel(ctx)
	logger.Warnf("Found unfinished batch %d (%d files), replaying", pending.BatchID, len(pending.FileIDs))

	p.transition(StatePolling)
	files, err := p.Source.Claim(work, pending.FileIDs)
	if err != nil {
		return fmt.Errorf("reclaiming files of batch %d: %w", pending.BatchID, err)
	}
	if len(files) < len(pending.FileIDs) {
		logger.Warnf("Batch %d: %d of %d files no longer present", pending.BatchID,
			len(pending.FileIDs)-len(files), len(pending.FileIDs))
	}

	done, err := p.committed(work, pending.BatchID)
	if err != nil {
		return err
	}
	if done {
		logger.Infof("Batch %d already committed to sink, advancing checkpoint", pending.BatchID)
		p.transition(StateCheckpointAdvance)
		if err := p.Checkpoints.Advance(pending.BatchID, pending.FileIDs, true); err != nil {
			return err
		}
		p.retire(files)
		p.transition(StateIdle)
		return nil
	}

	return p.deliver(work, pending.BatchID, files)
}

// deliver runs Transforming -> Committing -> CheckpointAdvance for one batch
// and retires the files once the checkpoint is durable.
func (p *Pipeline) deliver(ctx context.Context, batchID int64, files []*ClaimedFile) error {
	p.transition(StateTransforming)
	batch, quarantined, err := p.transform(ctx, batchID, files)
	if err != nil {
		return err
	}

	committed := false
	if len(batch.Rows) > 0 {
		p.transition(StateCommitting)
		if err := p.commit(ctx, batch); err != nil {
			return err
		}
		committed = true
		p.Stats.rowsCommitted.Add(int64(len(batch.Rows)))
		p.Stats.batchesCommitted.Add(1)
	} else {
		logger.Infof("Batch %d has no valid rows, skipping commit", batchID)
	}

	p.transition(StateCheckpointAdvance)
	if err := p.Checkpoints.Advance(batchID, batch.SourceFileIDs, committed); err != nil {
		return err
	}

	p.retire(files)
	p.transition(StateIdle)

	logger.Infof("Batch %d done. Files: %d, Rows: %d, Quarantined: %d. Total rows: %d. Rate: %.2f rows/sec",
		batchID, len(files), len(batch.Rows), quarantined, p.Stats.RowsCommitted(), p.Stats.Rate())
	return nil
}

type fileResult struct {
	records     int
	rows        []models.FlatRow
	deadLetters []models.DeadLetter
}

// transform parses, validates and flattens every claimed file. Files are
// processed in parallel and joined before anything is committed; rows keep
// file order, then record order, then line-item order.
func (p *Pipeline) transform(ctx context.Context, batchID int64, files []*ClaimedFile) (*models.MicroBatch, int, error) {
	results := make([]fileResult, len(files))

	var g errgroup.Group
	g.SetLimit(p.Opts.Workers)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			results[i] = p.processFile(f)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	batch := &models.MicroBatch{BatchID: batchID}
	quarantined := 0
	for i, f := range files {
		r := results[i]
		batch.SourceFileIDs = append(batch.SourceFileIDs, f.ID)
		batch.SourceFiles = append(batch.SourceFiles, f.Name)
		batch.Rows = append(batch.Rows, r.rows...)
		p.Stats.recordsRead.Add(int64(r.records))

		for _, dl := range r.deadLetters {
			p.transition(StateQuarantining)
			if err := p.DeadLetters.Quarantine(ctx, dl); err != nil {
				return nil, quarantined, fmt.Errorf("quarantining record %d of %s: %w", dl.RecordIndex, f.Name, err)
			}
			quarantined++
			p.Stats.quarantined.Add(1)
			logger.Warnf("Quarantined %s record %d of %s: %v", dl.Kind, dl.RecordIndex, f.Name, dl.Errors)
			p.transition(StateTransforming)
		}
	}
	return batch, quarantined, nil
}

func (p *Pipeline) processFile(f *ClaimedFile) fileResult {
	records, err := ParseRecords(f.Name, f.Content)
	if err != nil {
		return fileResult{deadLetters: []models.DeadLetter{
			p.deadLetter(f, -1, models.DeadLetterParse, []string{err.Error()}, string(f.Content)),
		}}
	}

	res := fileResult{records: len(records)}
	for i, raw := range records {
		inv, err := p.Validator.Validate(raw)
		if err != nil {
			msgs := []string{err.Error()}
			var ve *ValidationError
			if errors.As(err, &ve) {
				msgs = ve.Messages()
			}
			res.deadLetters = append(res.deadLetters,
				p.deadLetter(f, i, models.DeadLetterValidation, msgs, string(raw)))
			continue
		}
		res.rows = append(res.rows, p.Flattener.Flatten(inv)...)
	}
	return res
}

func (p *Pipeline) deadLetter(f *ClaimedFile, index int, kind string, msgs []string, raw string) models.DeadLetter {
	return models.DeadLetter{
		ID:            uuid.NewString(),
		Key:           fmt.Sprintf("%s#%d", f.ID, index),
		RunID:         p.Opts.RunID,
		Kind:          kind,
		SourceFile:    f.Name,
		SourceFileID:  f.ID,
		RecordIndex:   index,
		Errors:        msgs,
		Raw:           utils.Truncate(raw, 1<<20),
		QuarantinedAt: time.Now().UTC(),
	}
}

// commit delivers the batch, retrying transient failures with bounded
// exponential backoff. Each attempt has its own deadline; running past it
// counts as a transient failure.
func (p *Pipeline) commit(ctx context.Context, batch *models.MicroBatch) error {
	attempts := 0
	op := func() error {
		attempts++
		if attempts > 1 {
			p.transition(StateCommitting)
		}

		return p.attempt(ctx, "commit", func(actx context.Context) error {
			return p.Loader.Commit(actx, batch)
		})
	}

	notify := func(err error, next time.Duration) {
		p.Stats.retries.Add(1)
		p.transition(StateRetrying)
		logger.Warnf("Commit of batch %d failed (attempt %d of %d): %v. Retrying in %v",
			batch.BatchID, attempts, p.Opts.MaxRetries+1, err, next)
	}

	if err := backoff.RetryNotify(op, p.newBackOff(), notify); err != nil {
		if IsTransient(err) {
			return fmt.Errorf("batch %d not committed after %d attempts: %w", batch.BatchID, attempts, err)
		}
		return fmt.Errorf("batch %d: %w", batch.BatchID, err)
	}
	return nil
}

// committed asks the sink whether a batch marker exists, retrying transient
// failures like a commit. An unanswered lookup is an error: replaying or
// advancing on a guess could reuse the BatchID of rows already in the sink.
func (p *Pipeline) committed(ctx context.Context, batchID int64) (bool, error) {
	var done bool
	attempts := 0
	op := func() error {
		attempts++
		return p.attempt(ctx, "lookup batch", func(actx context.Context) error {
			var err error
			done, err = p.Loader.Committed(actx, batchID)
			return err
		})
	}

	notify := func(err error, next time.Duration) {
		p.Stats.retries.Add(1)
		logger.Warnf("Checking sink for batch %d failed (attempt %d of %d): %v. Retrying in %v",
			batchID, attempts, p.Opts.MaxRetries+1, err, next)
	}

	if err := backoff.RetryNotify(op, p.newBackOff(), notify); err != nil {
		return false, fmt.Errorf("checking sink for batch %d after %d attempts: %w", batchID, attempts, err)
	}
	return done, nil
}

// attempt runs one sink call under its own deadline. Running past the
// deadline counts as transient; other non-transient errors stop the retry.
func (p *Pipeline) attempt(ctx context.Context, op string, call func(context.Context) error) error {
	actx, cancel := context.WithTimeout(ctx, p.Opts.WriteTimeout)
	defer cancel()

	err := call(actx)
	if err == nil {
		return nil
	}
	if errors.Is(actx.Err(), context.DeadlineExceeded) && !IsTransient(err) {
		err = &SinkError{Kind: ErrTransientConnection, Op: op, Err: err}
	}
	if !IsTransient(err) {
		return backoff.Permanent(err)
	}
	return err
}

func (p *Pipeline) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Opts.InitialBackoff
	exp.MaxInterval = p.Opts.MaxBackoff
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(p.Opts.MaxRetries))
}

// retire applies the clean-source policy. Failures are logged only: the
// files are already in the retired set and are cleaned on a later poll.
func (p *Pipeline) retire(files []*ClaimedFile) {
	for _, f := range files {
		if err := p.Source.Retire(f); err != nil {
			logger.Warnf("Retiring %s failed, will retry on next poll: %v", f.Name, err)
			p.Source.Release(f)
			continue
		}
		p.Stats.filesRetired.Add(1)
	}
}
