package etl

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BartekS5/invoice-ingest/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDeadLetters struct {
	mu      sync.Mutex
	records []models.DeadLetter
	err     error
}

func (m *memDeadLetters) Quarantine(_ context.Context, dl models.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, dl)
	return nil
}

func (m *memDeadLetters) Close(context.Context) error { return nil }

func (m *memDeadLetters) all() []models.DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.DeadLetter(nil), m.records...)
}

// flakyLoader fails the first `failures` commits with err; -1 fails forever.
type flakyLoader struct {
	*SQLLoader

	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (f *flakyLoader) Commit(ctx context.Context, batch *models.MicroBatch) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures != 0
	if f.failures > 0 {
		f.failures--
	}
	f.mu.Unlock()

	if fail {
		return f.err
	}
	return f.SQLLoader.Commit(ctx, batch)
}

func (f *flakyLoader) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type stallingLoader struct {
	*SQLLoader
}

func (stallingLoader) Commit(ctx context.Context, _ *models.MicroBatch) error {
	<-ctx.Done()
	return ctx.Err()
}

// lookupLoader fails the first `failures` batch-marker lookups with err; -1 fails forever.
type lookupLoader struct {
	*SQLLoader

	mu       sync.Mutex
	failures int
	err      error
	lookups  int
}

func (l *lookupLoader) Committed(ctx context.Context, batchID int64) (bool, error) {
	l.mu.Lock()
	l.lookups++
	fail := l.failures != 0
	if l.failures > 0 {
		l.failures--
	}
	l.mu.Unlock()

	if fail {
		return false, l.err
	}
	return l.SQLLoader.Committed(ctx, batchID)
}

func (l *lookupLoader) Lookups() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lookups
}

// crashingCheckpoints simulates a process dying right after the sink commit.
type crashingCheckpoints struct {
	*FileCheckpointStore
}

func (crashingCheckpoints) Advance(int64, []string, bool) error {
	return &CheckpointIOError{Op: "write", Path: "checkpoint.json", Err: errors.New("no space left on device")}
}

type harness struct {
	input      string
	checkpoint string
	db         *sql.DB
	loader     *SQLLoader
	dlq        *memDeadLetters
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, loader := openTestSink(t)
	root := t.TempDir()
	return &harness{
		input:      filepath.Join(root, "input"),
		checkpoint: filepath.Join(root, "chk"),
		db:         db,
		loader:     loader,
		dlq:        &memDeadLetters{},
	}
}

// open builds a pipeline the way a fresh process would: new source, reopened checkpoint.
func (h *harness) open(t *testing.T, loader Loader, wrap func(*FileCheckpointStore) CheckpointStore, opts Options) (*Pipeline, *FileCheckpointStore) {
	t.Helper()
	src, err := NewFileSource(FileSourceOptions{Dir: h.input, CleanSource: CleanArchive})
	require.NoError(t, err)
	store, err := OpenCheckpointStore(h.checkpoint)
	require.NoError(t, err)

	if loader == nil {
		loader = h.loader
	}
	var cps CheckpointStore = store
	if wrap != nil {
		cps = wrap(store)
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	opts.Drain = true
	opts.InitialBackoff = time.Millisecond
	opts.MaxBackoff = 2 * time.Millisecond
	return NewPipeline(src, loader, cps, h.dlq, opts), store
}

func (h *harness) write(t *testing.T, name, content string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.MkdirAll(h.input, 0755))
	// Land the file with a rename so a running poll never sees it half written.
	tmp := writeInput(t, h.input, name+".tmp", content, age)
	require.NoError(t, os.Rename(tmp, filepath.Join(h.input, name)))
}

func (h *harness) rows(t *testing.T) int {
	return countRows(t, h.db, "SELECT COUNT(*) FROM invoice_items")
}

func (h *harness) inputExists(name string) bool {
	_, err := os.Stat(filepath.Join(h.input, name))
	return err == nil
}

func (h *harness) archived(name string) bool {
	_, err := os.Stat(filepath.Join(h.input, "_archive", name))
	return err == nil
}

func TestPipeline_DeliversValidInvoice(t *testing.T) {
	h := newHarness(t)
	h.write(t, "inv001.json", invoiceINV001, time.Minute)

	p, store := h.open(t, nil, nil, Options{})
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, 2, h.rows(t))
	assert.Equal(t, 2, countRows(t, h.db,
		"SELECT COUNT(*) FROM invoice_items WHERE invoice_number = 'INV001' AND city = 'Pune' AND batch_id = 1"))
	assert.False(t, h.inputExists("inv001.json"))
	assert.True(t, h.archived("inv001.json"))

	cp := store.Snapshot()
	assert.Equal(t, int64(1), cp.LastCommittedBatchID)
	assert.Nil(t, cp.Pending)
	assert.True(t, store.IsRetired(FileID("inv001.json", []byte(invoiceINV001))))

	assert.Empty(t, h.dlq.all())
	assert.Equal(t, StateIdle, p.State())
	assert.Equal(t, int64(2), p.Stats.RowsCommitted())
	assert.Equal(t, int64(1), p.Stats.FilesRetired())
}

func TestPipeline_EndToEndLineItemFields(t *testing.T) {
	h := newHarness(t)
	h.write(t, "inv001.json", `{
		"InvoiceNumber": "INV001",
		"CreatedTime": 1700000000000,
		"InvoiceLineItems": [
			{"ItemCode": "A1", "ItemPrice": 10.0, "ItemQty": 2, "TotalValue": 20.0},
			{"ItemCode": "B2", "ItemPrice": 5.0, "ItemQty": 1, "TotalValue": 5.0}
		]
	}`, time.Minute)

	p, _ := h.open(t, nil, nil, Options{})
	require.NoError(t, p.Run(context.Background()))

	rows, err := h.db.Query(`SELECT invoice_number, created_time, line_number, item_code, item_price, item_qty, total_value
		FROM invoice_items ORDER BY line_number`)
	require.NoError(t, err)
	defer rows.Close()

	type row struct {
		invoice, code, price, total string
		created, qty                int64
		line                        int
	}
	var got []row
	for rows.Next() {
		var r row
		require.NoError(t, rows.Scan(&r.invoice, &r.created, &r.line, &r.code, &r.price, &r.qty, &r.total))
		got = append(got, r)
	}
	require.NoError(t, rows.Err())

	assert.Equal(t, []row{
		{invoice: "INV001", code: "A1", price: "10.0", total: "20.0", created: 1700000000000, qty: 2, line: 1},
		{invoice: "INV001", code: "B2", price: "5.0", total: "5.0", created: 1700000000000, qty: 1, line: 2},
	}, got)
}

func TestPipeline_DeliversLineItemWithoutItemCode(t *testing.T) {
	h := newHarness(t)
	h.write(t, "inv9.json", `{"InvoiceNumber":"INV9","CreatedTime":1700000000000,"InvoiceLineItems":[
		{"ItemDescription":"x","ItemPrice":1.5,"ItemQty":1,"TotalValue":1.5},
		{"ItemCode":null,"ItemDescription":"y","ItemPrice":2.5,"ItemQty":1,"TotalValue":2.5}
	]}`, time.Minute)

	p, store := h.open(t, nil, nil, Options{})
	require.NoError(t, p.Run(context.Background()))

	assert.Empty(t, h.dlq.all())
	assert.Equal(t, 2, countRows(t, h.db,
		"SELECT COUNT(*) FROM invoice_items WHERE invoice_number = 'INV9' AND item_code = '' AND batch_id = 1"))
	assert.Equal(t, 1, countRows(t, h.db,
		"SELECT COUNT(*) FROM invoice_items WHERE item_code = '' AND line_number = 2 AND item_description = 'y'"))
	assert.True(t, h.archived("inv9.json"))
	assert.Equal(t, int64(1), store.Snapshot().LastCommittedBatchID)
}

func TestPipeline_QuarantinesInvalidInvoice(t *testing.T) {
	h := newHarness(t)
	h.write(t, "inv002.json", `{"InvoiceNumber":"INV002","CreatedTime":"1700000000000","InvoiceLineItems":[{"ItemCode":"A"}]}`, time.Minute)

	p, store := h.open(t, nil, nil, Options{})
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, 0, h.rows(t))
	dls := h.dlq.all()
	require.Len(t, dls, 1)
	assert.Equal(t, models.DeadLetterValidation, dls[0].Kind)
	assert.Equal(t, "inv002.json", dls[0].SourceFile)
	assert.Equal(t, 0, dls[0].RecordIndex)
	assert.Equal(t, []string{"CreatedTime: expected integer, got string"}, dls[0].Errors)
	assert.Contains(t, dls[0].Raw, "INV002")

	assert.True(t, h.archived("inv002.json"))
	assert.Equal(t, int64(0), store.Snapshot().LastCommittedBatchID)
	assert.Len(t, store.Snapshot().Retired, 1)
}

func TestPipeline_QuarantineDoesNotBlockOtherRecords(t *testing.T) {
	h := newHarness(t)
	ndjson := strings.Join([]string{
		`{"InvoiceNumber":"INV100","CreatedTime":1,"InvoiceLineItems":[{"ItemCode":"A"},{"ItemCode":"B"}]}`,
		`{"InvoiceNumber":"INV101","CreatedTime":"bad","InvoiceLineItems":[{"ItemCode":"A"}]}`,
		`{"InvoiceNumber":"INV102","CreatedTime":2,"InvoiceLineItems":[{"ItemCode":"C"}]}`,
	}, "\n")
	h.write(t, "mixed.json", ndjson, time.Minute)

	p, _ := h.open(t, nil, nil, Options{})
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, 3, h.rows(t))
	dls := h.dlq.all()
	require.Len(t, dls, 1)
	assert.Equal(t, 1, dls[0].RecordIndex)
	assert.Equal(t, int64(3), p.Stats.RecordsRead())
	assert.Equal(t, int64(1), p.Stats.Quarantined())
}

func TestPipeline_MalformedFileIsQuarantinedWhole(t *testing.T) {
	h := newHarness(t)
	h.write(t, "a-broken.json", `{"InvoiceNumber": "INV200", `, 2*time.Minute)
	h.write(t, "b-good.json", invoiceINV001, time.Minute)

	p, store := h.open(t, nil, nil, Options{MaxFilesPerTrigger: 2, Workers: 2})
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, 2, h.rows(t))
	dls := h.dlq.all()
	require.Len(t, dls, 1)
	assert.Equal(t, models.DeadLetterParse, dls[0].Kind)
	assert.Equal(t, -1, dls[0].RecordIndex)
	assert.Equal(t, `{"InvoiceNumber": "INV200", `, dls[0].Raw)

	assert.True(t, h.archived("a-broken.json"))
	assert.True(t, h.archived("b-good.json"))
	assert.Equal(t, int64(1), store.Snapshot().LastCommittedBatchID)
}

func TestPipeline_OneBatchPerTrigger(t *testing.T) {
	h := newHarness(t)
	h.write(t, "1.json", `{"InvoiceNumber":"INV1","CreatedTime":1,"InvoiceLineItems":[{"ItemCode":"A"}]}`, 3*time.Minute)
	h.write(t, "2.json", `{"InvoiceNumber":"INV2","CreatedTime":1,"InvoiceLineItems":[{"ItemCode":"A"}]}`, 2*time.Minute)
	h.write(t, "3.json", `{"InvoiceNumber":"INV3","CreatedTime":1,"InvoiceLineItems":[{"ItemCode":"A"}]}`, 1*time.Minute)

	p, store := h.open(t, nil, nil, Options{MaxFilesPerTrigger: 1})

	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, countRows(t, h.db, "SELECT COUNT(*) FROM invoice_items WHERE invoice_number = 'INV1' AND batch_id = 1"))

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, 3, h.rows(t))
	assert.Equal(t, int64(3), store.Snapshot().LastCommittedBatchID)
	assert.Equal(t, 1, countRows(t, h.db, "SELECT COUNT(*) FROM invoice_items WHERE invoice_number = 'INV3' AND batch_id = 3"))
}

func TestPipeline_RecoversAfterCrashBeforeCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.write(t, "inv001.json", invoiceINV001, time.Minute)

	crashing, _ := h.open(t, nil, func(s *FileCheckpointStore) CheckpointStore {
		return crashingCheckpoints{s}
	}, Options{})
	err := crashing.Run(context.Background())

	var fe *FatalError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, StateCheckpointAdvance, fe.State)
	assert.Equal(t, StateFatal, crashing.State())
	assert.Equal(t, 2, h.rows(t), "rows were committed before the crash")
	assert.True(t, h.inputExists("inv001.json"), "file must not be retired without a checkpoint")

	restarted, store := h.open(t, nil, nil, Options{})
	require.NotNil(t, store.Snapshot().Pending)
	require.NoError(t, restarted.Run(context.Background()))

	assert.Equal(t, 2, h.rows(t), "replay must not duplicate rows")
	assert.Equal(t, 1, countRows(t, h.db, "SELECT COUNT(*) FROM invoice_items_batches"))
	assert.True(t, h.archived("inv001.json"))
	cp := store.Snapshot()
	assert.Equal(t, int64(1), cp.LastCommittedBatchID)
	assert.Nil(t, cp.Pending)
}

func TestPipeline_ReplaysPendingBatchUnderSameID(t *testing.T) {
	h := newHarness(t)
	h.write(t, "inv001.json", invoiceINV001, time.Minute)

	denied := &flakyLoader{SQLLoader: h.loader, failures: -1,
		err: &SinkError{Kind: ErrAuthentication, Op: "connect", Err: errors.New("login failed")}}
	first, _ := h.open(t, denied, nil, Options{})
	require.Error(t, first.Run(context.Background()))
	assert.Equal(t, 0, h.rows(t))

	restarted, store := h.open(t, nil, nil, Options{})
	pending := store.Snapshot().Pending
	require.NotNil(t, pending)
	assert.Equal(t, int64(1), pending.BatchID)

	require.NoError(t, restarted.Run(context.Background()))
	assert.Equal(t, 2, countRows(t, h.db, "SELECT COUNT(*) FROM invoice_items WHERE batch_id = 1"))
	assert.True(t, h.archived("inv001.json"))
}

// crashAfterCommit leaves a pending batch whose rows and marker are in the sink.
func crashAfterCommit(t *testing.T, h *harness) {
	t.Helper()
	crashing, _ := h.open(t, nil, func(s *FileCheckpointStore) CheckpointStore {
		return crashingCheckpoints{s}
	}, Options{})
	require.Error(t, crashing.Run(context.Background()))
	require.Equal(t, 1, countRows(t, h.db, "SELECT COUNT(*) FROM invoice_items_batches"))
}

func TestPipeline_RecoveryLookupRetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	h.write(t, "inv001.json", invoiceINV001, time.Minute)
	crashAfterCommit(t, h)

	flaky := &lookupLoader{SQLLoader: h.loader, failures: 1,
		err: &SinkError{Kind: ErrTransientConnection, Op: "lookup batch", Err: errors.New("connection reset")}}
	restarted, store := h.open(t, flaky, nil, Options{MaxRetries: 3})
	require.NoError(t, restarted.Run(context.Background()))

	assert.Equal(t, 2, flaky.Lookups())
	assert.Equal(t, int64(1), restarted.Stats.Retries())
	assert.Equal(t, 2, h.rows(t))
	assert.True(t, h.archived("inv001.json"))
	assert.Equal(t, int64(1), store.Snapshot().LastCommittedBatchID)
	assert.Nil(t, store.Snapshot().Pending)
}

func TestPipeline_RecoveryLookupFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.write(t, "inv001.json", invoiceINV001, time.Minute)
	crashAfterCommit(t, h)
	// Every file of the pending batch is gone, so a replay would commit nothing.
	require.NoError(t, os.Remove(filepath.Join(h.input, "inv001.json")))

	down := &lookupLoader{SQLLoader: h.loader, failures: -1,
		err: &SinkError{Kind: ErrTransientConnection, Op: "lookup batch", Err: errors.New("connection refused")}}
	p, store := h.open(t, down, nil, Options{MaxRetries: 2})
	err := p.Run(context.Background())

	var fe *FatalError
	require.True(t, errors.As(err, &fe))
	assert.True(t, errors.Is(err, ErrTransientConnection))
	assert.Equal(t, 3, down.Lookups())
	require.NotNil(t, store.Snapshot().Pending)
	assert.Equal(t, int64(1), store.Snapshot().Pending.BatchID)
	assert.Equal(t, int64(0), store.Snapshot().LastCommittedBatchID)

	restarted, store := h.open(t, nil, nil, Options{})
	require.NoError(t, restarted.Run(context.Background()))
	assert.Equal(t, int64(1), store.Snapshot().LastCommittedBatchID, "the committed batch ID is not reused")
	assert.Nil(t, store.Snapshot().Pending)
}

func TestPipeline_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	h.write(t, "inv001.json", invoiceINV001, time.Minute)

	flaky := &flakyLoader{SQLLoader: h.loader, failures: 2,
		err: &SinkError{Kind: ErrTransientConnection, Op: "connect", Err: errors.New("connection reset by peer")}}
	p, store := h.open(t, flaky, nil, Options{MaxRetries: 3})
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, 3, flaky.Calls())
	assert.Equal(t, int64(2), p.Stats.Retries())
	assert.Equal(t, 2, h.rows(t))
	assert.Equal(t, int64(1), store.Snapshot().LastCommittedBatchID)
}

func TestPipeline_RetryExhaustionIsFatal(t *testing.T) {
	h := newHarness(t)
	h.write(t, "inv001.json", invoiceINV001, time.Minute)

	down := &flakyLoader{SQLLoader: h.loader, failures: -1,
		err: &SinkError{Kind: ErrTransientConnection, Op: "connect", Err: errors.New("connection refused")}}
	p, store := h.open(t, down, nil, Options{MaxRetries: 2})
	err := p.Run(context.Background())

	var fe *FatalError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, StateCommitting, fe.State)
	assert.True(t, errors.Is(err, ErrTransientConnection))
	assert.Equal(t, 3, down.Calls())

	assert.True(t, h.inputExists("inv001.json"))
	assert.NotNil(t, store.Snapshot().Pending)
	assert.Equal(t, int64(0), store.Snapshot().LastCommittedBatchID)
}

func TestPipeline_NonTransientErrorsAreNotRetried(t *testing.T) {
	for _, kind := range []error{ErrSchemaMismatch, ErrAuthentication} {
		t.Run(kind.Error(), func(t *testing.T) {
			h := newHarness(t)
			h.write(t, "inv001.json", invoiceINV001, time.Minute)

			broken := &flakyLoader{SQLLoader: h.loader, failures: -1,
				err: &SinkError{Kind: kind, Op: "insert", Err: errors.New("boom")}}
			p, _ := h.open(t, broken, nil, Options{MaxRetries: 5})
			err := p.Run(context.Background())

			var fe *FatalError
			require.True(t, errors.As(err, &fe))
			assert.True(t, errors.Is(err, kind))
			assert.Equal(t, 1, broken.Calls())
			assert.Equal(t, int64(0), p.Stats.Retries())
			assert.True(t, h.inputExists("inv001.json"))
		})
	}
}

func TestPipeline_WriteTimeoutCountsAsTransient(t *testing.T) {
	h := newHarness(t)
	h.write(t, "inv001.json", invoiceINV001, time.Minute)

	p, _ := h.open(t, stallingLoader{h.loader}, nil, Options{MaxRetries: 1, WriteTimeout: 20 * time.Millisecond})
	err := p.Run(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransientConnection))
	assert.Equal(t, int64(1), p.Stats.Retries())
}

func TestPipeline_DeadLetterFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.write(t, "inv002.json", `{"InvoiceNumber":"INV002","CreatedTime":"x","InvoiceLineItems":[]}`, time.Minute)
	h.dlq.err = errors.New("dead-letter store unavailable")

	p, store := h.open(t, nil, nil, Options{})
	err := p.Run(context.Background())

	var fe *FatalError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, StateQuarantining, fe.State)
	assert.True(t, h.inputExists("inv002.json"))
	assert.Empty(t, store.Snapshot().Retired)
}

func TestPipeline_StopsOnCancelledContext(t *testing.T) {
	h := newHarness(t)
	h.write(t, "inv001.json", invoiceINV001, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p, _ := h.open(t, nil, nil, Options{})
	require.NoError(t, p.Run(ctx))
	assert.Equal(t, 0, h.rows(t))
	assert.True(t, h.inputExists("inv001.json"))
}

func TestPipeline_WakesOnNotifyAndShutsDown(t *testing.T) {
	h := newHarness(t)

	p, _ := h.open(t, nil, nil, Options{})
	p.Opts.Drain = false
	p.Opts.PollInterval = time.Hour
	notify := make(chan struct{}, 1)
	p.Notify = notify

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	h.write(t, "inv001.json", invoiceINV001, time.Minute)
	notify <- struct{}{}

	assert.Eventually(t, func() bool { return p.Stats.RowsCommitted() == 2 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after cancellation")
	}
	assert.True(t, h.archived("inv001.json"))
}
