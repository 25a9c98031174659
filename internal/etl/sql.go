package etl

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/BartekS5/invoice-ingest/pkg/logger"
	"github.com/BartekS5/invoice-ingest/pkg/models"
	"github.com/cockroachdb/apd/v3"
)

// SQLLoader writes micro-batches into a relational table. Every row insert
// ignores key conflicts on (invoice_number, item_code, line_number,
// batch_id), and a marker row in the batches table is written in the same
// transaction, so a repeated commit leaves the sink unchanged.
type SQLLoader struct {
	DB          *sql.DB
	Dialect     Dialect
	Table       string
	MarkerTable string
	RunID       string

	rowSQL    string
	markerSQL string
}

func NewSQLLoader(db *sql.DB, dialect Dialect, table, runID string) *SQLLoader {
	marker := table + "_batches"
	return &SQLLoader{
		DB:          db,
		Dialect:     dialect,
		Table:       table,
		MarkerTable: marker,
		RunID:       runID,
		rowSQL:      dialect.InsertIgnore(table, rowColumns, keyColumns),
		markerSQL:   dialect.InsertIgnore(marker, markerColumns, []string{"batch_id"}),
	}
}

func (l *SQLLoader) sinkErr(op string, err error) error {
	return &SinkError{Kind: l.Dialect.Classify(err), Op: op, Err: err}
}

// Commit writes the batch in one transaction on a connection that is
// returned to the pool on every exit path.
func (l *SQLLoader) Commit(ctx context.Context, batch *models.MicroBatch) error {
	if len(batch.Rows) == 0 {
		return nil
	}

	conn, err := l.DB.Conn(ctx)
	if err != nil {
		return l.sinkErr("connect", err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return l.sinkErr("begin", err)
	}
	defer tx.Rollback() // no-op after commit

	stmt, err := tx.PrepareContext(ctx, l.rowSQL)
	if err != nil {
		return l.sinkErr("prepare", err)
	}
	defer stmt.Close()

	var inserted int64
	for i := range batch.Rows {
		res, err := stmt.ExecContext(ctx, rowArgs(&batch.Rows[i], batch.BatchID)...)
		if err != nil {
			return l.sinkErr("insert", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += n
		}
	}

	_, err = tx.ExecContext(ctx, l.markerSQL,
		batch.BatchID, l.RunID, len(batch.Rows), strings.Join(batch.SourceFiles, ","), time.Now().UTC())
	if err != nil {
		return l.sinkErr("mark batch", err)
	}

	if err := tx.Commit(); err != nil {
		return l.sinkErr("commit", err)
	}

	if skipped := int64(len(batch.Rows)) - inserted; skipped > 0 {
		logger.Infof("Batch %d: %d rows already present in sink, skipped", batch.BatchID, skipped)
	}
	return nil
}

func (l *SQLLoader) Committed(ctx context.Context, batchID int64) (bool, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE batch_id = %s", l.MarkerTable, l.Dialect.Placeholder(1))
	var n int
	if err := l.DB.QueryRowContext(ctx, query, batchID).Scan(&n); err != nil {
		return false, l.sinkErr("lookup batch", err)
	}
	return n > 0, nil
}

// EnsureSchema creates the row and marker tables when they do not exist.
func (l *SQLLoader) EnsureSchema(ctx context.Context) error {
	for _, ddl := range l.Dialect.CreateTables(l.Table, l.MarkerTable) {
		if _, err := l.DB.ExecContext(ctx, ddl); err != nil {
			return l.sinkErr("create table", err)
		}
	}
	return nil
}

// VerifySchema checks that both sink tables expose every column the loader
// writes. A missing table or column is a schema mismatch.
func (l *SQLLoader) VerifySchema(ctx context.Context) error {
	if err := l.verifyColumns(ctx, l.Table, rowColumns); err != nil {
		return err
	}
	return l.verifyColumns(ctx, l.MarkerTable, markerColumns)
}

func (l *SQLLoader) verifyColumns(ctx context.Context, table string, want []string) error {
	rows, err := l.DB.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s WHERE 1 = 0", table))
	if err != nil {
		return l.sinkErr("verify "+table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return l.sinkErr("verify "+table, err)
	}
	have := make(map[string]bool, len(cols))
	for _, c := range cols {
		have[strings.ToLower(c)] = true
	}

	var missing []string
	for _, c := range want {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return &SinkError{
			Kind: ErrSchemaMismatch,
			Op:   "verify " + table,
			Err:  fmt.Errorf("missing columns: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}

func rowArgs(r *models.FlatRow, batchID int64) []interface{} {
	return []interface{}{
		r.InvoiceNumber,
		r.CreatedTime,
		nullString(r.StoreID),
		nullString(r.PosID),
		nullString(r.CustomerType),
		nullString(r.PaymentMethod),
		nullString(r.City),
		nullString(r.State),
		nullString(r.PinCode),
		r.LineNumber,
		r.ItemCode,
		nullString(r.ItemDescription),
		nullDecimal(r.ItemPrice),
		nullInt(r.ItemQty),
		nullDecimal(r.TotalValue),
		batchID,
	}
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(i *int64) interface{} {
	if i == nil {
		return nil
	}
	return *i
}

// Decimals travel as their literal text; every supported driver converts
// text to its DECIMAL/NUMERIC column without going through float64.
func nullDecimal(d *apd.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}
