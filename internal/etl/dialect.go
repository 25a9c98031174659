package etl

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BartekS5/invoice-ingest/pkg/database"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// Sink table columns, in FlatRow order followed by batch_id.
var rowColumns = []string{
	"invoice_number", "created_time", "store_id", "pos_id", "customer_type",
	"payment_method", "city", "state", "pin_code", "line_number", "item_code",
	"item_description", "item_price", "item_qty", "total_value", "batch_id",
}

var keyColumns = []string{"invoice_number", "item_code", "line_number", "batch_id"}

var markerColumns = []string{"batch_id", "run_id", "row_count", "source_files", "committed_at"}

// Dialect holds the SQL differences between supported sinks.
type Dialect interface {
	Driver() string
	Placeholder(n int) string
	// InsertIgnore returns a single-row insert that does nothing when a row
	// with the same key already exists.
	InsertIgnore(table string, cols, key []string) string
	CreateTables(table, markerTable string) []string
	// Classify maps a driver error to a sink error kind.
	Classify(err error) error
}

// DialectFor returns the dialect for a database/sql driver name.
func DialectFor(driverName string) (Dialect, error) {
	switch driverName {
	case database.DriverSQLServer:
		return sqlServerDialect{}, nil
	case database.DriverSQLite:
		return sqliteDialect{}, nil
	case database.DriverPostgres:
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported SQL driver %q", driverName)
	}
}

func placeholders(d Dialect, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = d.Placeholder(i + 1)
	}
	return strings.Join(ps, ", ")
}

type sqlServerDialect struct{}

func (sqlServerDialect) Driver() string { return database.DriverSQLServer }

func (sqlServerDialect) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }

func (d sqlServerDialect) InsertIgnore(table string, cols, key []string) string {
	src := make([]string, len(cols))
	vals := make([]string, len(cols))
	for i, c := range cols {
		src[i] = fmt.Sprintf("%s AS %s", d.Placeholder(i+1), c)
		vals[i] = "s." + c
	}
	on := make([]string, len(key))
	for i, k := range key {
		on[i] = fmt.Sprintf("t.%s = s.%s", k, k)
	}
	return fmt.Sprintf(
		"MERGE INTO %s WITH (HOLDLOCK) AS t USING (SELECT %s) AS s ON %s "+
			"WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);",
		table, strings.Join(src, ", "), strings.Join(on, " AND "),
		strings.Join(cols, ", "), strings.Join(vals, ", "))
}

func (sqlServerDialect) CreateTables(table, markerTable string) []string {
	return []string{
		fmt.Sprintf(`IF OBJECT_ID(N'%s', N'U') IS NULL
CREATE TABLE %s (
	invoice_number NVARCHAR(200) NOT NULL,
	created_time BIGINT NOT NULL,
	store_id NVARCHAR(MAX) NULL,
	pos_id NVARCHAR(MAX) NULL,
	customer_type NVARCHAR(MAX) NULL,
	payment_method NVARCHAR(MAX) NULL,
	city NVARCHAR(MAX) NULL,
	state NVARCHAR(MAX) NULL,
	pin_code NVARCHAR(MAX) NULL,
	line_number INT NOT NULL,
	item_code NVARCHAR(200) NOT NULL,
	item_description NVARCHAR(MAX) NULL,
	item_price DECIMAL(38,18) NULL,
	item_qty BIGINT NULL,
	total_value DECIMAL(38,18) NULL,
	batch_id BIGINT NOT NULL,
	CONSTRAINT PK_%s PRIMARY KEY (invoice_number, item_code, line_number, batch_id)
)`, table, table, strings.ReplaceAll(table, ".", "_")),
		fmt.Sprintf(`IF OBJECT_ID(N'%s', N'U') IS NULL
CREATE TABLE %s (
	batch_id BIGINT NOT NULL PRIMARY KEY,
	run_id NVARCHAR(36) NOT NULL,
	row_count INT NOT NULL,
	source_files NVARCHAR(MAX) NULL,
	committed_at DATETIME2 NOT NULL
)`, markerTable, markerTable),
	}
}

func (sqlServerDialect) Classify(err error) error {
	var numbered interface{ SQLErrorNumber() int32 }
	if errors.As(err, &numbered) {
		switch numbered.SQLErrorNumber() {
		case 18456, 18452, 18470, 18486, 4060:
			return ErrAuthentication
		case 207, 208, 213, 245, 515, 8114, 8152, 2628:
			return ErrSchemaMismatch
		}
		return ErrTransientConnection
	}
	return classifyCommon(err)
}

type sqliteDialect struct{}

func (sqliteDialect) Driver() string { return database.DriverSQLite }

func (sqliteDialect) Placeholder(int) string { return "?" }

func (d sqliteDialect) InsertIgnore(table string, cols, key []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		table, strings.Join(cols, ", "), placeholders(d, len(cols)), strings.Join(key, ", "))
}

// Decimals are stored as TEXT so SQLite keeps their exact literal.
func (sqliteDialect) CreateTables(table, markerTable string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	invoice_number TEXT NOT NULL,
	created_time INTEGER NOT NULL,
	store_id TEXT,
	pos_id TEXT,
	customer_type TEXT,
	payment_method TEXT,
	city TEXT,
	state TEXT,
	pin_code TEXT,
	line_number INTEGER NOT NULL,
	item_code TEXT NOT NULL,
	item_description TEXT,
	item_price TEXT,
	item_qty INTEGER,
	total_value TEXT,
	batch_id INTEGER NOT NULL,
	PRIMARY KEY (invoice_number, item_code, line_number, batch_id)
)`, table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	batch_id INTEGER NOT NULL PRIMARY KEY,
	run_id TEXT NOT NULL,
	row_count INTEGER NOT NULL,
	source_files TEXT,
	committed_at TIMESTAMP NOT NULL
)`, markerTable),
	}
}

func (sqliteDialect) Classify(err error) error {
	var sErr sqlite3.Error
	if errors.As(err, &sErr) {
		switch sErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrFull:
			return ErrTransientConnection
		case sqlite3.ErrAuth, sqlite3.ErrPerm, sqlite3.ErrCantOpen, sqlite3.ErrReadonly:
			return ErrAuthentication
		case sqlite3.ErrConstraint, sqlite3.ErrMismatch:
			return ErrSchemaMismatch
		}
		msg := sErr.Error()
		if strings.Contains(msg, "no such table") ||
			strings.Contains(msg, "no such column") ||
			strings.Contains(msg, "has no column named") ||
			strings.Contains(msg, "ON CONFLICT clause does not match") {
			return ErrSchemaMismatch
		}
		return ErrTransientConnection
	}
	return classifyCommon(err)
}

type postgresDialect struct{}

func (postgresDialect) Driver() string { return database.DriverPostgres }

func (postgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (d postgresDialect) InsertIgnore(table string, cols, key []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		table, strings.Join(cols, ", "), placeholders(d, len(cols)), strings.Join(key, ", "))
}

func (postgresDialect) CreateTables(table, markerTable string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	invoice_number TEXT NOT NULL,
	created_time BIGINT NOT NULL,
	store_id TEXT,
	pos_id TEXT,
	customer_type TEXT,
	payment_method TEXT,
	city TEXT,
	state TEXT,
	pin_code TEXT,
	line_number INTEGER NOT NULL,
	item_code TEXT NOT NULL,
	item_description TEXT,
	item_price NUMERIC,
	item_qty BIGINT,
	total_value NUMERIC,
	batch_id BIGINT NOT NULL,
	PRIMARY KEY (invoice_number, item_code, line_number, batch_id)
)`, table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	batch_id BIGINT NOT NULL PRIMARY KEY,
	run_id TEXT NOT NULL,
	row_count INTEGER NOT NULL,
	source_files TEXT,
	committed_at TIMESTAMPTZ NOT NULL
)`, markerTable),
	}
}

func (postgresDialect) Classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "28"):
			return ErrAuthentication
		case pgErr.Code == "42P01", pgErr.Code == "42703", pgErr.Code == "42804",
			pgErr.Code == "42P10", pgErr.Code == "23502", strings.HasPrefix(pgErr.Code, "22"):
			return ErrSchemaMismatch
		}
		return ErrTransientConnection
	}
	return classifyCommon(err)
}

// classifyCommon handles errors without a driver error code. Network
// failures, timeouts and anything unrecognised are transient; the retry
// budget bounds them.
func classifyCommon(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "login failed"),
		strings.Contains(msg, "password authentication failed"),
		strings.Contains(msg, "authentication failed"):
		return ErrAuthentication
	}
	return ErrTransientConnection
}
