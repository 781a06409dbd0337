package reporters

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/lib/pq"

	"github.com/airframesio/bucket-streamer/cmd/scheduler"
)

// ErrTableNameInvalid is returned when the report table is not a safe identifier
var ErrTableNameInvalid = errors.New("report table name is invalid: must be 1-58 characters, start with a letter or underscore, and contain only letters, numbers, and underscores")

// DefaultTable receives one row per job; runs go to DefaultTable + "_runs".
const DefaultTable = "bucket_export_jobs"

const runsSuffix = "_runs"

// validPostgreSQLIdentifier checks if a string is a valid PostgreSQL identifier
// to prevent SQL injection attacks
var validPostgreSQLIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// IsValidTableName reports whether name (plus the runs suffix) fits PostgreSQL identifier rules
func IsValidTableName(name string) bool {
	if name == "" || len(name)+len(runsSuffix) > 63 {
		return false
	}
	return validPostgreSQLIdentifier.MatchString(name)
}

// PostgresReporter inserts the run and its jobs into report tables
type PostgresReporter struct {
	db    *sql.DB
	table string
}

// OpenPostgres connects to dsn and returns a reporter writing to table
func OpenPostgres(ctx context.Context, dsn, table string) (*PostgresReporter, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open report database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to report database: %w", err)
	}
	reporter, err := NewPostgres(db, table)
	if err != nil {
		db.Close()
		return nil, err
	}
	return reporter, nil
}

// NewPostgres wraps an open database handle
func NewPostgres(db *sql.DB, table string) (*PostgresReporter, error) {
	if table == "" {
		table = DefaultTable
	}
	if !IsValidTableName(table) {
		return nil, fmt.Errorf("%w: %q", ErrTableNameInvalid, table)
	}
	return &PostgresReporter{db: db, table: table}, nil
}

// Close closes the database handle
func (r *PostgresReporter) Close() error {
	return r.db.Close()
}

func (r *PostgresReporter) ensureTables(ctx context.Context) error {
	runs := pq.QuoteIdentifier(r.table + runsSuffix)
	jobs := pq.QuoteIdentifier(r.table)

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			run_id TEXT PRIMARY KEY,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			discovered INTEGER NOT NULL,
			skipped INTEGER NOT NULL,
			out_of_window INTEGER NOT NULL,
			scan_errors INTEGER NOT NULL,
			eligible INTEGER NOT NULL,
			succeeded INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			cancelled INTEGER NOT NULL,
			not_started INTEGER NOT NULL,
			bytes_sent BIGINT NOT NULL
		)`, runs),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			run_id TEXT NOT NULL,
			job_id INTEGER NOT NULL,
			index_name TEXT NOT NULL,
			bucket TEXT NOT NULL,
			path TEXT NOT NULL,
			earliest BIGINT NOT NULL,
			latest BIGINT NOT NULL,
			destination TEXT NOT NULL,
			state TEXT NOT NULL,
			error_kind TEXT,
			error TEXT,
			bytes BIGINT NOT NULL,
			started_at_ms BIGINT,
			duration_ms BIGINT NOT NULL,
			PRIMARY KEY (run_id, job_id)
		)`, jobs),
	}

	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create report table: %w", err)
		}
	}
	return nil
}

// Report writes the run row and all job rows in one transaction
func (r *PostgresReporter) Report(ctx context.Context, summary *scheduler.RunSummary) error {
	if err := r.ensureTables(ctx); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin report transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	runQuery := fmt.Sprintf(`INSERT INTO %s (run_id, started_at, finished_at, discovered, skipped,
		out_of_window, scan_errors, eligible, succeeded, failed, cancelled, not_started, bytes_sent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		pq.QuoteIdentifier(r.table+runsSuffix))

	if _, err := tx.ExecContext(ctx, runQuery,
		summary.RunID, summary.StartTime, summary.EndTime,
		summary.Discovered, summary.SkippedTotal(), summary.OutOfWindow, summary.ScanErrors,
		summary.Eligible, summary.Succeeded, summary.Failed, summary.Cancelled, summary.NotStarted,
		summary.BytesSent,
	); err != nil {
		return fmt.Errorf("failed to insert run row: %w", err)
	}

	jobQuery := fmt.Sprintf(`INSERT INTO %s (run_id, job_id, index_name, bucket, path, earliest, latest,
		destination, state, error_kind, error, bytes, started_at_ms, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		pq.QuoteIdentifier(r.table))

	for _, record := range Records(summary) {
		if _, err := tx.ExecContext(ctx, jobQuery,
			record.RunID, record.JobID, record.Index, record.Bucket, record.Path,
			record.Earliest, record.Latest, record.Destination, record.State,
			nullString(record.ErrorKind), nullString(record.Error), record.Bytes,
			nullInt(record.StartedAtMs), record.DurationMs,
		); err != nil {
			return fmt.Errorf("failed to insert job %d: %w", record.JobID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit report: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}
