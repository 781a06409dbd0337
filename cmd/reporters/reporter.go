package reporters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/airframesio/bucket-streamer/cmd/scheduler"
)

// Report format constants
const (
	FormatJSONL    = "jsonl"
	FormatCSV      = "csv"
	FormatParquet  = "parquet"
	FormatPostgres = "postgres"
)

// ErrUnsupportedFormat is returned for an unknown report format
var ErrUnsupportedFormat = errors.New("report format must be one of: jsonl, csv, parquet, postgres")

// Reporter persists the outcome of a run for operators.
type Reporter interface {
	Report(ctx context.Context, summary *scheduler.RunSummary) error
}

// JobRecord is one row of a run report.
type JobRecord struct {
	RunID       string `json:"run_id" parquet:"run_id"`
	JobID       int64  `json:"job_id" parquet:"job_id"`
	Index       string `json:"index" parquet:"index"`
	Bucket      string `json:"bucket" parquet:"bucket"`
	Path        string `json:"path" parquet:"path"`
	Earliest    int64  `json:"earliest" parquet:"earliest"`
	Latest      int64  `json:"latest" parquet:"latest"`
	Destination string `json:"destination" parquet:"destination"`
	State       string `json:"state" parquet:"state"`
	ErrorKind   string `json:"error_kind,omitempty" parquet:"error_kind"`
	Error       string `json:"error,omitempty" parquet:"error"`
	Bytes       int64  `json:"bytes" parquet:"bytes"`
	StartedAtMs int64  `json:"started_at_ms,omitempty" parquet:"started_at_ms"`
	DurationMs  int64  `json:"duration_ms" parquet:"duration_ms"`
}

// StateNotStarted marks jobs that were still queued when the run ended.
const StateNotStarted = "not_started"

var csvHeader = []string{
	"run_id", "job_id", "index", "bucket", "path", "earliest", "latest",
	"destination", "state", "error_kind", "error", "bytes", "started_at_ms", "duration_ms",
}

func (r JobRecord) csvRow() []string {
	return []string{
		r.RunID,
		strconv.FormatInt(r.JobID, 10),
		r.Index,
		r.Bucket,
		r.Path,
		strconv.FormatInt(r.Earliest, 10),
		strconv.FormatInt(r.Latest, 10),
		r.Destination,
		r.State,
		r.ErrorKind,
		r.Error,
		strconv.FormatInt(r.Bytes, 10),
		strconv.FormatInt(r.StartedAtMs, 10),
		strconv.FormatInt(r.DurationMs, 10),
	}
}

// Records flattens the jobs of a run into report rows.
func Records(summary *scheduler.RunSummary) []JobRecord {
	records := make([]JobRecord, 0, len(summary.Jobs))
	for _, job := range summary.Jobs {
		record := JobRecord{
			RunID:       summary.RunID,
			JobID:       int64(job.ID),
			Index:       job.Bucket.Index,
			Bucket:      job.Bucket.Name,
			Path:        job.Bucket.Path,
			Earliest:    job.Bucket.Earliest,
			Latest:      job.Bucket.Latest,
			Destination: job.Destination,
			State:       job.State.String(),
			ErrorKind:   string(job.Kind),
			Bytes:       job.Bytes,
			DurationMs:  job.Duration.Milliseconds(),
		}
		if job.NotStarted() {
			record.State = StateNotStarted
		}
		if job.Err != nil {
			record.Error = job.Err.Error()
		}
		if !job.StartTime.IsZero() {
			record.StartedAtMs = job.StartTime.UnixMilli()
		}
		records = append(records, record)
	}
	return records
}

// fileReporter writes a report file in one of the row formats.
type fileReporter struct {
	path  string
	write func(w io.Writer, records []JobRecord) error
}

// NewFile returns a reporter that writes path in the given format.
func NewFile(format, path string) (Reporter, error) {
	var write func(io.Writer, []JobRecord) error
	switch format {
	case FormatJSONL:
		write = writeJSONL
	case FormatCSV:
		write = writeCSV
	case FormatParquet:
		write = writeParquet
	default:
		return nil, fmt.Errorf("%w, got %q", ErrUnsupportedFormat, format)
	}
	return &fileReporter{path: path, write: write}, nil
}

func (r *fileReporter) Report(_ context.Context, summary *scheduler.RunSummary) error {
	f, err := os.Create(r.path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}

	if err := r.write(f, Records(summary)); err != nil {
		f.Close()
		return fmt.Errorf("failed to write report %s: %w", r.path, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close report file: %w", err)
	}
	return nil
}
