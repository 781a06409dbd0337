package reporters

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/airframesio/bucket-streamer/cmd/buckets"
	"github.com/airframesio/bucket-streamer/cmd/exporter"
	"github.com/airframesio/bucket-streamer/cmd/scheduler"
)

func testSummary() *scheduler.RunSummary {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bucket := func(name string) buckets.Bucket {
		b := buckets.ClassifyPath("/splunk/main/db/" + name)
		b.Index = "main"
		return b
	}

	return &scheduler.RunSummary{
		RunID:      "0b8f5f0e-3c57-4d53-9a51-0d1f0f2f6f4e",
		StartTime:  start,
		EndTime:    start.Add(time.Minute),
		Discovered: 5,
		Skipped:    map[buckets.Kind]int{buckets.KindReplica: 1},
		Eligible:   3,
		Succeeded:  1,
		Failed:     1,
		NotStarted: 1,
		BytesSent:  2048,
		Jobs: []scheduler.Job{
			{
				ID: 1, Bucket: bucket("db_200_100_0"), Destination: "tcp://collector:9997",
				State: scheduler.StateSucceeded, Bytes: 2048,
				StartTime: start.Add(time.Second), Duration: 1500 * time.Millisecond,
			},
			{
				ID: 2, Bucket: bucket("db_300_200_1"), Destination: "tcp://collector:9997",
				State: scheduler.StateFailed, Kind: scheduler.KindNonZeroExit,
				Err:       fmt.Errorf("%w: db_300_200_1 exited with code 1", exporter.ErrNonZeroExit),
				StartTime: start.Add(time.Second), Duration: 200 * time.Millisecond,
			},
			{
				ID: 3, Bucket: bucket("db_400_300_2"), Destination: "tcp://collector:9997",
				State: scheduler.StateQueued,
			},
		},
	}
}

func TestRecords(t *testing.T) {
	records := Records(testSummary())
	if len(records) != 3 {
		t.Fatalf("Records() = %d rows, want 3", len(records))
	}

	tests := []struct {
		state string
		kind  string
		err   bool
	}{
		{"succeeded", "", false},
		{"failed", "NonZeroExit", true},
		{StateNotStarted, "", false},
	}
	for i, tt := range tests {
		r := records[i]
		if r.State != tt.state || r.ErrorKind != tt.kind || (r.Error != "") != tt.err {
			t.Errorf("record %d = %s/%s/%q", i, r.State, r.ErrorKind, r.Error)
		}
	}
	if records[0].DurationMs != 1500 || records[0].Index != "main" || records[0].Earliest != 100 {
		t.Errorf("record 0 = %+v", records[0])
	}
	if records[2].StartedAtMs != 0 {
		t.Errorf("queued job has start time %d", records[2].StartedAtMs)
	}
}

func writeReport(t *testing.T, format string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "report."+format)
	reporter, err := NewFile(format, path)
	if err != nil {
		t.Fatalf("NewFile(%s): %v", format, err)
	}
	if err := reporter.Report(context.Background(), testSummary()); err != nil {
		t.Fatalf("Report: %v", err)
	}
	return path
}

func TestJSONLReport(t *testing.T) {
	f, err := os.Open(writeReport(t, FormatJSONL))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var records []JobRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r JobRecord
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("line %d: %v", len(records)+1, err)
		}
		records = append(records, r)
	}
	if len(records) != 3 {
		t.Fatalf("got %d lines, want 3", len(records))
	}
	if records[1].Bucket != "db_300_200_1" || records[1].ErrorKind != "NonZeroExit" {
		t.Errorf("failed row = %+v", records[1])
	}
}

func TestCSVReport(t *testing.T) {
	f, err := os.Open(writeReport(t, FormatCSV))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("got %d rows, want header + 3", len(rows))
	}
	if rows[0][0] != "run_id" || len(rows[0]) != len(csvHeader) {
		t.Errorf("header = %v", rows[0])
	}
	if rows[2][3] != "db_300_200_1" || rows[2][8] != "failed" || rows[2][9] != "NonZeroExit" {
		t.Errorf("failed row = %v", rows[2])
	}
}

func TestParquetReport(t *testing.T) {
	data, err := os.ReadFile(writeReport(t, FormatParquet))
	if err != nil {
		t.Fatal(err)
	}

	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if file.NumRows() != 3 {
		t.Fatalf("NumRows = %d, want 3", file.NumRows())
	}

	reader := parquet.NewGenericReader[JobRecord](bytes.NewReader(data))
	defer reader.Close()
	rows := make([]JobRecord, 3)
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("Read: %v", err)
	}
	if n != 3 {
		t.Fatalf("read %d rows", n)
	}
	if rows[0].Bytes != 2048 || rows[2].State != StateNotStarted {
		t.Errorf("rows = %+v", rows)
	}
}

func TestNewFileUnsupported(t *testing.T) {
	if _, err := NewFile("xml", "report.xml"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}
