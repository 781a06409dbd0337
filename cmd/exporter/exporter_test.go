package exporter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/airframesio/bucket-streamer/cmd/buckets"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// writeScript installs a fake export binary that receives the bucket path as $1.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("export scripts need /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "exporttool")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

// makeBucket creates a bucket directory with the given companion files.
func makeBucket(t *testing.T, files ...string) buckets.Bucket {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "main", "db", "db_200_100_0")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("meta"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	b := buckets.ClassifyPath(dir)
	b.Index = "main"
	return b
}

func newTestExporter(binary string) *Exporter {
	return New(Config{
		Binary:    binary,
		Args:      []string{BucketPlaceholder},
		WaitDelay: time.Second,
	}, newTestLogger())
}

func TestExportStreamsStdout(t *testing.T) {
	b := makeBucket(t, "1389230491-1389230488-123.tsidx", "Hosts.data")
	payload := "_time,host,_raw\n1389230490,web01,\"GET /\"\n1389230491,web02,\"POST /login\"\n"
	if err := os.WriteFile(filepath.Join(b.Path, "rawdata.csv"), []byte(payload), 0o644); err != nil {
		t.Fatal(err)
	}

	exp := newTestExporter(writeScript(t, `cat "$1/rawdata.csv"`))
	stream, err := exp.Export(context.Background(), b)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	defer stream.Close()

	got, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != payload {
		t.Errorf("stream = %q, want %q", got, payload)
	}
	if n := stream.(*Stream).BytesRead(); n != int64(len(payload)) {
		t.Errorf("BytesRead = %d, want %d", n, len(payload))
	}
	if err := stream.Close(); err != nil {
		t.Errorf("Close after EOF: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestExportMissingMetadata(t *testing.T) {
	script := writeScript(t, `echo should-not-run`)

	tests := []struct {
		name  string
		files []string
	}{
		{"no files", nil},
		{"no tsidx", []string{"Hosts.data"}},
		{"no hosts", []string{"a.tsidx"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := makeBucket(t, tt.files...)
			_, err := newTestExporter(script).Export(context.Background(), b)
			if !errors.Is(err, ErrMissingMetadata) {
				t.Errorf("err = %v, want ErrMissingMetadata", err)
			}
		})
	}

	t.Run("bucket gone", func(t *testing.T) {
		b := buckets.ClassifyPath(filepath.Join(t.TempDir(), "db_2_1_0"))
		_, err := newTestExporter(script).Export(context.Background(), b)
		if !errors.Is(err, ErrMissingMetadata) {
			t.Errorf("err = %v, want ErrMissingMetadata", err)
		}
	})
}

func TestExportBinaryNotFound(t *testing.T) {
	b := makeBucket(t, "a.tsidx", "Hosts.data")

	notExecutable := filepath.Join(t.TempDir(), "exporttool")
	if err := os.WriteFile(notExecutable, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, binary := range []string{
		filepath.Join(t.TempDir(), "missing"),
		notExecutable,
		t.TempDir(),
		"definitely-not-an-exporttool-on-path",
	} {
		t.Run(filepath.Base(binary), func(t *testing.T) {
			_, err := newTestExporter(binary).Export(context.Background(), b)
			if !errors.Is(err, ErrBinaryNotFound) {
				t.Errorf("err = %v, want ErrBinaryNotFound", err)
			}
		})
	}
}

func TestExportNonZeroExit(t *testing.T) {
	b := makeBucket(t, "a.tsidx", "Hosts.data")
	exp := newTestExporter(writeScript(t, `echo partial; echo "bucket is corrupt" >&2; exit 3`))

	stream, err := exp.Export(context.Background(), b)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	defer stream.Close()

	got, err := io.ReadAll(stream)
	if !errors.Is(err, ErrNonZeroExit) {
		t.Fatalf("err = %v, want ErrNonZeroExit", err)
	}
	if string(got) != "partial\n" {
		t.Errorf("read %q before failure", got)
	}
	if !strings.Contains(err.Error(), "code 3") || !strings.Contains(err.Error(), "bucket is corrupt") {
		t.Errorf("error %q should carry exit code and stderr tail", err)
	}
}

func TestCloseKillsProcessGroup(t *testing.T) {
	b := makeBucket(t, "a.tsidx", "Hosts.data")
	// The background sleep holds stdout open; only a group kill releases it.
	exp := newTestExporter(writeScript(t, `echo ready; sleep 30 & wait`))

	stream, err := exp.Export(context.Background(), b)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	buf := make([]byte, 6)
	if _, err := io.ReadFull(stream, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}

	start := time.Now()
	if err := stream.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Close took %v, process group was not killed", elapsed)
	}

	cmd := stream.(*Stream).cmd
	if cmd.ProcessState == nil {
		t.Error("process was not reaped")
	}
}

func TestExportCancellation(t *testing.T) {
	b := makeBucket(t, "a.tsidx", "Hosts.data")
	exp := newTestExporter(writeScript(t, `echo ready; exec sleep 30`))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := exp.Export(ctx, b)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	defer stream.Close()

	buf := make([]byte, 6)
	if _, err := io.ReadFull(stream, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}

	cancel()
	_, err = io.ReadAll(stream)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestExportArgsTemplate(t *testing.T) {
	exp := New(Config{Binary: "/bin/true"}, nil)
	b := buckets.Bucket{Path: "/data/main/db/db_200_100_0"}

	got := strings.Join(exp.args(b), " ")
	want := "cmd exporttool /data/main/db/db_200_100_0 /dev/stdout -csv"
	if got != want {
		t.Errorf("args = %q, want %q", got, want)
	}
}

func TestTailBuffer(t *testing.T) {
	tail := newTailBuffer(8)
	for _, chunk := range []string{"first line\n", "second\n", "end"} {
		if _, err := tail.Write([]byte(chunk)); err != nil {
			t.Fatal(err)
		}
	}
	if got := tail.String(); got != "cond\nend" {
		t.Errorf("tail = %q, want %q", got, "cond\nend")
	}
}
