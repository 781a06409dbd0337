package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/airframesio/bucket-streamer/cmd/buckets"
	"github.com/airframesio/bucket-streamer/cmd/exporter"
	"github.com/airframesio/bucket-streamer/cmd/transport"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type sliceSource []buckets.Bucket

func (s sliceSource) All() iter.Seq[buckets.Bucket] {
	return slices.Values(s)
}

func (s sliceSource) Stats() buckets.ScanStats {
	return buckets.ScanStats{Discovered: len(s), Eligible: len(s), Skipped: map[buckets.Kind]int{}}
}

func makeBuckets(n int) sliceSource {
	var src sliceSource
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("db_%d_%d_%d", 2000+i*10, 1000+i*10, i)
		b := buckets.ClassifyPath("/splunk/main/db/" + name)
		b.Index = "main"
		src = append(src, b)
	}
	return src
}

func payloadFor(b buckets.Bucket) string {
	return strings.Repeat(b.Name+",host,event\n", 50)
}

// fakeExporter streams a deterministic payload per bucket and tracks how
// many streams are open at once.
type fakeExporter struct {
	mu       sync.Mutex
	open     int
	peak     int
	exported []string
	streams  []*fakeStream

	exportErr map[string]error
	readErr   map[string]error
	block     bool
	delay     time.Duration
	started   chan string
}

func (f *fakeExporter) Export(ctx context.Context, b buckets.Bucket) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.exported = append(f.exported, b.Name)
	if f.started != nil {
		f.started <- b.Name
	}
	if err := f.exportErr[b.Name]; err != nil {
		return nil, err
	}

	f.open++
	if f.open > f.peak {
		f.peak = f.open
	}
	s := &fakeStream{
		exp:   f,
		ctx:   ctx,
		data:  strings.NewReader(payloadFor(b)),
		err:   f.readErr[b.Name],
		block: f.block,
		delay: f.delay,
	}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeExporter) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open--
}

type fakeStream struct {
	exp    *fakeExporter
	ctx    context.Context
	data   *strings.Reader
	err    error
	block  bool
	delay  time.Duration
	once   sync.Once
	closed bool
}

func (s *fakeStream) Read(p []byte) (int, error) {
	if s.data.Len() > 0 {
		return s.data.Read(p)
	}
	if s.block {
		<-s.ctx.Done()
		return 0, s.ctx.Err()
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-s.ctx.Done():
			return 0, s.ctx.Err()
		}
	}
	if s.err != nil {
		return 0, s.err
	}
	return 0, io.EOF
}

func (s *fakeStream) Close() error {
	s.once.Do(func() {
		s.closed = true
		s.exp.release()
	})
	return nil
}

// memTransport keeps every bucket's bytes in memory.
type memTransport struct {
	mu       sync.Mutex
	data     map[string]*memConn
	openErr  map[string]error
	writeErr map[string]error
}

func newMemTransport() *memTransport {
	return &memTransport{data: map[string]*memConn{}}
}

func (m *memTransport) Open(_ context.Context, b buckets.Bucket) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.openErr[b.Name]; err != nil {
		return nil, err
	}
	conn := &memConn{writeErr: m.writeErr[b.Name]}
	m.data[b.Name] = conn
	return conn, nil
}

func (m *memTransport) Describe(b buckets.Bucket) string {
	return "mem://" + b.Name
}

type memConn struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	writeErr error
	closed   bool
}

func (c *memConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	return c.buf.Write(p)
}

func (c *memConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type recordingObserver struct {
	mu       sync.Mutex
	queued   int
	started  int
	finished []Job
}

func (r *recordingObserver) Queued(jobs []Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued = len(jobs)
}

func (r *recordingObserver) Started(Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *recordingObserver) Finished(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, job)
}

func newTestScheduler(t *testing.T, workers int, exp Exporter, tr transport.Transport, obs Observer) *Scheduler {
	t.Helper()
	s, err := New(Config{Workers: workers, RunID: "test-run", Observer: obs}, exp, tr, newTestLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNewRejectsInvalidWorkers(t *testing.T) {
	for _, workers := range []int{0, -1} {
		_, err := New(Config{Workers: workers}, &fakeExporter{}, newMemTransport(), nil)
		if !errors.Is(err, ErrInvalidWorkers) {
			t.Errorf("workers=%d: err = %v, want ErrInvalidWorkers", workers, err)
		}
	}
}

func TestRunZeroBuckets(t *testing.T) {
	obs := &recordingObserver{}
	s := newTestScheduler(t, 4, &fakeExporter{}, newMemTransport(), obs)

	summary := s.Run(context.Background(), sliceSource(nil))

	if summary.Eligible != 0 || summary.Succeeded != 0 || summary.Failed != 0 ||
		summary.Cancelled != 0 || summary.NotStarted != 0 || summary.BytesSent != 0 {
		t.Errorf("summary = %+v, want all zero", summary)
	}
	if len(summary.Jobs) != 0 || summary.EndTime.IsZero() {
		t.Errorf("jobs = %d, end = %v", len(summary.Jobs), summary.EndTime)
	}
	if !summary.OK() || summary.Interrupted() {
		t.Error("empty run should be OK and not interrupted")
	}
	if summary.RunID != "test-run" {
		t.Errorf("RunID = %q", summary.RunID)
	}
}

func TestRunRespectsWorkerLimit(t *testing.T) {
	for _, workers := range []int{1, 3, 16} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			exp := &fakeExporter{delay: 10 * time.Millisecond}
			tr := newMemTransport()
			src := makeBuckets(10)

			summary := newTestScheduler(t, workers, exp, tr, nil).Run(context.Background(), src)

			if summary.Succeeded != 10 {
				t.Errorf("Succeeded = %d, want 10", summary.Succeeded)
			}
			if exp.peak > workers {
				t.Errorf("exporter saw %d concurrent streams, limit %d", exp.peak, workers)
			}
			if summary.PeakRunning > workers {
				t.Errorf("PeakRunning = %d, limit %d", summary.PeakRunning, workers)
			}
			if exp.open != 0 {
				t.Errorf("%d streams left open", exp.open)
			}
		})
	}
}

func TestRunPreservesBytes(t *testing.T) {
	exp := &fakeExporter{}
	tr := newMemTransport()
	src := makeBuckets(6)

	summary := newTestScheduler(t, 3, exp, tr, nil).Run(context.Background(), src)

	var total int64
	for _, b := range src {
		conn, ok := tr.data[b.Name]
		if !ok {
			t.Fatalf("%s never connected", b.Name)
		}
		if conn.buf.String() != payloadFor(b) {
			t.Errorf("%s: destination bytes differ from export output", b.Name)
		}
		if !conn.closed {
			t.Errorf("%s: connection left open", b.Name)
		}
		total += int64(len(payloadFor(b)))
	}
	if summary.BytesSent != total {
		t.Errorf("BytesSent = %d, want %d", summary.BytesSent, total)
	}

	for i, job := range summary.Jobs {
		if job.ID != i+1 || job.Bucket.Name != src[i].Name {
			t.Errorf("job %d = %d/%s, want FIFO order", i, job.ID, job.Bucket.Name)
		}
		if job.Destination != "mem://"+src[i].Name {
			t.Errorf("job %d destination = %q", i, job.Destination)
		}
	}
}

func TestRunIsolatesFailure(t *testing.T) {
	src := makeBuckets(5)
	third := src[2].Name
	exp := &fakeExporter{readErr: map[string]error{
		third: fmt.Errorf("%w: %s exited with code 1", exporter.ErrNonZeroExit, third),
	}}
	tr := newMemTransport()

	summary := newTestScheduler(t, 2, exp, tr, nil).Run(context.Background(), src)

	if summary.Succeeded != 4 || summary.Failed != 1 || summary.Cancelled != 0 || summary.NotStarted != 0 {
		t.Fatalf("summary = succeeded %d failed %d cancelled %d not started %d",
			summary.Succeeded, summary.Failed, summary.Cancelled, summary.NotStarted)
	}

	failures := summary.Failures()
	if len(failures) != 1 {
		t.Fatalf("Failures() = %d entries", len(failures))
	}
	if failures[0].Bucket.Name != third || failures[0].Kind != KindNonZeroExit {
		t.Errorf("failure = %s/%s, want %s/NonZeroExit", failures[0].Bucket.Name, failures[0].Kind, third)
	}
	if summary.OK() {
		t.Error("run with a failure must not be OK")
	}

	for i, b := range src {
		if i == 2 {
			continue
		}
		if tr.data[b.Name].buf.String() != payloadFor(b) {
			t.Errorf("%s: sibling output damaged by failure", b.Name)
		}
	}
}

func TestRunErrorKinds(t *testing.T) {
	tests := []struct {
		name      string
		exportErr error
		readErr   error
		openErr   error
		writeErr  error
		want      ErrorKind
	}{
		{name: "missing metadata", exportErr: fmt.Errorf("%w: no tsidx", exporter.ErrMissingMetadata), want: KindMissingMetadata},
		{name: "binary not found", exportErr: fmt.Errorf("%w: /opt/splunk/bin/splunk", exporter.ErrBinaryNotFound), want: KindBinaryNotFound},
		{name: "non-zero exit", readErr: fmt.Errorf("%w: code 2", exporter.ErrNonZeroExit), want: KindNonZeroExit},
		{name: "io error", readErr: fmt.Errorf("%w: stale NFS handle", exporter.ErrIO), want: KindIOError},
		{name: "connect error", openErr: fmt.Errorf("%w: connection refused", transport.ErrConnect), want: KindConnectError},
		{name: "write error", writeErr: errors.New("broken pipe"), want: KindWriteError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := makeBuckets(3)
			bad := src[1].Name

			exp := &fakeExporter{
				exportErr: map[string]error{bad: tt.exportErr},
				readErr:   map[string]error{bad: tt.readErr},
			}
			tr := newMemTransport()
			tr.openErr = map[string]error{bad: tt.openErr}
			tr.writeErr = map[string]error{bad: tt.writeErr}

			summary := newTestScheduler(t, 2, exp, tr, nil).Run(context.Background(), src)

			if summary.Succeeded != 2 || summary.Failed != 1 {
				t.Fatalf("succeeded %d failed %d, want 2 and 1", summary.Succeeded, summary.Failed)
			}
			job := summary.Jobs[1]
			if job.State != StateFailed || job.Kind != tt.want {
				t.Errorf("job = %s/%s, want failed/%s (err %v)", job.State, job.Kind, tt.want, job.Err)
			}
			if exp.open != 0 {
				t.Errorf("%d streams left open", exp.open)
			}
		})
	}
}

func TestRunCancellation(t *testing.T) {
	exp := &fakeExporter{block: true, started: make(chan string, 5)}
	tr := newMemTransport()
	obs := &recordingObserver{}
	src := makeBuckets(5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestScheduler(t, 2, exp, tr, obs)
	done := make(chan *RunSummary, 1)
	go func() {
		done <- s.Run(ctx, src)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-exp.started:
		case <-time.After(5 * time.Second):
			t.Fatal("jobs never started")
		}
	}
	cancel()

	var summary *RunSummary
	select {
	case summary = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if summary.Cancelled != 2 || summary.NotStarted != 3 || summary.Succeeded != 0 || summary.Failed != 0 {
		t.Errorf("summary = cancelled %d not started %d succeeded %d failed %d, want 2/3/0/0",
			summary.Cancelled, summary.NotStarted, summary.Succeeded, summary.Failed)
	}
	if !summary.Interrupted() {
		t.Error("Interrupted() = false")
	}
	if len(exp.exported) != 2 {
		t.Errorf("exporter invoked for %v, queued jobs must never start", exp.exported)
	}
	for _, stream := range exp.streams {
		if !stream.closed {
			t.Error("export stream survived Run")
		}
	}
	for name, conn := range tr.data {
		if !conn.closed {
			t.Errorf("%s: connection survived Run", name)
		}
	}
	for _, job := range summary.Jobs[2:] {
		if !job.NotStarted() {
			t.Errorf("job %d state = %s, want queued", job.ID, job.State)
		}
	}
	if obs.started != 2 || len(obs.finished) != 2 || obs.queued != 5 {
		t.Errorf("observer saw queued %d started %d finished %d", obs.queued, obs.started, len(obs.finished))
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	exp := &fakeExporter{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary := newTestScheduler(t, 2, exp, newMemTransport(), nil).Run(ctx, makeBuckets(3))

	if len(exp.exported) != 0 {
		t.Errorf("exporter invoked after cancellation: %v", exp.exported)
	}
	if summary.Succeeded+summary.Failed+summary.Cancelled != 0 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestRunObserver(t *testing.T) {
	obs := &recordingObserver{}
	src := makeBuckets(4)
	exp := &fakeExporter{readErr: map[string]error{src[0].Name: exporter.ErrNonZeroExit}}

	newTestScheduler(t, 2, exp, newMemTransport(), Observers{obs}).Run(context.Background(), src)

	if obs.queued != 4 || obs.started != 4 || len(obs.finished) != 4 {
		t.Fatalf("observer saw queued %d started %d finished %d", obs.queued, obs.started, len(obs.finished))
	}
	failed := 0
	for _, job := range obs.finished {
		if job.State == StateFailed {
			failed++
		}
		if job.State == StateRunning || job.State == StateQueued {
			t.Errorf("finished event carried state %s", job.State)
		}
	}
	if failed != 1 {
		t.Errorf("observer saw %d failures, want 1", failed)
	}
}

func TestRunFromScanner(t *testing.T) {
	root := "/splunk/main/db"
	fs := afero.NewMemMapFs()
	for _, name := range []string{"db_200_100_0", "rb_200_100_1", "hot_300_250_2", "db_500_400_3"} {
		if err := fs.MkdirAll(filepath.Join(root, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	window, err := buckets.NewTimeWindow(150, 400)
	if err != nil {
		t.Fatal(err)
	}
	scanner, err := buckets.NewScanner(fs, root, buckets.Options{Window: window})
	if err != nil {
		t.Fatal(err)
	}
	scan, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	tr := newMemTransport()
	summary := newTestScheduler(t, 2, &fakeExporter{}, tr, nil).Run(context.Background(), scan)

	if summary.Discovered != 4 || summary.SkippedTotal() != 2 || summary.OutOfWindow != 1 {
		t.Errorf("scan counters = discovered %d skipped %d out of window %d",
			summary.Discovered, summary.SkippedTotal(), summary.OutOfWindow)
	}
	if summary.Eligible != 1 || summary.Succeeded != 1 {
		t.Errorf("eligible %d succeeded %d, want 1 and 1", summary.Eligible, summary.Succeeded)
	}
	if _, ok := tr.data["db_200_100_0"]; !ok {
		t.Error("db_200_100_0 was not exported")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindNone},
		{context.Canceled, KindCancelled},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), KindCancelled},
		{fmt.Errorf("x: %w", exporter.ErrMissingMetadata), KindMissingMetadata},
		{fmt.Errorf("x: %w", transport.ErrWrite), KindWriteError},
		{errors.New("mystery"), KindUnknown},
	}

	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
