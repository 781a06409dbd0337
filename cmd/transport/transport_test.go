package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/airframesio/bucket-streamer/cmd/buckets"
)

var testBucket = buckets.Bucket{
	Path:     "/splunk/main/db/db_1700003600_1700000000_7",
	Name:     "db_1700003600_1700000000_7",
	Index:    "main",
	Earliest: 1700000000,
	Latest:   1700003600,
	Kind:     buckets.KindPrimary,
}

// memTransport records everything written per bucket.
type memTransport struct {
	mu       sync.Mutex
	openErr  error
	writeErr error
	writers  []*memWriter
}

func (m *memTransport) Open(_ context.Context, _ buckets.Bucket) (io.WriteCloser, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &memWriter{writeErr: m.writeErr}
	m.writers = append(m.writers, w)
	return w, nil
}

func (m *memTransport) Describe(b buckets.Bucket) string {
	return "mem://" + b.Name
}

type memWriter struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	writeErr error
	closed   int
	aborted  error
}

func (w *memWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeErr != nil {
		return 0, w.writeErr
	}
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed++
	return nil
}

func (w *memWriter) Abort(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.aborted = err
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) > 0 {
		n := copy(p, r.data)
		r.data = r.data[n:]
		return n, nil
	}
	return 0, r.err
}

// blockingReader hands out one chunk and then blocks until ctx ends.
type blockingReader struct {
	ctx  context.Context
	sent bool
	wait chan struct{}
}

func (r *blockingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		close(r.wait)
		return copy(p, "first chunk\n"), nil
	}
	<-r.ctx.Done()
	return 0, r.ctx.Err()
}

func TestSendCopiesAndCloses(t *testing.T) {
	mem := &memTransport{}
	payload := bytes.Repeat([]byte("1700000001,host,raw event\n"), 10000)

	n, err := Send(context.Background(), mem, testBucket, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != int64(len(payload)) {
		t.Errorf("n = %d, want %d", n, len(payload))
	}

	w := mem.writers[0]
	if !bytes.Equal(w.buf.Bytes(), payload) {
		t.Error("destination bytes differ from source")
	}
	if w.closed != 1 || w.aborted != nil {
		t.Errorf("closed = %d, aborted = %v", w.closed, w.aborted)
	}
}

func TestSendErrors(t *testing.T) {
	readerErr := errors.New("export died")

	t.Run("connect", func(t *testing.T) {
		mem := &memTransport{openErr: ErrConnect}
		_, err := Send(context.Background(), mem, testBucket, bytes.NewReader(nil))
		if !errors.Is(err, ErrConnect) {
			t.Errorf("err = %v, want ErrConnect", err)
		}
	})

	t.Run("write", func(t *testing.T) {
		mem := &memTransport{writeErr: errors.New("connection reset by peer")}
		_, err := Send(context.Background(), mem, testBucket, bytes.NewReader([]byte("data")))
		if !errors.Is(err, ErrWrite) {
			t.Errorf("err = %v, want ErrWrite", err)
		}
		if mem.writers[0].aborted == nil {
			t.Error("writer should be aborted on write failure")
		}
	})

	t.Run("reader error passes through", func(t *testing.T) {
		mem := &memTransport{}
		_, err := Send(context.Background(), mem, testBucket, &failingReader{data: []byte("partial"), err: readerErr})
		if !errors.Is(err, readerErr) {
			t.Errorf("err = %v, want reader error", err)
		}
		if errors.Is(err, ErrWrite) {
			t.Error("reader failure must not be reported as a write error")
		}
		if mem.writers[0].aborted == nil {
			t.Error("writer should be aborted on reader failure")
		}
	})
}

func TestSendCancellation(t *testing.T) {
	mem := &memTransport{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &blockingReader{ctx: ctx, wait: make(chan struct{})}
	go func() {
		<-reader.wait
		cancel()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := Send(ctx, mem, testBucket, reader)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not return after cancellation")
	}

	mem.mu.Lock()
	defer mem.mu.Unlock()
	if mem.writers[0].aborted == nil {
		t.Error("writer should be aborted on cancellation")
	}
}
