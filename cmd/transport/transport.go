package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/airframesio/bucket-streamer/cmd/buckets"
)

// Static errors for transport failures
var (
	ErrConnect     = errors.New("failed to connect to destination")
	ErrWrite       = errors.New("failed to write to destination")
	ErrUnknownMode = errors.New("transport mode must be one of: tcp, tls, file, s3")
)

// Mode names a transport implementation.
type Mode string

const (
	ModeTCP  Mode = "tcp"
	ModeTLS  Mode = "tls"
	ModeFile Mode = "file"
	ModeS3   Mode = "s3"
)

// copyBufferSize is the fixed amount of data in flight per bucket.
const copyBufferSize = 64 * 1024

// Transport opens one destination connection per bucket.
type Transport interface {
	// Open connects for bucket b. Errors wrap ErrConnect.
	Open(ctx context.Context, b buckets.Bucket) (io.WriteCloser, error)
	// Describe names the destination of b for logs and reports.
	Describe(b buckets.Bucket) string
}

// aborter is implemented by writers that must discard partial output
// instead of committing it on failure.
type aborter interface {
	Abort(err error)
}

func abort(w io.WriteCloser, err error) {
	if a, ok := w.(aborter); ok {
		a.Abort(err)
		return
	}
	_ = w.Close()
}

// writeTracker records write-side failures so they can be told apart from
// errors raised by the reader during a copy.
type writeTracker struct {
	w   io.Writer
	err error
}

func (t *writeTracker) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		t.err = err
	}
	return n, err
}

// Send streams r to the destination for b over a fresh connection and closes
// it. Reader errors are returned unchanged, destination errors wrap ErrConnect
// or ErrWrite. Cancelling ctx tears the connection down immediately.
func Send(ctx context.Context, t Transport, b buckets.Bucket, r io.Reader) (int64, error) {
	w, err := t.Open(ctx, b)
	if err != nil {
		return 0, err
	}

	torndown := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(torndown)
		abort(w, ctx.Err())
	})

	tracker := &writeTracker{w: w}
	n, copyErr := io.CopyBuffer(tracker, r, make([]byte, copyBufferSize))

	if !stop() {
		<-torndown
		return n, ctx.Err()
	}

	if copyErr != nil {
		abort(w, copyErr)
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if tracker.err != nil {
			return n, fmt.Errorf("%w: %s: %w", ErrWrite, t.Describe(b), copyErr)
		}
		return n, copyErr
	}

	if err := w.Close(); err != nil {
		return n, fmt.Errorf("%w: %s: failed to close: %w", ErrWrite, t.Describe(b), err)
	}
	return n, nil
}
