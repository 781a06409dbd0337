package exporter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/airframesio/bucket-streamer/cmd/buckets"
)

// Stream is the live stdout of one export process.
type Stream struct {
	ctx    context.Context
	bucket buckets.Bucket
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tailBuffer
	logger *slog.Logger

	bytes     atomic.Int64
	killed    atomic.Bool
	waitOnce  sync.Once
	waitErr   error
	closeOnce sync.Once
	reaped    atomic.Bool
}

// Read reads decoded records. At end of stream the process is reaped and a
// failure exit is reported in place of io.EOF.
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	s.bytes.Add(int64(n))
	if err == nil {
		return n, nil
	}

	if errors.Is(err, io.EOF) {
		if werr := s.wait(); werr != nil {
			return n, werr
		}
		return n, io.EOF
	}

	if s.ctx.Err() != nil {
		return n, s.ctx.Err()
	}
	return n, fmt.Errorf("%w: %s: %w", ErrIO, s.bucket.Name, err)
}

// BytesRead returns the number of bytes read from the process so far.
func (s *Stream) BytesRead() int64 {
	return s.bytes.Load()
}

// Close kills the process group if it is still running and reaps it.
// Calling Close more than once is safe.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if !s.reaped.Load() {
			s.killed.Store(true)
			killProcessGroup(s.cmd)
		}
		err = s.wait()
		if s.killed.Load() {
			// Terminated on purpose; the caller already has the real cause.
			err = nil
		}
	})
	return err
}

func (s *Stream) wait() error {
	s.waitOnce.Do(func() {
		err := s.cmd.Wait()
		s.reaped.Store(true)
		s.waitErr = s.exitError(err)

		if tail := s.stderr.String(); tail != "" {
			s.logger.Debug(fmt.Sprintf("stderr for %s: %s", s.bucket.Name, tail))
		}
	})
	return s.waitErr
}

func (s *Stream) exitError(err error) error {
	if err == nil {
		return nil
	}
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if tail := s.stderr.String(); tail != "" {
			return fmt.Errorf("%w: %s exited with code %d: %s", ErrNonZeroExit, s.bucket.Name, exitErr.ExitCode(), tail)
		}
		return fmt.Errorf("%w: %s exited with code %d", ErrNonZeroExit, s.bucket.Name, exitErr.ExitCode())
	}
	return fmt.Errorf("%w: %s: %w", ErrIO, s.bucket.Name, err)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
