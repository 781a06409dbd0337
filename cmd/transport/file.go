package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/airframesio/bucket-streamer/cmd/buckets"
	"github.com/airframesio/bucket-streamer/cmd/compressors"
)

// DefaultExtension is appended to every exported bucket file or object.
const DefaultExtension = ".csv"

// FileConfig describes the local file destination.
type FileConfig struct {
	Dir              string
	PathTemplate     string
	Compression      string
	CompressionLevel int
}

// FileTransport writes each bucket to its own file under Dir.
type FileTransport struct {
	dir        string
	template   *PathTemplate
	compressor compressors.Compressor
	level      int
}

// NewFile builds a file transport.
func NewFile(config FileConfig) (*FileTransport, error) {
	compressor, err := compressors.GetCompressor(config.Compression)
	if err != nil {
		return nil, err
	}
	return &FileTransport{
		dir:        config.Dir,
		template:   NewPathTemplate(config.PathTemplate),
		compressor: compressor,
		level:      config.CompressionLevel,
	}, nil
}

// Path returns the final location of bucket b.
func (t *FileTransport) Path(b buckets.Bucket) string {
	return filepath.Join(t.dir, filepath.FromSlash(t.template.Generate(b))+DefaultExtension+t.compressor.Extension())
}

func (t *FileTransport) Describe(b buckets.Bucket) string {
	return "file://" + t.Path(b)
}

// Open creates a temp file next to the target. It is renamed into place on
// Close and removed on Abort, so a failed bucket leaves nothing behind.
func (t *FileTransport) Open(_ context.Context, b buckets.Bucket) (io.WriteCloser, error) {
	target := t.Path(b)
	dir := filepath.Dir(target)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory %s: %w", ErrConnect, dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*.partial")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create temp file: %w", ErrConnect, err)
	}

	buffered := bufio.NewWriterSize(tmp, copyBufferSize)
	cw, err := t.compressor.NewWriter(buffered, t.level)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	return &fileWriter{
		file:     tmp,
		buffered: buffered,
		codec:    cw,
		target:   target,
	}, nil
}

type fileWriter struct {
	mu       sync.Mutex
	file     *os.File
	buffered *bufio.Writer
	codec    io.WriteCloser
	target   string
	done     bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return 0, os.ErrClosed
	}
	return w.codec.Write(p)
}

func (w *fileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return nil
	}
	w.done = true

	if err := w.commit(); err != nil {
		w.file.Close()
		os.Remove(w.file.Name())
		return err
	}
	return nil
}

func (w *fileWriter) commit() error {
	if err := w.codec.Close(); err != nil {
		return fmt.Errorf("failed to finish compression: %w", err)
	}
	if err := w.buffered.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close: %w", err)
	}
	if err := os.Rename(w.file.Name(), w.target); err != nil {
		return fmt.Errorf("failed to rename into place: %w", err)
	}
	return nil
}

func (w *fileWriter) Abort(_ error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.done = true

	_ = w.codec.Close()
	_ = w.file.Close()
	_ = os.Remove(w.file.Name())
}
