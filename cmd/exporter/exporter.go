package exporter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/airframesio/bucket-streamer/cmd/buckets"
)

// Static errors for export failures
var (
	ErrMissingMetadata = errors.New("bucket metadata is missing (frozen bucket not thawed?)")
	ErrBinaryNotFound  = errors.New("export binary not found or not executable")
	ErrNonZeroExit     = errors.New("export binary exited with failure status")
	ErrIO              = errors.New("failed to read export output")
)

// BucketPlaceholder is replaced by the bucket path in the argument template.
const BucketPlaceholder = "{bucket}"

const (
	DefaultBinary    = "/opt/splunk/bin/splunk"
	DefaultWaitDelay = 5 * time.Second
	stderrTailSize   = 4 * 1024
)

var (
	DefaultArgs             = []string{"cmd", "exporttool", BucketPlaceholder, "/dev/stdout", "-csv"}
	DefaultMetadataPatterns = []string{"*.tsidx", "Hosts.data"}
)

// Config describes how the export binary is invoked.
type Config struct {
	Binary           string
	Args             []string
	MetadataPatterns []string
	Env              []string
	// WaitDelay bounds how long reaping waits for stray pipe holders.
	WaitDelay time.Duration
}

// Exporter launches one export process per bucket.
type Exporter struct {
	config Config
	logger *slog.Logger
}

// New creates an Exporter, filling unset fields with defaults.
func New(config Config, logger *slog.Logger) *Exporter {
	if config.Binary == "" {
		config.Binary = DefaultBinary
	}
	if len(config.Args) == 0 {
		config.Args = DefaultArgs
	}
	if config.MetadataPatterns == nil {
		config.MetadataPatterns = DefaultMetadataPatterns
	}
	if config.WaitDelay == 0 {
		config.WaitDelay = DefaultWaitDelay
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Exporter{config: config, logger: logger}
}

// CheckBinary verifies that the export binary exists and is executable.
func (e *Exporter) CheckBinary() error {
	path := e.config.Binary
	if !strings.ContainsRune(path, filepath.Separator) {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrBinaryNotFound, path, err)
		}
		path = resolved
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBinaryNotFound, path, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%w: %s is not executable", ErrBinaryNotFound, path)
	}
	return nil
}

// CheckMetadata verifies that the bucket holds the companion files the
// export binary needs. Frozen buckets lack them until thawed.
func (e *Exporter) CheckMetadata(bucketPath string) error {
	entries, err := os.ReadDir(bucketPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s: %w", ErrMissingMetadata, bucketPath, err)
		}
		return fmt.Errorf("%w: %s: %w", ErrIO, bucketPath, err)
	}

	for _, pattern := range e.config.MetadataPatterns {
		found := false
		for _, entry := range entries {
			matched, err := filepath.Match(pattern, entry.Name())
			if err != nil {
				return fmt.Errorf("invalid metadata pattern %q: %w", pattern, err)
			}
			if matched {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %s has no %s", ErrMissingMetadata, bucketPath, pattern)
		}
	}
	return nil
}

func (e *Exporter) args(b buckets.Bucket) []string {
	args := make([]string, len(e.config.Args))
	for i, arg := range e.config.Args {
		args[i] = strings.ReplaceAll(arg, BucketPlaceholder, b.Path)
	}
	return args
}

// Export starts the export binary for b and returns its stdout as a stream.
// The caller must Close the stream. Cancelling ctx kills the process group.
func (e *Exporter) Export(ctx context.Context, b buckets.Bucket) (io.ReadCloser, error) {
	if err := e.CheckMetadata(b.Path); err != nil {
		return nil, err
	}
	if err := e.CheckBinary(); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.config.Binary, e.args(b)...)
	if len(e.config.Env) > 0 {
		cmd.Env = append(os.Environ(), e.config.Env...)
	}
	configureProcessGroup(cmd)
	cmd.WaitDelay = e.config.WaitDelay

	stderr := newTailBuffer(stderrTailSize)
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create stdout pipe: %w", ErrIO, err)
	}

	e.logger.Debug(fmt.Sprintf("Command: %s", strings.Join(cmd.Args, " ")))

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %s: %w", ErrBinaryNotFound, e.config.Binary, err)
		}
		return nil, fmt.Errorf("%w: failed to start export for %s: %w", ErrIO, b.Name, err)
	}

	return &Stream{
		ctx:    ctx,
		bucket: b,
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		logger: e.logger,
	}, nil
}
