package buckets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Layout selects how bucket directories are discovered.
type Layout string

const (
	// LayoutFlat treats every immediate subdirectory of the root as a bucket.
	LayoutFlat Layout = "flat"
	// LayoutSmartStore treats the root as a mount point with one directory per index.
	LayoutSmartStore Layout = "smartstore"
	// LayoutList exports an explicit list of bucket paths.
	LayoutList Layout = "list"
)

var (
	ErrRootUnreadable = errors.New("bucket root is not readable")
	ErrUnknownLayout  = errors.New("layout must be one of: flat, smartstore, list")
	ErrListEmpty      = errors.New("bucket list contains no paths")
)

// ParseLayout validates a layout name.
func ParseLayout(name string) (Layout, error) {
	switch Layout(name) {
	case LayoutFlat, LayoutSmartStore, LayoutList:
		return Layout(name), nil
	default:
		return "", fmt.Errorf("%w, got %q", ErrUnknownLayout, name)
	}
}

// Options controls a Scanner.
type Options struct {
	Layout Layout
	Window *TimeWindow
	// Paths holds the bucket directories for LayoutList.
	Paths  []string
	Logger *slog.Logger
}

// ScanStats counts what a scan saw. It is complete once iteration ends.
type ScanStats struct {
	Discovered  int
	Skipped     map[Kind]int
	OutOfWindow int
	Errors      int
	Eligible    int
}

// SkippedTotal sums the skipped counts over all kinds.
func (s ScanStats) SkippedTotal() int {
	total := 0
	for _, n := range s.Skipped {
		total += n
	}
	return total
}

// Scanner enumerates bucket directories under a root.
type Scanner struct {
	fs     afero.Fs
	root   string
	opts   Options
	logger *slog.Logger
}

// NewScanner creates a scanner over fs. Nothing is read until Scan.
func NewScanner(fs afero.Fs, root string, opts Options) (*Scanner, error) {
	if opts.Layout == "" {
		opts.Layout = LayoutFlat
	}
	if _, err := ParseLayout(string(opts.Layout)); err != nil {
		return nil, err
	}
	if opts.Layout == LayoutList && len(opts.Paths) == 0 {
		return nil, ErrListEmpty
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scanner{fs: fs, root: root, opts: opts, logger: logger}, nil
}

// Scan checks that the root is readable and returns a lazy view of the
// eligible buckets. Each call starts a fresh scan.
func (s *Scanner) Scan(ctx context.Context) (*Scan, error) {
	if s.opts.Layout != LayoutList {
		info, err := s.fs.Stat(s.root)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrRootUnreadable, s.root, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%w: %s is not a directory", ErrRootUnreadable, s.root)
		}
		if _, err := afero.ReadDir(s.fs, s.root); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrRootUnreadable, s.root, err)
		}
	}
	return &Scan{scanner: s, ctx: ctx}, nil
}

// Scan is a single pass over the bucket root.
type Scan struct {
	scanner *Scanner
	ctx     context.Context
	stats   ScanStats
}

// Stats returns the counters gathered by the last iteration of All.
func (sc *Scan) Stats() ScanStats {
	return sc.stats
}

// All yields eligible buckets lazily in directory order. Iteration stops
// early when the scan context is cancelled. Restarting All re-reads the root.
func (sc *Scan) All() iter.Seq[Bucket] {
	return func(yield func(Bucket) bool) {
		sc.stats = ScanStats{Skipped: make(map[Kind]int)}
		s := sc.scanner

		switch s.opts.Layout {
		case LayoutList:
			sc.walkList(yield)
		case LayoutSmartStore:
			sc.walkSmartStore(yield)
		default:
			sc.walkDir(s.root, indexName(s.root), yield)
		}
	}
}

// visit classifies and filters one candidate. It returns false when the
// consumer asked to stop.
func (sc *Scan) visit(b Bucket, yield func(Bucket) bool) bool {
	logger := sc.scanner.logger
	sc.stats.Discovered++

	if !b.Eligible() {
		sc.stats.Skipped[b.Kind]++
		logger.Debug(fmt.Sprintf("⏭️  Skipping %s bucket %s", b.Kind, b.Path))
		return true
	}
	if !sc.scanner.opts.Window.Includes(b) {
		sc.stats.OutOfWindow++
		logger.Debug(fmt.Sprintf("⏭️  Skipping %s: [%d, %d] outside window %s", b.Path, b.Earliest, b.Latest, sc.scanner.opts.Window))
		return true
	}

	sc.stats.Eligible++
	return yield(b)
}

func (sc *Scan) readDir(dir string) ([]string, bool) {
	entries, err := afero.ReadDir(sc.scanner.fs, dir)
	if err != nil {
		sc.stats.Errors++
		sc.scanner.logger.Warn(fmt.Sprintf("⚠️  Cannot read %s: %v", dir, err))
		return nil, false
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, true
}

// walkDir visits each subdirectory of dir as a bucket candidate.
func (sc *Scan) walkDir(dir, index string, yield func(Bucket) bool) bool {
	names, ok := sc.readDir(dir)
	if !ok {
		return true
	}
	for _, name := range names {
		if sc.ctx.Err() != nil {
			return false
		}
		b := ClassifyPath(filepath.Join(dir, name))
		b.Index = index
		if !sc.visit(b, yield) {
			return false
		}
	}
	return true
}

func (sc *Scan) walkSmartStore(yield func(Bucket) bool) {
	root := sc.scanner.root
	indexes, ok := sc.readDir(root)
	if !ok {
		return
	}

	for _, index := range indexes {
		if sc.ctx.Err() != nil {
			return
		}
		indexDir := filepath.Join(root, index)
		children, ok := sc.readDir(indexDir)
		if !ok {
			continue
		}

		for _, child := range children {
			if sc.ctx.Err() != nil {
				return
			}
			childPath := filepath.Join(indexDir, child)
			if containerDirs[child] {
				if !sc.walkDir(childPath, index, yield) {
					return
				}
				continue
			}
			b := ClassifyPath(childPath)
			b.Index = index
			if !sc.visit(b, yield) {
				return
			}
		}
	}
}

func (sc *Scan) walkList(yield func(Bucket) bool) {
	for _, path := range sc.scanner.opts.Paths {
		if sc.ctx.Err() != nil {
			return
		}
		info, err := sc.scanner.fs.Stat(path)
		if err != nil {
			sc.stats.Errors++
			sc.scanner.logger.Warn(fmt.Sprintf("⚠️  Cannot read %s: %v", path, err))
			continue
		}
		if !info.IsDir() {
			sc.stats.Errors++
			sc.scanner.logger.Warn(fmt.Sprintf("⚠️  %s is not a bucket directory", path))
			continue
		}
		b := ClassifyPath(filepath.Clean(path))
		b.Index = indexName(filepath.Dir(b.Path))
		if !sc.visit(b, yield) {
			return
		}
	}
}

// ReadBucketList reads one bucket path per line. Blank lines and lines
// starting with # are ignored.
func ReadBucketList(fs afero.Fs, path string) ([]string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket list: %w", err)
	}
	defer f.Close()

	var paths []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paths = append(paths, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read bucket list: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrListEmpty, path)
	}
	return paths, nil
}
