package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/term"

	"github.com/airframesio/bucket-streamer/cmd/buckets"
	"github.com/airframesio/bucket-streamer/cmd/exporter"
	"github.com/airframesio/bucket-streamer/cmd/reporters"
	"github.com/airframesio/bucket-streamer/cmd/scheduler"
	"github.com/airframesio/bucket-streamer/cmd/transport"
)

// Streamer wires the scanner, exporter, transport, and scheduler for one run.
type Streamer struct {
	config *Config
	logger *slog.Logger
	fs     afero.Fs
	runID  string
	// interactive enables the progress TUI.
	interactive bool
}

func NewStreamer(config *Config, logger *slog.Logger) *Streamer {
	return &Streamer{
		config:      config,
		logger:      logger,
		fs:          appFs,
		runID:       uuid.NewString(),
		interactive: !config.Debug && config.LogFormat == "text" && term.IsTerminal(int(os.Stdout.Fd())),
	}
}

// RunID identifies this run in logs, the status file, and reports.
func (s *Streamer) RunID() string {
	return s.runID
}

func (s *Streamer) newScanner(logger *slog.Logger) (*buckets.Scanner, error) {
	window, err := s.config.Window()
	if err != nil {
		return nil, err
	}

	opts := buckets.Options{
		Layout: buckets.Layout(s.config.Source.Layout),
		Window: window,
		Logger: logger,
	}
	if opts.Layout == buckets.LayoutList {
		paths, err := buckets.ReadBucketList(s.fs, s.config.Source.BucketList)
		if err != nil {
			return nil, err
		}
		opts.Paths = paths
	}
	return buckets.NewScanner(s.fs, s.config.Source.Root, opts)
}

func (s *Streamer) newExporter(logger *slog.Logger) *exporter.Exporter {
	return exporter.New(exporter.Config{
		Binary:           s.config.Export.Binary,
		Args:             s.config.Export.Args,
		MetadataPatterns: s.config.Export.MetadataPatterns,
	}, logger)
}

func (s *Streamer) newTransport() (transport.Transport, error) {
	c := s.config
	switch transport.Mode(c.Mode) {
	case transport.ModeTCP, transport.ModeTLS:
		tcpConfig := transport.TCPConfig{
			Host:         c.Destination.Host,
			Port:         c.Destination.Port,
			SourceAddr:   c.Destination.SourceAddr,
			DialTimeout:  c.Destination.DialTimeout,
			WriteTimeout: c.Destination.WriteTimeout,
		}
		if c.Mode == string(transport.ModeTLS) {
			tcpConfig.TLS = &transport.TLSConfig{
				CAFile:     c.Destination.TLSCAFile,
				ServerName: c.Destination.TLSServerName,
				SkipVerify: c.Destination.TLSSkipVerify,
			}
		}
		return transport.NewTCP(tcpConfig)
	case transport.ModeFile:
		return transport.NewFile(transport.FileConfig{
			Dir:              c.File.OutputDir,
			PathTemplate:     c.File.PathTemplate,
			Compression:      c.Compression,
			CompressionLevel: c.CompressionLevel,
		})
	case transport.ModeS3:
		return transport.NewS3(transport.S3Config{
			Endpoint:         c.S3.Endpoint,
			Bucket:           c.S3.Bucket,
			AccessKey:        c.S3.AccessKey,
			SecretKey:        c.S3.SecretKey,
			Region:           c.S3.Region,
			PathTemplate:     c.S3.PathTemplate,
			Compression:      c.Compression,
			CompressionLevel: c.CompressionLevel,
		})
	default:
		return nil, fmt.Errorf("%w, got %q", transport.ErrUnknownMode, c.Mode)
	}
}

// destination names where the run sends data, for banners and the status file.
func (s *Streamer) destination() string {
	c := s.config
	switch transport.Mode(c.Mode) {
	case transport.ModeTCP, transport.ModeTLS:
		return fmt.Sprintf("%s://%s", c.Mode, net.JoinHostPort(c.Destination.Host, strconv.Itoa(c.Destination.Port)))
	case transport.ModeFile:
		return c.File.OutputDir
	case transport.ModeS3:
		return "s3://" + c.S3.Bucket
	default:
		return c.Mode
	}
}

// newReporter opens the configured run report. The returned close func is
// always safe to call.
func (s *Streamer) newReporter(ctx context.Context) (reporters.Reporter, func(), error) {
	noop := func() {}
	switch s.config.Report.Format {
	case "":
		return nil, noop, nil
	case reporters.FormatPostgres:
		table := s.config.Report.Table
		if table == "" {
			table = reporters.DefaultTable
		}
		r, err := reporters.OpenPostgres(ctx, s.config.Report.DSN, table)
		if err != nil {
			return nil, noop, err
		}
		return r, func() { _ = r.Close() }, nil
	default:
		r, err := reporters.NewFile(s.config.Report.Format, s.config.Report.Path)
		if err != nil {
			return nil, noop, err
		}
		return r, noop, nil
	}
}

// Scan lists the buckets an export would stream, without exporting anything.
// Destinations are shown when withDestinations is set.
func (s *Streamer) Scan(ctx context.Context, withDestinations bool) (buckets.ScanStats, error) {
	scanner, err := s.newScanner(s.logger)
	if err != nil {
		return buckets.ScanStats{}, err
	}
	scan, err := scanner.Scan(ctx)
	if err != nil {
		return buckets.ScanStats{}, err
	}

	var tr transport.Transport
	if withDestinations {
		if tr, err = s.newTransport(); err != nil {
			return buckets.ScanStats{}, err
		}
	}

	for b := range scan.All() {
		line := fmt.Sprintf("📦 %s [%s → %s]", b, formatEpoch(b.Earliest), formatEpoch(b.Latest))
		if tr != nil {
			line += " → " + tr.Describe(b)
		}
		s.logger.Info(line)
	}

	stats := scan.Stats()
	s.logger.Info("")
	s.logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	s.logger.Info("🔍 Scan")
	s.logger.Info(fmt.Sprintf("📂 Discovered: %d", stats.Discovered))
	s.logger.Info(fmt.Sprintf("✅ Eligible: %d", stats.Eligible))
	s.logSkipped(stats.Skipped, stats.OutOfWindow)
	if stats.Errors > 0 {
		s.logger.Info(fmt.Sprintf("⚠️  Unreadable: %d", stats.Errors))
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}

// Run streams every eligible bucket and returns the run summary. Errors are
// returned only for problems found before any bucket was exported.
func (s *Streamer) Run(ctx context.Context) (*scheduler.RunSummary, error) {
	tr, err := s.newTransport()
	if err != nil {
		return nil, err
	}

	exp := s.newExporter(s.logger)
	if err := exp.CheckBinary(); err != nil {
		// Every job will fail with BinaryNotFound and be reported as such.
		s.logger.Warn(fmt.Sprintf("⚠️  %v", err))
	}

	reporter, closeReporter, err := s.newReporter(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open run report: %w", err)
	}
	defer closeReporter()

	release, err := AcquireRunLock()
	if err != nil {
		return nil, err
	}
	defer release()

	status := newStatusObserver(RunStatus{
		RunID:       s.runID,
		StartTime:   time.Now(),
		Mode:        s.config.Mode,
		Destination: s.destination(),
		Workers:     s.config.Workers,
	}, func(err error) {
		s.logger.Debug(fmt.Sprintf("Failed to write run status: %v", err))
	})

	s.logger.Debug(fmt.Sprintf("Run %s: %d workers → %s", s.runID, s.config.Workers, s.destination()))

	var summary *scheduler.RunSummary
	if s.interactive {
		summary, err = s.runWithProgress(ctx, tr, status)
	} else {
		summary, err = s.runPlain(ctx, tr, status)
	}
	if err != nil {
		return nil, err
	}

	s.printSummary(summary)

	if reporter != nil {
		// The report is still written when the run was cancelled.
		if err := reporter.Report(context.WithoutCancel(ctx), summary); err != nil {
			s.logger.Error(fmt.Sprintf("❌ Failed to write run report: %v", err))
		} else {
			s.logger.Info(fmt.Sprintf("📝 Run report written (%s)", s.config.Report.Format))
		}
	}

	return summary, nil
}

func (s *Streamer) runPlain(ctx context.Context, tr transport.Transport, status *statusObserver) (*scheduler.RunSummary, error) {
	scanner, err := s.newScanner(s.logger)
	if err != nil {
		return nil, err
	}
	scan, err := scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.New(scheduler.Config{
		Workers:  s.config.Workers,
		RunID:    s.runID,
		Observer: scheduler.Observers{status, newLogObserver(s.logger)},
	}, s.newExporter(s.logger), tr, s.logger)
	if err != nil {
		return nil, err
	}

	return sched.Run(ctx, scan), nil
}

// runWithProgress runs the scheduler behind the TUI. Quitting the TUI
// cancels the run.
func (s *Streamer) runWithProgress(ctx context.Context, tr transport.Transport, status *statusObserver) (*scheduler.RunSummary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := newProgressModel(s.config, s.runID, s.destination(), cancel)
	// Bubble Tea must not install its own handler; cancellation flows through ctx.
	program := tea.NewProgram(model, tea.WithoutSignalHandler())
	logger := slog.New(newTUILogHandler(program, slog.LevelInfo))

	scanner, err := s.newScanner(logger)
	if err != nil {
		return nil, err
	}
	scan, err := scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.New(scheduler.Config{
		Workers:  s.config.Workers,
		RunID:    s.runID,
		Observer: scheduler.Observers{status, &tuiObserver{program: program}},
	}, s.newExporter(logger), tr, logger)
	if err != nil {
		return nil, err
	}

	done := make(chan *scheduler.RunSummary, 1)
	go func() {
		summary := sched.Run(ctx, scan)
		program.Send(allCompleteMsg{})
		done <- summary
	}()

	if _, err := program.Run(); err != nil {
		s.logger.Warn(fmt.Sprintf("⚠️  Progress display failed, continuing without it: %v", err))
	}

	return <-done, nil
}

func (s *Streamer) logSkipped(skipped map[buckets.Kind]int, outOfWindow int) {
	for _, kind := range []buckets.Kind{buckets.KindReplica, buckets.KindHot, buckets.KindUnknown} {
		if n := skipped[kind]; n > 0 {
			s.logger.Info(fmt.Sprintf("⏭️  Skipped %s: %d", kind, n))
		}
	}
	if outOfWindow > 0 {
		s.logger.Info(fmt.Sprintf("⏭️  Outside window: %d", outOfWindow))
	}
}

func (s *Streamer) printSummary(summary *scheduler.RunSummary) {
	s.logger.Info("")
	s.logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	s.logger.Info(fmt.Sprintf("📈 Summary (run %s)", summary.RunID))
	s.logger.Info(fmt.Sprintf("📂 Discovered: %d", summary.Discovered))
	s.logSkipped(summary.Skipped, summary.OutOfWindow)
	if summary.ScanErrors > 0 {
		s.logger.Info(fmt.Sprintf("⚠️  Unreadable: %d", summary.ScanErrors))
	}
	s.logger.Info(fmt.Sprintf("✅ Successful: %d/%d", summary.Succeeded, summary.Eligible))
	if summary.Failed > 0 {
		s.logger.Info(fmt.Sprintf("❌ Failed: %d", summary.Failed))
	}
	if summary.Cancelled > 0 || summary.NotStarted > 0 {
		s.logger.Info(fmt.Sprintf("🛑 Cancelled: %d, not started: %d", summary.Cancelled, summary.NotStarted))
	}
	if summary.BytesSent > 0 {
		s.logger.Info(fmt.Sprintf("💾 Total streamed: %s", formatBytes(summary.BytesSent)))
	}
	s.logger.Info(fmt.Sprintf("⏱  Duration: %s", summary.Duration().Round(time.Millisecond)))

	for _, job := range summary.Failures() {
		s.logger.Error(fmt.Sprintf("❌ %s (%s): %v", job.Bucket.Path, job.Kind, job.Err))
	}
}

func formatEpoch(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

// logObserver reports job progress through the logger when the TUI is off.
type logObserver struct {
	logger *slog.Logger

	mu       sync.Mutex
	total    int
	finished int
}

func newLogObserver(logger *slog.Logger) *logObserver {
	return &logObserver{logger: logger}
}

func (o *logObserver) Queued(jobs []scheduler.Job) {
	o.mu.Lock()
	o.total = len(jobs)
	o.mu.Unlock()
	if len(jobs) == 0 {
		o.logger.Info("📭 No eligible buckets found")
	}
}

func (o *logObserver) Started(job scheduler.Job) {
	o.logger.Debug(fmt.Sprintf("▶️  %s → %s", job.Bucket, job.Destination))
}

func (o *logObserver) Finished(job scheduler.Job) {
	o.mu.Lock()
	o.finished++
	progress := fmt.Sprintf("[%d/%d]", o.finished, o.total)
	o.mu.Unlock()

	switch job.State {
	case scheduler.StateSucceeded:
		o.logger.Info(fmt.Sprintf("✅ %s %s → %s (%s in %s)",
			progress, job.Bucket, job.Destination, formatBytes(job.Bytes), job.Duration.Round(time.Millisecond)))
	case scheduler.StateCancelled:
		o.logger.Info(fmt.Sprintf("🛑 %s %s cancelled", progress, job.Bucket))
	default:
		// The scheduler already logged the failure with its error.
		o.logger.Debug(fmt.Sprintf("❌ %s %s failed", progress, job.Bucket))
	}
}

// tuiLogHandler forwards log records into the TUI log panel, since writing
// to stdout would corrupt the display.
type tuiLogHandler struct {
	program *tea.Program
	level   slog.Level
}

func newTUILogHandler(program *tea.Program, level slog.Level) *tuiLogHandler {
	return &tuiLogHandler{program: program, level: level}
}

func (h *tuiLogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *tuiLogHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Message == "" {
		return nil
	}
	h.program.Send(messageMsg(r.Message))
	return nil
}

func (h *tuiLogHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *tuiLogHandler) WithGroup(_ string) slog.Handler {
	return h
}

// exitCode maps a finished run to the process exit status.
func exitCode(summary *scheduler.RunSummary, err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return exitCancelled
	case err != nil:
		return exitFailure
	case summary == nil:
		return exitFailure
	case summary.Interrupted():
		return exitCancelled
	case !summary.OK():
		return exitFailure
	default:
		return exitOK
	}
}
