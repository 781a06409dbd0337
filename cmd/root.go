package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/airframesio/bucket-streamer/cmd/buckets"
	"github.com/airframesio/bucket-streamer/cmd/exporter"
	"github.com/airframesio/bucket-streamer/cmd/reporters"
	"github.com/airframesio/bucket-streamer/cmd/transport"
)

// Process exit codes
const (
	exitOK        = 0
	exitFailure   = 1
	exitCancelled = 130
)

// shutdownGrace bounds how long a cancelled run may take to tear down its
// export processes before the process exits anyway.
const shutdownGrace = exporter.DefaultWaitDelay + 5*time.Second

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/airframesio/bucket-streamer/cmd.Version=1.2.3"
	Version = "dev"

	// signalContext is set by main() before Cobra initialization
	signalContext context.Context
	stopFilePath  string

	cfgFile   string
	debug     bool
	logFormat string

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	logger *slog.Logger
)

// SetSignalContext stores the signal-aware context created in main()
// This must be called before Execute() to ensure proper signal handling
func SetSignalContext(ctx context.Context, stopFile string) {
	signalContext = ctx
	stopFilePath = stopFile
}

// textOnlyHandler is a custom slog handler that outputs human-readable text
// without key=value pairs, suitable for interactive terminal usage
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: w,
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: YYYY-MM-DD HH:MM:SS LEVEL message
	timestamp := r.Time.Format("2006-01-02 15:04:05")
	_, err := fmt.Fprintf(h.writer, "%s %s %s\n", timestamp, r.Level.String(), r.Message)
	return err
}

func (h *textOnlyHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	return h
}

// newLogger builds a logger for the given debug flag and log format
func newLogger(w io.Writer, isDebug bool, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isDebug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "logfmt":
		// logfmt uses slog.TextHandler which outputs key=value pairs
		handler = slog.NewTextHandler(w, opts)
	default: // "text" or anything else
		handler = newTextOnlyHandler(w, opts)
	}
	return slog.New(handler)
}

// initLogger initializes the package logger on stdout
func initLogger(isDebug bool, format string) {
	logger = newLogger(os.Stdout, isDebug, format)
}

var rootCmd = &cobra.Command{
	Use:     "bucket-streamer",
	Version: Version,
	Short:   "📦 Export historical index buckets and stream them to a collector",
	Long: titleStyle.Render("Bucket Streamer") + `

A CLI tool to export time-partitioned index buckets in parallel and stream
the decoded records straight to a remote collector over TCP or TLS, without
staging them on local disk. Buckets can also be written to compressed files
or uploaded to S3-compatible storage.`,
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export eligible buckets and stream them to the destination",
	Long:  `Scan the bucket root, then export every eligible primary bucket inside the time window and stream it to the destination, one connection per bucket and at most --workers at a time.`,
	Run: func(_ *cobra.Command, _ []string) {
		runExport()
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List the buckets an export would stream",
	Long:  `Scan the bucket root and list the eligible buckets with their time ranges, along with the skipped counts. Nothing is exported.`,
	Run: func(_ *cobra.Command, _ []string) {
		runScan()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(scanCmd)

	// Persistent flags (available to all subcommands)
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.bucket-streamer.yaml)")
	pf.BoolVarP(&debug, "debug", "d", false, "enable debug output")
	pf.StringVar(&logFormat, "log-format", "text", "log format (text, logfmt, json)")

	// Bucket source and time window, shared by export and scan
	pf.String("root", "", "bucket root directory (flat layout) or mount point (smartstore layout)")
	pf.String("layout", string(buckets.LayoutFlat), "bucket layout: flat, smartstore, list")
	pf.String("bucket-list", "", "file with one bucket path per line (list layout)")
	pf.Int64("earliest", 0, "earliest epoch time for bucket selection (0 = unbounded)")
	pf.Int64("latest", 0, "latest epoch time for bucket selection, exclusive (0 = unbounded)")

	// Destination, shared so scan can show where each bucket would go
	pf.String("mode", string(transport.ModeTCP), "destination mode: tcp, tls, file, s3")
	pf.String("host", "", "collector host (tcp, tls)")
	pf.Int("port", 10065, "collector port (tcp, tls)")
	pf.String("output-dir", "", "output directory (file mode)")
	pf.String("path-template", transport.DefaultPathTemplate, "file/object path template with placeholders: {index}, {bucket}, {YYYY}, {MM}, {DD}, {HH}")
	pf.String("s3-endpoint", "", "S3-compatible endpoint URL")
	pf.String("s3-bucket", "", "S3 bucket name")
	pf.String("s3-access-key", "", "S3 access key")
	pf.String("s3-secret-key", "", "S3 secret key")
	pf.String("s3-region", "auto", "S3 region")
	pf.String("compression", "none", "compression for file and s3 modes: zstd, lz4, gzip, none")
	pf.Int("compression-level", 0, "compression level (zstd: 1-22, lz4/gzip: 1-9, 0 = codec default)")

	// Export-specific flags
	ef := exportCmd.Flags()
	ef.Int("workers", runtime.NumCPU(), "number of buckets exported in parallel")
	ef.Bool("dry-run", false, "list the buckets that would be exported without exporting them")
	ef.String("export-binary", exporter.DefaultBinary, "path to the export binary")
	ef.StringSlice("export-args", exporter.DefaultArgs, "export binary arguments; {bucket} is replaced by the bucket path")
	ef.StringSlice("metadata-files", exporter.DefaultMetadataPatterns, "glob patterns a bucket must contain to be exportable")
	ef.String("source-addr", "", "local IP, IP:port, or interface name to bind outgoing connections to")
	ef.Duration("dial-timeout", transport.DefaultDialTimeout, "collector connect timeout")
	ef.Duration("write-timeout", 0, "per-write deadline on collector connections (0 = none)")
	ef.String("tls-ca-file", "", "PEM file with the CA certificates trusted for the collector (tls)")
	ef.String("tls-server-name", "", "server name to verify on the collector certificate (tls)")
	ef.Bool("tls-skip-verify", false, "skip verification of the collector certificate (tls)")
	ef.String("report-format", "", "run report format: jsonl, csv, parquet, postgres (empty = no report)")
	ef.String("report-path", "", "run report file (jsonl, csv, parquet)")
	ef.String("report-dsn", "", "PostgreSQL connection string (postgres report)")
	ef.String("report-table", reporters.DefaultTable, "PostgreSQL report table (postgres report)")

	// Note: We don't use MarkFlagRequired because it checks before viper loads the config file.
	// Instead, validation happens in config.Validate() which runs after all config sources are loaded.

	// Bind persistent flags
	_ = viper.BindPFlag("debug", pf.Lookup("debug"))
	_ = viper.BindPFlag("log_format", pf.Lookup("log-format"))
	_ = viper.BindPFlag("source.root", pf.Lookup("root"))
	_ = viper.BindPFlag("source.layout", pf.Lookup("layout"))
	_ = viper.BindPFlag("source.bucket_list", pf.Lookup("bucket-list"))
	_ = viper.BindPFlag("window.earliest", pf.Lookup("earliest"))
	_ = viper.BindPFlag("window.latest", pf.Lookup("latest"))
	_ = viper.BindPFlag("mode", pf.Lookup("mode"))
	_ = viper.BindPFlag("destination.host", pf.Lookup("host"))
	_ = viper.BindPFlag("destination.port", pf.Lookup("port"))
	_ = viper.BindPFlag("file.output_dir", pf.Lookup("output-dir"))
	_ = viper.BindPFlag("path_template", pf.Lookup("path-template"))
	_ = viper.BindPFlag("s3.endpoint", pf.Lookup("s3-endpoint"))
	_ = viper.BindPFlag("s3.bucket", pf.Lookup("s3-bucket"))
	_ = viper.BindPFlag("s3.access_key", pf.Lookup("s3-access-key"))
	_ = viper.BindPFlag("s3.secret_key", pf.Lookup("s3-secret-key"))
	_ = viper.BindPFlag("s3.region", pf.Lookup("s3-region"))
	_ = viper.BindPFlag("compression", pf.Lookup("compression"))
	_ = viper.BindPFlag("compression_level", pf.Lookup("compression-level"))

	// Bind export flags
	_ = viper.BindPFlag("workers", ef.Lookup("workers"))
	_ = viper.BindPFlag("dry_run", ef.Lookup("dry-run"))
	_ = viper.BindPFlag("export.binary", ef.Lookup("export-binary"))
	_ = viper.BindPFlag("export.args", ef.Lookup("export-args"))
	_ = viper.BindPFlag("export.metadata_files", ef.Lookup("metadata-files"))
	_ = viper.BindPFlag("destination.source_addr", ef.Lookup("source-addr"))
	_ = viper.BindPFlag("destination.dial_timeout", ef.Lookup("dial-timeout"))
	_ = viper.BindPFlag("destination.write_timeout", ef.Lookup("write-timeout"))
	_ = viper.BindPFlag("destination.tls_ca_file", ef.Lookup("tls-ca-file"))
	_ = viper.BindPFlag("destination.tls_server_name", ef.Lookup("tls-server-name"))
	_ = viper.BindPFlag("destination.tls_skip_verify", ef.Lookup("tls-skip-verify"))
	_ = viper.BindPFlag("report.format", ef.Lookup("report-format"))
	_ = viper.BindPFlag("report.path", ef.Lookup("report-path"))
	_ = viper.BindPFlag("report.dsn", ef.Lookup("report-dsn"))
	_ = viper.BindPFlag("report.table", ef.Lookup("report-table"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".bucket-streamer")
	}

	// STREAMER_S3_ACCESS_KEY sets s3.access_key
	viper.SetEnvPrefix("STREAMER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && debug {
		if logger == nil {
			initLogger(debug, logFormat)
		}
		logger.Debug(fmt.Sprintf("📄 Using config file: %s", viper.ConfigFileUsed()))
	}
}

// loadConfig assembles the Config from flags, environment, and config file
func loadConfig(v *viper.Viper) *Config {
	return &Config{
		Debug:     v.GetBool("debug"),
		LogFormat: v.GetString("log_format"),
		DryRun:    v.GetBool("dry_run"),
		Workers:   v.GetInt("workers"),
		Source: SourceConfig{
			Root:       v.GetString("source.root"),
			Layout:     v.GetString("source.layout"),
			BucketList: v.GetString("source.bucket_list"),
		},
		Earliest: v.GetInt64("window.earliest"),
		Latest:   v.GetInt64("window.latest"),
		Export: ExportConfig{
			Binary:           v.GetString("export.binary"),
			Args:             v.GetStringSlice("export.args"),
			MetadataPatterns: v.GetStringSlice("export.metadata_files"),
		},
		Mode: v.GetString("mode"),
		Destination: DestinationConfig{
			Host:          v.GetString("destination.host"),
			Port:          v.GetInt("destination.port"),
			SourceAddr:    v.GetString("destination.source_addr"),
			DialTimeout:   v.GetDuration("destination.dial_timeout"),
			WriteTimeout:  v.GetDuration("destination.write_timeout"),
			TLSCAFile:     v.GetString("destination.tls_ca_file"),
			TLSServerName: v.GetString("destination.tls_server_name"),
			TLSSkipVerify: v.GetBool("destination.tls_skip_verify"),
		},
		File: FileConfig{
			OutputDir:    v.GetString("file.output_dir"),
			PathTemplate: v.GetString("path_template"),
		},
		S3: S3Config{
			Endpoint:     v.GetString("s3.endpoint"),
			Bucket:       v.GetString("s3.bucket"),
			AccessKey:    v.GetString("s3.access_key"),
			SecretKey:    v.GetString("s3.secret_key"),
			Region:       v.GetString("s3.region"),
			PathTemplate: v.GetString("path_template"),
		},
		Compression:      v.GetString("compression"),
		CompressionLevel: v.GetInt("compression_level"),
		Report: ReportConfig{
			Format: v.GetString("report.format"),
			Path:   v.GetString("report.path"),
			DSN:    v.GetString("report.dsn"),
			Table:  v.GetString("report.table"),
		},
	}
}

// runContext derives the run context from the signal context created in main()
func runContext() (context.Context, context.CancelFunc) {
	if signalContext != nil {
		return context.WithCancel(signalContext)
	}
	// Fallback if SetSignalContext wasn't called (shouldn't happen)
	logger.Warn("Signal context not set, creating fallback...")
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func logBanner(subtitle string) {
	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 Bucket Streamer v%s%s", Version, subtitle))
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

func runExport() {
	// Add panic recovery to catch any unexpected crashes
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n❌ PANIC: %v\n", r)
			os.Exit(exitFailure)
		}
	}()

	config := loadConfig(viper.GetViper())
	initLogger(config.Debug, config.LogFormat)

	if config.DryRun {
		os.Exit(runScanWith(config, " - Dry Run", true))
	}

	logBanner("")

	// Display stop instructions - only in debug mode
	// In TUI mode, printing to stderr corrupts the display
	if config.Debug && stopFilePath != "" {
		fmt.Fprintln(os.Stderr, "\n"+infoStyle.Render("💡 To stop the export: Press CTRL-C, or run:"))
		fmt.Fprintf(os.Stderr, "   "+infoStyle.Render("touch %s")+"\n\n", stopFilePath)
	}

	logger.Debug("Validating configuration...")
	if err := config.Validate(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		os.Exit(exitFailure)
	}
	logger.Debug("Configuration validated successfully")

	ctx, cancel := runContext()
	defer cancel()

	if stopFilePath != "" {
		if err := clearStopFile(stopFilePath); err != nil {
			logger.Warn(fmt.Sprintf("⚠️  Cannot remove stale stop file: %v", err))
		}
		go watchStopFile(ctx, stopFilePath, cancel, logger)
	}

	// Force-exit if tearing down the export processes takes too long
	exited := make(chan struct{})
	go func() {
		select {
		case <-exited:
			return
		case <-ctx.Done():
		}
		logger.Info("")
		logger.Info("⚠️  Interrupt received, stopping exports...")

		select {
		case <-exited:
		case <-time.After(shutdownGrace):
			logger.Error("⚠️  Graceful shutdown timed out, forcing exit...")
			os.Exit(exitCancelled)
		}
	}()

	streamer := NewStreamer(config, logger)
	logger.Debug(fmt.Sprintf("Starting run %s...", streamer.RunID()))

	summary, err := streamer.Run(ctx)
	close(exited)

	code := exitCode(summary, err)
	if code == exitOK && ctx.Err() != nil {
		code = exitCancelled
	}

	switch {
	case code == exitCancelled:
		logger.Info("")
		logger.Info("⚠️  Export cancelled")
	case err != nil:
		if errors.Is(err, ErrAlreadyRunning) {
			logger.Error(fmt.Sprintf("❌ %s (remove %s if it is stale)", err.Error(), GetPIDFilePath()))
		} else {
			logger.Error(fmt.Sprintf("❌ Export failed: %s", err.Error()))
		}
	case code == exitFailure:
		logger.Info("")
		logger.Error(fmt.Sprintf("❌ Export finished with %d failed buckets", summary.Failed))
	default:
		logger.Info("")
		logger.Info("✅ Export completed successfully!")
	}

	cancel()
	os.Exit(code)
}

func runScan() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n❌ PANIC: %v\n", r)
			os.Exit(exitFailure)
		}
	}()

	config := loadConfig(viper.GetViper())
	initLogger(config.Debug, config.LogFormat)
	os.Exit(runScanWith(config, " - Scan", false))
}

// runScanWith lists the eligible buckets and returns the exit code. A dry run
// validates the whole export configuration; a plain scan only needs the
// source, and shows destinations only when the rest is valid too.
func runScanWith(config *Config, subtitle string, dryRun bool) int {
	logBanner(subtitle)

	validate := config.ValidateSource
	if dryRun {
		validate = config.Validate
	}
	if err := validate(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return exitFailure
	}
	withDestinations := dryRun || config.Validate() == nil

	ctx, cancel := runContext()
	defer cancel()

	streamer := NewStreamer(config, logger)
	if _, err := streamer.Scan(ctx, withDestinations); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("")
			logger.Info("⚠️  Scan cancelled")
			return exitCancelled
		}
		logger.Error(fmt.Sprintf("❌ Scan failed: %s", err.Error()))
		return exitFailure
	}
	return exitOK
}
