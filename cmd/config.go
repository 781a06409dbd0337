package cmd

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/airframesio/bucket-streamer/cmd/buckets"
	"github.com/airframesio/bucket-streamer/cmd/compressors"
	"github.com/airframesio/bucket-streamer/cmd/exporter"
	"github.com/airframesio/bucket-streamer/cmd/reporters"
	"github.com/airframesio/bucket-streamer/cmd/transport"
)

// Static errors for configuration validation
var (
	ErrWorkersMinimum          = errors.New("workers must be at least 1")
	ErrWorkersMaximum          = errors.New("workers must not exceed 1000")
	ErrRootRequired            = errors.New("bucket root is required")
	ErrBucketListRequired      = errors.New("bucket list file is required for the list layout")
	ErrBucketListUnreadable    = errors.New("bucket list file is not readable")
	ErrLayoutInvalid           = errors.New("layout must be one of: flat, smartstore, list")
	ErrWindowNegative          = errors.New("time window bounds must be >= 0")
	ErrWindowInvalid           = errors.New("time window earliest must be before latest")
	ErrExportBinaryRequired    = errors.New("export binary is required")
	ErrExportArgsInvalid       = errors.New("export arguments must contain the {bucket} placeholder")
	ErrModeInvalid             = errors.New("mode must be one of: tcp, tls, file, s3")
	ErrHostRequired            = errors.New("destination host is required")
	ErrPortInvalid             = errors.New("destination port must be between 1 and 65535")
	ErrSourcePortWorkers       = errors.New("a fixed source port requires workers = 1")
	ErrSourceAddrInvalid       = errors.New("source address port is invalid")
	ErrTimeoutInvalid          = errors.New("dial and write timeouts must be >= 0")
	ErrOutputDirRequired       = errors.New("output directory is required for file mode")
	ErrS3EndpointRequired      = errors.New("S3 endpoint is required")
	ErrS3BucketRequired        = errors.New("S3 bucket is required")
	ErrS3AccessKeyRequired     = errors.New("S3 access key is required")
	ErrS3SecretKeyRequired     = errors.New("S3 secret key is required")
	ErrS3RegionInvalid         = errors.New("S3 region contains invalid characters or is too long")
	ErrPathTemplateInvalid     = errors.New("path template must contain {bucket} placeholder")
	ErrCompressionInvalid      = errors.New("compression must be one of: zstd, lz4, gzip, none")
	ErrCompressionLevelInvalid = errors.New("compression level must be between 1 and 22 (zstd), 1-9 (lz4/gzip), or 0 for the default")
	ErrReportFormatInvalid     = errors.New("report format must be one of: jsonl, csv, parquet, postgres")
	ErrReportPathRequired      = errors.New("report path is required for file report formats")
	ErrReportDSNRequired       = errors.New("report DSN is required for the postgres report format")
	ErrReportTableInvalid      = errors.New("report table name is invalid: must be 1-58 characters, start with a letter or underscore, and contain only letters, numbers, and underscores")
)

const (
	regionAuto = "auto"
	maxWorkers = 1000
)

// appFs is the filesystem buckets are scanned from. Tests swap it for an
// in-memory one.
var appFs = afero.NewOsFs()

type Config struct {
	Debug            bool
	LogFormat        string
	DryRun           bool
	Workers          int
	Source           SourceConfig
	Earliest         int64 // epoch seconds, 0 = unbounded
	Latest           int64 // epoch seconds, 0 = unbounded
	Export           ExportConfig
	Mode             string
	Destination      DestinationConfig
	File             FileConfig
	S3               S3Config
	Compression      string
	CompressionLevel int
	Report           ReportConfig
}

type SourceConfig struct {
	Root       string
	Layout     string
	BucketList string
}

type ExportConfig struct {
	Binary           string
	Args             []string
	MetadataPatterns []string
}

type DestinationConfig struct {
	Host          string
	Port          int
	SourceAddr    string
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	TLSCAFile     string
	TLSServerName string
	TLSSkipVerify bool
}

type FileConfig struct {
	OutputDir    string
	PathTemplate string
}

type S3Config struct {
	Endpoint     string
	Bucket       string
	AccessKey    string
	SecretKey    string
	Region       string
	PathTemplate string
}

type ReportConfig struct {
	Format string
	Path   string
	DSN    string
	Table  string
}

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}

	// Region should only contain alphanumeric, dash, and underscore
	matched, _ := regexp.MatchString(`^[a-zA-Z0-9_-]+$`, region)
	return matched
}

// isValidPathTemplate validates that a path template contains required placeholders.
// An empty template falls back to the default one.
func isValidPathTemplate(template string) bool {
	if template == "" {
		return true
	}
	return transport.NewPathTemplate(template).HasBucketPlaceholder()
}

// isValidMode validates the transport mode
func isValidMode(mode string) bool {
	switch transport.Mode(mode) {
	case transport.ModeTCP, transport.ModeTLS, transport.ModeFile, transport.ModeS3:
		return true
	default:
		return false
	}
}

// isValidReportFormat validates the run report format
func isValidReportFormat(format string) bool {
	validFormats := map[string]bool{
		reporters.FormatJSONL:    true,
		reporters.FormatCSV:      true,
		reporters.FormatParquet:  true,
		reporters.FormatPostgres: true,
	}
	return validFormats[format]
}

// isValidCompressionLevel validates compression level based on compression type.
// Level 0 selects the codec default.
func isValidCompressionLevel(compression string, level int) bool {
	c, err := compressors.GetCompressor(compression)
	if err != nil {
		return false
	}
	return level == 0 || c.ValidLevel(level)
}

// sourcePort extracts the fixed local port of a source address, if any.
func sourcePort(addr string) (int, error) {
	if addr == "" {
		return 0, nil
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		// A bare IP or interface name binds an ephemeral port.
		return 0, nil //nolint:nilerr // no port component
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return 0, fmt.Errorf("%w: '%s'", ErrSourceAddrInvalid, addr)
	}
	return n, nil
}

// Window returns the configured time window, or nil when both bounds are open.
func (c *Config) Window() (*buckets.TimeWindow, error) {
	if c.Earliest == 0 && c.Latest == 0 {
		return nil, nil
	}
	return buckets.NewTimeWindow(c.Earliest, c.Latest)
}

func (c *Config) isStreaming() bool {
	return c.Mode == string(transport.ModeTCP) || c.Mode == string(transport.ModeTLS)
}

// ValidateSource checks only what a scan needs: the bucket source and the
// time window.
func (c *Config) ValidateSource() error {
	// Validate bucket source
	layout, err := buckets.ParseLayout(c.Source.Layout)
	if err != nil {
		return fmt.Errorf("%w: '%s'", ErrLayoutInvalid, c.Source.Layout)
	}
	if layout == buckets.LayoutList {
		if c.Source.BucketList == "" {
			return ErrBucketListRequired
		}
		if _, err := appFs.Stat(c.Source.BucketList); err != nil {
			return fmt.Errorf("%w: %w", ErrBucketListUnreadable, err)
		}
	} else {
		if c.Source.Root == "" {
			return ErrRootRequired
		}
		ok, err := afero.DirExists(appFs, c.Source.Root)
		if err != nil || !ok {
			return fmt.Errorf("%w: %s", buckets.ErrRootUnreadable, c.Source.Root)
		}
	}

	// Validate time window
	if c.Earliest < 0 || c.Latest < 0 {
		return fmt.Errorf("%w, got [%d, %d)", ErrWindowNegative, c.Earliest, c.Latest)
	}
	if c.Latest != 0 && c.Earliest >= c.Latest {
		return fmt.Errorf("%w, got [%d, %d)", ErrWindowInvalid, c.Earliest, c.Latest)
	}

	return nil
}

//nolint:gocognit,gocyclo // flat list of independent checks
func (c *Config) Validate() error {
	// Validate workers count
	if c.Workers < 1 {
		return fmt.Errorf("%w, got %d", ErrWorkersMinimum, c.Workers)
	}
	if c.Workers > maxWorkers {
		return fmt.Errorf("%w, got %d", ErrWorkersMaximum, c.Workers)
	}

	if err := c.ValidateSource(); err != nil {
		return err
	}

	// Validate export binary invocation
	if c.Export.Binary == "" {
		return ErrExportBinaryRequired
	}
	if len(c.Export.Args) > 0 && !slices.ContainsFunc(c.Export.Args, func(arg string) bool {
		return strings.Contains(arg, exporter.BucketPlaceholder)
	}) {
		return fmt.Errorf("%w: %v", ErrExportArgsInvalid, c.Export.Args)
	}

	// Validate destination
	if !isValidMode(c.Mode) {
		return fmt.Errorf("%w: '%s'", ErrModeInvalid, c.Mode)
	}

	switch transport.Mode(c.Mode) {
	case transport.ModeTCP, transport.ModeTLS:
		if c.Destination.Host == "" {
			return ErrHostRequired
		}
		if c.Destination.Port < 1 || c.Destination.Port > 65535 {
			return fmt.Errorf("%w, got %d", ErrPortInvalid, c.Destination.Port)
		}
		port, err := sourcePort(c.Destination.SourceAddr)
		if err != nil {
			return err
		}
		// Only one socket can hold a fixed local port at a time.
		if port != 0 && c.Workers != 1 {
			return fmt.Errorf("%w, got %d workers", ErrSourcePortWorkers, c.Workers)
		}
		if c.Destination.DialTimeout < 0 || c.Destination.WriteTimeout < 0 {
			return ErrTimeoutInvalid
		}

	case transport.ModeFile:
		if c.File.OutputDir == "" {
			return ErrOutputDirRequired
		}
		if !isValidPathTemplate(c.File.PathTemplate) {
			return fmt.Errorf("%w: '%s'", ErrPathTemplateInvalid, c.File.PathTemplate)
		}

	case transport.ModeS3:
		if c.S3.Endpoint == "" {
			return ErrS3EndpointRequired
		}
		if c.S3.Bucket == "" {
			return ErrS3BucketRequired
		}
		if c.S3.AccessKey == "" {
			return ErrS3AccessKeyRequired
		}
		if c.S3.SecretKey == "" {
			return ErrS3SecretKeyRequired
		}
		if c.S3.Region != "" && c.S3.Region != regionAuto && !isValidRegion(c.S3.Region) {
			return fmt.Errorf("%w: %s", ErrS3RegionInvalid, c.S3.Region)
		}
		if !isValidPathTemplate(c.S3.PathTemplate) {
			return fmt.Errorf("%w: '%s'", ErrPathTemplateInvalid, c.S3.PathTemplate)
		}
	}

	// Streams are relayed verbatim, so compression only applies to file and s3.
	if !c.isStreaming() {
		if _, err := compressors.GetCompressor(c.Compression); err != nil {
			return fmt.Errorf("%w: '%s'", ErrCompressionInvalid, c.Compression)
		}
		if !isValidCompressionLevel(c.Compression, c.CompressionLevel) {
			return fmt.Errorf("%w for compression %s: got %d", ErrCompressionLevelInvalid, c.Compression, c.CompressionLevel)
		}
	}

	// Validate run report
	if c.Report.Format != "" {
		if !isValidReportFormat(c.Report.Format) {
			return fmt.Errorf("%w: '%s'", ErrReportFormatInvalid, c.Report.Format)
		}
		if c.Report.Format == reporters.FormatPostgres {
			if c.Report.DSN == "" {
				return ErrReportDSNRequired
			}
			if c.Report.Table != "" && !reporters.IsValidTableName(c.Report.Table) {
				return fmt.Errorf("%w: '%s'", ErrReportTableInvalid, c.Report.Table)
			}
		} else if c.Report.Path == "" {
			return ErrReportPathRequired
		}
	}

	return nil
}
