package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"

	"github.com/airframesio/bucket-streamer/cmd/buckets"
	"github.com/airframesio/bucket-streamer/cmd/compressors"
)

const regionAuto = "auto"

// S3Config describes an S3-compatible object store destination.
type S3Config struct {
	Endpoint         string
	Bucket           string
	AccessKey        string
	SecretKey        string
	Region           string
	PathTemplate     string
	Compression      string
	CompressionLevel int
	PartSize         int64
}

// S3Transport uploads each bucket as one object, streamed through a pipe.
type S3Transport struct {
	bucket     string
	endpoint   string
	template   *PathTemplate
	compressor compressors.Compressor
	level      int
	uploader   s3manageriface.UploaderAPI
}

// NewS3 builds an S3 transport from static credentials.
func NewS3(config S3Config) (*S3Transport, error) {
	sessConfig := &aws.Config{
		Endpoint:         aws.String(config.Endpoint),
		Region:           aws.String(config.Region),
		Credentials:      credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	}

	// For "auto" region, use us-east-1 as fallback (required by SDK)
	if config.Region == regionAuto || config.Region == "" {
		sessConfig.Region = aws.String("us-east-1")
	}

	sess, err := session.NewSession(sessConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}

	uploader := s3manager.NewUploader(sess, func(u *s3manager.Uploader) {
		if config.PartSize > 0 {
			u.PartSize = config.PartSize
		}
		// Parallelism comes from the worker pool, not from each upload.
		u.Concurrency = 1
	})

	return NewS3WithUploader(config, uploader)
}

// NewS3WithUploader builds an S3 transport around an existing uploader.
func NewS3WithUploader(config S3Config, uploader s3manageriface.UploaderAPI) (*S3Transport, error) {
	compressor, err := compressors.GetCompressor(config.Compression)
	if err != nil {
		return nil, err
	}
	return &S3Transport{
		bucket:     config.Bucket,
		endpoint:   config.Endpoint,
		template:   NewPathTemplate(config.PathTemplate),
		compressor: compressor,
		level:      config.CompressionLevel,
		uploader:   uploader,
	}, nil
}

// Key returns the object key for bucket b.
func (t *S3Transport) Key(b buckets.Bucket) string {
	return t.template.Generate(b) + DefaultExtension + t.compressor.Extension()
}

func (t *S3Transport) Describe(b buckets.Bucket) string {
	return fmt.Sprintf("s3://%s/%s", t.bucket, t.Key(b))
}

// Open starts a streaming upload. The connection to the store is made lazily
// by the uploader, so an unreachable endpoint surfaces as a write error.
func (t *S3Transport) Open(ctx context.Context, b buckets.Bucket) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)

	key := t.Key(b)
	go func() {
		_, err := t.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:      aws.String(t.bucket),
			Key:         aws.String(key),
			Body:        pr,
			ContentType: aws.String(contentType(t.compressor)),
		})
		// Unblock the writer if the upload stopped reading early.
		pr.CloseWithError(uploadStopped(err))
		done <- err
	}()

	cw, err := t.compressor.NewWriter(pw, t.level)
	if err != nil {
		pw.CloseWithError(err)
		<-done
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	return &s3Writer{pipe: pw, codec: cw, done: done}, nil
}

func uploadStopped(err error) error {
	if err == nil {
		return io.ErrClosedPipe
	}
	return err
}

func contentType(c compressors.Compressor) string {
	switch c.Extension() {
	case ".gz":
		return "application/gzip"
	case ".zst":
		return "application/zstd"
	case ".lz4":
		return "application/x-lz4"
	default:
		return "text/csv"
	}
}

type s3Writer struct {
	mu    sync.Mutex
	pipe  *io.PipeWriter
	codec io.WriteCloser
	done  chan error
	once  sync.Once
	err   error
}

func (w *s3Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.codec.Write(p)
}

// Close finishes the object and waits for the upload to complete.
func (w *s3Writer) Close() error {
	w.once.Do(func() {
		w.mu.Lock()
		defer w.mu.Unlock()

		if err := w.codec.Close(); err != nil {
			w.pipe.CloseWithError(err)
			<-w.done
			w.err = fmt.Errorf("failed to finish compression: %w", err)
			return
		}
		w.pipe.Close()
		if err := <-w.done; err != nil {
			w.err = fmt.Errorf("upload failed: %w", err)
		}
	})
	return w.err
}

// Abort fails the pipe so the uploader abandons the object.
func (w *s3Writer) Abort(err error) {
	if err == nil {
		err = io.ErrClosedPipe
	}
	w.once.Do(func() {
		// Closing the pipe first releases a Write blocked on the uploader.
		w.pipe.CloseWithError(err)
		w.mu.Lock()
		defer w.mu.Unlock()
		_ = w.codec.Close()
		<-w.done
		w.err = err
	})
}
