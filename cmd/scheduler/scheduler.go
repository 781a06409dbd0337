package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/airframesio/bucket-streamer/cmd/buckets"
	"github.com/airframesio/bucket-streamer/cmd/transport"
)

// ErrInvalidWorkers is returned by New when the slot count is not positive.
var ErrInvalidWorkers = errors.New("workers must be at least 1")

// Exporter produces the decoded record stream of a bucket.
type Exporter interface {
	Export(ctx context.Context, b buckets.Bucket) (io.ReadCloser, error)
}

// Source yields the eligible buckets of a scan.
type Source interface {
	All() iter.Seq[buckets.Bucket]
	Stats() buckets.ScanStats
}

// Observer is told about job progress. Calls come from worker goroutines.
type Observer interface {
	Queued(jobs []Job)
	Started(job Job)
	Finished(job Job)
}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) Queued(jobs []Job) {
	for _, obs := range o {
		obs.Queued(jobs)
	}
}

func (o Observers) Started(job Job) {
	for _, obs := range o {
		obs.Started(job)
	}
}

func (o Observers) Finished(job Job) {
	for _, obs := range o {
		obs.Finished(job)
	}
}

// Config controls a Scheduler.
type Config struct {
	Workers  int
	RunID    string
	Observer Observer
}

// Scheduler exports buckets through a fixed number of worker slots.
type Scheduler struct {
	workers   int
	runID     string
	exporter  Exporter
	transport transport.Transport
	observer  Observer
	logger    *slog.Logger
}

// New creates a scheduler with config.Workers slots.
func New(config Config, exp Exporter, tr transport.Transport, logger *slog.Logger) (*Scheduler, error) {
	if config.Workers <= 0 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidWorkers, config.Workers)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	observer := config.Observer
	if observer == nil {
		observer = Observers(nil)
	}
	return &Scheduler{
		workers:   config.Workers,
		runID:     config.RunID,
		exporter:  exp,
		transport: tr,
		observer:  observer,
		logger:    logger,
	}, nil
}

// Run drains source into a FIFO queue and exports every bucket, at most
// Workers at a time. A failed job never affects its siblings. When ctx is
// cancelled running jobs are torn down and queued jobs are never started.
// Run returns only after every export process and connection is closed.
func (s *Scheduler) Run(ctx context.Context, source Source) *RunSummary {
	summary := newRunSummary(s.runID)

	jobs := s.enqueue(ctx, source)
	summary.recordScan(source.Stats(), len(jobs))

	queued := make([]Job, len(jobs))
	for i, job := range jobs {
		queued[i] = *job
	}
	s.observer.Queued(queued)

	if len(jobs) == 0 {
		summary.finish(jobs)
		return summary
	}

	s.logger.Info(fmt.Sprintf("📦 Exporting %d buckets with %d workers", len(jobs), s.workers))

	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			s.runJob(ctx, job, summary)
			return nil
		})
	}
	_ = g.Wait()

	summary.finish(jobs)
	return summary
}

func (s *Scheduler) enqueue(ctx context.Context, source Source) []*Job {
	var jobs []*Job
	for b := range source.All() {
		if ctx.Err() != nil {
			break
		}
		jobs = append(jobs, &Job{
			ID:          len(jobs) + 1,
			Bucket:      b,
			Destination: s.transport.Describe(b),
			State:       StateQueued,
		})
	}
	return jobs
}

func (s *Scheduler) runJob(ctx context.Context, job *Job, summary *RunSummary) {
	// A slot freed up after cancellation: leave the job queued.
	if ctx.Err() != nil {
		return
	}

	job.State = StateRunning
	job.StartTime = time.Now()
	summary.jobStarted()
	s.observer.Started(*job)
	s.logger.Debug(fmt.Sprintf("Exporting %s → %s", job.Bucket.Path, job.Destination))

	n, err := s.execute(ctx, job.Bucket)
	job.Bytes = n
	job.Duration = time.Since(job.StartTime)

	switch {
	case err == nil:
		job.State = StateSucceeded
		s.logger.Debug(fmt.Sprintf("✅ %s: %d bytes in %v", job.Bucket, n, job.Duration.Round(time.Millisecond)))
	case ctx.Err() != nil:
		job.State = StateCancelled
		job.Err = ctx.Err()
		job.Kind = KindCancelled
		s.logger.Debug(fmt.Sprintf("🛑 %s cancelled after %d bytes", job.Bucket, n))
	default:
		job.State = StateFailed
		job.Err = err
		job.Kind = KindOf(err)
		s.logger.Error(fmt.Sprintf("❌ %s failed (%s): %v", job.Bucket, job.Kind, err))
	}

	summary.jobFinished(job)
	s.observer.Finished(*job)
}

// execute runs export → connect → copy → close for one bucket. Both the
// export stream and the connection are closed before it returns.
func (s *Scheduler) execute(ctx context.Context, b buckets.Bucket) (int64, error) {
	stream, err := s.exporter.Export(ctx, b)
	if err != nil {
		return 0, err
	}

	n, sendErr := transport.Send(ctx, s.transport, b, stream)
	closeErr := stream.Close()
	if sendErr != nil {
		return n, sendErr
	}
	return n, closeErr
}
