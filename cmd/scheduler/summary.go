package scheduler

import (
	"sync"
	"time"

	"github.com/airframesio/bucket-streamer/cmd/buckets"
)

// RunSummary is the outcome of one run.
type RunSummary struct {
	RunID     string
	StartTime time.Time
	EndTime   time.Time

	Discovered  int
	Skipped     map[buckets.Kind]int
	OutOfWindow int
	ScanErrors  int

	Eligible   int
	Succeeded  int
	Failed     int
	Cancelled  int
	NotStarted int
	BytesSent  int64

	// PeakRunning is the highest number of jobs observed running at once.
	PeakRunning int

	// Jobs holds the final state of every job in dispatch order.
	Jobs []Job

	mu      sync.Mutex
	running int
}

func newRunSummary(runID string) *RunSummary {
	return &RunSummary{
		RunID:     runID,
		StartTime: time.Now(),
		Skipped:   make(map[buckets.Kind]int),
	}
}

func (s *RunSummary) recordScan(stats buckets.ScanStats, eligible int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Discovered = stats.Discovered
	for kind, n := range stats.Skipped {
		s.Skipped[kind] = n
	}
	s.OutOfWindow = stats.OutOfWindow
	s.ScanErrors = stats.Errors
	s.Eligible = eligible
}

func (s *RunSummary) jobStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running++
	if s.running > s.PeakRunning {
		s.PeakRunning = s.running
	}
}

func (s *RunSummary) jobFinished(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running--
	s.BytesSent += job.Bytes
	switch job.State {
	case StateSucceeded:
		s.Succeeded++
	case StateFailed:
		s.Failed++
	case StateCancelled:
		s.Cancelled++
	}
}

func (s *RunSummary) finish(jobs []*Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Jobs = make([]Job, len(jobs))
	for i, job := range jobs {
		if job.NotStarted() {
			s.NotStarted++
		}
		s.Jobs[i] = *job
	}
	s.EndTime = time.Now()
}

// Failures returns the failed jobs in dispatch order.
func (s *RunSummary) Failures() []Job {
	var failed []Job
	for _, job := range s.Jobs {
		if job.State == StateFailed {
			failed = append(failed, job)
		}
	}
	return failed
}

// Interrupted reports whether cancellation cut the run short.
func (s *RunSummary) Interrupted() bool {
	return s.Cancelled > 0 || s.NotStarted > 0
}

// OK reports whether every started job succeeded.
func (s *RunSummary) OK() bool {
	return s.Failed == 0
}

// Duration is the wall time of the run.
func (s *RunSummary) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// SkippedTotal sums the skipped counts over all kinds.
func (s *RunSummary) SkippedTotal() int {
	total := 0
	for _, n := range s.Skipped {
		total += n
	}
	return total
}
