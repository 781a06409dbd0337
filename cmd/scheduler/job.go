package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/airframesio/bucket-streamer/cmd/buckets"
	"github.com/airframesio/bucket-streamer/cmd/exporter"
	"github.com/airframesio/bucket-streamer/cmd/transport"
)

// State is the lifecycle position of an export job.
type State int

const (
	StateQueued State = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ErrorKind is the reportable class of a job failure.
type ErrorKind string

const (
	KindNone            ErrorKind = ""
	KindMissingMetadata ErrorKind = "MissingMetadata"
	KindBinaryNotFound  ErrorKind = "BinaryNotFound"
	KindNonZeroExit     ErrorKind = "NonZeroExit"
	KindIOError         ErrorKind = "IOError"
	KindConnectError    ErrorKind = "ConnectError"
	KindWriteError      ErrorKind = "WriteError"
	KindCancelled       ErrorKind = "Cancelled"
	KindUnknown         ErrorKind = "Unknown"
)

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, exporter.ErrMissingMetadata):
		return KindMissingMetadata
	case errors.Is(err, exporter.ErrBinaryNotFound):
		return KindBinaryNotFound
	case errors.Is(err, exporter.ErrNonZeroExit):
		return KindNonZeroExit
	case errors.Is(err, transport.ErrConnect):
		return KindConnectError
	case errors.Is(err, transport.ErrWrite):
		return KindWriteError
	case errors.Is(err, exporter.ErrIO):
		return KindIOError
	default:
		return KindUnknown
	}
}

// Job is one bucket's export.
type Job struct {
	ID          int
	Bucket      buckets.Bucket
	Destination string
	State       State
	Err         error
	Kind        ErrorKind
	Bytes       int64
	StartTime   time.Time
	Duration    time.Duration
}

// NotStarted reports whether the job was never dispatched.
func (j Job) NotStarted() bool {
	return j.State == StateQueued
}
