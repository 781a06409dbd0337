package buckets

import (
	"errors"
	"fmt"
	"math"
)

// Kind classifies a bucket directory by its naming convention.
type Kind int

const (
	KindUnknown Kind = iota
	KindPrimary
	KindReplica
	KindHot
)

func (k Kind) String() string {
	switch k {
	case KindPrimary:
		return "primary"
	case KindReplica:
		return "replica"
	case KindHot:
		return "hot"
	default:
		return "unknown"
	}
}

// Bucket is one on-disk, time-partitioned directory of indexed events.
// Earliest and Latest are epoch seconds taken from the directory name.
type Bucket struct {
	Path     string
	Name     string
	Index    string
	Earliest int64
	Latest   int64
	Kind     Kind
}

// Eligible reports whether the bucket may be exported at all.
// Replica copies would duplicate data and hot buckets are still being written.
func (b Bucket) Eligible() bool {
	return b.Kind == KindPrimary
}

// span returns the half-open interval covered by the bucket. A bucket whose
// earliest and latest times are equal covers one second.
func (b Bucket) span() (int64, int64) {
	end := b.Latest
	if end <= b.Earliest {
		end = b.Earliest + 1
	}
	return b.Earliest, end
}

func (b Bucket) String() string {
	if b.Index == "" {
		return b.Name
	}
	return b.Index + "/" + b.Name
}

// ErrWindowInvalid is returned when a time window is empty or inverted.
var ErrWindowInvalid = errors.New("time window start must be before end")

// TimeWindow is the half-open interval [Start, End) in epoch seconds.
type TimeWindow struct {
	Start int64
	End   int64
}

// NewTimeWindow builds a window from optional bounds. A zero start means
// "from the beginning" and a zero end means "unbounded".
func NewTimeWindow(start, end int64) (*TimeWindow, error) {
	if end == 0 {
		end = math.MaxInt64
	}
	if start >= end {
		return nil, fmt.Errorf("%w: [%d, %d)", ErrWindowInvalid, start, end)
	}
	return &TimeWindow{Start: start, End: end}, nil
}

// Includes reports whether the bucket's time range intersects the window.
// A nil window includes everything.
func (w *TimeWindow) Includes(b Bucket) bool {
	if w == nil {
		return true
	}
	earliest, latest := b.span()
	return earliest < w.End && w.Start < latest
}

func (w *TimeWindow) String() string {
	if w == nil {
		return "unbounded"
	}
	if w.End == math.MaxInt64 {
		return fmt.Sprintf("[%d, ∞)", w.Start)
	}
	return fmt.Sprintf("[%d, %d)", w.Start, w.End)
}
