package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/airframesio/bucket-streamer/cmd/scheduler"
)

// ErrAlreadyRunning is returned when another live run holds the PID file.
var ErrAlreadyRunning = errors.New("another bucket-streamer run is already in progress")

const stateDirName = ".bucket-streamer"

// RunStatus is the live progress of the current run, for external monitors.
type RunStatus struct {
	PID          int       `json:"pid"`
	RunID        string    `json:"run_id"`
	StartTime    time.Time `json:"start_time"`
	Mode         string    `json:"mode"`
	Destination  string    `json:"destination"`
	Workers      int       `json:"workers"`
	TotalBuckets int       `json:"total_buckets"`
	Running      []string  `json:"running"`
	Succeeded    int       `json:"succeeded"`
	Failed       int       `json:"failed"`
	Cancelled    int       `json:"cancelled"`
	BytesSent    int64     `json:"bytes_sent"`
	Progress     float64   `json:"progress"`
	LastUpdate   time.Time `json:"last_update"`
}

// GetStateDir returns the directory holding the PID, status, and stop files
func GetStateDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, stateDirName)
}

// GetPIDFilePath returns the path to the PID file
func GetPIDFilePath() string {
	return filepath.Join(GetStateDir(), "streamer.pid")
}

// GetStatusFilePath returns the path to the live status file
func GetStatusFilePath() string {
	return filepath.Join(GetStateDir(), "current_run.json")
}

// GetStopFilePath returns the path that cancels a run when touched
func GetStopFilePath() string {
	return filepath.Join(GetStateDir(), "stop")
}

// RemovePIDFile removes the PID file
func RemovePIDFile() error {
	return os.Remove(GetPIDFilePath())
}

// ReadPIDFile reads the PID from file
func ReadPIDFile() (int, error) {
	data, err := os.ReadFile(GetPIDFilePath())
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}
	return pid, nil
}

// IsProcessRunning checks if a process with given PID is running
func IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 performs the existence check without delivering anything
	return process.Signal(syscall.Signal(0)) == nil
}

// AcquireRunLock claims the PID file for this process. A PID file left by a
// dead process is taken over.
func AcquireRunLock() (release func(), err error) {
	pidPath := GetPIDFilePath()
	if err := os.MkdirAll(filepath.Dir(pidPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	for attempt := 0; ; attempt++ {
		err := createPIDFile(pidPath)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("failed to write PID file: %w", err)
		}

		held, pid := heldPIDFile(pidPath)
		if held {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		if attempt > 0 {
			return nil, fmt.Errorf("%w: PID file %s keeps reappearing", ErrAlreadyRunning, pidPath)
		}
	}

	return func() {
		_ = RemovePIDFile()
		_ = RemoveStatusFile()
	}, nil
}

// createPIDFile publishes a PID file holding our PID. The link fails if
// the path already exists, so readers never see an empty lock.
func createPIDFile(pidPath string) error {
	tmp, err := os.CreateTemp(filepath.Dir(pidPath), ".streamer.pid.*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Link(tmp.Name(), pidPath)
}

// heldPIDFile reports whether the existing PID file belongs to a live
// process. A stale or unreadable file is removed, unless another process
// replaced it in the meantime.
func heldPIDFile(pidPath string) (bool, int) {
	before, err := os.Stat(pidPath)
	if err != nil {
		return false, 0
	}
	pid, err := ReadPIDFile()
	if err == nil && IsProcessRunning(pid) {
		return true, pid
	}
	if after, err := os.Stat(pidPath); err == nil && os.SameFile(before, after) {
		_ = os.Remove(pidPath)
	}
	return false, pid
}

// WriteRunStatus writes the live run status to file
func WriteRunStatus(status *RunStatus) error {
	statusPath := GetStatusFilePath()
	if err := os.MkdirAll(filepath.Dir(statusPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	status.LastUpdate = time.Now()

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run status: %w", err)
	}

	// Monitors must never read a half-written file.
	tmp := statusPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, statusPath)
}

// ReadRunStatus reads the live run status from file
func ReadRunStatus() (*RunStatus, error) {
	data, err := os.ReadFile(GetStatusFilePath())
	if err != nil {
		return nil, err
	}

	var status RunStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run status: %w", err)
	}
	return &status, nil
}

// RemoveStatusFile removes the live status file
func RemoveStatusFile() error {
	return os.Remove(GetStatusFilePath())
}

// statusObserver mirrors scheduler events into the status file.
type statusObserver struct {
	mu      sync.Mutex
	status  RunStatus
	running map[int]string
	onError func(error)
}

func newStatusObserver(status RunStatus, onError func(error)) *statusObserver {
	status.PID = os.Getpid()
	if onError == nil {
		onError = func(error) {}
	}
	return &statusObserver{
		status:  status,
		running: make(map[int]string),
		onError: onError,
	}
}

func (o *statusObserver) Queued(jobs []scheduler.Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status.TotalBuckets = len(jobs)
	o.flush()
}

func (o *statusObserver) Started(job scheduler.Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running[job.ID] = job.Bucket.Name
	o.flush()
}

func (o *statusObserver) Finished(job scheduler.Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, job.ID)
	switch job.State {
	case scheduler.StateSucceeded:
		o.status.Succeeded++
	case scheduler.StateFailed:
		o.status.Failed++
	case scheduler.StateCancelled:
		o.status.Cancelled++
	}
	o.status.BytesSent += job.Bytes
	o.flush()
}

// flush must be called with mu held.
func (o *statusObserver) flush() {
	o.status.Running = make([]string, 0, len(o.running))
	for _, name := range o.running {
		o.status.Running = append(o.status.Running, name)
	}
	slices.Sort(o.status.Running)

	done := o.status.Succeeded + o.status.Failed + o.status.Cancelled
	if o.status.TotalBuckets > 0 {
		o.status.Progress = float64(done) / float64(o.status.TotalBuckets) * 100
	}
	if err := WriteRunStatus(&o.status); err != nil {
		o.onError(err)
	}
}
