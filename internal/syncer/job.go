package syncer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/pepperpark/mailshift/internal/mailstore"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending               Status = "pending"
	StatusConnectingSource      Status = "connecting_source"
	StatusConnectingDestination Status = "connecting_destination"
	StatusScanning              Status = "scanning"
	StatusSyncing               Status = "syncing"
	StatusStopping              Status = "stopping"
	StatusCompleted             Status = "completed"
	StatusFailed                Status = "failed"
	StatusStopped               Status = "stopped"
)

var statusRank = map[Status]int{
	StatusPending:               0,
	StatusConnectingSource:      1,
	StatusConnectingDestination: 2,
	StatusScanning:              3,
	StatusSyncing:               4,
	StatusStopping:              5,
	StatusCompleted:             6,
	StatusFailed:                6,
	StatusStopped:               6,
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// Config is the immutable description of one migration.
type Config struct {
	ID          string
	Source      mailstore.Endpoint
	Destination mailstore.Endpoint
	Concurrency int
	DryRun      bool
	// Since limits the migration to messages with an internal date at or
	// after it. Zero means all messages.
	Since    time.Time
	Exclude  []string
	Map      map[string]string
	SmartMap bool
}

func (c Config) clone() Config {
	out := c
	out.Exclude = append([]string(nil), c.Exclude...)
	if c.Map != nil {
		out.Map = make(map[string]string, len(c.Map))
		for k, v := range c.Map {
			out.Map[k] = v
		}
	}
	if out.Concurrency < 1 {
		out.Concurrency = 1
	}
	return out
}

// Progress is a point-in-time view of a job's counters.
type Progress struct {
	Status      Status `json:"status"`
	Folder      string `json:"folder,omitempty"`
	FolderTotal int64  `json:"folder_total"`
	FolderDone  int64  `json:"folder_done"`
	Processed   int64  `json:"processed"`
	Failed      int64  `json:"failed"`
	Bytes       int64  `json:"bytes"`
}

// Job is the record of one migration run. Its counters are written by the
// scheduler's workers; Stop may be called from anywhere.
type Job struct {
	ID     string
	Config Config

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	done    chan struct{}
	// ending orders a stop announcement against the terminal event.
	ending sync.Mutex

	mu       sync.Mutex
	status   Status
	conns    []mailstore.Store
	started  time.Time
	finished time.Time

	processed   atomic.Int64
	failed      atomic.Int64
	bytes       atomic.Int64
	folder      atomic.String
	folderTotal atomic.Int64
	folderDone  atomic.Int64
}

// NewJob snapshots cfg. Cancelling parent cancels the job.
func NewJob(parent context.Context, cfg Config) *Job {
	ctx, cancel := context.WithCancel(parent)
	cfg = cfg.clone()
	return &Job{
		ID:      cfg.ID,
		Config:  cfg,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		status:  StatusPending,
		started: time.Now(),
	}
}

// Status returns the job's current lifecycle state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// setStatus moves the job forward. Backward moves and moves out of a terminal
// status are ignored.
func (j *Job) setStatus(s Status) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() || statusRank[s] < statusRank[j.status] {
		return false
	}
	if s.Terminal() {
		j.finished = time.Now()
	}
	j.status = s
	return true
}

// Cancelled reports whether the job should stop at the next check-point.
func (j *Job) Cancelled() bool {
	return j.stopped.Load() || j.ctx.Err() != nil
}

// Stop requests cancellation and force-closes the job's connections so that
// blocked I/O returns. announce, if set, runs before cancellation and never
// after the job's terminal event. Stop reports whether this call made the
// request, plus any errors from closing.
func (j *Job) Stop(announce func()) (bool, []error) {
	j.ending.Lock()
	if j.Status().Terminal() || j.stopped.Swap(true) {
		j.ending.Unlock()
		return false, nil
	}
	if announce != nil {
		announce()
	}
	j.cancel()
	j.mu.Lock()
	j.status = StatusStopping
	conns := append([]mailstore.Store(nil), j.conns...)
	j.mu.Unlock()
	j.ending.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return true, errs
}

// own hands a connection to the job. A job already stopped closes it at once.
func (j *Job) own(s mailstore.Store) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stopped.Load() {
		_ = s.Close()
		return false
	}
	j.conns = append(j.conns, s)
	return true
}

func (j *Job) connections() []mailstore.Store {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]mailstore.Store(nil), j.conns...)
}

func (j *Job) beginFolder(name string, total int) {
	j.folder.Store(name)
	j.folderTotal.Store(int64(total))
	j.folderDone.Store(0)
}

// Progress returns a snapshot of the job's counters.
func (j *Job) Progress() Progress {
	return Progress{
		Status:      j.Status(),
		Folder:      j.folder.Load(),
		FolderTotal: j.folderTotal.Load(),
		FolderDone:  j.folderDone.Load(),
		Processed:   j.processed.Load(),
		Failed:      j.failed.Load(),
		Bytes:       j.bytes.Load(),
	}
}

// Started and Finished bound the run; Finished is zero until terminal.
func (j *Job) Started() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.started
}

func (j *Job) Finished() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finished
}

// Done is closed once Run has returned and the connections are logged out.
func (j *Job) Done() <-chan struct{} {
	return j.done
}
