// Package jobs is the process-wide registry of running migrations. It starts
// jobs on their own goroutine, routes stop requests to them and answers
// status and history queries once they are gone.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/pepperpark/mailshift/internal/eventlog"
	"github.com/pepperpark/mailshift/internal/metrics"
	"github.com/pepperpark/mailshift/internal/state"
	"github.com/pepperpark/mailshift/internal/syncer"
)

var (
	ErrDuplicateJob = errors.New("job already running")
	ErrNotFound     = errors.New("job not found")
	ErrShutdown     = errors.New("manager is shutting down")
)

// Runner executes one job to a terminal status. *syncer.MailboxSyncer
// implements it.
type Runner interface {
	Run(job *syncer.Job) syncer.Status
}

// JobStatus is the answer to a status query.
type JobStatus struct {
	Active bool   `json:"active"`
	Status string `json:"status"`
}

// Manager is the process-wide registry of running jobs.
type Manager struct {
	runner    Runner
	events    *eventlog.Log
	state     *state.State
	statePath string

	mu     sync.RWMutex
	jobs   map[string]*syncer.Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a registry. Cancelling ctx stops every job. st may be
// nil, in which case summaries are kept in memory only.
func NewManager(ctx context.Context, runner Runner, events *eventlog.Log, st *state.State, statePath string) *Manager {
	if st == nil {
		st = &state.State{}
		statePath = ""
	}
	managerCtx, cancel := context.WithCancel(ctx)
	return &Manager{
		runner:    runner,
		events:    events,
		state:     st,
		statePath: statePath,
		jobs:      make(map[string]*syncer.Job),
		ctx:       managerCtx,
		cancel:    cancel,
	}
}

// Start registers and launches a job. An empty cfg.ID gets a fresh UUID. The
// returned subscription is attached before the job runs, so it sees every
// event; it is closed after the terminal one.
func (m *Manager) Start(cfg syncer.Config) (*syncer.Job, *eventlog.Subscription, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if !eventlog.ValidJobID(cfg.ID) {
		return nil, nil, fmt.Errorf("%w: %q", eventlog.ErrInvalidJobID, cfg.ID)
	}

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return nil, nil, ErrShutdown
	}
	if _, exists := m.jobs[cfg.ID]; exists {
		m.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateJob, cfg.ID)
	}
	job := syncer.NewJob(m.ctx, cfg)
	m.jobs[job.ID] = job
	m.wg.Add(1)
	m.mu.Unlock()

	sub := m.events.Subscribe(job.ID)
	metrics.JobsActive.Inc()
	log.WithFields(log.Fields{
		"jobID":       job.ID,
		"source":      job.Config.Source.String(),
		"destination": job.Config.Destination.String(),
		"dryRun":      job.Config.DryRun,
	}).Info("Job started")

	go m.execute(job, sub)
	return job, sub, nil
}

// execute runs job and then closes sub, the stream handed out by Start. A
// later job reusing the id keeps its own stream.
func (m *Manager) execute(job *syncer.Job, sub *eventlog.Subscription) {
	defer m.wg.Done()
	status := m.runner.Run(job)

	p := job.Progress()
	m.state.Record(state.Summary{
		ID:        job.ID,
		Status:    string(status),
		Processed: p.Processed,
		Failed:    p.Failed,
		Bytes:     p.Bytes,
		Source:    job.Config.Source.String(),
		Dest:      job.Config.Destination.String(),
		DryRun:    job.Config.DryRun,
		Started:   job.Started(),
		Finished:  job.Finished(),
	})
	if err := m.state.Save(m.statePath); err != nil {
		log.WithError(err).WithField("jobID", job.ID).Warn("Failed to save job state")
	}

	m.mu.Lock()
	if m.jobs[job.ID] == job {
		delete(m.jobs, job.ID)
	}
	m.mu.Unlock()
	sub.Close()

	metrics.JobsActive.Dec()
	metrics.JobsFinishedTotal.WithLabelValues(string(status)).Inc()
	log.WithFields(log.Fields{
		"jobID":     job.ID,
		"status":    status,
		"processed": p.Processed,
		"failed":    p.Failed,
		"elapsed":   time.Since(job.Started()).Round(time.Millisecond),
	}).Info("Job finished")
}

// Stop asks a running job to stop. Unknown or finished ids are ignored. It
// reports whether a stop was requested by this call.
func (m *Manager) Stop(id string) bool {
	job := m.get(id)
	if job == nil {
		log.WithField("jobID", id).Debug("Stop for unknown job ignored")
		return false
	}
	requested, errs := job.Stop(func() {
		m.events.Info(id, "Stop requested.")
	})
	for _, err := range errs {
		log.WithError(err).WithField("jobID", id).Warn("Error closing connection on stop")
	}
	if requested {
		log.WithField("jobID", id).Info("Stop requested")
	}
	return requested
}

// Status reports whether id is running and its current or final status.
func (m *Manager) Status(id string) (JobStatus, error) {
	if job := m.get(id); job != nil {
		return JobStatus{Active: true, Status: string(job.Status())}, nil
	}
	if sum, ok := m.state.Get(id); ok {
		return JobStatus{Active: false, Status: sum.Status}, nil
	}
	if m.events.Exists(id) {
		return JobStatus{Active: false, Status: "unknown"}, nil
	}
	return JobStatus{}, ErrNotFound
}

// Logs returns the full recorded history of id.
func (m *Manager) Logs(id string) ([]eventlog.Event, error) {
	if !eventlog.ValidJobID(id) {
		return nil, ErrNotFound
	}
	if !m.events.Exists(id) && m.get(id) == nil {
		return nil, ErrNotFound
	}
	return m.events.ReadAll(id)
}

// Job returns the running job with id, or nil.
func (m *Manager) Job(id string) *syncer.Job {
	return m.get(id)
}

func (m *Manager) get(id string) *syncer.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

// Active returns the ids of every registered job.
func (m *Manager) Active() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until every started job has been deregistered.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown refuses new jobs, stops the running ones and waits for them until
// ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	log.Info("Shutting down job manager...")
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	for _, id := range m.Active() {
		m.Stop(id)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("Job manager shutdown complete")
		return nil
	case <-ctx.Done():
		log.Warn("Job manager shutdown timed out")
		return ctx.Err()
	}
}
