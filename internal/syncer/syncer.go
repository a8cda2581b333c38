package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pepperpark/mailshift/internal/eventlog"
	"github.com/pepperpark/mailshift/internal/mailstore"
	"github.com/pepperpark/mailshift/internal/metrics"
	"github.com/pepperpark/mailshift/internal/resolver"
	"github.com/pepperpark/mailshift/internal/stats"
)

var errStoppedWhileConnecting = errors.New("stopped while connecting")

// Options tune every job a MailboxSyncer runs.
type Options struct {
	// ConnectTimeout bounds each connect+login. Zero means no limit.
	ConnectTimeout time.Duration
	// MaxConcurrency caps a job's requested concurrency. Zero means no cap.
	MaxConcurrency int
}

// MailboxSyncer drives jobs through connect, resolve, scan and transfer.
// One MailboxSyncer serves any number of concurrent jobs.
type MailboxSyncer struct {
	dial   mailstore.Dialer
	events Emitter
	stats  *stats.Stats
	opts   Options
}

// NewMailboxSyncer returns a syncer dialing through dial and narrating to
// events. A nil st gets a private counter set.
func NewMailboxSyncer(dial mailstore.Dialer, events Emitter, st *stats.Stats, opts Options) *MailboxSyncer {
	if st == nil {
		st = stats.New()
	}
	return &MailboxSyncer{dial: dial, events: events, stats: st, opts: opts}
}

// Run executes job to a terminal status and returns it. Connections are
// logged out and Done is closed before Run returns. A panic during setup
// fails the job instead of escaping.
func (m *MailboxSyncer) Run(job *Job) (status Status) {
	defer close(job.done)
	defer m.logout(job)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("jobID", job.ID).Errorf("Job panicked: %v", r)
			m.transition(job, StatusFailed, eventlog.Event{Message: fmt.Sprintf("Critical Error: %v", r), IsError: true})
			status = job.Status()
		}
	}()
	return m.run(job)
}

func (m *MailboxSyncer) run(job *Job) Status {
	cfg := job.Config

	m.transition(job, StatusConnectingSource, eventlog.Event{Message: "Connecting to Source...", Progress: eventlog.Progress(0)})
	src, err := m.connect(job, cfg.Source, "Source")
	if err != nil {
		return m.abort(job, err)
	}
	m.infof(job, "Connected to Source.")

	var dst mailstore.Store
	if !cfg.DryRun {
		m.transition(job, StatusConnectingDestination, eventlog.Event{Message: "Connecting to Destination..."})
		dst, err = m.connect(job, cfg.Destination, "Destination")
		if err != nil {
			return m.abort(job, err)
		}
		m.infof(job, "Connected to Destination.")
	}
	if job.Cancelled() {
		return m.stopped(job)
	}

	m.transition(job, StatusScanning, eventlog.Event{Message: "Listing folders..."})
	folders, err := src.ListFolders(job.ctx)
	if err != nil {
		return m.abort(job, fmt.Errorf("list folders: %w", err))
	}

	ropts := resolver.Options{Exclude: cfg.Exclude, Map: cfg.Map, SmartMap: cfg.SmartMap}
	if cfg.SmartMap && dst != nil {
		m.infof(job, "Auto-detecting Smart Map...")
		destFolders, err := dst.ListFolders(job.ctx)
		if err != nil {
			m.errorf(job, "Smart Map skipped: %v", err)
		} else {
			ropts.DestFolders = destFolders
		}
	}
	res := resolver.Resolve(folders, ropts)
	for _, sub := range res.Substitutions {
		m.infof(job, "[Smart Map] %q -> %q", sub.Source, sub.Destination)
	}
	if len(res.Pairs) == 0 {
		return m.complete(job, "No folders found to sync.")
	}
	names := make([]string, 0, len(res.Pairs))
	for _, p := range res.Pairs {
		names = append(names, resolver.LastSegment(p.Source))
	}
	m.infof(job, "Found %d folders: %s", len(res.Pairs), strings.Join(names, ", "))

	m.transition(job, StatusSyncing, eventlog.Event{Message: fmt.Sprintf("Starting Sync for %d folders...", len(res.Pairs))})
	for _, pair := range res.Pairs {
		if job.Cancelled() {
			break
		}
		m.syncMailbox(job, src, dst, pair)
	}
	if job.Cancelled() {
		return m.stopped(job)
	}
	p := job.Progress()
	return m.complete(job, fmt.Sprintf("Sync completed! %d synced, %d failed.", p.Processed, p.Failed))
}

func (m *MailboxSyncer) connect(job *Job, ep mailstore.Endpoint, side string) (mailstore.Store, error) {
	ctx := job.ctx
	if m.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.ConnectTimeout)
		defer cancel()
	}
	s, err := m.dial(ctx, ep)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && job.ctx.Err() == nil {
			return nil, fmt.Errorf("%s Connection timed out: %w", side, err)
		}
		return nil, fmt.Errorf("%s: %w", side, err)
	}
	if !job.own(s) {
		return nil, errStoppedWhileConnecting
	}
	return s, nil
}

// syncMailbox scans one source folder under its lock, then drains the ids
// through the job's worker limit. The lock is held until every started
// transfer has finished.
func (m *MailboxSyncer) syncMailbox(job *Job, src, dst mailstore.Store, pair resolver.Pair) {
	folder := pair.Source
	m.infof(job, "Scanning %s...", folder)
	lock, err := src.LockFolder(job.ctx, folder)
	if err != nil {
		metrics.FoldersSkippedTotal.Inc()
		m.errorf(job, "Skip %s: %v", folder, err)
		return
	}
	defer lock.Release()

	ids, err := src.ListIDs(job.ctx, mailstore.Filter{Since: job.Config.Since})
	if err != nil {
		metrics.FoldersSkippedTotal.Inc()
		m.errorf(job, "Skip %s: %v", folder, err)
		return
	}
	if len(ids) == 0 {
		m.infof(job, "Folder %s: Empty (0 items).", folder)
		return
	}
	job.beginFolder(folder, len(ids))
	m.infof(job, "Processing %s: %d emails found.", folder, len(ids))

	target := pair.Destination
	if dst != nil {
		target = m.ensureDstMailbox(job, dst, target)
	}

	// A message that has started is allowed to finish; Stop still unblocks
	// it by closing the connections.
	ioCtx := context.WithoutCancel(job.ctx)
	var g errgroup.Group
	g.SetLimit(m.concurrency(job))
	for _, id := range ids {
		if job.Cancelled() {
			break
		}
		id := id
		g.Go(func() error {
			m.transfer(ioCtx, job, src, dst, folder, target, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *MailboxSyncer) concurrency(job *Job) int {
	n := job.Config.Concurrency
	if m.opts.MaxConcurrency > 0 && n > m.opts.MaxConcurrency {
		n = m.opts.MaxConcurrency
	}
	if n < 1 {
		n = 1
	}
	return n
}

// ensureDstMailbox opens name on the destination, creating it if needed. If
// that fails it falls back to the default folder and returns it.
func (m *MailboxSyncer) ensureDstMailbox(job *Job, dst mailstore.Store, name string) string {
	ctx := job.ctx
	if err := dst.OpenFolder(ctx, name); err == nil {
		return name
	}
	err := dst.CreateFolder(ctx, name)
	if err == nil {
		if err = dst.OpenFolder(ctx, name); err == nil {
			m.infof(job, "Created folder %s on destination.", name)
			return name
		}
	}
	m.errorf(job, "Cannot create %s on destination: %v. Falling back to %s.", name, err, mailstore.DefaultFolder)
	if err := dst.OpenFolder(ctx, mailstore.DefaultFolder); err != nil {
		m.errorf(job, "Cannot open %s on destination: %v", mailstore.DefaultFolder, err)
	}
	return mailstore.DefaultFolder
}

// transfer moves one message. Failures, including panics, become error
// events; nothing escapes to the caller.
func (m *MailboxSyncer) transfer(ctx context.Context, job *Job, src, dst mailstore.Store, folder, target string, id uint32) {
	if job.Cancelled() {
		return
	}
	defer job.folderDone.Inc()
	defer func() {
		if r := recover(); r != nil {
			job.failed.Inc()
			metrics.TransferErrorsTotal.WithLabelValues("panic").Inc()
			log.WithFields(log.Fields{"jobID": job.ID, "folder": folder, "id": id}).Errorf("Transfer panicked: %v", r)
			m.errorf(job, "Err %s:%d - %v", folder, id, r)
		}
	}()

	raw, err := src.FetchRaw(ctx, id)
	if err != nil {
		job.failed.Inc()
		metrics.TransferErrorsTotal.WithLabelValues("fetch").Inc()
		m.errorf(job, "Err %s:%d - %v", folder, id, err)
		return
	}
	if dst == nil {
		job.processed.Inc()
		m.infof(job, "Synced %s:%d -> %s (dry run)", folder, id, target)
		return
	}
	if err := dst.AppendRaw(ctx, target, raw); err != nil {
		job.failed.Inc()
		metrics.TransferErrorsTotal.WithLabelValues("append").Inc()
		m.errorf(job, "Err %s:%d - %v", folder, id, err)
		return
	}
	m.stats.Add(1, int64(len(raw)))
	job.processed.Inc()
	job.bytes.Add(int64(len(raw)))
	m.infof(job, "Synced %s:%d -> %s", folder, id, target)
}

// abort ends the job after a setup error: Stopped if the error was caused by
// a stop request, Failed otherwise.
func (m *MailboxSyncer) abort(job *Job, err error) Status {
	if job.Cancelled() {
		return m.stopped(job)
	}
	m.transition(job, StatusFailed, eventlog.Event{Message: "Critical Error: " + err.Error(), IsError: true})
	return StatusFailed
}

func (m *MailboxSyncer) stopped(job *Job) Status {
	m.transition(job, StatusStopped, eventlog.Event{Message: "Stopped by user.", IsError: true})
	return StatusStopped
}

func (m *MailboxSyncer) complete(job *Job, msg string) Status {
	m.transition(job, StatusCompleted, eventlog.Event{Message: msg, Progress: eventlog.Progress(100)})
	return StatusCompleted
}

func (m *MailboxSyncer) logout(job *Job) {
	for _, c := range job.connections() {
		if err := c.Logout(); err != nil {
			log.WithError(err).WithField("jobID", job.ID).Debug("Logout failed")
		}
	}
}
