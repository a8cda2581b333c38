package main

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pepperpark/mailshift/internal/config"
	"github.com/pepperpark/mailshift/internal/connect"
	"github.com/pepperpark/mailshift/internal/eventlog"
	"github.com/pepperpark/mailshift/internal/jobs"
	"github.com/pepperpark/mailshift/internal/mailstore"
	"github.com/pepperpark/mailshift/internal/state"
	"github.com/pepperpark/mailshift/internal/stats"
	"github.com/pepperpark/mailshift/internal/syncer"
)

// app is everything a command needs to run or inspect jobs.
type app struct {
	cfg     config.Config
	events  *eventlog.Log
	stats   *stats.Stats
	state   *state.State
	dial    mailstore.Dialer
	manager *jobs.Manager
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	events, err := eventlog.New(cfg.LogDir)
	if err != nil {
		return nil, err
	}
	st, err := state.Load(cfg.StateFile)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	dial := connect.Dialer(connect.Options{
		SocketTimeout:      cfg.SocketTimeout,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	})
	counters := stats.New()
	runner := syncer.NewMailboxSyncer(dial, events, counters, syncer.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		MaxConcurrency: cfg.MaxConcurrency,
	})
	return &app{
		cfg:     cfg,
		events:  events,
		stats:   counters,
		state:   st,
		dial:    dial,
		manager: jobs.NewManager(ctx, runner, events, st, cfg.StateFile),
	}, nil
}

// cleanup removes job logs and summaries older than the retention period.
func (a *app) cleanup() {
	deleted, err := a.events.Cleanup(a.cfg.LogRetention)
	if err != nil {
		log.WithError(err).Warn("Log cleanup incomplete")
	}
	pruned := a.state.Prune(time.Now().Add(-a.cfg.LogRetention))
	if pruned > 0 {
		if err := a.state.Save(a.cfg.StateFile); err != nil {
			log.WithError(err).Warn("Failed to save job state")
		}
	}
	if deleted > 0 || pruned > 0 {
		log.Infof("Cleanup removed %d old log file(s) and %d job summary(ies)", deleted, pruned)
	}
}

// runCleanupLoop cleans up once now and then every interval until ctx ends.
func (a *app) runCleanupLoop(ctx context.Context, interval time.Duration) error {
	a.cleanup()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.cleanup()
		}
	}
}
