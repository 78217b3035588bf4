// Package scheduler runs the periodic housekeeping jobs: expiring queued
// commands, deleting old telemetry and pruning the in-memory windows.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Maintenance is the storage side of housekeeping.
type Maintenance interface {
	PruneExpiredCommands(ctx context.Context, now time.Time) (int64, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper drops aged in-memory state.
type Sweeper interface {
	Sweep()
}

type Options struct {
	// EventRetention is how long telemetry rows are kept; zero keeps them forever.
	EventRetention time.Duration
	CommandSpec    string
	RetentionSpec  string
	SweepSpec      string
	JobTimeout     time.Duration
	Now            func() time.Time
}

type Scheduler struct {
	cron  *cron.Cron
	store Maintenance
	sweep Sweeper
	opts  Options
}

func New(store Maintenance, sweep Sweeper, opts Options) (*Scheduler, error) {
	if opts.CommandSpec == "" {
		opts.CommandSpec = "*/30 * * * * *"
	}
	if opts.RetentionSpec == "" {
		opts.RetentionSpec = "0 15 3 * * *"
	}
	if opts.SweepSpec == "" {
		opts.SweepSpec = "0 * * * * *"
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Scheduler{cron: cron.New(cron.WithSeconds()), store: store, sweep: sweep, opts: opts}

	if _, err := s.cron.AddFunc(opts.CommandSpec, s.PruneCommands); err != nil {
		return nil, fmt.Errorf("command expiry schedule: %w", err)
	}
	if opts.EventRetention > 0 {
		if _, err := s.cron.AddFunc(opts.RetentionSpec, s.DeleteOldEvents); err != nil {
			return nil, fmt.Errorf("retention schedule: %w", err)
		}
	}
	if sweep != nil {
		if _, err := s.cron.AddFunc(opts.SweepSpec, sweep.Sweep); err != nil {
			return nil, fmt.Errorf("sweep schedule: %w", err)
		}
	}
	return s, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) PruneCommands() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.JobTimeout)
	defer cancel()
	n, err := s.store.PruneExpiredCommands(ctx, s.opts.Now().UTC())
	if err != nil {
		slog.Warn("command expiry failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("expired commands pruned", "count", n)
	}
}

func (s *Scheduler) DeleteOldEvents() {
	if s.opts.EventRetention <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.JobTimeout)
	defer cancel()
	cutoff := s.opts.Now().UTC().Add(-s.opts.EventRetention)
	n, err := s.store.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		slog.Warn("event retention failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("old telemetry deleted", "count", n, "cutoff", cutoff)
	}
}
