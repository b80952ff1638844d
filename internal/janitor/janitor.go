package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dagtrail/dagtrail/internal/store"
)

// Config controls the retention sweep.
type Config struct {
	// Retention is how long terminal runs are kept before deletion.
	// Runs that still have live branches are never deleted.
	Retention time.Duration
	// Schedule is a five-field cron expression for sweep timing.
	Schedule string
	// VacuumAfterSweep reclaims storage after a sweep that deleted rows.
	VacuumAfterSweep bool
}

// DefaultConfig keeps terminal runs for 30 days and sweeps nightly.
func DefaultConfig() Config {
	return Config{
		Retention:        30 * 24 * time.Hour,
		Schedule:         "0 3 * * *",
		VacuumAfterSweep: true,
	}
}

// Janitor deletes terminal runs past the retention window on a cron
// schedule. Deletion cascades through nodes, events, artifacts and history,
// the only deletion path the event log has.
type Janitor struct {
	store  store.Store
	parser cron.Parser
	logger *slog.Logger
	cfg    Config

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a janitor.
func New(st store.Store, logger *slog.Logger, cfg Config) *Janitor {
	def := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	return &Janitor{
		store:  st,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger: logger,
		cfg:    cfg,
	}
}

// Start launches the background sweep loop.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.done != nil {
		j.mu.Unlock()
		return fmt.Errorf("janitor already started")
	}

	schedule, err := j.parser.Parse(j.cfg.Schedule)
	if err != nil {
		j.mu.Unlock()
		return fmt.Errorf("parse janitor schedule %q: %w", j.cfg.Schedule, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	j.mu.Unlock()

	go j.loop(loopCtx, schedule)
	j.logger.Info("janitor started", "schedule", j.cfg.Schedule, "retention", j.cfg.Retention.String())
	return nil
}

func (j *Janitor) loop(ctx context.Context, schedule cron.Schedule) {
	defer close(j.done)

	for {
		next := schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := j.Sweep(ctx); err != nil {
				j.logger.Error("retention sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep deletes terminal runs older than the retention window and
// optionally vacuums reclaimed space. Callable directly for manual cleanup.
func (j *Janitor) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-j.cfg.Retention)

	deleted, err := j.store.DeleteTerminalRunsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	j.logger.Info("retention sweep complete", "deleted_runs", deleted, "cutoff", cutoff)

	if deleted > 0 && j.cfg.VacuumAfterSweep {
		if err := j.store.Vacuum(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop gracefully shuts down the janitor.
func (j *Janitor) Stop() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancel == nil {
		return nil
	}

	j.cancel()
	<-j.done
	j.cancel = nil
	j.done = nil

	j.logger.Info("janitor stopped")
	return nil
}
