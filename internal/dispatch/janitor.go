package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/kkeeland/trak-sub001/internal/workspace"
)

// Janitor runs the daemon's periodic chores: sweeping stale workspace locks
// and re-exporting the portable log so the on-disk file never drifts far
// from store state.
type Janitor struct {
	cron   *cronlib.Cron
	locks  *workspace.Manager
	export func(context.Context) error
	logger *slog.Logger
}

// NewJanitor schedules the lock sweep and export jobs. Schedules are cron
// expressions (descriptors like "@every 5m" included); empty strings fall
// back to sweeping every 5 minutes and exporting every 15.
func NewJanitor(locks *workspace.Manager, export func(context.Context) error, logger *slog.Logger, sweepSpec, exportSpec string) (*Janitor, error) {
	if sweepSpec == "" {
		sweepSpec = "@every 5m"
	}
	if exportSpec == "" {
		exportSpec = "@every 15m"
	}

	j := &Janitor{
		cron:   cronlib.New(),
		locks:  locks,
		export: export,
		logger: logger,
	}
	if _, err := j.cron.AddFunc(sweepSpec, j.sweepLocks); err != nil {
		return nil, fmt.Errorf("schedule lock sweep: %w", err)
	}
	if export != nil {
		if _, err := j.cron.AddFunc(exportSpec, j.exportLog); err != nil {
			return nil, fmt.Errorf("schedule export: %w", err)
		}
	}
	return j, nil
}

// Start begins the schedule in a background goroutine.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("janitor started")
}

// Stop halts scheduling and waits for running jobs to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.logger.Info("janitor stopped")
}

// sweepLocks prunes expired and dead-owner lock files. Listing is the
// garbage-collection path, so the sweep is just a list call.
func (j *Janitor) sweepLocks() {
	locks, err := j.locks.List()
	if err != nil {
		j.logger.Warn("lock sweep failed", "error", err)
		return
	}
	j.logger.Debug("lock sweep complete", "live_locks", len(locks))
}

func (j *Janitor) exportLog() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := j.export(ctx); err != nil {
		j.logger.Warn("periodic export failed", "error", err)
		return
	}
	j.logger.Debug("periodic export complete")
}
