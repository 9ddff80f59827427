package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kkeeland/trak-sub001/internal/store"
)

// ErrWorkerTimeout reports that the ephemeral worker gave up waiting.
var ErrWorkerTimeout = errors.New("worker timed out")

// RunWorker is the ephemeral variant of dispatch: spawn one task, supervise
// it until it reaches a settled state, then exit. On timeout or context
// cancellation (signal) the task is journaled and reset to open, so a killed
// worker never strands its task in wip.
func (d *Dispatcher) RunWorker(ctx context.Context, taskID string, opts Options) error {
	t, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	timeout := time.Duration(d.resolveTimeout(t, opts)) * time.Second

	res, err := d.Dispatch(ctx, taskID, opts)
	if err != nil {
		return err
	}
	if !res.OK {
		d.abort(taskID, "worker aborting after dispatch failure: "+res.Reason)
		return fmt.Errorf("dispatch %s: %s", taskID, res.Reason)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	poll := time.NewTicker(2 * time.Second)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			d.abort(taskID, "worker interrupted, resetting task")
			return ctx.Err()
		case <-timer.C:
			d.abort(taskID, fmt.Sprintf("worker timeout after %s, resetting task", timeout))
			return fmt.Errorf("task %s: %w", taskID, ErrWorkerTimeout)
		case <-poll.C:
			current, err := d.store.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			if settled(current.Status) {
				d.logger.Info("worker done", "task", taskID, "status", current.Status)
				return nil
			}
		}
	}
}

// settled reports states the worker treats as finished supervision.
func settled(s store.Status) bool {
	return store.Terminal(s) || s == store.StatusReview || s == store.StatusBlocked
}

// abort journals the reason and resets the task to open. It deliberately
// uses a fresh context: the worker's own context is usually already
// cancelled when this runs.
func (d *Dispatcher) abort(taskID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.store.AppendJournal(ctx, taskID, reason, "worker"); err != nil {
		d.logger.Warn("journal worker abort", "task", taskID, "error", err)
	}
	if err := d.store.SetStatus(ctx, taskID, store.StatusOpen, "worker", "worker abort"); err != nil {
		d.logger.Warn("reset task on abort", "task", taskID, "error", err)
	}
}
