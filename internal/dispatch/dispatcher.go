// Package dispatch claims ready tasks, hands them to the execution gateway,
// and cascades dispatch to dependents unblocked by a completion. All gateway
// interaction happens after the claim is durably written, so a crash between
// claim and spawn is visible in the journal rather than ambiguous.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kkeeland/trak-sub001/internal/bus"
	"github.com/kkeeland/trak-sub001/internal/gateway"
	"github.com/kkeeland/trak-sub001/internal/graph"
	"github.com/kkeeland/trak-sub001/internal/otel"
	"github.com/kkeeland/trak-sub001/internal/store"
)

// Options configures one dispatch call.
type Options struct {
	Agent          string
	Model          string
	TimeoutSeconds int // per-call override; 0 falls back to task, then default
}

// Result is the outcome of one dispatch attempt. OK=false carries the reason;
// the task stays claimed (wip) on failure and the caller owns retry policy.
type Result struct {
	TaskID    string
	OK        bool
	SessionID string
	Reason    string
}

// Config holds system-level dispatch defaults.
type Config struct {
	DefaultTimeoutSeconds int
	Cleanup               string
	DefaultAgent          string
}

// Dispatcher orchestrates claim, spawn, and cascade against one store.
type Dispatcher struct {
	store   *store.Store
	graph   *graph.Engine
	gw      gateway.Gateway
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics // may be nil
	cfg     Config
}

func New(s *store.Store, g *graph.Engine, gw gateway.Gateway, b *bus.Bus, logger *slog.Logger, m *otel.Metrics, cfg Config) *Dispatcher {
	if cfg.DefaultTimeoutSeconds <= 0 {
		cfg.DefaultTimeoutSeconds = 600
	}
	if cfg.Cleanup == "" {
		cfg.Cleanup = "on-success"
	}
	if cfg.DefaultAgent == "" {
		cfg.DefaultAgent = "trak"
	}
	return &Dispatcher{store: s, graph: g, gw: gw, bus: b, logger: logger, metrics: m, cfg: cfg}
}

// BuildInstruction renders the work instruction for a task. Pure function of
// task fields; the gateway receives the same text for the same task state.
func BuildInstruction(t *store.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Work on task %s: %s\n", t.ID, t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", t.Description)
	}
	if t.Project != "" {
		fmt.Fprintf(&b, "\nProject: %s\n", t.Project)
	}
	fmt.Fprintf(&b, "\nLog progress to the task journal as you go. When the work is complete, close task %s.\n", t.ID)
	return b.String()
}

// Label returns the gateway session label for a task.
func Label(taskID string) string {
	return "trak-" + taskID
}

// resolveTimeout applies override > per-task > system default.
func (d *Dispatcher) resolveTimeout(t *store.Task, opts Options) int {
	if opts.TimeoutSeconds > 0 {
		return opts.TimeoutSeconds
	}
	if t.TimeoutSeconds > 0 {
		return t.TimeoutSeconds
	}
	return d.cfg.DefaultTimeoutSeconds
}

// claim moves the task to wip, assigns it, and journals the claim. This is
// the pending -> claimed step and never touches the gateway.
func (d *Dispatcher) claim(ctx context.Context, t *store.Task, agent string) error {
	if t.Status != store.StatusWip {
		if err := d.store.SetStatus(ctx, t.ID, store.StatusWip, agent, "dispatch"); err != nil {
			return fmt.Errorf("claim status: %w", err)
		}
		t.Status = store.StatusWip
	}
	t.AssignedTo = agent
	if err := d.store.SaveTask(ctx, t); err != nil {
		return fmt.Errorf("assign task: %w", err)
	}
	if err := d.store.AcquireClaim(ctx, t.ID, agent, ""); err != nil {
		return fmt.Errorf("acquire claim: %w", err)
	}
	if err := d.store.AppendJournal(ctx, t.ID, "claimed for dispatch by "+agent, agent); err != nil {
		return fmt.Errorf("journal claim: %w", err)
	}
	return nil
}

// Dispatch claims the task and spawns it on the gateway. Infrastructure
// failures (store unreachable, task missing) return an error; a gateway
// refusal returns a failed Result with a nil error.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID string, opts Options) (Result, error) {
	start := time.Now()
	t, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return Result{}, err
	}
	agent := opts.Agent
	if agent == "" {
		agent = d.cfg.DefaultAgent
	}

	if err := d.claim(ctx, t, agent); err != nil {
		return Result{}, err
	}

	req := gateway.SpawnRequest{
		Instruction:    BuildInstruction(t),
		Label:          Label(t.ID),
		Cleanup:        d.cfg.Cleanup,
		TimeoutSeconds: d.resolveTimeout(t, opts),
		Model:          opts.Model,
	}
	res, err := d.gw.Spawn(ctx, req)
	if err != nil {
		return d.fail(ctx, t.ID, agent, fmt.Sprintf("spawn error: %v", err)), nil
	}
	if !res.OK {
		return d.fail(ctx, t.ID, agent, fmt.Sprintf("gateway rejected: %s", res.Error)), nil
	}

	if err := d.store.AppendJournal(ctx, t.ID, "dispatched, gateway session "+res.SessionID, agent); err != nil {
		d.logger.Warn("journal dispatch", "task", t.ID, "error", err)
	}
	if d.bus != nil {
		d.bus.Publish(bus.TopicDispatchSpawned, bus.DispatchEvent{TaskID: t.ID, Agent: agent, SessionID: res.SessionID})
	}
	if d.metrics != nil {
		d.metrics.TasksDispatched.Add(ctx, 1)
		d.metrics.DispatchDuration.Record(ctx, time.Since(start).Seconds())
	}
	d.logger.Info("task dispatched", "task", t.ID, "agent", agent, "session", res.SessionID)
	return Result{TaskID: t.ID, OK: true, SessionID: res.SessionID}, nil
}

// fail journals and reports a dispatch failure. The task keeps its wip claim.
func (d *Dispatcher) fail(ctx context.Context, taskID, agent, reason string) Result {
	if err := d.store.AppendJournal(ctx, taskID, "dispatch failed: "+reason, agent); err != nil {
		d.logger.Warn("journal dispatch failure", "task", taskID, "error", err)
	}
	if d.bus != nil {
		d.bus.Publish(bus.TopicDispatchFailed, bus.DispatchEvent{TaskID: taskID, Agent: agent, Error: reason})
	}
	if d.metrics != nil {
		d.metrics.DispatchFailures.Add(ctx, 1)
	}
	d.logger.Warn("dispatch failed", "task", taskID, "reason", reason)
	return Result{TaskID: taskID, Reason: reason}
}

// DispatchBatch dispatches several tasks sequentially. Reachability is
// pre-flighted once: if the gateway is down, every task fails with the same
// shared reason and no spawn is attempted.
func (d *Dispatcher) DispatchBatch(ctx context.Context, taskIDs []string, opts Options) ([]Result, error) {
	if err := d.gw.Ping(ctx); err != nil {
		reason := fmt.Sprintf("gateway unreachable: %v", err)
		out := make([]Result, 0, len(taskIDs))
		for _, id := range taskIDs {
			out = append(out, Result{TaskID: id, Reason: reason})
		}
		if d.metrics != nil {
			d.metrics.DispatchFailures.Add(ctx, int64(len(taskIDs)))
		}
		d.logger.Warn("batch skipped", "tasks", len(taskIDs), "reason", reason)
		return out, nil
	}

	out := make([]Result, 0, len(taskIDs))
	for _, id := range taskIDs {
		res, err := d.Dispatch(ctx, id, opts)
		if err != nil {
			res = Result{TaskID: id, Reason: err.Error()}
		}
		out = append(out, res)
	}
	return out, nil
}

// CloseTask marks the task done and cascades dispatch to dependents whose
// dependencies are now all terminal.
func (d *Dispatcher) CloseTask(ctx context.Context, taskID, actor string) error {
	if err := d.store.SetStatus(ctx, taskID, store.StatusDone, actor, ""); err != nil {
		return err
	}
	return d.CascadeFrom(ctx, taskID)
}

// CascadeFrom dispatches every auto task directly unblocked by completedID,
// sequentially. An unreachable gateway degrades to an unblocked notification
// per task so an external supervisor can pick them up by other means.
func (d *Dispatcher) CascadeFrom(ctx context.Context, completedID string) error {
	unblocked, err := d.graph.UnblockedBy(ctx, completedID)
	if err != nil {
		return fmt.Errorf("cascade query: %w", err)
	}
	if len(unblocked) == 0 {
		return nil
	}

	if err := d.gw.Ping(ctx); err != nil {
		for _, t := range unblocked {
			d.logger.Info("task unblocked, gateway down", "task", t.ID, "completed", completedID)
			if d.bus != nil {
				d.bus.Publish(bus.TopicTaskUnblocked, bus.TaskUnblockedEvent{
					TaskID:      t.ID,
					CompletedID: completedID,
					Reason:      "gateway unreachable",
				})
			}
		}
		return nil
	}

	for _, t := range unblocked {
		res, err := d.Dispatch(ctx, t.ID, Options{})
		if err != nil {
			d.logger.Warn("cascade dispatch", "task", t.ID, "error", err)
			continue
		}
		if res.OK && d.metrics != nil {
			d.metrics.CascadeDispatches.Add(ctx, 1)
		}
	}
	return nil
}
