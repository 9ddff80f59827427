package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/kkeeland/trak-sub001/internal/dispatch"
	"github.com/kkeeland/trak-sub001/internal/merge"
	"github.com/kkeeland/trak-sub001/internal/portable"
)

func (a *app) newDispatcher() *dispatch.Dispatcher {
	return dispatch.New(a.store, a.graph, a.newGateway(), a.bus, a.logger, a.metrics, dispatch.Config{
		DefaultTimeoutSeconds: a.cfg.Gateway.SpawnTimeoutSeconds,
		Cleanup:               a.cfg.Gateway.Cleanup,
	})
}

func runDispatchCommand(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("dispatch", flag.ContinueOnError)
	all := fs.Bool("all", false, "dispatch every ready task")
	agent := fs.String("agent", "", "agent name")
	model := fs.String("model", "", "model override")
	timeout := fs.Int("timeout", 0, "timeout override in seconds")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	d := a.newDispatcher()
	opts := dispatch.Options{Agent: *agent, Model: *model, TimeoutSeconds: *timeout}

	var ids []string
	if *all {
		ready, err := a.graph.ReadyTasks(ctx)
		if err != nil {
			return fail(err)
		}
		for _, t := range ready {
			ids = append(ids, t.ID)
		}
		if len(ids) == 0 {
			fmt.Println("no ready tasks")
			return 0
		}
	} else {
		if fs.NArg() < 1 {
			return fail(fmt.Errorf("dispatch: task id or -all required"))
		}
		ids = fs.Args()
	}

	results, err := d.DispatchBatch(ctx, ids, opts)
	if err != nil {
		return fail(err)
	}
	code := 0
	for _, r := range results {
		if r.OK {
			fmt.Printf("%s  dispatched  session %s\n", r.TaskID, r.SessionID)
		} else {
			fmt.Printf("%s  failed: %s\n", r.TaskID, r.Reason)
			code = 1
		}
	}
	if err := a.exportLog(ctx); err != nil {
		return fail(err)
	}
	return code
}

func runWorkerCommand(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	agent := fs.String("agent", "", "agent name")
	model := fs.String("model", "", "model override")
	timeout := fs.Int("timeout", 0, "timeout override in seconds")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		return fail(fmt.Errorf("run: task id required"))
	}
	id := fs.Arg(0)

	// The working directory is locked for the duration of the run so another
	// agent cannot mutate the same checkout.
	locks, err := a.lockManager()
	if err != nil {
		return fail(err)
	}
	res, err := locks.Acquire(a.repoRoot, id, *agent)
	if err != nil {
		return fail(err)
	}
	if !res.Acquired {
		if a.metrics != nil {
			a.metrics.LockConflicts.Add(ctx, 1)
		}
		return fail(fmt.Errorf("workspace locked by task %s (agent %s, pid %d)",
			res.Holder.TaskID, res.Holder.Agent, res.Holder.PID))
	}
	defer func() {
		if err := locks.Release(a.repoRoot); err != nil {
			a.logger.Warn("release workspace lock", "error", err)
		}
	}()

	d := a.newDispatcher()
	runErr := d.RunWorker(ctx, id, dispatch.Options{Agent: *agent, Model: *model, TimeoutSeconds: *timeout})
	if exportErr := a.exportLog(context.Background()); exportErr != nil {
		a.logger.Warn("export after worker", "error", exportErr)
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return 130
		}
		return fail(runErr)
	}
	return 0
}

func runDaemonCommand(ctx context.Context, a *app) int {
	locks, err := a.lockManager()
	if err != nil {
		return fail(err)
	}

	janitor, err := dispatch.NewJanitor(locks, a.exportLog, a.logger, "", "")
	if err != nil {
		return fail(err)
	}
	janitor.Start()
	defer janitor.Stop()

	// A pull can leave conflict markers in the log; SyncFile resolves those
	// before any record reaches the store.
	watcher := portable.NewWatcher(a.logPath(), func(wctx context.Context) error {
		res, err := merge.SyncFile(wctx, a.store, a.logPath())
		if err != nil {
			return err
		}
		if a.metrics != nil {
			if res.Skipped > 0 {
				a.metrics.ImportSkips.Add(wctx, int64(res.Skipped))
			}
			if res.LWWCount > 0 {
				a.metrics.MergeLWWResolved.Add(wctx, int64(res.LWWCount))
			}
		}
		if res.LWWCount > 0 {
			a.logger.Info("conflicted log resolved", "tasks", res.Tasks, "lww", res.LWWCount)
		}
		return nil
	}, a.logger)

	// Make sure the watched file exists before fsnotify attaches.
	if err := a.exportLog(ctx); err != nil {
		return fail(err)
	}

	a.logger.Info("daemon running", "log", a.logPath(), "version", Version)
	if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fail(err)
	}
	return 0
}
