package main

import (
	"context"
	"fmt"
	"os"

	"github.com/kkeeland/trak-sub001/internal/bus"
	"github.com/kkeeland/trak-sub001/internal/merge"
	"github.com/kkeeland/trak-sub001/internal/portable"
	"github.com/kkeeland/trak-sub001/internal/workspace"
)

func runSyncCommand(ctx context.Context, a *app) int {
	if err := a.exportLog(ctx); err != nil {
		return fail(err)
	}
	fmt.Println("exported", a.logPath())
	return 0
}

func runImportCommand(ctx context.Context, a *app) int {
	path := a.logPath()
	content, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fail(err)
	}
	if merge.HasConflictMarkers(content) {
		return fail(fmt.Errorf("%s has conflict markers; run `trak resolve` first", path))
	}

	stats, skipped, err := portable.ImportFile(ctx, a.store, path)
	if err != nil {
		return fail(err)
	}
	if a.metrics != nil && skipped > 0 {
		a.metrics.ImportSkips.Add(ctx, int64(skipped))
	}
	a.bus.Publish(bus.TopicSyncImported, path)
	fmt.Printf("imported %d tasks, %d deps, %d journal entries, %d claims",
		stats.Tasks, stats.Deps, stats.Journal, stats.Claims)
	if skipped > 0 {
		fmt.Printf(" (%d invalid lines skipped)", skipped)
	}
	fmt.Println()
	return 0
}

func runResolveCommand(ctx context.Context, a *app) int {
	path := a.logPath()
	res, err := merge.ResolveFile(ctx, a.store, path)
	if err != nil {
		return fail(err)
	}
	if a.metrics != nil && res.LWWCount > 0 {
		a.metrics.MergeLWWResolved.Add(ctx, int64(res.LWWCount))
	}
	a.bus.Publish(bus.TopicSyncResolved, path)
	a.logger.Info("log resolved", "tasks", res.Tasks, "lww", res.LWWCount, "skipped", res.Skipped)

	fmt.Printf("resolved %d tasks", res.Tasks)
	if res.LWWCount > 0 {
		fmt.Printf(", %d by last-write-wins", res.LWWCount)
	}
	if res.Skipped > 0 {
		fmt.Printf(", %d unparseable lines dropped", res.Skipped)
	}
	fmt.Println()
	return 0
}

func (a *app) lockManager() (*workspace.Manager, error) {
	return workspace.NewManager(a.cfg.LockDir(), a.cfg.LockTimeout(), nil)
}

func runLocksCommand(a *app) int {
	m, err := a.lockManager()
	if err != nil {
		return fail(err)
	}
	locks, err := m.List()
	if err != nil {
		return fail(err)
	}
	if len(locks) == 0 {
		fmt.Println("no live locks")
		return 0
	}
	for _, l := range locks {
		fmt.Printf("%s  pid %d  agent %s  expires %s  %s\n",
			l.TaskID, l.PID, l.Agent, l.ExpiresAt.Format("15:04:05"), l.RepoPath)
	}
	return 0
}
