package main

import (
	"context"
	"flag"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kkeeland/trak-sub001/internal/store"
)

func runCreateCommand(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	title := fs.String("title", "", "task title (required)")
	desc := fs.String("desc", "", "task description")
	project := fs.String("project", "", "project label")
	priority := fs.Int("priority", 2, "priority 0-3, 0 highest")
	autonomy := fs.String("autonomy", store.AutonomyManual, "manual or auto")
	convoy := fs.String("convoy", "", "convoy id")
	epic := fs.String("epic", "", "epic task id")
	tags := fs.String("tags", "", "comma-separated tags")
	budget := fs.Float64("budget", 0, "budget in USD (0 = unlimited)")
	timeout := fs.Int("timeout", 0, "per-task dispatch timeout in seconds")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *title == "" {
		return fail(fmt.Errorf("create: -title is required"))
	}
	if *autonomy != store.AutonomyManual && *autonomy != store.AutonomyAuto {
		return fail(fmt.Errorf("create: autonomy must be manual or auto"))
	}

	t := &store.Task{
		Title:          *title,
		Description:    *desc,
		Project:        *project,
		Priority:       *priority,
		Autonomy:       *autonomy,
		Convoy:         *convoy,
		EpicID:         *epic,
		TimeoutSeconds: *timeout,
	}
	if *tags != "" {
		for _, tag := range strings.Split(*tags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				t.Tags = append(t.Tags, tag)
			}
		}
	}
	if *budget > 0 {
		t.BudgetUSD = budget
	}

	id, err := a.store.CreateTask(ctx, t)
	if err != nil {
		return fail(err)
	}
	if err := a.exportLog(ctx); err != nil {
		return fail(err)
	}
	fmt.Println(id)
	return 0
}

func runListCommand(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	status := fs.String("status", "", "filter by status")
	project := fs.String("project", "", "filter by project")
	convoy := fs.String("convoy", "", "filter by convoy")
	epic := fs.String("epic", "", "filter by epic")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	tasks, err := a.store.ListTasks(ctx, store.TaskFilter{
		Status:  store.Status(*status),
		Project: *project,
		Convoy:  *convoy,
		EpicID:  *epic,
	})
	if err != nil {
		return fail(err)
	}
	for _, t := range tasks {
		fmt.Printf("%s  %-8s  p%d  %s\n", t.ID, t.Status, t.Priority, t.Title)
	}
	return 0
}

func runShowCommand(ctx context.Context, a *app, args []string) int {
	if len(args) < 1 {
		return fail(fmt.Errorf("show: task id required"))
	}
	id := args[0]
	t, err := a.store.GetTask(ctx, id)
	if err != nil {
		return fail(err)
	}

	fmt.Printf("%s  %s\n", t.ID, t.Title)
	fmt.Printf("  status: %s  priority: %d  autonomy: %s\n", t.Status, t.Priority, t.Autonomy)
	if t.Project != "" {
		fmt.Printf("  project: %s\n", t.Project)
	}
	if t.Description != "" {
		fmt.Printf("  %s\n", t.Description)
	}
	if t.AssignedTo != "" {
		fmt.Printf("  assigned to: %s\n", t.AssignedTo)
	}
	if t.BlockedBy != "" {
		fmt.Printf("  blocked by: %s\n", t.BlockedBy)
	}
	if t.VerificationStatus != "" {
		fmt.Printf("  verification: %s by %s\n", t.VerificationStatus, t.VerifiedBy)
	}
	if t.CostUSD > 0 || t.TokensUsed > 0 {
		fmt.Printf("  cost: $%.4f  tokens: %d  model: %s\n", t.CostUSD, t.TokensUsed, t.ModelUsed)
	}
	if t.IsEpic {
		done, total, err := a.store.EpicProgress(ctx, t.ID)
		if err == nil && total > 0 {
			fmt.Printf("  epic progress: %d/%d children done\n", done, total)
		}
	}

	parents, err := a.store.ListParents(ctx, id)
	if err != nil {
		return fail(err)
	}
	if len(parents) > 0 {
		fmt.Printf("  depends on: %s\n", strings.Join(parents, ", "))
	}
	dependents, err := a.store.ListDependents(ctx, id)
	if err != nil {
		return fail(err)
	}
	if len(dependents) > 0 {
		fmt.Printf("  blocks: %s\n", strings.Join(dependents, ", "))
	}

	journal, err := a.store.ListJournal(ctx, id)
	if err != nil {
		return fail(err)
	}
	if len(journal) > 0 {
		fmt.Println("  journal:")
		for _, e := range journal {
			author := e.Author
			if author == "" {
				author = "-"
			}
			fmt.Printf("    %s  %-12s  %s\n", e.Timestamp.Format(time.RFC3339), author, e.Entry)
		}
	}
	return 0
}

func runDepCommand(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("dep", flag.ContinueOnError)
	remove := fs.Bool("remove", false, "remove the edge instead of adding it")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) < 2 {
		return fail(fmt.Errorf("dep: child and parent ids required"))
	}
	child, parent := rest[0], rest[1]

	var err error
	if *remove {
		err = a.store.RemoveDependency(ctx, child, parent)
	} else {
		err = a.store.AddDependency(ctx, child, parent)
	}
	if err != nil {
		return fail(err)
	}
	if err := a.exportLog(ctx); err != nil {
		return fail(err)
	}
	return 0
}

func runClaimCommand(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("claim", flag.ContinueOnError)
	agent := fs.String("agent", "", "claiming agent (required)")
	model := fs.String("model", "", "model the agent will use")
	release := fs.Bool("release", false, "release the active claim instead")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) < 1 {
		return fail(fmt.Errorf("claim: task id required"))
	}
	id := rest[0]

	if *release {
		if err := a.store.ReleaseClaim(ctx, id); err != nil {
			return fail(err)
		}
	} else {
		if *agent == "" {
			return fail(fmt.Errorf("claim: -agent is required"))
		}
		if err := a.store.AcquireClaim(ctx, id, *agent, *model); err != nil {
			return fail(err)
		}
	}
	if err := a.exportLog(ctx); err != nil {
		return fail(err)
	}
	return 0
}

func runCloseCommand(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("close", flag.ContinueOnError)
	actor := fs.String("actor", "trak", "who is closing the task")
	note := fs.String("note", "", "closing note")
	status := fs.String("status", string(store.StatusDone), "target status")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) < 1 {
		return fail(fmt.Errorf("close: task id required"))
	}
	id := rest[0]

	if err := a.store.SetStatus(ctx, id, store.Status(*status), *actor, *note); err != nil {
		return fail(err)
	}
	if store.Terminal(store.Status(*status)) {
		d := a.newDispatcher()
		if err := d.CascadeFrom(ctx, id); err != nil {
			a.logger.Warn("cascade after close", "task", id, "error", err)
		}
	}
	if err := a.exportLog(ctx); err != nil {
		return fail(err)
	}
	return 0
}

func runJournalCommand(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("journal", flag.ContinueOnError)
	author := fs.String("author", "", "entry author")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) < 2 {
		return fail(fmt.Errorf("journal: task id and entry required"))
	}
	if err := a.store.AppendJournal(ctx, rest[0], strings.Join(rest[1:], " "), *author); err != nil {
		return fail(err)
	}
	if err := a.exportLog(ctx); err != nil {
		return fail(err)
	}
	return 0
}

func runReadyCommand(ctx context.Context, a *app) int {
	tasks, err := a.graph.ReadyTasks(ctx)
	if err != nil {
		return fail(err)
	}
	for _, t := range tasks {
		fmt.Printf("%s  p%d  %s\n", t.ID, t.Priority, t.Title)
	}
	return 0
}

func runHeatCommand(ctx context.Context, a *app) int {
	tasks, err := a.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return fail(err)
	}
	now := time.Now().UTC()
	type scored struct {
		task *store.Task
		heat int
	}
	var rows []scored
	for _, t := range tasks {
		if store.Terminal(t.Status) {
			continue
		}
		h, err := a.graph.Heat(ctx, t, now)
		if err != nil {
			return fail(err)
		}
		rows = append(rows, scored{t, h})
	}
	// Stable sort keeps insertion order on ties.
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].heat > rows[j].heat })
	for _, r := range rows {
		fmt.Printf("%3d  %s  %-8s  %s\n", r.heat, r.task.ID, r.task.Status, r.task.Title)
	}
	return 0
}

func runConvoyCommand(ctx context.Context, a *app, args []string) int {
	if len(args) < 1 {
		return fail(fmt.Errorf("convoy: create or list required"))
	}
	switch args[0] {
	case "create":
		if len(args) < 2 {
			return fail(fmt.Errorf("convoy create: name required"))
		}
		id, err := a.store.CreateConvoy(ctx, &store.Convoy{Name: strings.Join(args[1:], " ")})
		if err != nil {
			return fail(err)
		}
		fmt.Println(id)
		return 0
	case "list":
		convoys, err := a.store.ListConvoys(ctx)
		if err != nil {
			return fail(err)
		}
		for _, c := range convoys {
			tasks, err := a.store.ListTasks(ctx, store.TaskFilter{Convoy: c.ID})
			if err != nil {
				return fail(err)
			}
			fmt.Printf("%s  %-30s  %d tasks\n", c.ID, c.Name, len(tasks))
		}
		return 0
	default:
		return fail(fmt.Errorf("convoy: unknown action %q", args[0]))
	}
}
