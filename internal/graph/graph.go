// Package graph implements read-only queries over the task store: readiness,
// heat scoring, and cycle-tolerant ancestor/descendant traversal. It never
// materializes the whole graph in memory; edges are queried per node.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/kkeeland/trak-sub001/internal/store"
)

// Engine answers graph questions against one store handle.
type Engine struct {
	store *store.Store
}

func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// Ready reports whether the task is eligible for unattended dispatch:
// status open or wip, autonomy auto, no free-text block, within budget, and
// every direct dependency parent in a terminal state.
func (e *Engine) Ready(ctx context.Context, t *store.Task) (bool, error) {
	if t.Status != store.StatusOpen && t.Status != store.StatusWip {
		return false, nil
	}
	if t.Autonomy != store.AutonomyAuto {
		return false, nil
	}
	if t.BlockedBy != "" {
		return false, nil
	}
	if t.BudgetUSD != nil && t.CostUSD > *t.BudgetUSD {
		return false, nil
	}
	parents, err := e.store.ListParents(ctx, t.ID)
	if err != nil {
		return false, err
	}
	for _, pid := range parents {
		parent, err := e.store.GetTask(ctx, pid)
		if err != nil {
			return false, fmt.Errorf("readiness parent %s: %w", pid, err)
		}
		if !store.Terminal(parent.Status) {
			return false, nil
		}
	}
	return true, nil
}

// ReadyTasks returns every ready task, in creation order.
func (e *Engine) ReadyTasks(ctx context.Context) ([]*store.Task, error) {
	tasks, err := e.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return nil, err
	}
	var out []*store.Task
	for _, t := range tasks {
		ok, err := e.Ready(ctx, t)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// UnblockedBy returns the auto tasks that depend directly on completedID and
// whose dependencies are now all terminal. Used for cascading dispatch after
// a task closes.
func (e *Engine) UnblockedBy(ctx context.Context, completedID string) ([]*store.Task, error) {
	children, err := e.store.ListDependents(ctx, completedID)
	if err != nil {
		return nil, err
	}
	var out []*store.Task
	for _, cid := range children {
		child, err := e.store.GetTask(ctx, cid)
		if err != nil {
			return nil, fmt.Errorf("dependent %s: %w", cid, err)
		}
		ok, err := e.Ready(ctx, child)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, child)
		}
	}
	return out, nil
}

// Heat computes the attention-priority score. The formula is fixed:
//
//	heat = 2*dependents + min(ageWeeks, 3) + recencyBonus + priority
//
// where recencyBonus is 2 when the last journal entry is under a day old,
// 1 when under three days, else 0. Blocked tasks are cooled by 2 (floor 0).
func (e *Engine) Heat(ctx context.Context, t *store.Task, now time.Time) (int, error) {
	dependents, err := e.store.ListDependents(ctx, t.ID)
	if err != nil {
		return 0, err
	}

	ageWeeks := int(now.Sub(t.CreatedAt).Hours() / 24 / 7)
	if ageWeeks > 3 {
		ageWeeks = 3
	}

	recency := 0
	last, err := e.store.LastJournalTime(ctx, t.ID)
	if err != nil {
		return 0, err
	}
	if !last.IsZero() {
		age := now.Sub(last)
		switch {
		case age < 24*time.Hour:
			recency = 2
		case age < 72*time.Hour:
			recency = 1
		}
	}

	heat := 2*len(dependents) + ageWeeks + recency + t.Priority
	if t.Status == store.StatusBlocked {
		heat -= 2
		if heat < 0 {
			heat = 0
		}
	}
	return heat, nil
}

// Node is one step of a traversal. Cycle marks a node already seen on the
// walk; its subtree is not expanded again.
type Node struct {
	ID    string
	Depth int
	Cycle bool
}

// Ancestors walks the dependency parents of id, depth-first. Revisited nodes
// are emitted once more with Cycle set, then pruned.
func (e *Engine) Ancestors(ctx context.Context, id string) ([]Node, error) {
	var out []Node
	visited := map[string]bool{id: true}
	err := e.walk(ctx, id, 1, visited, e.store.ListParents, &out)
	return out, err
}

// Descendants walks the tasks depending (transitively) on id.
func (e *Engine) Descendants(ctx context.Context, id string) ([]Node, error) {
	var out []Node
	visited := map[string]bool{id: true}
	err := e.walk(ctx, id, 1, visited, e.store.ListDependents, &out)
	return out, err
}

func (e *Engine) walk(ctx context.Context, id string, depth int, visited map[string]bool, edges func(context.Context, string) ([]string, error), out *[]Node) error {
	next, err := edges(ctx, id)
	if err != nil {
		return fmt.Errorf("walk edges of %s: %w", id, err)
	}
	for _, nid := range next {
		if visited[nid] {
			*out = append(*out, Node{ID: nid, Depth: depth, Cycle: true})
			continue
		}
		visited[nid] = true
		*out = append(*out, Node{ID: nid, Depth: depth})
		if err := e.walk(ctx, nid, depth+1, visited, edges, out); err != nil {
			return err
		}
	}
	return nil
}

// Roots returns the parentless ancestors reachable from id, the places a
// blocked chain ultimately bottoms out. A task with no parents is its own
// root. Cycles contribute no roots.
func (e *Engine) Roots(ctx context.Context, id string) ([]string, error) {
	nodes, err := e.Ancestors(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return []string{id}, nil
	}
	seen := map[string]bool{}
	var out []string
	for _, n := range nodes {
		if n.Cycle || seen[n.ID] {
			continue
		}
		parents, err := e.store.ListParents(ctx, n.ID)
		if err != nil {
			return nil, err
		}
		if len(parents) == 0 {
			seen[n.ID] = true
			out = append(out, n.ID)
		}
	}
	return out, nil
}
