package dispatch_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kkeeland/trak-sub001/internal/bus"
	"github.com/kkeeland/trak-sub001/internal/dispatch"
	"github.com/kkeeland/trak-sub001/internal/gateway"
	"github.com/kkeeland/trak-sub001/internal/graph"
	"github.com/kkeeland/trak-sub001/internal/store"
)

// fakeGateway records spawn calls and returns scripted answers.
type fakeGateway struct {
	pingErr  error
	spawnErr error
	result   gateway.SpawnResult
	calls    []gateway.SpawnRequest
	onSpawn  func()
}

func (f *fakeGateway) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeGateway) Spawn(ctx context.Context, req gateway.SpawnRequest) (gateway.SpawnResult, error) {
	f.calls = append(f.calls, req)
	if f.onSpawn != nil {
		f.onSpawn()
	}
	if f.spawnErr != nil {
		return gateway.SpawnResult{}, f.spawnErr
	}
	return f.result, nil
}

func okGateway() *fakeGateway {
	return &fakeGateway{result: gateway.SpawnResult{OK: true, SessionID: "sess-1"}}
}

func setup(t *testing.T, gw gateway.Gateway) (*store.Store, *dispatch.Dispatcher, *bus.Bus) {
	t.Helper()
	b := bus.New()
	s, err := store.Open(filepath.Join(t.TempDir(), "trak.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := dispatch.New(s, graph.New(s), gw, b, logger, nil, dispatch.Config{DefaultTimeoutSeconds: 300})
	return s, d, b
}

func create(t *testing.T, s *store.Store, task *store.Task) string {
	t.Helper()
	id, err := s.CreateTask(context.Background(), task)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return id
}

func close_(t *testing.T, s *store.Store, id string) {
	t.Helper()
	ctx := context.Background()
	for _, to := range []store.Status{store.StatusWip, store.StatusDone} {
		if err := s.SetStatus(ctx, id, to, "t", ""); err != nil {
			t.Fatalf("close %s: %v", id, err)
		}
	}
}

func TestDispatchClaimsBeforeSpawn(t *testing.T) {
	gw := okGateway()
	s, d, _ := setup(t, gw)
	ctx := context.Background()
	id := create(t, s, &store.Task{Title: "t", Autonomy: store.AutonomyAuto})

	// Observe store state at the moment the gateway is invoked.
	var statusAtSpawn store.Status
	gw.onSpawn = func() {
		task, err := s.GetTask(ctx, id)
		if err != nil {
			t.Errorf("get at spawn: %v", err)
			return
		}
		statusAtSpawn = task.Status
	}

	res, err := d.Dispatch(ctx, id, dispatch.Options{Agent: "agent-a"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.OK || res.SessionID != "sess-1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if statusAtSpawn != store.StatusWip {
		t.Fatalf("claim must land before spawn; status was %s", statusAtSpawn)
	}

	task, _ := s.GetTask(ctx, id)
	if task.AssignedTo != "agent-a" {
		t.Fatalf("not assigned: %+v", task)
	}
	claims, _ := s.ListClaims(ctx, id)
	if len(claims) != 1 || claims[0].Status != store.ClaimStatusClaimed {
		t.Fatalf("missing active claim: %+v", claims)
	}

	journal, _ := s.ListJournal(ctx, id)
	found := false
	for _, e := range journal {
		if strings.Contains(e.Entry, "sess-1") {
			found = true
		}
	}
	if !found {
		t.Fatal("session id not journaled")
	}
}

func TestDispatchClaimsNonOpenStates(t *testing.T) {
	gw := okGateway()
	s, d, _ := setup(t, gw)
	ctx := context.Background()

	// A blocked task dispatched by explicit id still moves to wip.
	blocked := create(t, s, &store.Task{Title: "blocked"})
	if err := s.SetStatus(ctx, blocked, store.StatusBlocked, "t", ""); err != nil {
		t.Fatalf("block: %v", err)
	}
	if _, err := d.Dispatch(ctx, blocked, dispatch.Options{Agent: "agent-a"}); err != nil {
		t.Fatalf("dispatch blocked: %v", err)
	}
	task, _ := s.GetTask(ctx, blocked)
	if task.Status != store.StatusWip {
		t.Fatalf("blocked task not claimed to wip, got %s", task.Status)
	}

	// Re-dispatch of an already-wip task journals the claim.
	before, _ := s.ListJournal(ctx, blocked)
	if _, err := d.Dispatch(ctx, blocked, dispatch.Options{Agent: "agent-a"}); err != nil {
		t.Fatalf("re-dispatch: %v", err)
	}
	after, _ := s.ListJournal(ctx, blocked)
	claimEntries := 0
	for _, e := range after[len(before):] {
		if strings.Contains(e.Entry, "claimed for dispatch by agent-a") {
			claimEntries++
		}
	}
	if claimEntries != 1 {
		t.Fatalf("re-dispatch must journal the claim once, got %d new claim entries", claimEntries)
	}
}

func TestDispatchFailureLeavesTaskClaimed(t *testing.T) {
	gw := &fakeGateway{result: gateway.SpawnResult{OK: false, Error: "no capacity"}}
	s, d, _ := setup(t, gw)
	ctx := context.Background()
	id := create(t, s, &store.Task{Title: "t"})

	res, err := d.Dispatch(ctx, id, dispatch.Options{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.OK {
		t.Fatal("expected failure result")
	}
	if !strings.Contains(res.Reason, "no capacity") {
		t.Fatalf("reason lost: %q", res.Reason)
	}

	task, _ := s.GetTask(ctx, id)
	if task.Status != store.StatusWip {
		t.Fatalf("failed dispatch should leave task wip, got %s", task.Status)
	}
	journal, _ := s.ListJournal(ctx, id)
	found := false
	for _, e := range journal {
		if strings.Contains(e.Entry, "dispatch failed") {
			found = true
		}
	}
	if !found {
		t.Fatal("failure not journaled")
	}
}

func TestTimeoutResolutionOrder(t *testing.T) {
	gw := okGateway()
	s, d, _ := setup(t, gw)
	ctx := context.Background()

	withTimeout := create(t, s, &store.Task{Title: "a", TimeoutSeconds: 120})
	plain := create(t, s, &store.Task{Title: "b"})

	// Per-call override beats the task's own timeout.
	if _, err := d.Dispatch(ctx, withTimeout, dispatch.Options{TimeoutSeconds: 60}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	// Task timeout beats the system default.
	if _, err := d.Dispatch(ctx, withTimeout, dispatch.Options{}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	// System default when nothing else is set.
	if _, err := d.Dispatch(ctx, plain, dispatch.Options{}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	got := []int{gw.calls[0].TimeoutSeconds, gw.calls[1].TimeoutSeconds, gw.calls[2].TimeoutSeconds}
	want := []int{60, 120, 300}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("timeout resolution %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestBatchUnreachableSkipsAllSpawns(t *testing.T) {
	gw := &fakeGateway{pingErr: gateway.ErrUnreachable}
	s, d, _ := setup(t, gw)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, create(t, s, &store.Task{Title: "t"}))
	}

	results, err := d.DispatchBatch(ctx, ids, dispatch.Options{})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	reason := results[0].Reason
	for _, r := range results {
		if r.OK {
			t.Fatalf("unreachable batch produced success: %+v", r)
		}
		if r.Reason != reason || !strings.Contains(r.Reason, "unreachable") {
			t.Fatalf("reasons must be shared, got %q vs %q", r.Reason, reason)
		}
	}
	if len(gw.calls) != 0 {
		t.Fatalf("no spawns expected, got %d", len(gw.calls))
	}

	// Tasks were never claimed.
	for _, id := range ids {
		task, _ := s.GetTask(ctx, id)
		if task.Status != store.StatusOpen {
			t.Fatalf("task %s claimed despite skipped batch", id)
		}
	}
}

func TestCascadeDispatchesUnblockedOnce(t *testing.T) {
	gw := okGateway()
	s, d, _ := setup(t, gw)
	ctx := context.Background()

	p := create(t, s, &store.Task{Title: "p"})
	c := create(t, s, &store.Task{Title: "c", Autonomy: store.AutonomyAuto})
	if err := s.AddDependency(ctx, c, p); err != nil {
		t.Fatalf("dep: %v", err)
	}

	if err := s.SetStatus(ctx, p, store.StatusWip, "t", ""); err != nil {
		t.Fatalf("start p: %v", err)
	}
	if err := d.CloseTask(ctx, p, "t"); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(gw.calls) != 1 {
		t.Fatalf("expected exactly one cascade spawn, got %d", len(gw.calls))
	}
	if gw.calls[0].Label != "trak-"+c {
		t.Fatalf("wrong task dispatched: %s", gw.calls[0].Label)
	}
}

func TestCascadeSkipsTaskWithUnfinishedDep(t *testing.T) {
	gw := okGateway()
	s, d, _ := setup(t, gw)
	ctx := context.Background()

	p := create(t, s, &store.Task{Title: "p"})
	q := create(t, s, &store.Task{Title: "q"})
	c := create(t, s, &store.Task{Title: "c", Autonomy: store.AutonomyAuto})
	for _, parent := range []string{p, q} {
		if err := s.AddDependency(ctx, c, parent); err != nil {
			t.Fatalf("dep: %v", err)
		}
	}

	if err := s.SetStatus(ctx, p, store.StatusWip, "t", ""); err != nil {
		t.Fatalf("start p: %v", err)
	}
	if err := d.CloseTask(ctx, p, "t"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(gw.calls) != 0 {
		t.Fatalf("c still waits on q; no dispatch expected, got %d", len(gw.calls))
	}
}

func TestCascadeDegradesToUnblockedEvent(t *testing.T) {
	gw := okGateway()
	s, d, b := setup(t, gw)
	ctx := context.Background()

	p := create(t, s, &store.Task{Title: "p"})
	c := create(t, s, &store.Task{Title: "c", Autonomy: store.AutonomyAuto})
	if err := s.AddDependency(ctx, c, p); err != nil {
		t.Fatalf("dep: %v", err)
	}
	close_(t, s, p)

	sub := b.Subscribe(bus.TopicTaskUnblocked)
	defer b.Unsubscribe(sub)

	gw.pingErr = gateway.ErrUnreachable
	if err := d.CascadeFrom(ctx, p); err != nil {
		t.Fatalf("cascade: %v", err)
	}
	if len(gw.calls) != 0 {
		t.Fatal("gateway down: no spawns expected")
	}

	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(bus.TaskUnblockedEvent)
		if payload.TaskID != c || payload.CompletedID != p {
			t.Fatalf("unexpected payload %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no unblocked event")
	}
}

func TestBuildInstructionDeterministic(t *testing.T) {
	task := &store.Task{ID: "abc123", Title: "fix parser", Description: "handle empty input", Project: "codec"}
	a := dispatch.BuildInstruction(task)
	b := dispatch.BuildInstruction(task)
	if a != b {
		t.Fatal("instruction must be a pure function of task fields")
	}
	for _, want := range []string{"abc123", "fix parser", "handle empty input", "codec"} {
		if !strings.Contains(a, want) {
			t.Fatalf("instruction missing %q:\n%s", want, a)
		}
	}
	if dispatch.Label("abc123") != "trak-abc123" {
		t.Fatalf("unexpected label %q", dispatch.Label("abc123"))
	}
}

func TestWorkerResetsTaskOnTimeout(t *testing.T) {
	gw := okGateway()
	s, d, _ := setup(t, gw)
	ctx := context.Background()
	id := create(t, s, &store.Task{Title: "t", TimeoutSeconds: 1})

	err := d.RunWorker(ctx, id, dispatch.Options{TimeoutSeconds: 1})
	if !errors.Is(err, dispatch.ErrWorkerTimeout) {
		t.Fatalf("expected ErrWorkerTimeout, got %v", err)
	}

	task, _ := s.GetTask(ctx, id)
	if task.Status != store.StatusOpen {
		t.Fatalf("timed-out worker should reset task to open, got %s", task.Status)
	}
	journal, _ := s.ListJournal(ctx, id)
	found := false
	for _, e := range journal {
		if strings.Contains(e.Entry, "timeout") {
			found = true
		}
	}
	if !found {
		t.Fatal("timeout not journaled")
	}
}

func TestWorkerResetsTaskOnCancel(t *testing.T) {
	gw := okGateway()
	s, d, _ := setup(t, gw)
	id := create(t, s, &store.Task{Title: "t"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	err := d.RunWorker(ctx, id, dispatch.Options{TimeoutSeconds: 600})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	task, _ := s.GetTask(context.Background(), id)
	if task.Status != store.StatusOpen {
		t.Fatalf("cancelled worker should reset task to open, got %s", task.Status)
	}
}
