package portable_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kkeeland/trak-sub001/internal/portable"
	"github.com/kkeeland/trak-sub001/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "trak.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedStore(t *testing.T, s *store.Store) (parent, child string) {
	t.Helper()
	ctx := context.Background()

	parent, err := s.CreateTask(ctx, &store.Task{
		Title:     "build codec",
		Project:   "sync",
		Tags:      []string{"core"},
		CreatedAt: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	child, err = s.CreateTask(ctx, &store.Task{
		Title:     "wire resolver",
		Autonomy:  store.AutonomyAuto,
		CreatedAt: time.Date(2026, 7, 2, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	if err := s.AddDependency(ctx, child, parent); err != nil {
		t.Fatalf("dep: %v", err)
	}
	if err := s.AppendJournal(ctx, parent, "sketched format", "agent-a"); err != nil {
		t.Fatalf("journal: %v", err)
	}
	if err := s.AcquireClaim(ctx, parent, "agent-a", "sonnet"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	return parent, child
}

func TestExportImportRoundTrip(t *testing.T) {
	src := openStore(t)
	parent, child := seedStore(t, src)
	ctx := context.Background()

	logPath := filepath.Join(t.TempDir(), ".trak", "tasks.jsonl")
	if err := portable.Export(ctx, src, logPath); err != nil {
		t.Fatalf("export: %v", err)
	}

	dst := openStore(t)
	stats, skipped, err := portable.ImportFile(ctx, dst, logPath)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if skipped != 0 {
		t.Fatalf("unexpected skipped lines: %d", skipped)
	}
	if stats.Tasks != 2 || stats.Deps != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	got, err := dst.GetTask(ctx, parent)
	if err != nil {
		t.Fatalf("get imported parent: %v", err)
	}
	if got.Title != "build codec" || got.Tags[0] != "core" {
		t.Fatalf("parent fields lost: %+v", got)
	}
	parents, _ := dst.ListParents(ctx, child)
	if len(parents) != 1 || parents[0] != parent {
		t.Fatalf("dependency lost: %v", parents)
	}
	journal, _ := dst.ListJournal(ctx, parent)
	if len(journal) != 1 || journal[0].Entry != "sketched format" {
		t.Fatalf("journal lost: %+v", journal)
	}
	claims, _ := dst.ListClaims(ctx, parent)
	if len(claims) != 1 || claims[0].Agent != "agent-a" {
		t.Fatalf("claims lost: %+v", claims)
	}
}

func TestImportIsIdempotent(t *testing.T) {
	src := openStore(t)
	parent, _ := seedStore(t, src)
	ctx := context.Background()

	logPath := filepath.Join(t.TempDir(), "tasks.jsonl")
	if err := portable.Export(ctx, src, logPath); err != nil {
		t.Fatalf("export: %v", err)
	}

	dst := openStore(t)
	for i := 0; i < 3; i++ {
		if _, _, err := portable.ImportFile(ctx, dst, logPath); err != nil {
			t.Fatalf("import pass %d: %v", i, err)
		}
	}

	journal, _ := dst.ListJournal(ctx, parent)
	if len(journal) != 1 {
		t.Fatalf("journal duplicated across imports: %d entries", len(journal))
	}
	claims, _ := dst.ListClaims(ctx, parent)
	if len(claims) != 1 {
		t.Fatalf("claims duplicated across imports: %d", len(claims))
	}
	tasks, _ := dst.ListTasks(ctx, store.TaskFilter{})
	if len(tasks) != 2 {
		t.Fatalf("tasks duplicated: %d", len(tasks))
	}
}

func TestExportIsDeterministic(t *testing.T) {
	s := openStore(t)
	seedStore(t, s)
	ctx := context.Background()

	dir := t.TempDir()
	a := filepath.Join(dir, "a.jsonl")
	b := filepath.Join(dir, "b.jsonl")
	if err := portable.Export(ctx, s, a); err != nil {
		t.Fatalf("export a: %v", err)
	}
	if err := portable.Export(ctx, s, b); err != nil {
		t.Fatalf("export b: %v", err)
	}

	da, _ := os.ReadFile(a)
	db, _ := os.ReadFile(b)
	if string(da) != string(db) {
		t.Fatal("back-to-back exports differ")
	}
	lines := strings.Split(strings.TrimSpace(string(da)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 records, got %d", len(lines))
	}
	// Creation order: parent first.
	if !strings.Contains(lines[0], "build codec") {
		t.Fatalf("records not in creation order: %s", lines[0])
	}
}

func TestReadLogSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.jsonl")
	content := strings.Join([]string{
		`{"id":"t1","title":"ok","status":"open","priority":2,"autonomy":"manual","created_at":"2026-07-01T10:00:00Z","updated_at":"2026-07-01T10:00:00Z"}`,
		`not json at all`,
		`{"id":"","title":"empty id","status":"open","created_at":"2026-07-01T10:00:00Z","updated_at":"2026-07-01T10:00:00Z"}`,
		`{"id":"t2","title":"bad status","status":"bogus","created_at":"2026-07-01T10:00:00Z","updated_at":"2026-07-01T10:00:00Z"}`,
		``,
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	records, skipped, err := portable.ReadLog(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(records) != 1 || records[0].ID != "t1" {
		t.Fatalf("expected only t1, got %+v", records)
	}
	if skipped != 3 {
		t.Fatalf("expected 3 skipped, got %d", skipped)
	}
}

func TestImportOutOfOrderDeps(t *testing.T) {
	ctx := context.Background()
	dst := openStore(t)

	// Child record appears before its parent; the edge must still land.
	records := []portable.Record{
		{
			Task: store.Task{ID: "child1", Title: "c", Status: store.StatusOpen,
				CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()},
			Deps: []string{"parent1"},
		},
		{
			Task: store.Task{ID: "parent1", Title: "p", Status: store.StatusOpen,
				CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()},
		},
	}
	stats, err := portable.Import(ctx, dst, records)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if stats.Deps != 1 || stats.SkippedDeps != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	parents, _ := dst.ListParents(ctx, "child1")
	if len(parents) != 1 || parents[0] != "parent1" {
		t.Fatalf("out-of-order dep lost: %v", parents)
	}
}

func TestImportSkipsDanglingDeps(t *testing.T) {
	ctx := context.Background()
	dst := openStore(t)

	records := []portable.Record{{
		Task: store.Task{ID: "orphan", Title: "o", Status: store.StatusOpen,
			CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()},
		Deps: []string{"ghost"},
	}}
	stats, err := portable.Import(ctx, dst, records)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if stats.SkippedDeps != 1 || stats.Deps != 0 {
		t.Fatalf("expected dangling edge skipped, got %+v", stats)
	}
}

func TestMissingLogIsEmpty(t *testing.T) {
	records, skipped, err := portable.ReadLog(filepath.Join(t.TempDir(), "absent.jsonl"))
	if err != nil {
		t.Fatalf("read missing log: %v", err)
	}
	if len(records) != 0 || skipped != 0 {
		t.Fatalf("expected empty result, got %d records %d skipped", len(records), skipped)
	}
}
