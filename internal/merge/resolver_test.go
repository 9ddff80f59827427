package merge_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kkeeland/trak-sub001/internal/merge"
	"github.com/kkeeland/trak-sub001/internal/portable"
	"github.com/kkeeland/trak-sub001/internal/store"
)

func line(id, title, status string, updated time.Time, extra string) string {
	base := fmt.Sprintf(`{"id":%q,"title":%q,"status":%q,"priority":2,"autonomy":"manual","created_at":"2026-07-01T10:00:00Z","updated_at":%q`,
		id, title, status, updated.Format(time.RFC3339))
	if extra != "" {
		base += "," + extra
	}
	return base + "}"
}

func TestResolveLastWriteWins(t *testing.T) {
	early := time.Date(2026, 7, 2, 10, 0, 0, 0, time.UTC)
	late := time.Date(2026, 7, 3, 10, 0, 0, 0, time.UTC)

	content := strings.Join([]string{
		line("ctx1", "untouched", "open", early, ""),
		"<<<<<<< HEAD",
		line("t1", "ours title", "wip", early, `"journal":[{"timestamp":"2026-07-02T10:00:00Z","entry":"ours note","author":"a"}]`),
		"=======",
		line("t1", "theirs title", "done", late, `"journal":[{"timestamp":"2026-07-03T10:00:00Z","entry":"theirs note","author":"b"}]`),
		">>>>>>> branch",
	}, "\n")

	merged, res := merge.Resolve([]byte(content))
	if res.Tasks != 2 {
		t.Fatalf("expected 2 tasks, got %d", res.Tasks)
	}
	if res.LWWCount != 1 {
		t.Fatalf("expected 1 LWW resolution, got %d", res.LWWCount)
	}

	var t1 *portable.Record
	for i := range merged {
		if merged[i].ID == "t1" {
			t1 = &merged[i]
		}
	}
	if t1 == nil {
		t.Fatal("t1 missing from merge")
	}
	if t1.Title != "theirs title" || t1.Status != store.StatusDone {
		t.Fatalf("later side should win scalars: %+v", t1.Task)
	}
	if len(t1.Journal) != 2 {
		t.Fatalf("journals should union, got %+v", t1.Journal)
	}
	if t1.Journal[0].Entry != "ours note" || t1.Journal[1].Entry != "theirs note" {
		t.Fatalf("journal not sorted by timestamp: %+v", t1.Journal)
	}
}

func TestResolveOneSidedRecordsKept(t *testing.T) {
	ts := time.Date(2026, 7, 2, 10, 0, 0, 0, time.UTC)
	content := strings.Join([]string{
		"<<<<<<< HEAD",
		line("only-ours", "a", "open", ts, ""),
		"=======",
		line("only-theirs", "b", "open", ts, ""),
		">>>>>>> branch",
	}, "\n")

	merged, res := merge.Resolve([]byte(content))
	if res.Tasks != 2 {
		t.Fatalf("expected both one-sided records, got %d", res.Tasks)
	}
	if res.LWWCount != 0 {
		t.Fatalf("no LWW expected, got %d", res.LWWCount)
	}
	ids := map[string]bool{}
	for _, r := range merged {
		ids[r.ID] = true
	}
	if !ids["only-ours"] || !ids["only-theirs"] {
		t.Fatalf("lost a one-sided record: %v", ids)
	}
}

func TestResolveUnionsDepsAndClaims(t *testing.T) {
	ts := time.Date(2026, 7, 2, 10, 0, 0, 0, time.UTC)
	content := strings.Join([]string{
		"<<<<<<< HEAD",
		line("t1", "t", "open", ts, `"deps":["p1","p2"],"claims":[{"agent":"a1","status":"released","claimed_at":"2026-07-01T11:00:00Z"}]`),
		"=======",
		line("t1", "t", "open", ts, `"deps":["p2","p3"],"claims":[{"agent":"a2","status":"claimed","claimed_at":"2026-07-02T11:00:00Z"}]`),
		">>>>>>> branch",
	}, "\n")

	merged, res := merge.Resolve([]byte(content))
	if res.LWWCount != 0 {
		t.Fatalf("equal timestamps should not count as LWW, got %d", res.LWWCount)
	}
	r := merged[0]
	if len(r.Deps) != 3 {
		t.Fatalf("deps should union to 3, got %v", r.Deps)
	}
	if len(r.Claims) != 2 || r.Claims[0].Agent != "a1" {
		t.Fatalf("claims should union sorted by claimed_at, got %+v", r.Claims)
	}
}

func TestResolveSkipsMalformedLines(t *testing.T) {
	ts := time.Date(2026, 7, 2, 10, 0, 0, 0, time.UTC)
	content := strings.Join([]string{
		line("t1", "good", "open", ts, ""),
		"this line is garbage",
	}, "\n")

	merged, res := merge.Resolve([]byte(content))
	if len(merged) != 1 || res.Skipped != 1 {
		t.Fatalf("expected 1 record 1 skipped, got %d/%d", len(merged), res.Skipped)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	early := time.Date(2026, 7, 2, 10, 0, 0, 0, time.UTC)
	late := time.Date(2026, 7, 3, 10, 0, 0, 0, time.UTC)
	content := strings.Join([]string{
		"<<<<<<< HEAD",
		line("t1", "ours", "wip", early, ""),
		"=======",
		line("t1", "theirs", "done", late, ""),
		">>>>>>> branch",
	}, "\n")

	first, _ := merge.Resolve([]byte(content))
	clean, err := merge.Encode(first)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if merge.HasConflictMarkers(clean) {
		t.Fatal("resolved output still has markers")
	}

	second, res := merge.Resolve(clean)
	if res.LWWCount != 0 {
		t.Fatalf("re-resolving clean log should be a no-op, got LWW %d", res.LWWCount)
	}
	again, err := merge.Encode(second)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(clean) != string(again) {
		t.Fatal("resolution is not a fixpoint")
	}
}

func TestSyncFileResolvesConflictedLog(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "trak.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	// The stale side sits after the fresh one in the file; a naive import
	// would let file order override updated_at.
	fresh := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	stale := time.Date(2026, 8, 10, 10, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "tasks.jsonl")
	content := strings.Join([]string{
		line("ctx1", "untouched", "open", stale, ""),
		"<<<<<<< HEAD",
		line("t1", "fresh title", "done", fresh, ""),
		"=======",
		line("t1", "stale title", "wip", stale, ""),
		">>>>>>> branch",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err := merge.SyncFile(ctx, s, path)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.LWWCount != 1 || res.Tasks != 2 {
		t.Fatalf("unexpected result %+v", res)
	}

	task, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get t1: %v", err)
	}
	if task.Title != "fresh title" || task.Status != store.StatusDone {
		t.Fatalf("stale side won scalars: %+v", task)
	}
	if !task.UpdatedAt.Equal(fresh) {
		t.Fatalf("updated_at not from winner: %v", task.UpdatedAt)
	}

	data, _ := os.ReadFile(path)
	if merge.HasConflictMarkers(data) {
		t.Fatal("markers survived sync")
	}
}

func TestSyncFileImportsCleanLog(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "trak.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	ts := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "tasks.jsonl")
	if err := os.WriteFile(path, []byte(line("t1", "plain", "open", ts, "")+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err := merge.SyncFile(ctx, s, path)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Tasks != 1 || res.LWWCount != 0 || res.Skipped != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := s.GetTask(ctx, "t1"); err != nil {
		t.Fatalf("clean import lost task: %v", err)
	}

	// A missing log is an empty sync, not an error.
	if _, err := merge.SyncFile(ctx, s, filepath.Join(t.TempDir(), "absent.jsonl")); err != nil {
		t.Fatalf("missing log: %v", err)
	}
}

func TestResolveFileRewritesAndImports(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "trak.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	early := time.Date(2026, 7, 2, 10, 0, 0, 0, time.UTC)
	late := time.Date(2026, 7, 3, 10, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "tasks.jsonl")
	content := strings.Join([]string{
		"<<<<<<< HEAD",
		line("t1", "ours", "wip", early, ""),
		"=======",
		line("t1", "theirs", "done", late, ""),
		">>>>>>> branch",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err := merge.ResolveFile(ctx, s, path)
	if err != nil {
		t.Fatalf("resolve file: %v", err)
	}
	if res.LWWCount != 1 || res.Tasks != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	data, _ := os.ReadFile(path)
	if merge.HasConflictMarkers(data) {
		t.Fatal("file still conflicted after resolve")
	}

	task, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("imported task missing: %v", err)
	}
	if task.Status != store.StatusDone || task.Title != "theirs" {
		t.Fatalf("store not rebuilt from winner: %+v", task)
	}
}
