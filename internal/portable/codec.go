// Package portable implements the line-oriented log that mirrors the store
// into version control. Export is a full deterministic rewrite; import is an
// idempotent rebuild. One JSON record per line, one record per task, nested
// journal/deps/claims inside the record.
package portable

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kkeeland/trak-sub001/internal/store"
)

// Record is one task with its nested collections, as serialized to the log.
type Record struct {
	store.Task
	Journal []store.JournalEntry `json:"journal,omitempty"`
	Deps    []string             `json:"deps,omitempty"`
	Claims  []store.Claim        `json:"claims,omitempty"`
}

// recordSchema rejects lines that are JSON but not task records, so a merge
// artifact or hand-edit cannot poison the store on import.
const recordSchema = `{
	"type": "object",
	"required": ["id", "title", "status", "created_at", "updated_at"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"title": {"type": "string"},
		"status": {"enum": ["open", "wip", "review", "blocked", "done", "archived"]},
		"priority": {"type": "integer", "minimum": 0, "maximum": 3},
		"autonomy": {"enum": ["manual", "auto"]},
		"journal": {"type": "array"},
		"deps": {"type": "array", "items": {"type": "string"}},
		"claims": {"type": "array"}
	}
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(recordSchema))
	if err != nil {
		panic(fmt.Sprintf("parse record schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("record.json", doc); err != nil {
		panic(fmt.Sprintf("add record schema: %v", err))
	}
	sch, err := c.Compile("record.json")
	if err != nil {
		panic(fmt.Sprintf("compile record schema: %v", err))
	}
	return sch
}

// Export rewrites path from the full store state. Tasks are emitted in
// creation order, each line carrying the task's journal, dependency parents,
// and claims. The write is atomic: temp file then rename.
func Export(ctx context.Context, s *store.Store, path string) error {
	tasks, err := s.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return fmt.Errorf("export list tasks: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, t := range tasks {
		rec := Record{Task: *t}
		if rec.Journal, err = s.ListJournal(ctx, t.ID); err != nil {
			return fmt.Errorf("export journal for %s: %w", t.ID, err)
		}
		if rec.Deps, err = s.ListParents(ctx, t.ID); err != nil {
			return fmt.Errorf("export deps for %s: %w", t.ID, err)
		}
		if rec.Claims, err = s.ListClaims(ctx, t.ID); err != nil {
			return fmt.Errorf("export claims for %s: %w", t.ID, err)
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode record %s: %w", t.ID, err)
		}
	}
	return WriteAtomic(path, buf.Bytes())
}

// WriteAtomic writes data to path via a temp file and rename, creating
// parent directories as needed.
func WriteAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write log temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename log into place: %w", err)
	}
	return nil
}

// ReadLog parses path into records, skipping (and counting) lines that are
// blank, malformed, or fail schema validation. A missing file yields an
// empty log, not an error.
func ReadLog(path string) ([]Record, int, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	var (
		records []Record
		skipped int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		rec, ok := ParseLine(scanner.Bytes())
		if !ok {
			if strings.TrimSpace(scanner.Text()) != "" {
				skipped++
			}
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan log: %w", err)
	}
	return records, skipped, nil
}

// ParseLine decodes and validates one log line. Returns ok=false for
// anything that is not a well-formed task record.
func ParseLine(line []byte) (Record, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Record{}, false
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(trimmed))
	if err != nil {
		return Record{}, false
	}
	if err := compiledSchema.Validate(inst); err != nil {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return Record{}, false
	}
	for i := range rec.Journal {
		rec.Journal[i].TaskID = rec.ID
	}
	for i := range rec.Claims {
		rec.Claims[i].TaskID = rec.ID
	}
	return rec, true
}

// ImportStats summarizes one import pass.
type ImportStats struct {
	Tasks       int
	Deps        int
	SkippedDeps int // edges whose other endpoint never appeared
	Journal     int
	Claims      int
}

// Import rebuilds the store from records. Task rows are replaced by id,
// dependency edges and claims are inserted ignore-on-duplicate, journal
// entries are deduplicated by (task id, timestamp, entry). Running the same
// import twice leaves the store unchanged. Tasks load first so dependency
// edges never dangle regardless of record order.
func Import(ctx context.Context, s *store.Store, records []Record) (ImportStats, error) {
	var stats ImportStats

	known := make(map[string]bool, len(records))
	for i := range records {
		t := records[i].Task
		if err := s.UpsertTask(ctx, &t); err != nil {
			return stats, fmt.Errorf("import task %s: %w", t.ID, err)
		}
		known[t.ID] = true
		stats.Tasks++
	}

	for i := range records {
		rec := &records[i]
		for _, parent := range rec.Deps {
			if !known[parent] {
				// Check the store too: the parent may predate this log.
				if _, err := s.GetTask(ctx, parent); err != nil {
					stats.SkippedDeps++
					continue
				}
			}
			if err := s.AddDependency(ctx, rec.ID, parent); err != nil {
				return stats, fmt.Errorf("import dep %s -> %s: %w", rec.ID, parent, err)
			}
			stats.Deps++
		}
		for _, e := range rec.Journal {
			if err := s.InsertJournalEntry(ctx, e); err != nil {
				return stats, fmt.Errorf("import journal for %s: %w", rec.ID, err)
			}
			stats.Journal++
		}
		for _, c := range rec.Claims {
			if err := s.InsertClaim(ctx, c); err != nil {
				return stats, fmt.Errorf("import claim for %s: %w", rec.ID, err)
			}
			stats.Claims++
		}
	}
	return stats, nil
}

// ImportFile reads, validates, and imports the log at path. The skipped
// count covers unparseable lines, not duplicate rows.
func ImportFile(ctx context.Context, s *store.Store, path string) (ImportStats, int, error) {
	records, skipped, err := ReadLog(path)
	if err != nil {
		return ImportStats{}, 0, err
	}
	stats, err := Import(ctx, s, records)
	return stats, skipped, err
}
