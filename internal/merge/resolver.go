// Package merge reconciles two divergent copies of the portable log after a
// version-control merge left conflict markers in the file. Resolution is
// always fully automatic: scalars go to the record with the later updated_at,
// nested collections are unioned.
package merge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/kkeeland/trak-sub001/internal/portable"
	"github.com/kkeeland/trak-sub001/internal/store"
)

// Conflict markers as written by git.
const (
	markerOurs   = "<<<<<<<"
	markerSplit  = "======="
	markerTheirs = ">>>>>>>"
)

// Result summarizes one resolution pass.
type Result struct {
	Tasks    int // records in the merged log
	LWWCount int // ids present on both sides with differing updated_at
	Skipped  int // unparseable lines dropped
}

// HasConflictMarkers reports whether content still carries merge markers.
func HasConflictMarkers(content []byte) bool {
	for _, line := range bytes.Split(content, []byte("\n")) {
		s := string(line)
		if strings.HasPrefix(s, markerOurs) || s == markerSplit || strings.HasPrefix(s, markerTheirs) {
			return true
		}
	}
	return false
}

// splitSides partitions conflicted content into the two record runs. Lines
// outside any conflict block belong to both sides. Malformed lines are
// counted and dropped, never fatal.
func splitSides(content []byte) (ours, theirs []portable.Record, skipped int) {
	const (
		regionBoth = iota
		regionOurs
		regionTheirs
	)
	region := regionBoth

	for _, raw := range bytes.Split(content, []byte("\n")) {
		line := string(raw)
		switch {
		case strings.HasPrefix(line, markerOurs):
			region = regionOurs
			continue
		case strings.TrimRight(line, " ") == markerSplit:
			region = regionTheirs
			continue
		case strings.HasPrefix(line, markerTheirs):
			region = regionBoth
			continue
		}

		rec, ok := portable.ParseLine(raw)
		if !ok {
			if strings.TrimSpace(line) != "" {
				skipped++
			}
			continue
		}
		switch region {
		case regionOurs:
			ours = append(ours, rec)
		case regionTheirs:
			theirs = append(theirs, rec)
		default:
			ours = append(ours, rec)
			theirs = append(theirs, rec)
		}
	}
	return ours, theirs, skipped
}

// Resolve merges conflicted log content into a clean record set.
func Resolve(content []byte) ([]portable.Record, Result) {
	ours, theirs, skipped := splitSides(content)

	oursByID := indexByID(ours)
	theirsByID := indexByID(theirs)

	ids := make(map[string]bool, len(oursByID)+len(theirsByID))
	for id := range oursByID {
		ids[id] = true
	}
	for id := range theirsByID {
		ids[id] = true
	}

	res := Result{Skipped: skipped}
	merged := make([]portable.Record, 0, len(ids))
	for id := range ids {
		a, inOurs := oursByID[id]
		b, inTheirs := theirsByID[id]
		switch {
		case inOurs && !inTheirs:
			merged = append(merged, a)
		case inTheirs && !inOurs:
			merged = append(merged, b)
		default:
			rec, lww := reconcile(a, b)
			if lww {
				res.LWWCount++
			}
			merged = append(merged, rec)
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		if !merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].CreatedAt.Before(merged[j].CreatedAt)
		}
		return merged[i].ID < merged[j].ID
	})
	res.Tasks = len(merged)
	return merged, res
}

func indexByID(recs []portable.Record) map[string]portable.Record {
	m := make(map[string]portable.Record, len(recs))
	for _, r := range recs {
		m[r.ID] = r
	}
	return m
}

// reconcile merges two records for the same id. The later updated_at wins
// every scalar field; journal, deps, and claims are unioned regardless of
// the winner. Reports whether last-write-wins actually discarded scalars.
func reconcile(a, b portable.Record) (portable.Record, bool) {
	winner, loser := a, b
	if b.UpdatedAt.After(a.UpdatedAt) {
		winner, loser = b, a
	}
	lww := !a.UpdatedAt.Equal(b.UpdatedAt)

	out := portable.Record{Task: winner.Task}
	out.Journal = unionJournal(winner.Journal, loser.Journal)
	out.Deps = unionDeps(winner.Deps, loser.Deps)
	out.Claims = unionClaims(winner.Claims, loser.Claims)
	return out, lww
}

func unionJournal(a, b []store.JournalEntry) []store.JournalEntry {
	seen := map[string]bool{}
	var out []store.JournalEntry
	for _, e := range append(append([]store.JournalEntry{}, a...), b...) {
		key := e.Timestamp.UTC().Format("2006-01-02T15:04:05.999999999") + "\x00" + e.Entry
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func unionDeps(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range append(append([]string{}, a...), b...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func unionClaims(a, b []store.Claim) []store.Claim {
	seen := map[string]bool{}
	var out []store.Claim
	for _, c := range append(append([]store.Claim{}, a...), b...) {
		key := c.Agent + "\x00" + c.ClaimedAt.UTC().Format("2006-01-02T15:04:05.999999999")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ClaimedAt.Before(out[j].ClaimedAt)
	})
	return out
}

// Encode renders records back to log text, one JSON object per line.
func Encode(records []portable.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("encode merged record %s: %w", r.ID, err)
		}
	}
	return buf.Bytes(), nil
}

// SyncFile brings the store up to date with the log at path. A log carrying
// conflict markers goes through full resolution (clean rewrite, then
// reimport); a clean log is imported as-is. This is the one entry point for
// automated post-pull ingestion, so markers can never leak into the store.
func SyncFile(ctx context.Context, s *store.Store, path string) (Result, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{}, nil
		}
		return Result{}, fmt.Errorf("read log: %w", err)
	}
	if HasConflictMarkers(content) {
		return ResolveFile(ctx, s, path)
	}
	stats, skipped, err := portable.ImportFile(ctx, s, path)
	if err != nil {
		return Result{}, err
	}
	return Result{Tasks: stats.Tasks, Skipped: skipped}, nil
}

// ResolveFile rewrites the conflicted log at path with the clean merge and
// rebuilds the store from it. Safe to call on an unconflicted file: with no
// markers both sides are identical and resolution is a no-op rewrite.
func ResolveFile(ctx context.Context, s *store.Store, path string) (Result, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("read conflicted log: %w", err)
	}

	merged, res := Resolve(content)
	clean, err := Encode(merged)
	if err != nil {
		return res, err
	}
	if err := portable.WriteAtomic(path, clean); err != nil {
		return res, err
	}
	if _, err := portable.Import(ctx, s, merged); err != nil {
		return res, fmt.Errorf("reimport merged log: %w", err)
	}
	return res, nil
}
