// Package verify applies a verification method to a completed task. The
// methods are independent capabilities: a manual verdict, a command run, a
// checklist walkthrough, and a read-only diff review. Only a failing manual
// verdict or a failing command mutate task status (revert to open); the
// checklist journals, the diff changes nothing.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/kkeeland/trak-sub001/internal/store"
)

// Method is one way of verifying a task.
type Method interface {
	method()
}

// Manual is a human pass/fail verdict.
type Manual struct {
	Passed bool
	By     string
}

// Command runs a shell command; a non-zero exit fails verification.
type Command struct {
	Cmd string
	Dir string
	By  string
}

// Checklist journals each item as reviewed. It never changes status.
type Checklist struct {
	Items []string
	By    string
}

// Diff shows the working-tree diff for review. Read-only.
type Diff struct {
	Dir string
}

func (Manual) method()    {}
func (Command) method()   {}
func (Checklist) method() {}
func (Diff) method()      {}

// Outcome reports what the verification did.
type Outcome struct {
	Status   string // "passed", "failed", or "" for status-neutral methods
	Reverted bool   // task was reset to open
	Output   string // command/diff output, truncated
}

// Verifier applies methods against one store.
type Verifier struct {
	store   *store.Store
	logger  *slog.Logger
	timeout time.Duration
}

func New(s *store.Store, logger *slog.Logger, timeout time.Duration) *Verifier {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &Verifier{store: s, logger: logger, timeout: timeout}
}

const outputLimit = 4096

// Verify applies m to the task and records the documented effect of each
// method.
func (v *Verifier) Verify(ctx context.Context, taskID string, m Method) (Outcome, error) {
	if _, err := v.store.GetTask(ctx, taskID); err != nil {
		return Outcome{}, err
	}

	switch method := m.(type) {
	case Manual:
		return v.manual(ctx, taskID, method)
	case Command:
		return v.command(ctx, taskID, method)
	case Checklist:
		return v.checklist(ctx, taskID, method)
	case Diff:
		return v.diff(ctx, method)
	default:
		return Outcome{}, fmt.Errorf("unknown verification method %T", m)
	}
}

func (v *Verifier) record(ctx context.Context, taskID, status, by, note string) (Outcome, error) {
	t, err := v.store.GetTask(ctx, taskID)
	if err != nil {
		return Outcome{}, err
	}
	t.VerificationStatus = status
	t.VerifiedBy = by
	if err := v.store.SaveTask(ctx, t); err != nil {
		return Outcome{}, fmt.Errorf("record verification: %w", err)
	}
	if err := v.store.AppendJournal(ctx, taskID, note, by); err != nil {
		return Outcome{}, err
	}

	out := Outcome{Status: status}
	if status == "failed" {
		if err := v.store.SetStatus(ctx, taskID, store.StatusOpen, by, "verification failed"); err != nil {
			return out, fmt.Errorf("revert on failed verification: %w", err)
		}
		out.Reverted = true
	}
	v.logger.Info("verification recorded", "task", taskID, "status", status, "by", by)
	return out, nil
}

func (v *Verifier) manual(ctx context.Context, taskID string, m Manual) (Outcome, error) {
	status, note := "passed", "verification passed (manual)"
	if !m.Passed {
		status, note = "failed", "verification failed (manual)"
	}
	return v.record(ctx, taskID, status, m.By, note)
}

func (v *Verifier) command(ctx context.Context, taskID string, m Command) (Outcome, error) {
	cctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", m.Cmd)
	cmd.Dir = m.Dir
	output, runErr := cmd.CombinedOutput()
	trimmed := truncate(string(output))

	status, note := "passed", fmt.Sprintf("verification passed: %s", m.Cmd)
	if runErr != nil {
		status = "failed"
		note = fmt.Sprintf("verification failed: %s: %v", m.Cmd, runErr)
		if trimmed != "" {
			note += "\n" + trimmed
		}
	}
	out, err := v.record(ctx, taskID, status, m.By, note)
	out.Output = trimmed
	return out, err
}

func (v *Verifier) checklist(ctx context.Context, taskID string, m Checklist) (Outcome, error) {
	for _, item := range m.Items {
		if err := v.store.AppendJournal(ctx, taskID, "checklist: "+item, m.By); err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{}, nil
}

func (v *Verifier) diff(ctx context.Context, m Diff) (Outcome, error) {
	cctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	cmd := exec.CommandContext(cctx, "git", "diff")
	cmd.Dir = m.Dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return Outcome{}, fmt.Errorf("git diff: %w", err)
	}
	return Outcome{Output: truncate(string(output))}, nil
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > outputLimit {
		return s[:outputLimit] + "\n[truncated]"
	}
	return s
}
