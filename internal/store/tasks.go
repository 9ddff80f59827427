package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kkeeland/trak-sub001/internal/bus"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusOpen     Status = "open"
	StatusWip      Status = "wip"
	StatusReview   Status = "review"
	StatusBlocked  Status = "blocked"
	StatusDone     Status = "done"
	StatusArchived Status = "archived"
)

// Autonomy values control unattended dispatch eligibility.
const (
	AutonomyManual = "manual"
	AutonomyAuto   = "auto"
)

// allowedTransitions is the task state machine. A transition back to open is
// always legal regardless of this map (failed verification, worker abort).
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusOpen: {
		StatusWip:     {},
		StatusBlocked: {},
		StatusDone:    {}, // Direct close without claiming.
	},
	StatusWip: {
		StatusReview:  {},
		StatusBlocked: {},
		StatusDone:    {},
	},
	StatusReview: {
		StatusDone: {},
		StatusWip:  {},
	},
	StatusBlocked: {
		StatusWip:  {},
		StatusDone: {},
	},
	StatusDone: {
		StatusArchived: {},
	},
}

// Terminal reports whether a status counts as completed for dependency
// readiness purposes.
func Terminal(s Status) bool {
	return s == StatusDone || s == StatusArchived
}

// Task is one unit of work. Accounting fields are monotonically additive.
type Task struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	Status             Status     `json:"status"`
	Priority           int        `json:"priority"` // 0 = highest, 3 = lowest
	Project            string     `json:"project"`
	ParentID           string     `json:"parent_id,omitempty"`
	EpicID             string     `json:"epic_id,omitempty"`
	IsEpic             bool       `json:"is_epic,omitempty"`
	Tags               []string   `json:"tags,omitempty"`
	Convoy             string     `json:"convoy,omitempty"`
	Autonomy           string     `json:"autonomy"`
	BudgetUSD          *float64   `json:"budget_usd,omitempty"`
	CostUSD            float64    `json:"cost_usd,omitempty"`
	TokensUsed         int64      `json:"tokens_used,omitempty"`
	TokensIn           int64      `json:"tokens_in,omitempty"`
	TokensOut          int64      `json:"tokens_out,omitempty"`
	ModelUsed          string     `json:"model_used,omitempty"`
	DurationSeconds    float64    `json:"duration_seconds,omitempty"`
	AssignedTo         string     `json:"assigned_to,omitempty"`
	VerificationStatus string     `json:"verification_status,omitempty"`
	VerifiedBy         string     `json:"verified_by,omitempty"`
	BlockedBy          string     `json:"blocked_by,omitempty"`
	CreatedFrom        string     `json:"created_from,omitempty"`
	TimeoutSeconds     int        `json:"timeout_seconds,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// JournalEntry is an append-only, immutable audit record for one task.
type JournalEntry struct {
	TaskID    string    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Entry     string    `json:"entry"`
	Author    string    `json:"author"`
}

// Claim is an advisory record of which agent is working a task.
type Claim struct {
	TaskID     string     `json:"-"`
	Agent      string     `json:"agent"`
	Model      string     `json:"model,omitempty"`
	Status     string     `json:"status"`
	ClaimedAt  time.Time  `json:"claimed_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// Claim status values.
const (
	ClaimStatusClaimed  = "claimed"
	ClaimStatusReleased = "released"
)

// NewTaskID generates a short opaque task id.
func NewTaskID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

const taskColumns = `id, title, description, status, priority, project, parent_id, epic_id, is_epic,
	tags, convoy, autonomy, budget_usd, cost_usd, tokens_used, tokens_in, tokens_out,
	model_used, duration_seconds, assigned_to, verification_status, verified_by,
	blocked_by, created_from, timeout_seconds, created_at, updated_at`

func scanTask(scan func(dest ...any) error) (*Task, error) {
	var (
		t      Task
		isEpic int
		tags   string
		budget sql.NullFloat64
	)
	if err := scan(
		&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.Project,
		&t.ParentID, &t.EpicID, &isEpic, &tags, &t.Convoy, &t.Autonomy,
		&budget, &t.CostUSD, &t.TokensUsed, &t.TokensIn, &t.TokensOut,
		&t.ModelUsed, &t.DurationSeconds, &t.AssignedTo, &t.VerificationStatus,
		&t.VerifiedBy, &t.BlockedBy, &t.CreatedFrom, &t.TimeoutSeconds,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.IsEpic = isEpic != 0
	if budget.Valid {
		v := budget.Float64
		t.BudgetUSD = &v
	}
	if tags != "" && tags != "[]" {
		if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for %s: %w", t.ID, err)
		}
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func encodeTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(b), nil
}

// CreateTask inserts a new task. Missing id, status, autonomy, and timestamps
// are filled with defaults. Returns the task id.
func (s *Store) CreateTask(ctx context.Context, t *Task) (string, error) {
	if t.ID == "" {
		t.ID = NewTaskID()
	}
	if t.Status == "" {
		t.Status = StatusOpen
	}
	if t.Autonomy == "" {
		t.Autonomy = AutonomyManual
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	return t.ID, s.upsertTask(ctx, t, false)
}

// UpsertTask replaces the task row on id collision. Used by the portable log
// import, where the incoming record is authoritative for every scalar field.
func (s *Store) UpsertTask(ctx context.Context, t *Task) error {
	return s.upsertTask(ctx, t, true)
}

func (s *Store) upsertTask(ctx context.Context, t *Task, replace bool) error {
	tags, err := encodeTags(t.Tags)
	if err != nil {
		return err
	}
	verb := "INSERT"
	if replace {
		verb = "INSERT OR REPLACE"
	}
	var budget any
	if t.BudgetUSD != nil {
		budget = *t.BudgetUSD
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, verb+` INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.Title, t.Description, t.Status, t.Priority, t.Project,
			t.ParentID, t.EpicID, boolToInt(t.IsEpic), tags, t.Convoy, t.Autonomy,
			budget, t.CostUSD, t.TokensUsed, t.TokensIn, t.TokensOut,
			t.ModelUsed, t.DurationSeconds, t.AssignedTo, t.VerificationStatus,
			t.VerifiedBy, t.BlockedBy, t.CreatedFrom, t.TimeoutSeconds,
			t.CreatedAt.UTC(), t.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
		return nil
	})
}

// GetTask returns the task or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Status  Status
	Project string
	Convoy  string
	EpicID  string
}

// ListTasks returns tasks sorted by creation time (id as tiebreak).
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Project != "" {
		query += ` AND project = ?`
		args = append(args, f.Project)
	}
	if f.Convoy != "" {
		query += ` AND convoy = ?`
		args = append(args, f.Convoy)
	}
	if f.EpicID != "" {
		query += ` AND epic_id = ?`
		args = append(args, f.EpicID)
	}
	query += ` ORDER BY created_at ASC, id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// SaveTask rewrites a task's mutable fields and bumps updated_at.
func (s *Store) SaveTask(ctx context.Context, t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	return s.upsertTask(ctx, t, true)
}

// SetStatus applies a validated status transition, journals it, and publishes
// a state-changed event. A transition to open is always allowed (revert path);
// everything else must be in the state machine.
func (s *Store) SetStatus(ctx context.Context, id string, to Status, actor, note string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin status tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var from Status
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, id).Scan(&from); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %s: %w", id, ErrNotFound)
			}
			return fmt.Errorf("read status: %w", err)
		}
		if from == to {
			// No-op transition; nothing to journal.
			return tx.Rollback()
		}
		if to != StatusOpen {
			if _, ok := allowedTransitions[from][to]; !ok {
				return fmt.Errorf("%s: %s -> %s: %w", id, from, to, ErrInvalidTransition)
			}
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?;
		`, to, now, id); err != nil {
			return fmt.Errorf("update status: %w", err)
		}

		entry := fmt.Sprintf("status: %s -> %s", from, to)
		if note != "" {
			entry += ": " + note
		}
		if err := appendJournalTx(ctx, tx, id, now, entry, actor); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit status tx: %w", err)
		}

		if s.bus != nil {
			s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
				TaskID:    id,
				OldStatus: string(from),
				NewStatus: string(to),
				Actor:     actor,
			})
		}
		return nil
	})
}

func appendJournalTx(ctx context.Context, tx *sql.Tx, taskID string, ts time.Time, entry, author string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO journal (task_id, ts, entry, author) VALUES (?, ?, ?, ?);
	`, taskID, ts.UTC(), entry, author); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

// AppendJournal records an immutable journal entry for the task.
func (s *Store) AppendJournal(ctx context.Context, taskID, entry, author string) error {
	now := time.Now().UTC()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO journal (task_id, ts, entry, author) VALUES (?, ?, ?, ?);
		`, taskID, now, entry, author)
		return err
	})
	if err != nil {
		return fmt.Errorf("append journal for %s: %w", taskID, err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskJournaled, taskID)
	}
	return nil
}

// InsertJournalEntry inserts an entry with an explicit timestamp, skipping
// duplicates by the (task_id, timestamp, entry) composite key. Used by import.
func (s *Store) InsertJournalEntry(ctx context.Context, e JournalEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO journal (task_id, ts, entry, author)
		SELECT ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM journal WHERE task_id = ? AND ts = ? AND entry = ?
		);
	`, e.TaskID, e.Timestamp.UTC(), e.Entry, e.Author, e.TaskID, e.Timestamp.UTC(), e.Entry)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// ListJournal returns a task's journal in timestamp order.
func (s *Store) ListJournal(ctx context.Context, taskID string) ([]JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, ts, entry, author FROM journal
		WHERE task_id = ? ORDER BY ts ASC, id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.TaskID, &e.Timestamp, &e.Entry, &e.Author); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal rows: %w", err)
	}
	return out, nil
}

// LastJournalTime returns the most recent journal timestamp for the task, or
// the zero time when the journal is empty.
func (s *Store) LastJournalTime(ctx context.Context, taskID string) (time.Time, error) {
	var ts sql.NullTime
	if err := s.db.QueryRowContext(ctx, `
		SELECT MAX(ts) FROM journal WHERE task_id = ?;
	`, taskID).Scan(&ts); err != nil {
		return time.Time{}, fmt.Errorf("last journal time: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time.UTC(), nil
}

// AddDependency records that child cannot start until parent completes.
// Both endpoints must exist; duplicate edges are ignored.
func (s *Store) AddDependency(ctx context.Context, childID, parentID string) error {
	for _, id := range []string{childID, parentID} {
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO dependencies (child_id, parent_id) VALUES (?, ?);
	`, childID, parentID)
	if err != nil {
		return fmt.Errorf("add dependency %s -> %s: %w", childID, parentID, err)
	}
	return nil
}

// RemoveDependency deletes the edge; missing edges are a no-op.
func (s *Store) RemoveDependency(ctx context.Context, childID, parentID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM dependencies WHERE child_id = ? AND parent_id = ?;
	`, childID, parentID)
	if err != nil {
		return fmt.Errorf("remove dependency: %w", err)
	}
	return nil
}

// ListParents returns ids the task depends on, sorted.
func (s *Store) ListParents(ctx context.Context, childID string) ([]string, error) {
	return s.listEdgeIDs(ctx, `SELECT parent_id FROM dependencies WHERE child_id = ? ORDER BY parent_id;`, childID)
}

// ListDependents returns ids of tasks that depend on the given task, sorted.
func (s *Store) ListDependents(ctx context.Context, parentID string) ([]string, error) {
	return s.listEdgeIDs(ctx, `SELECT child_id FROM dependencies WHERE parent_id = ? ORDER BY child_id;`, parentID)
}

func (s *Store) listEdgeIDs(ctx context.Context, query, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("edge rows: %w", err)
	}
	return out, nil
}

// AcquireClaim claims a task for an agent. An existing active claim by a
// different agent is released and the takeover is journaled. Claims are
// advisory: they never hard-block another acquisition.
func (s *Store) AcquireClaim(ctx context.Context, taskID, agent, model string) error {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		var prevAgent string
		err = tx.QueryRowContext(ctx, `
			SELECT agent FROM claims WHERE task_id = ? AND status = ? ORDER BY claimed_at DESC LIMIT 1;
		`, taskID, ClaimStatusClaimed).Scan(&prevAgent)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// Nothing to take over.
		case err != nil:
			return fmt.Errorf("read active claim: %w", err)
		default:
			if _, err := tx.ExecContext(ctx, `
				UPDATE claims SET status = ?, released_at = ? WHERE task_id = ? AND status = ?;
			`, ClaimStatusReleased, now, taskID, ClaimStatusClaimed); err != nil {
				return fmt.Errorf("release prior claim: %w", err)
			}
			if prevAgent != agent {
				entry := fmt.Sprintf("claim taken over from %s by %s", prevAgent, agent)
				if err := appendJournalTx(ctx, tx, taskID, now, entry, agent); err != nil {
					return err
				}
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO claims (task_id, agent, model, status, claimed_at) VALUES (?, ?, ?, ?, ?);
		`, taskID, agent, model, ClaimStatusClaimed, now); err != nil {
			return fmt.Errorf("insert claim: %w", err)
		}
		return tx.Commit()
	})
}

// ReleaseClaim releases the task's active claim, or ErrNoActiveClaim.
func (s *Store) ReleaseClaim(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE claims SET status = ?, released_at = ? WHERE task_id = ? AND status = ?;
	`, ClaimStatusReleased, time.Now().UTC(), taskID, ClaimStatusClaimed)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release claim rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNoActiveClaim)
	}
	return nil
}

// InsertClaim inserts a claim row with explicit timestamps, skipping
// duplicates by the (agent, claimed_at) composite key. Used by import.
func (s *Store) InsertClaim(ctx context.Context, c Claim) error {
	var released any
	if c.ReleasedAt != nil {
		released = c.ReleasedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO claims (task_id, agent, model, status, claimed_at, released_at)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM claims WHERE task_id = ? AND agent = ? AND claimed_at = ?
		);
	`, c.TaskID, c.Agent, c.Model, c.Status, c.ClaimedAt.UTC(), released,
		c.TaskID, c.Agent, c.ClaimedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

// ListClaims returns a task's claims in claimed_at order.
func (s *Store) ListClaims(ctx context.Context, taskID string) ([]Claim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, agent, model, status, claimed_at, released_at FROM claims
		WHERE task_id = ? ORDER BY claimed_at ASC, id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()

	var out []Claim
	for rows.Next() {
		var (
			c        Claim
			released sql.NullTime
		)
		if err := rows.Scan(&c.TaskID, &c.Agent, &c.Model, &c.Status, &c.ClaimedAt, &released); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		c.ClaimedAt = c.ClaimedAt.UTC()
		if released.Valid {
			t := released.Time.UTC()
			c.ReleasedAt = &t
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim rows: %w", err)
	}
	return out, nil
}

// Usage is a monotonic accounting delta applied to a task.
type Usage struct {
	CostUSD         float64
	TokensIn        int64
	TokensOut       int64
	DurationSeconds float64
	Model           string
}

// AddUsage adds execution accounting to a task. Counters only ever grow.
func (s *Store) AddUsage(ctx context.Context, taskID string, u Usage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			cost_usd = cost_usd + ?,
			tokens_in = tokens_in + ?,
			tokens_out = tokens_out + ?,
			tokens_used = tokens_used + ?,
			duration_seconds = duration_seconds + ?,
			model_used = CASE WHEN ? != '' THEN ? ELSE model_used END,
			updated_at = ?
		WHERE id = ?;
	`, u.CostUSD, u.TokensIn, u.TokensOut, u.TokensIn+u.TokensOut,
		u.DurationSeconds, u.Model, u.Model, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("add usage rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// EpicProgress counts completed vs total children of an epic.
func (s *Store) EpicProgress(ctx context.Context, epicID string) (done, total int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status IN ('done', 'archived') THEN 1 ELSE 0 END), 0),
			COUNT(1)
		FROM tasks WHERE epic_id = ?;
	`, epicID).Scan(&done, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("epic progress: %w", err)
	}
	return done, total, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
