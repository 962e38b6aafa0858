package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensprint/opensprint/internal/task"
)

// Tasks is the sqlite task.Store. Standalone runs use it as the source of
// truth; deployments with a platform task store wire that in instead.
type Tasks struct {
	db *DB
}

// NewTasks returns the task store backed by db.
func NewTasks(db *DB) *Tasks {
	return &Tasks{db: db}
}

const taskColumns = `id, title, status, priority, labels, attempts, epic_id, assignee,
	execution_summary, block_reason, scope, conflict_files, merge_stage, created_at, updated_at`

// Put inserts or replaces a task. Used for seeding and by the CLI when it
// owns the task lifecycle.
func (s *Tasks) Put(ctx context.Context, t *task.Task) error {
	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.sql.ExecContext(ctx, `
		INSERT OR REPLACE INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Status, t.Priority, marshalStrings(t.Labels), t.Attempts,
		t.EpicID, t.Assignee, t.ExecutionSummary, t.BlockReason,
		marshalStrings(t.Scope), marshalStrings(t.ConflictFiles), t.MergeStage,
		created.Format(time.RFC3339Nano), now())
	if err != nil {
		return fmt.Errorf("put task: %w", err)
	}
	return nil
}

// Show returns one task or task.ErrNotFound.
func (s *Tasks) Show(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.sql.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("show %s: %w", id, task.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("show task: %w", err)
	}
	return t, nil
}

// ListAll returns every task ordered by creation time.
func (s *Tasks) ListAll(ctx context.Context) ([]*task.Task, error) {
	return s.list(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, id`)
}

// ListInProgressWithAgentAssignee returns candidates for orphan recovery.
func (s *Tasks) ListInProgressWithAgentAssignee(ctx context.Context) ([]*task.Task, error) {
	return s.list(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND assignee = ? ORDER BY created_at, id`,
		task.StatusInProgress, task.AgentAssignee)
}

func (s *Tasks) list(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Update applies a partial mutation.
func (s *Tasks) Update(ctx context.Context, id string, upd task.Update) error {
	set := "updated_at = ?"
	args := []any{now()}
	if upd.Status != nil {
		set += ", status = ?"
		args = append(args, *upd.Status)
	}
	if upd.Priority != nil {
		set += ", priority = ?"
		args = append(args, *upd.Priority)
	}
	if upd.Assignee != nil {
		set += ", assignee = ?"
		args = append(args, *upd.Assignee)
	}
	if upd.ExecutionSummary != nil {
		set += ", execution_summary = ?"
		args = append(args, *upd.ExecutionSummary)
	}
	if upd.BlockReason != nil {
		set += ", block_reason = ?"
		args = append(args, *upd.BlockReason)
	}
	args = append(args, id)

	res, err := s.db.sql.ExecContext(ctx, `UPDATE tasks SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return requireRow(res, id)
}

// Comment appends to the task's discussion.
func (s *Tasks) Comment(ctx context.Context, id, body string) error {
	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO task_comments (task_id, body, created_at) VALUES (?, ?, ?)`,
		id, body, now())
	if err != nil {
		return fmt.Errorf("comment task: %w", err)
	}
	return nil
}

// Comments returns the task's comments oldest first.
func (s *Tasks) Comments(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT body FROM task_comments WHERE task_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var comments []string
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		comments = append(comments, body)
	}
	return comments, rows.Err()
}

// Close marks the task closed with its final summary and clears the
// assignee.
func (s *Tasks) Close(ctx context.Context, id, summary string) error {
	res, err := s.db.sql.ExecContext(ctx, `UPDATE tasks
		SET status = ?, execution_summary = ?, assignee = '', updated_at = ?
		WHERE id = ?`,
		task.StatusClosed, summary, now(), id)
	if err != nil {
		return fmt.Errorf("close task: %w", err)
	}
	return requireRow(res, id)
}

// SetAttempts persists the cumulative counter. Attempts never decrease; a
// lower value is ignored.
func (s *Tasks) SetAttempts(ctx context.Context, id string, attempts int) error {
	res, err := s.db.sql.ExecContext(ctx, `UPDATE tasks
		SET attempts = MAX(attempts, ?), updated_at = ? WHERE id = ?`,
		attempts, now(), id)
	if err != nil {
		return fmt.Errorf("set attempts: %w", err)
	}
	return requireRow(res, id)
}

// Attempts reads the persisted counter.
func (s *Tasks) Attempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.db.sql.QueryRowContext(ctx, `SELECT attempts FROM tasks WHERE id = ?`, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("attempts %s: %w", id, task.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("read attempts: %w", err)
	}
	return attempts, nil
}

// SetConflictFiles records the most recent merge conflict's files.
func (s *Tasks) SetConflictFiles(ctx context.Context, id string, files []string) error {
	res, err := s.db.sql.ExecContext(ctx, `UPDATE tasks
		SET conflict_files = ?, updated_at = ? WHERE id = ?`,
		marshalStrings(files), now(), id)
	if err != nil {
		return fmt.Errorf("set conflict files: %w", err)
	}
	return requireRow(res, id)
}

// SetMergeStage records the stage of the most recent merge conflict.
func (s *Tasks) SetMergeStage(ctx context.Context, id, stage string) error {
	res, err := s.db.sql.ExecContext(ctx, `UPDATE tasks
		SET merge_stage = ?, updated_at = ? WHERE id = ?`,
		stage, now(), id)
	if err != nil {
		return fmt.Errorf("set merge stage: %w", err)
	}
	return requireRow(res, id)
}

func scanTask(row interface{ Scan(...any) error }) (*task.Task, error) {
	var t task.Task
	var labels, scope, conflictFiles, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.Title, &t.Status, &t.Priority, &labels, &t.Attempts,
		&t.EpicID, &t.Assignee, &t.ExecutionSummary, &t.BlockReason,
		&scope, &conflictFiles, &t.MergeStage, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Labels = unmarshalStrings(labels)
	t.Scope = unmarshalStrings(scope)
	t.ConflictFiles = unmarshalStrings(conflictFiles)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &t, nil
}

func marshalStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalStrings(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil || len(out) == 0 {
		return nil
	}
	return out
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, task.ErrNotFound)
	}
	return nil
}
