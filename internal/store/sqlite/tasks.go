package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nanogridbot/ngb/internal/faults"
	"github.com/nanogridbot/ngb/internal/store"
)

// CreateTask inserts a task and returns its generated id.
func (s *Store) CreateTask(ctx context.Context, t *store.Task) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (group_folder, prompt, schedule_type, schedule_value, next_run, status, created_at, context_mode, target_chat_jid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.GroupFolder, t.Prompt, t.ScheduleType, t.ScheduleValue, nullMS(t.NextRun), t.Status, ms(t.CreatedAt), t.ContextMode, nullStr(t.TargetChatJID))
	if err != nil {
		return 0, faults.Wrap(faults.Database, err, "create task")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, faults.Wrap(faults.Database, err, "task insert id")
	}
	return id, nil
}

// GetTask returns the task with id, or nil when absent.
func (s *Store) GetTask(ctx context.Context, id int64) (*store.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, group_folder, prompt, schedule_type, schedule_value, next_run, status, created_at, last_run, context_mode, target_chat_jid
		FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// ListTasks returns tasks, optionally filtered by group folder. An empty
// folder means all tasks.
func (s *Store) ListTasks(ctx context.Context, folder string) ([]store.Task, error) {
	q := `SELECT id, group_folder, prompt, schedule_type, schedule_value, next_run, status, created_at, last_run, context_mode, target_chat_jid
		FROM tasks ORDER BY id ASC`
	args := []any{}
	if folder != "" {
		q = `SELECT id, group_folder, prompt, schedule_type, schedule_value, next_run, status, created_at, last_run, context_mode, target_chat_jid
			FROM tasks WHERE group_folder = ? ORDER BY id ASC`
		args = append(args, folder)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, faults.Wrap(faults.Database, err, "query tasks")
	}
	defer rows.Close()
	return collectTasks(rows)
}

// DueTasks returns active tasks whose next_run is at or before now, soonest
// first.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]store.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_folder, prompt, schedule_type, schedule_value, next_run, status, created_at, last_run, context_mode, target_chat_jid
		FROM tasks WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC`, store.TaskActive, ms(now))
	if err != nil {
		return nil, faults.Wrap(faults.Database, err, "query due tasks")
	}
	defer rows.Close()
	return collectTasks(rows)
}

// UpdateTaskNextRun sets next_run and last_run. A nil nextRun clears the
// column so the task no longer comes due; a zero lastRun stores NULL.
func (s *Store) UpdateTaskNextRun(ctx context.Context, id int64, nextRun *time.Time, lastRun time.Time) error {
	var lr sql.NullInt64
	if !lastRun.IsZero() {
		lr = sql.NullInt64{Int64: ms(lastRun), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET next_run = ?, last_run = ? WHERE id = ?`,
		nullMS(nextRun), lr, id)
	return faults.Wrap(faults.Database, err, "update task next run")
}

// UpdateTaskStatus sets the task status.
func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, status, id)
	return faults.Wrap(faults.Database, err, "update task status")
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return faults.Wrap(faults.Database, err, "delete task")
}

func scanTask(row rowScanner) (*store.Task, error) {
	var (
		t       store.Task
		nextRun sql.NullInt64
		created int64
		lastRun sql.NullInt64
		target  sql.NullString
	)
	if err := row.Scan(&t.ID, &t.GroupFolder, &t.Prompt, &t.ScheduleType, &t.ScheduleValue,
		&nextRun, &t.Status, &created, &lastRun, &t.ContextMode, &target); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, faults.Wrap(faults.Database, err, "scan task")
	}
	t.NextRun = timePtr(nextRun)
	t.CreatedAt = fromMS(created)
	t.LastRun = timePtr(lastRun)
	t.TargetChatJID = target.String
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]store.Task, error) {
	var out []store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, faults.Wrap(faults.Database, rows.Err(), "iterate tasks")
}
