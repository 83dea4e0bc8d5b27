package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ListPendingTasks returns all open tasks across an owner's entries,
// oldest first.
func (s *Store) ListPendingTasks(ctx context.Context, ownerID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		taskSelect+`
		 JOIN entries e ON e.id = t.entry_id
		 WHERE e.owner_id = ? AND t.done = 0
		 ORDER BY t.created_at ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing pending tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// TasksByEntry returns all tasks attached to one entry.
func (s *Store) TasksByEntry(ctx context.Context, entryID int64) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		taskSelect+` WHERE t.entry_id = ? ORDER BY t.id ASC`, entryID)
	if err != nil {
		return nil, fmt.Errorf("listing entry tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE t.id = ?`, id)
	return scanTask(row)
}

// CompleteTask marks a task done, recording optional completion notes.
// Completing an already-done task is a no-op that refreshes the notes.
func (s *Store) CompleteTask(ctx context.Context, id int64, notes string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks
		 SET done = 1,
		     completion_notes = CASE WHEN ? != '' THEN ? ELSE completion_notes END,
		     completed_at = COALESCE(completed_at, CURRENT_TIMESTAMP)
		 WHERE id = ?`,
		notes, notes, id)
	if err != nil {
		return fmt.Errorf("completing task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReopenTask clears a task's done state.
func (s *Store) ReopenTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET done = 0, completed_at = NULL, completion_notes = '' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("reopening task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const taskSelect = `SELECT t.id, t.entry_id, t.description, t.assignee, t.due_date, t.done, t.priority, t.completion_notes, t.created_at, t.completed_at FROM tasks t`

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.EntryID, &t.Description, &t.Assignee, &t.DueDate,
		&t.Done, &t.Priority, &t.CompletionNotes, &t.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}
