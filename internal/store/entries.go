package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EntryInput carries everything needed to persist one classified entry
// with its extracted tasks and entities in a single transaction.
type EntryInput struct {
	OwnerID       string
	BookID        int64
	RawText       string
	Summary       string
	Type          string
	Priority      string
	ThreadID      *int64
	RewrittenText string
	Tasks         []TaskInput
	Entities      []EntityInput
}

// TaskInput is a task to create alongside an entry.
type TaskInput struct {
	Description string
	Assignee    string
	DueDate     string
	Priority    string
}

// EntityInput is an entity mention to create alongside an entry.
type EntityInput struct {
	Name string
	Type string
}

// CreateEntry persists an entry plus its tasks and entities atomically.
// The entry starts in PROCESSING status; callers mark it COMPLETED or
// ERROR once post-processing settles.
func (s *Store) CreateEntry(ctx context.Context, in EntryInput) (*Entry, error) {
	if in.RawText == "" {
		return nil, fmt.Errorf("entry text is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO entries (owner_id, book_id, raw_text, summary, entry_type, priority, thread_id, rewritten_text, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.OwnerID, in.BookID, in.RawText, in.Summary, in.Type, in.Priority,
		in.ThreadID, in.RewrittenText, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("inserting entry: %w", err)
	}
	entryID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading entry id: %w", err)
	}

	for _, task := range in.Tasks {
		if task.Priority == "" {
			task.Priority = "MEDIUM"
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (entry_id, description, assignee, due_date, priority)
			 VALUES (?, ?, ?, ?, ?)`,
			entryID, task.Description, task.Assignee, task.DueDate, task.Priority); err != nil {
			return nil, fmt.Errorf("inserting task: %w", err)
		}
	}

	for _, entity := range in.Entities {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entities (entry_id, name, entity_type) VALUES (?, ?, ?)`,
			entryID, entity.Name, entity.Type); err != nil {
			return nil, fmt.Errorf("inserting entity: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE books SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`, in.BookID); err != nil {
		return nil, fmt.Errorf("touching book: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing entry: %w", err)
	}
	return s.GetEntry(ctx, entryID)
}

// GetEntry fetches an entry by id.
func (s *Store) GetEntry(ctx context.Context, id int64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, entrySelect+` WHERE id = ?`, id)
	return scanEntry(row)
}

// ListEntries returns an owner's entries, newest first, with optional
// book filtering and pagination.
func (s *Store) ListEntries(ctx context.Context, ownerID string, opts ListOpts) ([]*Entry, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}

	query := entrySelect + ` WHERE owner_id = ?`
	args := []any{ownerID}
	if opts.BookID > 0 {
		query += ` AND book_id = ?`
		args = append(args, opts.BookID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecentEntrySummaries returns id, summary and book for the owner's most
// recent entries, for use as matching context.
func (s *Store) RecentEntrySummaries(ctx context.Context, ownerID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		entrySelect+` WHERE owner_id = ? AND summary != '' ORDER BY created_at DESC, id DESC LIMIT ?`,
		ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AppendEntryText appends new text to an existing entry's raw text and
// refreshes its summary. Used when new input updates a prior entry.
func (s *Store) AppendEntryText(ctx context.Context, id int64, addition, newSummary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries
		 SET raw_text = raw_text || char(10) || char(10) || ?,
		     summary = CASE WHEN ? != '' THEN ? ELSE summary END,
		     updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		addition, newSummary, newSummary, id)
	if err != nil {
		return fmt.Errorf("appending entry text: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEntryStatus moves the entry through its processing lifecycle.
func (s *Store) SetEntryStatus(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, id)
	if err != nil {
		return fmt.Errorf("setting entry status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignEntryThread attaches an entry to a thread. When the thread lives
// in a different book than the entry, the entry moves to the thread's
// book so membership stays consistent.
func (s *Store) AssignEntryThread(ctx context.Context, entryID, threadID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var threadBookID int64
	err = tx.QueryRowContext(ctx, `SELECT book_id FROM threads WHERE id = ?`, threadID).Scan(&threadBookID)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading thread: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE entries SET thread_id = ?, book_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		threadID, threadBookID, entryID)
	if err != nil {
		return fmt.Errorf("assigning thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// StuckProcessingEntries returns ids of entries still PROCESSING whose
// last update is older than the cutoff.
func (s *Store) StuckProcessingEntries(ctx context.Context, before time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM entries WHERE status = ? AND updated_at < ?`,
		StatusProcessing, before.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return nil, fmt.Errorf("listing stuck entries: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning entry id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SearchEntries does a LIKE search over raw text and summaries.
func (s *Store) SearchEntries(ctx context.Context, ownerID, query string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx,
		entrySelect+` WHERE owner_id = ? AND (raw_text LIKE ? OR summary LIKE ?)
		 ORDER BY created_at DESC LIMIT ?`,
		ownerID, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("searching entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const entrySelect = `SELECT id, owner_id, book_id, raw_text, summary, entry_type, priority, thread_id, rewritten_text, status, created_at, updated_at FROM entries`

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var threadID sql.NullInt64
	err := row.Scan(&e.ID, &e.OwnerID, &e.BookID, &e.RawText, &e.Summary, &e.Type,
		&e.Priority, &threadID, &e.RewrittenText, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning entry: %w", err)
	}
	if threadID.Valid {
		e.ThreadID = &threadID.Int64
	}
	return &e, nil
}
