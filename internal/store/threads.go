package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// CreateThread starts a new thread inside a book.
func (s *Store) CreateThread(ctx context.Context, ownerID string, bookID int64, title string) (*Thread, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("thread title is required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (owner_id, book_id, title) VALUES (?, ?, ?)`,
		ownerID, bookID, title)
	if err != nil {
		return nil, fmt.Errorf("inserting thread: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading thread id: %w", err)
	}
	return s.GetThread(ctx, id)
}

// GetThread fetches a thread by id.
func (s *Store) GetThread(ctx context.Context, id int64) (*Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, book_id, title, created_at FROM threads WHERE id = ?`, id)
	return scanThread(row)
}

// ListThreads returns all threads for an owner, newest first.
func (s *Store) ListThreads(ctx context.Context, ownerID string) ([]*Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, book_id, title, created_at
		 FROM threads WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing threads: %w", err)
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		th, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, th)
	}
	return threads, rows.Err()
}

// ThreadMemberSummaries returns the most recent member entry summaries
// for a thread, capped to limit, newest first.
func (s *Store) ThreadMemberSummaries(ctx context.Context, threadID int64, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT summary FROM entries
		 WHERE thread_id = ? AND summary != ''
		 ORDER BY created_at DESC LIMIT ?`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing thread summaries: %w", err)
	}
	defer rows.Close()

	var summaries []string
	for rows.Next() {
		var sum string
		if err := rows.Scan(&sum); err != nil {
			return nil, fmt.Errorf("scanning summary: %w", err)
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// ThreadEntries returns a thread's member entries, oldest first.
func (s *Store) ThreadEntries(ctx context.Context, threadID int64) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		entrySelect+` WHERE thread_id = ? ORDER BY created_at ASC, id ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("listing thread entries: %w", err)
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

func scanThread(row rowScanner) (*Thread, error) {
	var th Thread
	err := row.Scan(&th.ID, &th.OwnerID, &th.BookID, &th.Title, &th.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning thread: %w", err)
	}
	return &th, nil
}
