package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// CreateBook inserts a new book. Names are unique per owner,
// case-insensitively.
func (s *Store) CreateBook(ctx context.Context, ownerID, name, bookContext string) (*Book, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("book name is required")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO books (owner_id, name, context) VALUES (?, ?, ?)`,
		ownerID, name, bookContext)
	if err != nil {
		return nil, fmt.Errorf("inserting book: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading book id: %w", err)
	}
	return s.GetBook(ctx, id)
}

// GetBook fetches a book by id.
func (s *Store) GetBook(ctx context.Context, id int64) (*Book, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, context, folder_id, created_at, updated_at
		 FROM books WHERE id = ?`, id)
	return scanBook(row)
}

// FindBookByName looks up a book by name for one owner, ignoring case.
// Returns ErrNotFound when no book matches.
func (s *Store) FindBookByName(ctx context.Context, ownerID, name string) (*Book, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, context, folder_id, created_at, updated_at
		 FROM books WHERE owner_id = ? AND name = ? COLLATE NOCASE`,
		ownerID, strings.TrimSpace(name))
	return scanBook(row)
}

// FindOrCreateBook returns the existing book with the given name, or
// creates it. Used during ingestion when classification names a new book.
func (s *Store) FindOrCreateBook(ctx context.Context, ownerID, name string) (*Book, error) {
	book, err := s.FindBookByName(ctx, ownerID, name)
	if err == nil {
		return book, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	book, err = s.CreateBook(ctx, ownerID, name, "")
	if err == nil {
		return book, nil
	}
	// Lost a race with a concurrent ingest; the unique index guarantees
	// the other writer's row exists now.
	if existing, ferr := s.FindBookByName(ctx, ownerID, name); ferr == nil {
		return existing, nil
	}
	return nil, err
}

// ListBooks returns all books for an owner, most recently updated first.
func (s *Store) ListBooks(ctx context.Context, ownerID string) ([]*Book, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, context, folder_id, created_at, updated_at
		 FROM books WHERE owner_id = ? ORDER BY updated_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing books: %w", err)
	}
	defer rows.Close()

	var books []*Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

// UpdateBookContext replaces the book's AI-maintained context text.
func (s *Store) UpdateBookContext(ctx context.Context, id int64, bookContext string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE books SET context = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		bookContext, id)
	if err != nil {
		return fmt.Errorf("updating book context: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchBook bumps the book's updated_at timestamp.
func (s *Store) TouchBook(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE books SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBook(row rowScanner) (*Book, error) {
	var b Book
	var folderID sql.NullInt64
	err := row.Scan(&b.ID, &b.OwnerID, &b.Name, &b.Context, &folderID, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning book: %w", err)
	}
	if folderID.Valid {
		b.FolderID = &folderID.Int64
	}
	return &b, nil
}
