// Package store provides the SQLite storage layer for Bitácora.
//
// All captured data lives in a single SQLite database file, scoped by owner:
// notebooks (books), entries, tasks, entities, threads, embedding vectors,
// relation edges, and the person-summary cache.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.bitacora/bitacora.db"

// Entry status lifecycle.
const (
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusError      = "ERROR"
)

// Book is a user-defined named container for related entries.
type Book struct {
	ID        int64
	OwnerID   string
	Name      string
	Context   string // optional description, AI-refined over time
	FolderID  *int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Entry is one classified unit of captured input. Every entry belongs to
// exactly one book at all times.
type Entry struct {
	ID            int64
	OwnerID       string
	BookID        int64
	RawText       string
	Summary       string
	Type          string // NOTE, TASK, DECISION, IDEA, RISK
	Priority      string // LOW, MEDIUM, HIGH
	ThreadID      *int64
	RewrittenText string
	Status        string // PROCESSING, COMPLETED, ERROR
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Task is an actionable item extracted from or attached to an entry.
type Task struct {
	ID              int64
	EntryID         int64
	Description     string
	Assignee        string
	DueDate         string // ISO date, empty if none
	Done            bool
	Priority        string
	CompletionNotes string // meaningful only when Done
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// Entity is a named mention extracted from an entry.
type Entity struct {
	ID      int64
	EntryID int64
	Name    string
	Type    string // PERSON, COMPANY, PROJECT, TOPIC
}

// Thread is a cross-entry conversation grouping within one book.
type Thread struct {
	ID        int64
	OwnerID   string
	BookID    int64
	Title     string
	CreatedAt time.Time
}

// Relation is a computed similarity edge between two entries. Unique per
// ordered (source, target) pair; undirected in meaning.
type Relation struct {
	ID            int64
	SourceEntryID int64
	TargetEntryID int64
	Strength      float64
	CreatedAt     time.Time
}

// EntryEmbedding pairs an entry with its stored vector.
type EntryEmbedding struct {
	EntryID int64
	Vector  []float32
}

// PersonSummary caches an AI-generated summary of everything known about
// a person, valid only while ContentHash matches the contributing notes.
type PersonSummary struct {
	ID            int64
	OwnerID       string
	PersonName    string
	Summary       string
	ContentHash   string
	LatestEntryAt time.Time
	UpdatedAt     time.Time
}

// ListOpts controls pagination for list operations.
type ListOpts struct {
	Limit  int
	Offset int
	BookID int64 // 0 = all books
}

// Stats holds aggregate counts for observability.
type Stats struct {
	Books       int64 `json:"books"`
	Entries     int64 `json:"entries"`
	Tasks       int64 `json:"tasks"`
	OpenTasks   int64 `json:"open_tasks"`
	Entities    int64 `json:"entities"`
	Threads     int64 `json:"threads"`
	Embeddings  int64 `json:"embeddings"`
	Relations   int64 `json:"relations"`
	DBSizeBytes int64 `json:"db_size_bytes"`
}

// Config holds configuration for Open.
type Config struct {
	DBPath string
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open creates or opens the database. Pass ":memory:" for tests.
func Open(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}

	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, dbPath: cfg.DBPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Stats returns aggregate counts across all owners.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM books", &stats.Books},
		{"SELECT COUNT(*) FROM entries", &stats.Entries},
		{"SELECT COUNT(*) FROM tasks", &stats.Tasks},
		{"SELECT COUNT(*) FROM tasks WHERE done = 0", &stats.OpenTasks},
		{"SELECT COUNT(*) FROM entities", &stats.Entities},
		{"SELECT COUNT(*) FROM threads", &stats.Threads},
		{"SELECT COUNT(*) FROM embeddings", &stats.Embeddings},
		{"SELECT COUNT(*) FROM entry_relations", &stats.Relations},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("counting: %w", err)
		}
	}

	if s.dbPath != ":memory:" {
		if info, err := os.Stat(s.dbPath); err == nil {
			stats.DBSizeBytes = info.Size()
		}
	}
	return stats, nil
}

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = fmt.Errorf("not found")

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
