package store

import "fmt"

// migrate creates all tables and indexes if they don't exist. DDL is
// idempotent; schema evolution appends further statements rather than
// editing existing ones.
func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS books (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id   TEXT NOT NULL,
			name       TEXT NOT NULL,
			context    TEXT NOT NULL DEFAULT '',
			folder_id  INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Classification compares case-insensitively; enforce the same at
		// the storage level, per owner.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_books_owner_name
			ON books(owner_id, name COLLATE NOCASE)`,

		`CREATE TABLE IF NOT EXISTS entries (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id       TEXT NOT NULL,
			book_id        INTEGER NOT NULL REFERENCES books(id),
			raw_text       TEXT NOT NULL,
			summary        TEXT NOT NULL DEFAULT '',
			entry_type     TEXT NOT NULL DEFAULT 'NOTE',
			priority       TEXT NOT NULL DEFAULT 'MEDIUM',
			thread_id      INTEGER REFERENCES threads(id) ON DELETE SET NULL,
			rewritten_text TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL DEFAULT 'PROCESSING',
			created_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at     DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_entries_owner ON entries(owner_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_book ON entries(book_id)`,

		`CREATE TABLE IF NOT EXISTS tasks (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id         INTEGER NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
			description      TEXT NOT NULL,
			assignee         TEXT NOT NULL DEFAULT '',
			due_date         TEXT NOT NULL DEFAULT '',
			done             INTEGER NOT NULL DEFAULT 0,
			priority         TEXT NOT NULL DEFAULT 'MEDIUM',
			completion_notes TEXT NOT NULL DEFAULT '',
			created_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at     DATETIME
		)`,

		`CREATE INDEX IF NOT EXISTS idx_tasks_entry ON tasks(entry_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_open ON tasks(done) WHERE done = 0`,

		`CREATE TABLE IF NOT EXISTS entities (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id    INTEGER NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
			name        TEXT NOT NULL,
			entity_type TEXT NOT NULL DEFAULT 'TOPIC'
		)`,

		`CREATE INDEX IF NOT EXISTS idx_entities_entry ON entities(entry_id)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(name COLLATE NOCASE)`,

		`CREATE TABLE IF NOT EXISTS threads (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id   TEXT NOT NULL,
			book_id    INTEGER NOT NULL REFERENCES books(id),
			title      TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_threads_owner ON threads(owner_id)`,

		// One embedding per entry per model; regeneration replaces.
		`CREATE TABLE IF NOT EXISTS embeddings (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id   INTEGER NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
			model      TEXT NOT NULL,
			vector     BLOB NOT NULL,
			dimensions INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(entry_id, model)
		)`,

		// Unique per ordered pair; strength is upserted, never duplicated.
		`CREATE TABLE IF NOT EXISTS entry_relations (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			source_entry_id INTEGER NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
			target_entry_id INTEGER NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
			strength        REAL NOT NULL,
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(source_entry_id, target_entry_id)
		)`,

		`CREATE TABLE IF NOT EXISTS person_summaries (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id        TEXT NOT NULL,
			person_name     TEXT NOT NULL,
			summary         TEXT NOT NULL,
			content_hash    TEXT NOT NULL,
			latest_entry_at DATETIME NOT NULL,
			updated_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(owner_id, person_name COLLATE NOCASE)
		)`,

		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing DDL: %w", err)
		}
	}
	return nil
}
