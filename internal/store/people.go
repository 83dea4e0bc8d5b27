package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetPersonSummary returns the cached summary for a person, or
// ErrNotFound when none has been generated.
func (s *Store) GetPersonSummary(ctx context.Context, ownerID, personName string) (*PersonSummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, person_name, summary, content_hash, latest_entry_at, updated_at
		 FROM person_summaries
		 WHERE owner_id = ? AND person_name = ? COLLATE NOCASE`,
		ownerID, personName)

	var ps PersonSummary
	err := row.Scan(&ps.ID, &ps.OwnerID, &ps.PersonName, &ps.Summary,
		&ps.ContentHash, &ps.LatestEntryAt, &ps.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning person summary: %w", err)
	}
	return &ps, nil
}

// UpsertPersonSummary stores or refreshes a person's cached summary.
func (s *Store) UpsertPersonSummary(ctx context.Context, ownerID, personName, summary, contentHash string, latestEntryAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO person_summaries (owner_id, person_name, summary, content_hash, latest_entry_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(owner_id, person_name COLLATE NOCASE) DO UPDATE SET
		   summary = excluded.summary,
		   content_hash = excluded.content_hash,
		   latest_entry_at = excluded.latest_entry_at,
		   updated_at = CURRENT_TIMESTAMP`,
		ownerID, personName, summary, contentHash, latestEntryAt)
	if err != nil {
		return fmt.Errorf("upserting person summary: %w", err)
	}
	return nil
}

// DeleteStalePersonSummaries drops cached summaries older than the
// cutoff. Maintenance calls this so stale summaries get regenerated on
// next access.
func (s *Store) DeleteStalePersonSummaries(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM person_summaries WHERE updated_at < ?`,
		before.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, fmt.Errorf("pruning person summaries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
