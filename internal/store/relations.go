package store

import (
	"context"
	"fmt"
)

// UpsertRelation stores a similarity edge between two entries,
// overwriting the strength when the edge already exists. Edges are kept
// with source < target so each pair appears once.
func (s *Store) UpsertRelation(ctx context.Context, sourceEntryID, targetEntryID int64, strength float64) error {
	if sourceEntryID == targetEntryID {
		return fmt.Errorf("self relation not allowed")
	}
	if sourceEntryID > targetEntryID {
		sourceEntryID, targetEntryID = targetEntryID, sourceEntryID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entry_relations (source_entry_id, target_entry_id, strength)
		 VALUES (?, ?, ?)
		 ON CONFLICT(source_entry_id, target_entry_id) DO UPDATE SET
		   strength = excluded.strength`,
		sourceEntryID, targetEntryID, strength)
	if err != nil {
		return fmt.Errorf("upserting relation: %w", err)
	}
	return nil
}

// RelationsForEntry returns all edges touching one entry, strongest
// first.
func (s *Store) RelationsForEntry(ctx context.Context, entryID int64) ([]*Relation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_entry_id, target_entry_id, strength, created_at
		 FROM entry_relations
		 WHERE source_entry_id = ? OR target_entry_id = ?
		 ORDER BY strength DESC`, entryID, entryID)
	if err != nil {
		return nil, fmt.Errorf("listing relations: %w", err)
	}
	defer rows.Close()

	var relations []*Relation
	for rows.Next() {
		var r Relation
		if err := rows.Scan(&r.ID, &r.SourceEntryID, &r.TargetEntryID, &r.Strength, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning relation: %w", err)
		}
		relations = append(relations, &r)
	}
	return relations, rows.Err()
}

// DeleteOrphanRelations removes edges whose endpoints no longer exist.
// CASCADE handles normal deletes; this covers rows surviving older
// schema versions or manual edits.
func (s *Store) DeleteOrphanRelations(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM entry_relations
		 WHERE source_entry_id NOT IN (SELECT id FROM entries)
		    OR target_entry_id NOT IN (SELECT id FROM entries)`)
	if err != nil {
		return 0, fmt.Errorf("pruning relations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
