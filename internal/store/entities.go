package store

import (
	"context"
	"fmt"
)

// EntitiesByEntry returns all entity mentions for one entry.
func (s *Store) EntitiesByEntry(ctx context.Context, entryID int64) ([]*Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entry_id, name, entity_type FROM entities WHERE entry_id = ? ORDER BY id ASC`,
		entryID)
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.EntryID, &e.Name, &e.Type); err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		entities = append(entities, &e)
	}
	return entities, rows.Err()
}

// EntriesMentioningPerson returns the owner's entries that mention the
// given person name (case-insensitive), newest first.
func (s *Store) EntriesMentioningPerson(ctx context.Context, ownerID, personName string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		entrySelect+` WHERE owner_id = ? AND id IN (
			SELECT entry_id FROM entities WHERE name = ? COLLATE NOCASE AND entity_type = 'PERSON'
		) ORDER BY created_at DESC LIMIT ?`,
		ownerID, personName, limit)
	if err != nil {
		return nil, fmt.Errorf("listing person entries: %w", err)
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

// DistinctPeople lists the distinct person names an owner has mentioned.
func (s *Store) DistinctPeople(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT en.name COLLATE NOCASE
		 FROM entities en JOIN entries e ON e.id = en.entry_id
		 WHERE e.owner_id = ? AND en.entity_type = 'PERSON'
		 ORDER BY 1`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing people: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning person name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
