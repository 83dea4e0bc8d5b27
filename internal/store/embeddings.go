package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
)

// UpsertEmbedding stores an entry's vector for one model, replacing any
// previous vector for that (entry, model) pair.
func (s *Store) UpsertEmbedding(ctx context.Context, entryID int64, model string, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("empty vector")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO embeddings (entry_id, model, vector, dimensions)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(entry_id, model) DO UPDATE SET
		   vector = excluded.vector,
		   dimensions = excluded.dimensions,
		   created_at = CURRENT_TIMESTAMP`,
		entryID, model, float32ToBytes(vector), len(vector))
	if err != nil {
		return fmt.Errorf("upserting embedding: %w", err)
	}
	return nil
}

// GetEmbedding returns an entry's stored vector for one model.
func (s *Store) GetEmbedding(ctx context.Context, entryID int64, model string) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT vector FROM embeddings WHERE entry_id = ? AND model = ?`,
		entryID, model).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading embedding: %w", err)
	}
	return bytesToFloat32(blob)
}

// AllEmbeddings returns every stored vector for an owner's entries under
// one model. Used for similarity scans at relation time.
func (s *Store) AllEmbeddings(ctx context.Context, ownerID, model string) ([]*EntryEmbedding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT em.entry_id, em.vector
		 FROM embeddings em JOIN entries e ON e.id = em.entry_id
		 WHERE e.owner_id = ? AND em.model = ?`, ownerID, model)
	if err != nil {
		return nil, fmt.Errorf("listing embeddings: %w", err)
	}
	defer rows.Close()

	var out []*EntryEmbedding
	for rows.Next() {
		var entryID int64
		var blob []byte
		if err := rows.Scan(&entryID, &blob); err != nil {
			return nil, fmt.Errorf("scanning embedding: %w", err)
		}
		vec, err := bytesToFloat32(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for entry %d: %w", entryID, err)
		}
		out = append(out, &EntryEmbedding{EntryID: entryID, Vector: vec})
	}
	return out, rows.Err()
}

// float32ToBytes encodes a vector as little-endian IEEE 754 floats.
func float32ToBytes(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func bytesToFloat32(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d not a multiple of 4", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}
