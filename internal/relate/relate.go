// Package relate computes similarity edges between entries from their
// embedding vectors.
package relate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/nvalderrama/bitacora/internal/store"
)

// DefaultThreshold is the minimum cosine similarity for a relation edge.
const DefaultThreshold = 0.75

// Match is one similar entry with its similarity score.
type Match struct {
	EntryID    int64
	Similarity float64
}

// Engine scans stored embeddings and persists relation edges.
type Engine struct {
	store     *store.Store
	threshold float64
	maxEdges  int
	logger    *slog.Logger
}

// New creates a relation engine. A threshold of 0 uses DefaultThreshold.
func New(st *store.Store, threshold float64, logger *slog.Logger) *Engine {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, threshold: threshold, maxEdges: 10, logger: logger}
}

// Cosine returns the cosine similarity of two vectors. Vectors must have
// the same length; zero-magnitude vectors yield 0.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector length mismatch: %d vs %d", len(a), len(b))
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}

// FindSimilar compares the query vector against every stored embedding
// for the owner and returns matches at or above the engine threshold,
// strongest first, excluding excludeEntryID.
func (e *Engine) FindSimilar(ctx context.Context, ownerID, model string, query []float32, excludeEntryID int64) ([]Match, error) {
	embeddings, err := e.store.AllEmbeddings(ctx, ownerID, model)
	if err != nil {
		return nil, fmt.Errorf("loading embeddings: %w", err)
	}

	var matches []Match
	for _, emb := range embeddings {
		if emb.EntryID == excludeEntryID {
			continue
		}
		sim, err := Cosine(query, emb.Vector)
		if err != nil {
			// Vectors from a different model dimension; skip rather
			// than fail the whole scan.
			e.logger.Warn("skipping incomparable embedding", "entry_id", emb.EntryID, "error", err)
			continue
		}
		if sim >= e.threshold {
			matches = append(matches, Match{EntryID: emb.EntryID, Similarity: sim})
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > e.maxEdges {
		matches = matches[:e.maxEdges]
	}
	return matches, nil
}

// DetectAndPersistRelations embeds nothing itself: it takes an entry's
// already-stored vector, finds similar entries and upserts an edge per
// match. Per-edge failures are logged and skipped so one bad row cannot
// lose the rest.
func (e *Engine) DetectAndPersistRelations(ctx context.Context, ownerID, model string, entryID int64, vector []float32) (int, error) {
	matches, err := e.FindSimilar(ctx, ownerID, model, vector, entryID)
	if err != nil {
		return 0, err
	}

	persisted := 0
	for _, m := range matches {
		if err := e.store.UpsertRelation(ctx, entryID, m.EntryID, m.Similarity); err != nil {
			e.logger.Warn("failed to persist relation",
				"source", entryID, "target", m.EntryID, "error", err)
			continue
		}
		persisted++
	}
	return persisted, nil
}
