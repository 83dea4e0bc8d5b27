// Package people builds AI-generated summaries of everything known
// about a person across an owner's entries, with a two-level cache:
// an in-process cache for hot reads and a persisted row keyed by a
// content hash so summaries regenerate only when the underlying notes
// change.
package people

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	gocache "github.com/patrickmn/go-cache"

	"github.com/nvalderrama/bitacora/internal/llm"
	"github.com/nvalderrama/bitacora/internal/store"
)

const (
	memoryTTL      = 10 * time.Minute
	maxEntries     = 50
	maxSummaryLen  = 2000
	summaryMaxToks = 600
)

const summarySystemPrompt = `Eres un asistente que resume todo lo que se sabe sobre una persona a partir de las notas de un usuario.
Escribe un resumen breve en español: rol o relación, temas recurrentes, tareas pendientes o completadas asociadas, y cualquier dato relevante.
Responde solo con el texto del resumen, sin encabezados ni formato.`

// Completer is the completion surface the service needs. The
// rate-limited gateway satisfies it.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts llm.CompletionOpts) (string, error)
}

// Service resolves person summaries with caching.
type Service struct {
	store  *store.Store
	llm    Completer
	memory *gocache.Cache
	logger *slog.Logger
}

// New creates a person-summary service.
func New(st *store.Store, c Completer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		llm:    c,
		memory: gocache.New(memoryTTL, 2*memoryTTL),
		logger: logger,
	}
}

// Summary returns the summary for a person, regenerating it only when
// the contributing entries or their task states have changed since the
// cached version was built.
func (s *Service) Summary(ctx context.Context, ownerID, personName string) (string, error) {
	personName = strings.TrimSpace(personName)
	if personName == "" {
		return "", fmt.Errorf("person name is required")
	}

	entries, err := s.store.EntriesMentioningPerson(ctx, ownerID, personName, maxEntries)
	if err != nil {
		return "", fmt.Errorf("loading person entries: %w", err)
	}
	if len(entries) == 0 {
		return "", store.ErrNotFound
	}

	hash, latest, err := s.contentHash(ctx, entries)
	if err != nil {
		return "", err
	}

	memKey := ownerID + "/" + strings.ToLower(personName)
	if cached, ok := s.memory.Get(memKey); ok {
		if entry, ok := cached.(cachedSummary); ok && entry.hash == hash {
			return entry.text, nil
		}
	}

	if persisted, err := s.store.GetPersonSummary(ctx, ownerID, personName); err == nil && persisted.ContentHash == hash {
		s.memory.Set(memKey, cachedSummary{hash: hash, text: persisted.Summary}, gocache.DefaultExpiration)
		return persisted.Summary, nil
	}

	text, err := s.generate(ctx, personName, entries)
	if err != nil {
		return "", err
	}

	if err := s.store.UpsertPersonSummary(ctx, ownerID, personName, text, hash, latest); err != nil {
		// A stale persisted row only costs a regeneration next time.
		s.logger.Warn("failed to persist person summary", "person", personName, "error", err)
	}
	s.memory.Set(memKey, cachedSummary{hash: hash, text: text}, gocache.DefaultExpiration)
	return text, nil
}

// Invalidate drops the in-process cache for a person. Ingestion calls
// this when a new entry mentions them.
func (s *Service) Invalidate(ownerID, personName string) {
	s.memory.Delete(ownerID + "/" + strings.ToLower(strings.TrimSpace(personName)))
}

type cachedSummary struct {
	hash string
	text string
}

// contentHash hashes the contributing entries and their task states so
// completing a task invalidates the summary even when no text changed.
func (s *Service) contentHash(ctx context.Context, entries []*store.Entry) (string, time.Time, error) {
	h := sha256.New()
	var latest time.Time
	for _, entry := range entries {
		fmt.Fprintf(h, "%d|%s|%s\n", entry.ID, entry.Summary, entry.UpdatedAt.UTC().Format(time.RFC3339))
		if entry.UpdatedAt.After(latest) {
			latest = entry.UpdatedAt
		}

		tasks, err := s.store.TasksByEntry(ctx, entry.ID)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("loading tasks: %w", err)
		}
		for _, task := range tasks {
			fmt.Fprintf(h, "t%d|%v|%s\n", task.ID, task.Done, task.CompletionNotes)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), latest, nil
}

func (s *Service) generate(ctx context.Context, personName string, entries []*store.Entry) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Persona: %s\n\nNotas que la mencionan (más recientes primero):\n", personName)
	for _, entry := range entries {
		text := entry.Summary
		if text == "" {
			text = entry.RawText
		}
		fmt.Fprintf(&b, "- [%s] %s\n", entry.CreatedAt.Format("2006-01-02"), text)

		tasks, err := s.store.TasksByEntry(ctx, entry.ID)
		if err != nil {
			return "", fmt.Errorf("loading tasks: %w", err)
		}
		for _, task := range tasks {
			state := "pendiente"
			if task.Done {
				state = "completada"
			}
			fmt.Fprintf(&b, "  tarea (%s): %s\n", state, task.Description)
		}
	}

	resp, err := s.llm.Complete(ctx, b.String(), llm.CompletionOpts{
		System:      summarySystemPrompt,
		MaxTokens:   summaryMaxToks,
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("generating person summary: %w", err)
	}

	text := strings.TrimSpace(resp)
	if len(text) > maxSummaryLen {
		cut := maxSummaryLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = strings.TrimSpace(text[:cut])
	}
	if text == "" {
		return "", fmt.Errorf("empty summary from provider")
	}
	return text, nil
}
