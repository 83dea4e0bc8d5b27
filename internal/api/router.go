package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
func NewRouter(h *Handler, authEnabled bool, token string, logger *slog.Logger) chi.Router {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(RequestLogger(logger))

	r.Get("/healthz", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(authEnabled, token))

		// Capture.
		r.Post("/entries", h.Ingest)
		r.Get("/entries", h.ListEntries)
		r.Get("/entries/{id}", h.GetEntry)
		r.Get("/entries/{id}/relations", h.EntryRelations)
		r.Get("/entries/{id}/entities", h.EntryEntities)
		r.Get("/search", h.SearchEntries)

		// Books and threads.
		r.Get("/books", h.ListBooks)
		r.Post("/books", h.CreateBook)
		r.Get("/threads", h.ListThreads)
		r.Get("/threads/{id}/entries", h.ThreadEntries)

		// Tasks.
		r.Get("/tasks/pending", h.PendingTasks)
		r.Post("/tasks/{id}/complete", h.CompleteTask)
		r.Post("/tasks/{id}/reopen", h.ReopenTask)

		// Advisory detection.
		r.Post("/check-completion", h.CheckCompletion)
		r.Post("/suggest-thread", h.SuggestThread)

		// People.
		r.Get("/people", h.ListPeople)
		r.Get("/people/{name}/summary", h.PersonSummary)

		// Operations.
		r.Get("/stats", h.Stats)
		r.Post("/maintenance", h.RunMaintenance)
	})

	return r
}
