package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nvalderrama/bitacora/internal/analyze"
	"github.com/nvalderrama/bitacora/internal/attach"
	"github.com/nvalderrama/bitacora/internal/lifecycle"
	"github.com/nvalderrama/bitacora/internal/llm"
	"github.com/nvalderrama/bitacora/internal/people"
	"github.com/nvalderrama/bitacora/internal/pipeline"
	"github.com/nvalderrama/bitacora/internal/store"
)

// Handler holds API route handlers.
type Handler struct {
	pipeline     *pipeline.Service
	store        *store.Store
	people       *people.Service
	maintenance  *lifecycle.Runner
	defaultOwner string
	logger       *slog.Logger
}

// NewHandler creates a Handler. people and maintenance may be nil; the
// corresponding endpoints then answer 503.
func NewHandler(p *pipeline.Service, st *store.Store, ppl *people.Service, maint *lifecycle.Runner, defaultOwner string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultOwner == "" {
		defaultOwner = "default"
	}
	return &Handler{pipeline: p, store: st, people: ppl, maintenance: maint, defaultOwner: defaultOwner, logger: logger}
}

// owner resolves the acting owner from the X-Owner-ID header.
func (h *Handler) owner(r *http.Request) string {
	if v := r.Header.Get("X-Owner-ID"); v != "" {
		return v
	}
	return h.defaultOwner
}

// Ingest handles POST /entries.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	in := pipeline.IngestRequest{OwnerID: h.owner(r), Text: req.Text}
	if req.AttachmentText != "" {
		in.Attachment = &analyze.Attachment{
			MimeType: req.AttachmentMime,
			Text:     attach.Flatten(req.AttachmentMime, req.AttachmentText),
		}
	}

	var result *pipeline.IngestResult
	var err error
	if req.MultiTopic {
		result, err = h.pipeline.IngestMultiTopic(r.Context(), in)
	} else {
		result, err = h.pipeline.Ingest(r.Context(), in)
	}
	if err != nil {
		h.writeError(w, "ingest failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, toIngestResponse(result))
}

// ListEntries handles GET /entries.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	bookID, _ := strconv.ParseInt(q.Get("book_id"), 10, 64)

	entries, err := h.store.ListEntries(r.Context(), h.owner(r), store.ListOpts{Limit: limit, Offset: offset, BookID: bookID})
	if err != nil {
		h.writeError(w, "list entries failed", err)
		return
	}
	if entries == nil {
		entries = []*store.Entry{}
	}
	writeJSON(w, http.StatusOK, EntryListResponse{Entries: entries})
}

// GetEntry handles GET /entries/{id}.
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid id"))
		return
	}
	entry, err := h.store.GetEntry(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
			return
		}
		h.writeError(w, "get entry failed", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// EntryRelations handles GET /entries/{id}/relations.
func (h *Handler) EntryRelations(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid id"))
		return
	}
	relations, err := h.store.RelationsForEntry(r.Context(), id)
	if err != nil {
		h.writeError(w, "list relations failed", err)
		return
	}
	if relations == nil {
		relations = []*store.Relation{}
	}
	writeJSON(w, http.StatusOK, RelationListResponse{Relations: relations})
}

// EntryEntities handles GET /entries/{id}/entities.
func (h *Handler) EntryEntities(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid id"))
		return
	}
	entities, err := h.store.EntitiesByEntry(r.Context(), id)
	if err != nil {
		h.writeError(w, "list entities failed", err)
		return
	}
	if entities == nil {
		entities = []*store.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

// SearchEntries handles GET /search.
func (h *Handler) SearchEntries(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("q is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.store.SearchEntries(r.Context(), h.owner(r), query, limit)
	if err != nil {
		h.writeError(w, "search failed", err)
		return
	}
	if entries == nil {
		entries = []*store.Entry{}
	}
	writeJSON(w, http.StatusOK, EntryListResponse{Entries: entries})
}

// ListBooks handles GET /books.
func (h *Handler) ListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.store.ListBooks(r.Context(), h.owner(r))
	if err != nil {
		h.writeError(w, "list books failed", err)
		return
	}
	if books == nil {
		books = []*store.Book{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"books": books})
}

// CreateBook handles POST /books.
func (h *Handler) CreateBook(w http.ResponseWriter, r *http.Request) {
	var req CreateBookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	book, err := h.store.CreateBook(r.Context(), h.owner(r), req.Name, req.Context)
	if err != nil {
		// The unique index rejects duplicate names per owner.
		writeJSON(w, http.StatusConflict, errorBody("book already exists"))
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

// PendingTasks handles GET /tasks/pending.
func (h *Handler) PendingTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.store.ListPendingTasks(r.Context(), h.owner(r))
	if err != nil {
		h.writeError(w, "list tasks failed", err)
		return
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// CompleteTask handles POST /tasks/{id}/complete.
func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid id"))
		return
	}
	var req CompleteTaskRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	if err := h.store.CompleteTask(r.Context(), id, req.Notes); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
			return
		}
		h.writeError(w, "complete task failed", err)
		return
	}
	task, err := h.store.GetTask(r.Context(), id)
	if err != nil {
		h.writeError(w, "get task failed", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ListThreads handles GET /threads.
func (h *Handler) ListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := h.store.ListThreads(r.Context(), h.owner(r))
	if err != nil {
		h.writeError(w, "list threads failed", err)
		return
	}
	if threads == nil {
		threads = []*store.Thread{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

// ThreadEntries handles GET /threads/{id}/entries.
func (h *Handler) ThreadEntries(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid id"))
		return
	}
	if _, err := h.store.GetThread(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
			return
		}
		h.writeError(w, "get thread failed", err)
		return
	}
	entries, err := h.store.ThreadEntries(r.Context(), id)
	if err != nil {
		h.writeError(w, "list thread entries failed", err)
		return
	}
	if entries == nil {
		entries = []*store.Entry{}
	}
	writeJSON(w, http.StatusOK, EntryListResponse{Entries: entries})
}

// ReopenTask handles POST /tasks/{id}/reopen.
func (h *Handler) ReopenTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid id"))
		return
	}
	if err := h.store.ReopenTask(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
			return
		}
		h.writeError(w, "reopen task failed", err)
		return
	}
	task, err := h.store.GetTask(r.Context(), id)
	if err != nil {
		h.writeError(w, "get task failed", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ListPeople handles GET /people.
func (h *Handler) ListPeople(w http.ResponseWriter, r *http.Request) {
	people, err := h.store.DistinctPeople(r.Context(), h.owner(r))
	if err != nil {
		h.writeError(w, "list people failed", err)
		return
	}
	if people == nil {
		people = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"people": people})
}

// CheckCompletion handles POST /check-completion (advisory).
func (h *Handler) CheckCompletion(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	result, err := h.pipeline.CheckCompletion(r.Context(), h.owner(r), req.Text)
	if err != nil {
		h.writeError(w, "completion check failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SuggestThread handles POST /suggest-thread (advisory).
func (h *Handler) SuggestThread(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	result, err := h.pipeline.SuggestThread(r.Context(), h.owner(r), req.Text, req.BookID)
	if err != nil {
		h.writeError(w, "thread suggestion failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// PersonSummary handles GET /people/{name}/summary.
func (h *Handler) PersonSummary(w http.ResponseWriter, r *http.Request) {
	if h.people == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("person summaries not configured"))
		return
	}
	name := chi.URLParam(r, "name")
	summary, err := h.people.Summary(r.Context(), h.owner(r), name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("no entries mention this person"))
			return
		}
		h.writeError(w, "person summary failed", err)
		return
	}
	writeJSON(w, http.StatusOK, PersonSummaryResponse{Person: name, Summary: summary})
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.writeError(w, "stats failed", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// RunMaintenance handles POST /maintenance.
func (h *Handler) RunMaintenance(w http.ResponseWriter, r *http.Request) {
	if h.maintenance == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("maintenance not configured"))
		return
	}
	dryRun := r.URL.Query().Get("dry_run") == "true"
	report, err := h.maintenance.Run(r.Context(), dryRun)
	if err != nil {
		h.writeError(w, "maintenance failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps rate-limit errors to 429 with retry guidance and
// everything else to 500.
func (h *Handler) writeError(w http.ResponseWriter, msg string, err error) {
	if llm.IsRateLimit(err) {
		w.Header().Set("Retry-After", "30")
		writeJSON(w, http.StatusTooManyRequests, errorBody("provider rate limited, retry later"))
		return
	}
	h.logger.Error(msg, slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func toIngestResponse(result *pipeline.IngestResult) IngestResponse {
	resp := IngestResponse{
		Entries:        result.Entries,
		CompletedTasks: result.CompletedTasks,
		UpdatedEntry:   result.UpdatedEntry,
		Degraded:       result.Degraded,
		ThreadID:       result.ThreadID,
		Steps:          make([]string, 0, len(result.Steps)),
	}
	if resp.Entries == nil {
		resp.Entries = []*store.Entry{}
	}
	for _, step := range result.Steps {
		resp.Steps = append(resp.Steps, string(step))
	}
	return resp
}
