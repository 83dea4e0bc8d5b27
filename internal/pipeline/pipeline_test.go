package pipeline

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/nvalderrama/bitacora/internal/llm"
	"github.com/nvalderrama/bitacora/internal/relate"
	"github.com/nvalderrama/bitacora/internal/store"
)

// mockGateway serves scripted completions in call order and a fixed
// embedding vector.
type mockGateway struct {
	responses []string
	calls     int
	opts      []llm.CompletionOpts
	embedVec  []float32
	embedErr  error
	embeds    int
}

func (m *mockGateway) Complete(ctx context.Context, prompt string, opts llm.CompletionOpts) (string, error) {
	m.opts = append(m.opts, opts)
	if m.calls >= len(m.responses) {
		return "", errors.New("no scripted response")
	}
	resp := m.responses[m.calls]
	m.calls++
	return resp, nil
}

func (m *mockGateway) Embed(ctx context.Context, text string) ([]float32, error) {
	m.embeds++
	if m.embedErr != nil {
		return nil, m.embedErr
	}
	if m.embedVec != nil {
		return m.embedVec, nil
	}
	return []float32{1, 0, 0}, nil
}

func (m *mockGateway) EmbedderModel() string { return "mock/embed" }

func setup(t *testing.T, gw Gateway) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	eng := relate.New(st, 0.75, nil)
	return New(st, gw, eng, Config{SyncPostProcess: true}, nil), st
}

const classifyResponse = `{
	"target_book_name": "Paneles BI",
	"type": "TASK",
	"summary": "Revisar el panel de ventas antes del viernes",
	"tasks": [{"description": "Revisar el panel de ventas", "due_date": "2026-08-28", "priority": "HIGH"}],
	"entities": [{"name": "Panel de Ventas", "type": "PROJECT"}],
	"suggested_priority": "HIGH"
}`

func TestIngestCreatesClassifiedEntry(t *testing.T) {
	// Empty corpus: no completion detection, no threads; only classify runs.
	gw := &mockGateway{responses: []string{classifyResponse}}
	svc, st := setup(t, gw)
	ctx := context.Background()

	result, err := svc.Ingest(ctx, IngestRequest{OwnerID: "u1", Text: "Revisar el panel de ventas antes del viernes"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if len(result.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(result.Entries))
	}
	entry := result.Entries[0]

	book, err := st.GetBook(ctx, entry.BookID)
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if book.Name != "Paneles BI" {
		t.Errorf("expected book Paneles BI, got %q", book.Name)
	}

	tasks, _ := st.TasksByEntry(ctx, entry.ID)
	if len(tasks) != 1 || tasks[0].DueDate != "2026-08-28" {
		t.Errorf("extracted task not persisted: %+v", tasks)
	}

	// Sync post-process: embedding stored and entry settled.
	if gw.embeds != 1 {
		t.Errorf("expected 1 embed call, got %d", gw.embeds)
	}
	settled, _ := st.GetEntry(ctx, entry.ID)
	if settled.Status != store.StatusCompleted {
		t.Errorf("expected COMPLETED, got %q", settled.Status)
	}
	if _, err := st.GetEmbedding(ctx, entry.ID, "mock/embed"); err != nil {
		t.Errorf("embedding not stored: %v", err)
	}
}

func TestIngestRefreshesBookContext(t *testing.T) {
	gw := &mockGateway{responses: []string{classifyResponse}}
	svc, st := setup(t, gw)
	ctx := context.Background()

	result, err := svc.Ingest(ctx, IngestRequest{OwnerID: "u1", Text: "Revisar el panel de ventas antes del viernes"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	book, err := st.GetBook(ctx, result.Entries[0].BookID)
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if book.Context != "- Revisar el panel de ventas antes del viernes" {
		t.Errorf("book context not refreshed: %q", book.Context)
	}
}

func TestRefreshBookContextDropsOldestLines(t *testing.T) {
	svc, st := setup(t, &mockGateway{})
	ctx := context.Background()

	book, _ := st.CreateBook(ctx, "u1", "Trabajo", "")
	long := make([]byte, 0, maxBookContextChars)
	for len(long) < maxBookContextChars-10 {
		long = append(long, []byte("línea vieja\n")...)
	}
	st.UpdateBookContext(ctx, book.ID, string(long))
	book, _ = st.GetBook(ctx, book.ID)

	svc.refreshBookContext(ctx, book, "resumen nuevo")

	book, _ = st.GetBook(ctx, book.ID)
	if len(book.Context) > maxBookContextChars {
		t.Errorf("context over cap: %d", len(book.Context))
	}
	if !strings.HasSuffix(book.Context, "- resumen nuevo") {
		t.Errorf("newest summary missing: %q", book.Context)
	}
}

func TestIngestCompletionPathUpdatesInsteadOfCreating(t *testing.T) {
	gw := &mockGateway{}
	svc, st := setup(t, gw)
	ctx := context.Background()

	book, _ := st.CreateBook(ctx, "u1", "Paneles BI", "")
	prior, _ := st.CreateEntry(ctx, store.EntryInput{
		OwnerID: "u1", BookID: book.ID,
		RawText: "Terminar el modelo BI de Andina", Summary: "Modelo BI pendiente",
		Type: "TASK", Priority: "MEDIUM",
		Tasks: []store.TaskInput{{Description: "Terminar el modelo BI de Andina"}},
	})
	tasks, _ := st.TasksByEntry(ctx, prior.ID)

	// Script the real ids now that they exist.
	gw.responses = []string{
		`{"should_update": true, "entry_id": ` + itoa(prior.ID) + `, "task_id": ` + itoa(tasks[0].ID) +
			`, "confidence": 92, "reason": "terminado", "completion_notes": "falta ajustar el formato"}`,
	}

	result, err := svc.Ingest(ctx, IngestRequest{OwnerID: "u1", Text: "ya terminé el modelo BI de Andina"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if len(result.Entries) != 0 {
		t.Errorf("completion path must not create entries, got %d", len(result.Entries))
	}
	if len(result.CompletedTasks) != 1 {
		t.Fatalf("expected 1 completed task, got %d", len(result.CompletedTasks))
	}
	if result.CompletedTasks[0].CompletionNotes != "falta ajustar el formato" {
		t.Errorf("completion notes lost: %q", result.CompletedTasks[0].CompletionNotes)
	}

	updated, _ := st.GetEntry(ctx, prior.ID)
	if updated.RawText == "Terminar el modelo BI de Andina" {
		t.Error("entry text not appended")
	}
	if result.UpdatedEntry == nil || result.UpdatedEntry.ID != prior.ID {
		t.Errorf("updated entry not reported: %+v", result.UpdatedEntry)
	}
}

func TestIngestMultiTopicSplitsAcrossBooks(t *testing.T) {
	splitResponse := `{
		"is_multi_topic": true,
		"overall_context": "paneles y personal",
		"suggested_priority": "MEDIUM",
		"topics": [
			{"target_book_name": "Paneles BI", "type": "TASK", "content": "Revisar el panel", "summary": "Revisar panel",
			 "tasks": [{"description": "Revisar el panel"}], "entities": [], "task_actions": []},
			{"target_book_name": "Personal", "is_new_book": true, "type": "NOTE", "content": "Comprar regalo", "summary": "Regalo",
			 "tasks": [], "entities": [], "task_actions": []}
		]
	}`
	gw := &mockGateway{responses: []string{splitResponse}}
	svc, st := setup(t, gw)
	ctx := context.Background()

	result, err := svc.IngestMultiTopic(ctx, IngestRequest{OwnerID: "u1", Text: "Revisar el panel. Aparte, comprar regalo."})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if len(result.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(result.Entries))
	}
	if result.Entries[0].BookID == result.Entries[1].BookID {
		t.Error("topics must land in distinct books")
	}
	if gw.embeds != 2 {
		t.Errorf("each entry must be embedded, got %d embeds", gw.embeds)
	}

	books, _ := st.ListBooks(ctx, "u1")
	if len(books) != 2 {
		t.Errorf("expected 2 books created, got %d", len(books))
	}
}

func TestIngestMultiTopicAppliesTaskActionsOnce(t *testing.T) {
	gw := &mockGateway{}
	svc, st := setup(t, gw)
	ctx := context.Background()

	book, _ := st.CreateBook(ctx, "u1", "Paneles BI", "")
	st.CreateEntry(ctx, store.EntryInput{
		OwnerID: "u1", BookID: book.ID, RawText: "pendiente", Summary: "pendiente",
		Type: "TASK", Priority: "MEDIUM",
		Tasks: []store.TaskInput{{Description: "Terminar el modelo BI de Andina"}},
	})

	// The same action named twice must complete the task only once.
	gw.responses = []string{`{
		"is_multi_topic": false,
		"topics": [{
			"target_book_name": "Paneles BI", "type": "NOTE",
			"content": "Ya terminé el modelo", "summary": "Modelo terminado",
			"tasks": [], "entities": [],
			"task_actions": [
				{"task_description": "Terminar el modelo BI de Andina", "completion_notes": "listo"},
				{"task_description": "terminar el modelo bi de andina", "completion_notes": "listo"}
			]
		}]
	}`}

	result, err := svc.IngestMultiTopic(ctx, IngestRequest{OwnerID: "u1", Text: "Ya terminé el modelo BI de Andina"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if len(result.CompletedTasks) != 1 {
		t.Fatalf("expected exactly 1 completed task, got %d", len(result.CompletedTasks))
	}
	pending, _ := st.ListPendingTasks(ctx, "u1")
	if len(pending) != 0 {
		t.Errorf("task should be completed, %d still pending", len(pending))
	}
}

func TestIngestAssignsSuggestedThread(t *testing.T) {
	gw := &mockGateway{}
	svc, st := setup(t, gw)
	ctx := context.Background()

	st.CreateBook(ctx, "u1", "Inbox", "")
	bookB, _ := st.CreateBook(ctx, "u1", "Paneles BI", "")
	thread, _ := st.CreateThread(ctx, "u1", bookB.ID, "Problema panel supervisores")
	member, _ := st.CreateEntry(ctx, store.EntryInput{
		OwnerID: "u1", BookID: bookB.ID, RawText: "el panel falla", Summary: "panel con fallas",
		Type: "NOTE", Priority: "MEDIUM",
	})
	st.AssignEntryThread(ctx, member.ID, thread.ID)

	// Call order: completion match (recent entries exist), classify, thread.
	gw.responses = []string{
		`{"should_update": false, "confidence": 10, "reason": "no"}`,
		`{"target_book_name": "Inbox", "type": "NOTE", "summary": "sigo con el panel", "tasks": [], "entities": [], "suggested_priority": "MEDIUM"}`,
		`{"has_relation": true, "related_thread_id": ` + itoa(thread.ID) + `, "related_entry_ids": [` + itoa(member.ID) + `], "confidence": 88, "reason": "misma conversación"}`,
	}

	result, err := svc.Ingest(ctx, IngestRequest{OwnerID: "u1", Text: "sigo con el tema del panel"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if result.ThreadID != thread.ID {
		t.Fatalf("expected thread %d, got %d", thread.ID, result.ThreadID)
	}
	entry := result.Entries[0]
	if entry.ThreadID == nil || *entry.ThreadID != thread.ID {
		t.Errorf("entry not attached to thread: %+v", entry.ThreadID)
	}
	// Thread lives in Paneles BI; the entry must follow it there.
	if entry.BookID != bookB.ID {
		t.Errorf("entry should move to thread's book %d, got %d", bookB.ID, entry.BookID)
	}
}

func TestIngestEmbedFailureMarksEntryError(t *testing.T) {
	gw := &mockGateway{
		responses: []string{classifyResponse},
		embedErr:  errors.New("embedder down"),
	}
	svc, st := setup(t, gw)
	ctx := context.Background()

	result, err := svc.Ingest(ctx, IngestRequest{OwnerID: "u1", Text: "Revisar el panel"})
	if err != nil {
		t.Fatalf("embed failure must not fail the capture: %v", err)
	}

	entry, _ := st.GetEntry(ctx, result.Entries[0].ID)
	if entry.Status != store.StatusError {
		t.Errorf("expected ERROR status, got %q", entry.Status)
	}
}

func TestCheckCompletionAdvisory(t *testing.T) {
	gw := &mockGateway{}
	svc, st := setup(t, gw)
	ctx := context.Background()

	// Nothing to match: provider not consulted.
	result, err := svc.CheckCompletion(ctx, "u1", "ya terminé")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if result.ShouldUpdate {
		t.Error("expected negative verdict with empty corpus")
	}
	if gw.calls != 0 {
		t.Errorf("provider should not be called, got %d calls", gw.calls)
	}

	book, _ := st.CreateBook(ctx, "u1", "Trabajo", "")
	st.CreateEntry(ctx, store.EntryInput{
		OwnerID: "u1", BookID: book.ID, RawText: "pendiente", Summary: "pendiente",
		Type: "TASK", Priority: "MEDIUM",
		Tasks: []store.TaskInput{{Description: "enviar informe"}},
	})

	gw.responses = []string{`{"should_update": true, "task_id": 1, "confidence": 90, "reason": "lo dice"}`}
	result, err = svc.CheckCompletion(ctx, "u1", "ya envié el informe")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !result.ShouldUpdate {
		t.Error("expected positive verdict")
	}

	// Advisory: nothing was mutated.
	pending, _ := st.ListPendingTasks(ctx, "u1")
	if len(pending) != 1 {
		t.Errorf("CheckCompletion must not mutate, %d pending", len(pending))
	}
}

func TestEmptyInputRejected(t *testing.T) {
	svc, _ := setup(t, &mockGateway{})
	if _, err := svc.Ingest(context.Background(), IngestRequest{OwnerID: "u1", Text: "   "}); err == nil {
		t.Error("expected error for empty input")
	}
	if _, err := svc.IngestMultiTopic(context.Background(), IngestRequest{OwnerID: "u1", Text: ""}); err == nil {
		t.Error("expected error for empty input")
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

type invalidationRecorder struct {
	calls []string
}

func (r *invalidationRecorder) Invalidate(ownerID, personName string) {
	r.calls = append(r.calls, ownerID+"/"+personName)
}

func TestIngestInvalidatesPersonSummaries(t *testing.T) {
	gw := &mockGateway{responses: []string{`{
		"target_book_name": "Trabajo",
		"type": "NOTE",
		"summary": "Juan presentó el informe de Acme",
		"tasks": [],
		"entities": [{"name": "Juan", "type": "PERSON"}, {"name": "Acme", "type": "COMPANY"}],
		"suggested_priority": "LOW"
	}`}}
	svc, _ := setup(t, gw)
	rec := &invalidationRecorder{}
	svc.SetPersonInvalidator(rec)

	if _, err := svc.Ingest(context.Background(), IngestRequest{OwnerID: "u1", Text: "Juan presentó el informe de Acme"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if len(rec.calls) != 1 || rec.calls[0] != "u1/Juan" {
		t.Errorf("expected person cache invalidation for Juan only, got %v", rec.calls)
	}
}

func TestPerPurposeModelOverrides(t *testing.T) {
	st, err := store.Open(store.Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	gw := &mockGateway{responses: []string{classifyResponse}}
	svc := New(st, gw, nil, Config{SyncPostProcess: true, ClassifyModel: "gpt-clasificador"}, nil)
	if _, err := svc.Ingest(context.Background(), IngestRequest{OwnerID: "u1", Text: "Revisar el panel"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(gw.opts) == 0 || gw.opts[0].Model != "gpt-clasificador" {
		t.Errorf("classify model override not forwarded: %+v", gw.opts)
	}

	gw2 := &mockGateway{responses: []string{`{
		"is_multi_topic": false,
		"suggested_priority": "LOW",
		"topics": [{"target_book_name": "Trabajo", "type": "NOTE", "content": "x", "summary": "x", "tasks": [], "entities": [], "task_actions": []}]
	}`}}
	svc2 := New(st, gw2, nil, Config{SyncPostProcess: true, SplitModel: "gpt-divisor"}, nil)
	if _, err := svc2.IngestMultiTopic(context.Background(), IngestRequest{OwnerID: "u1", Text: "una sola cosa"}); err != nil {
		t.Fatalf("multi-topic ingest: %v", err)
	}
	if len(gw2.opts) == 0 || gw2.opts[0].Model != "gpt-divisor" {
		t.Errorf("split model override not forwarded: %+v", gw2.opts)
	}
}
