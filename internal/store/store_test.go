package store

import (
	"context"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBookNameUniquePerOwnerCaseInsensitive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.CreateBook(ctx, "u1", "Paneles BI", ""); err != nil {
		t.Fatalf("creating book: %v", err)
	}
	if _, err := s.CreateBook(ctx, "u1", "paneles bi", ""); err == nil {
		t.Error("expected case-insensitive uniqueness violation")
	}
	// Same name under a different owner is fine.
	if _, err := s.CreateBook(ctx, "u2", "Paneles BI", ""); err != nil {
		t.Errorf("different owner should be allowed: %v", err)
	}
}

func TestFindBookByNameIgnoresCase(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	created, err := s.CreateBook(ctx, "u1", "Trabajo", "")
	if err != nil {
		t.Fatalf("creating book: %v", err)
	}

	found, err := s.FindBookByName(ctx, "u1", "TRABAJO")
	if err != nil {
		t.Fatalf("finding book: %v", err)
	}
	if found.ID != created.ID {
		t.Errorf("expected book %d, got %d", created.ID, found.ID)
	}

	if _, err := s.FindBookByName(ctx, "u1", "Inexistente"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFindOrCreateBookIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first, err := s.FindOrCreateBook(ctx, "u1", "Inbox")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := s.FindOrCreateBook(ctx, "u1", "inbox")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected same book, got %d and %d", first.ID, second.ID)
	}
}

func TestCreateEntryWithTasksAndEntities(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	book, _ := s.CreateBook(ctx, "u1", "Trabajo", "")
	entry, err := s.CreateEntry(ctx, EntryInput{
		OwnerID: "u1",
		BookID:  book.ID,
		RawText: "Juan debe enviar el informe antes del viernes",
		Summary: "Informe pendiente de Juan",
		Type:    "TASK",
		Priority: "HIGH",
		Tasks: []TaskInput{
			{Description: "Enviar el informe", Assignee: "Juan", DueDate: "2026-08-28"},
		},
		Entities: []EntityInput{
			{Name: "Juan", Type: "PERSON"},
		},
	})
	if err != nil {
		t.Fatalf("creating entry: %v", err)
	}

	if entry.Status != StatusProcessing {
		t.Errorf("new entry should start PROCESSING, got %q", entry.Status)
	}

	tasks, err := s.TasksByEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("listing tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Assignee != "Juan" {
		t.Errorf("task not persisted: %+v", tasks)
	}

	entities, err := s.EntitiesByEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("listing entities: %v", err)
	}
	if len(entities) != 1 || entities[0].Type != "PERSON" {
		t.Errorf("entity not persisted: %+v", entities)
	}
}

func TestEntryStatusLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	book, _ := s.CreateBook(ctx, "u1", "Trabajo", "")
	entry, _ := s.CreateEntry(ctx, EntryInput{OwnerID: "u1", BookID: book.ID, RawText: "nota", Type: "NOTE", Priority: "MEDIUM"})

	if err := s.SetEntryStatus(ctx, entry.ID, StatusCompleted); err != nil {
		t.Fatalf("setting status: %v", err)
	}
	got, _ := s.GetEntry(ctx, entry.ID)
	if got.Status != StatusCompleted {
		t.Errorf("expected COMPLETED, got %q", got.Status)
	}

	if err := s.SetEntryStatus(ctx, 9999, StatusError); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendEntryText(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	book, _ := s.CreateBook(ctx, "u1", "Trabajo", "")
	entry, _ := s.CreateEntry(ctx, EntryInput{OwnerID: "u1", BookID: book.ID, RawText: "estado inicial", Summary: "inicial", Type: "NOTE", Priority: "LOW"})

	if err := s.AppendEntryText(ctx, entry.ID, "actualización: ya casi listo", "casi listo"); err != nil {
		t.Fatalf("appending: %v", err)
	}
	got, _ := s.GetEntry(ctx, entry.ID)
	if got.RawText == "estado inicial" {
		t.Error("raw text not appended")
	}
	if got.Summary != "casi listo" {
		t.Errorf("summary not refreshed: %q", got.Summary)
	}

	// Empty summary keeps the previous one.
	if err := s.AppendEntryText(ctx, entry.ID, "más texto", ""); err != nil {
		t.Fatalf("appending: %v", err)
	}
	got, _ = s.GetEntry(ctx, entry.ID)
	if got.Summary != "casi listo" {
		t.Errorf("empty summary should not overwrite: %q", got.Summary)
	}
}

func TestAssignEntryThreadMovesBook(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	bookA, _ := s.CreateBook(ctx, "u1", "Libro A", "")
	bookB, _ := s.CreateBook(ctx, "u1", "Libro B", "")
	thread, err := s.CreateThread(ctx, "u1", bookB.ID, "Conversación con sistemas")
	if err != nil {
		t.Fatalf("creating thread: %v", err)
	}

	entry, _ := s.CreateEntry(ctx, EntryInput{OwnerID: "u1", BookID: bookA.ID, RawText: "sigo con el tema", Type: "NOTE", Priority: "MEDIUM"})
	if err := s.AssignEntryThread(ctx, entry.ID, thread.ID); err != nil {
		t.Fatalf("assigning thread: %v", err)
	}

	got, _ := s.GetEntry(ctx, entry.ID)
	if got.ThreadID == nil || *got.ThreadID != thread.ID {
		t.Errorf("thread not assigned: %+v", got.ThreadID)
	}
	if got.BookID != bookB.ID {
		t.Errorf("entry should move to thread's book %d, got %d", bookB.ID, got.BookID)
	}
}

func TestPendingTasksAndCompletion(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	book, _ := s.CreateBook(ctx, "u1", "Trabajo", "")
	entry, _ := s.CreateEntry(ctx, EntryInput{
		OwnerID: "u1", BookID: book.ID, RawText: "tareas", Type: "TASK", Priority: "MEDIUM",
		Tasks: []TaskInput{
			{Description: "Terminar el modelo BI de Andina"},
			{Description: "Enviar minuta"},
		},
	})

	pending, err := s.ListPendingTasks(ctx, "u1")
	if err != nil {
		t.Fatalf("listing pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", len(pending))
	}

	if err := s.CompleteTask(ctx, pending[0].ID, "falta ajustar el formato"); err != nil {
		t.Fatalf("completing: %v", err)
	}

	pending, _ = s.ListPendingTasks(ctx, "u1")
	if len(pending) != 1 {
		t.Errorf("expected 1 pending task, got %d", len(pending))
	}

	done, _ := s.TasksByEntry(ctx, entry.ID)
	var completed *Task
	for _, task := range done {
		if task.Done {
			completed = task
		}
	}
	if completed == nil {
		t.Fatal("completed task not found")
	}
	if completed.CompletionNotes != "falta ajustar el formato" {
		t.Errorf("completion notes lost: %q", completed.CompletionNotes)
	}
	if completed.CompletedAt == nil {
		t.Error("completed_at not set")
	}
}

func TestEmbeddingUpsertRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	book, _ := s.CreateBook(ctx, "u1", "Trabajo", "")
	entry, _ := s.CreateEntry(ctx, EntryInput{OwnerID: "u1", BookID: book.ID, RawText: "nota", Type: "NOTE", Priority: "LOW"})

	vec := []float32{0.1, -0.5, 0.9}
	if err := s.UpsertEmbedding(ctx, entry.ID, "ollama/nomic-embed-text", vec); err != nil {
		t.Fatalf("upserting: %v", err)
	}

	got, err := s.GetEmbedding(ctx, entry.ID, "ollama/nomic-embed-text")
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if len(got) != 3 || got[1] != -0.5 {
		t.Errorf("vector round trip failed: %v", got)
	}

	// Second upsert replaces.
	if err := s.UpsertEmbedding(ctx, entry.ID, "ollama/nomic-embed-text", []float32{1, 2}); err != nil {
		t.Fatalf("re-upserting: %v", err)
	}
	all, err := s.AllEmbeddings(ctx, "u1", "ollama/nomic-embed-text")
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 embedding after upsert, got %d", len(all))
	}
	if len(all[0].Vector) != 2 {
		t.Errorf("vector not replaced: %v", all[0].Vector)
	}
}

func TestRelationUpsertOverwritesStrength(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	book, _ := s.CreateBook(ctx, "u1", "Trabajo", "")
	a, _ := s.CreateEntry(ctx, EntryInput{OwnerID: "u1", BookID: book.ID, RawText: "a", Type: "NOTE", Priority: "LOW"})
	b, _ := s.CreateEntry(ctx, EntryInput{OwnerID: "u1", BookID: book.ID, RawText: "b", Type: "NOTE", Priority: "LOW"})

	if err := s.UpsertRelation(ctx, a.ID, b.ID, 0.80); err != nil {
		t.Fatalf("upserting: %v", err)
	}
	// Reversed order hits the same canonical edge.
	if err := s.UpsertRelation(ctx, b.ID, a.ID, 0.91); err != nil {
		t.Fatalf("re-upserting: %v", err)
	}

	rels, err := s.RelationsForEntry(ctx, a.ID)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(rels) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(rels))
	}
	if rels[0].Strength != 0.91 {
		t.Errorf("strength not overwritten: %v", rels[0].Strength)
	}

	if err := s.UpsertRelation(ctx, a.ID, a.ID, 0.5); err == nil {
		t.Error("self relation should be rejected")
	}
}

func TestPersonSummaryCache(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	if err := s.UpsertPersonSummary(ctx, "u1", "Juan", "Responsable del informe", "hash1", now); err != nil {
		t.Fatalf("upserting: %v", err)
	}

	got, err := s.GetPersonSummary(ctx, "u1", "juan")
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if got.ContentHash != "hash1" {
		t.Errorf("hash lost: %q", got.ContentHash)
	}

	if err := s.UpsertPersonSummary(ctx, "u1", "JUAN", "Actualizado", "hash2", now); err != nil {
		t.Fatalf("re-upserting: %v", err)
	}
	got, _ = s.GetPersonSummary(ctx, "u1", "Juan")
	if got.Summary != "Actualizado" || got.ContentHash != "hash2" {
		t.Errorf("upsert did not replace: %+v", got)
	}

	if _, err := s.GetPersonSummary(ctx, "u1", "Nadie"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStatsCounts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	book, _ := s.CreateBook(ctx, "u1", "Trabajo", "")
	s.CreateEntry(ctx, EntryInput{
		OwnerID: "u1", BookID: book.ID, RawText: "x", Type: "NOTE", Priority: "LOW",
		Tasks:    []TaskInput{{Description: "t"}},
		Entities: []EntityInput{{Name: "Juan", Type: "PERSON"}},
	})

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Books != 1 || stats.Entries != 1 || stats.Tasks != 1 || stats.OpenTasks != 1 || stats.Entities != 1 {
		t.Errorf("unexpected counts: %+v", stats)
	}
}

func TestSearchEntries(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	book, _ := s.CreateBook(ctx, "u1", "Trabajo", "")
	s.CreateEntry(ctx, EntryInput{OwnerID: "u1", BookID: book.ID, RawText: "el panel de supervisores falla", Summary: "panel con fallas", Type: "NOTE", Priority: "LOW"})
	s.CreateEntry(ctx, EntryInput{OwnerID: "u1", BookID: book.ID, RawText: "comprar regalo", Type: "NOTE", Priority: "LOW"})

	results, err := s.SearchEntries(ctx, "u1", "panel", 10)
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected 1 match, got %d", len(results))
	}
}

func TestTouchBookBumpsUpdatedAt(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	book, _ := s.CreateBook(ctx, "u1", "Trabajo", "")
	if _, err := s.db.ExecContext(ctx,
		`UPDATE books SET updated_at = '2020-01-01 00:00:00' WHERE id = ?`, book.ID); err != nil {
		t.Fatalf("backdating: %v", err)
	}

	if err := s.TouchBook(ctx, book.ID); err != nil {
		t.Fatalf("touching: %v", err)
	}

	book, _ = s.GetBook(ctx, book.ID)
	if book.UpdatedAt.Before(time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("updated_at not bumped: %v", book.UpdatedAt)
	}
}

func TestGetEmbeddingReportsRealErrors(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.GetEmbedding(ctx, 999, "mock/embed"); err != ErrNotFound {
		t.Errorf("missing vector should be ErrNotFound, got %v", err)
	}

	s.Close()
	if _, err := s.GetEmbedding(ctx, 999, "mock/embed"); err == nil || err == ErrNotFound {
		t.Errorf("closed db must not report ErrNotFound, got %v", err)
	}
}
