package people

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/nvalderrama/bitacora/internal/llm"
	"github.com/nvalderrama/bitacora/internal/store"
)

type mockProvider struct {
	response string
	err      error
	calls    int
}

func (m *mockProvider) Complete(ctx context.Context, prompt string, opts llm.CompletionOpts) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return m.response, nil
}

func (m *mockProvider) Name() string { return "mock" }

func setup(t *testing.T, provider llm.Provider) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, provider, nil), st
}

func seedPersonEntry(t *testing.T, st *store.Store, text string, tasks ...store.TaskInput) int64 {
	t.Helper()
	ctx := context.Background()
	book, err := st.FindOrCreateBook(ctx, "u1", "Trabajo")
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	entry, err := st.CreateEntry(ctx, store.EntryInput{
		OwnerID: "u1", BookID: book.ID, RawText: text, Summary: text,
		Type: "NOTE", Priority: "MEDIUM",
		Tasks:    tasks,
		Entities: []store.EntityInput{{Name: "Juan", Type: "PERSON"}},
	})
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	return entry.ID
}

func TestSummaryGeneratesAndCaches(t *testing.T) {
	provider := &mockProvider{response: "Juan es el responsable del informe semanal."}
	svc, st := setup(t, provider)
	seedPersonEntry(t, st, "Juan debe enviar el informe")

	got, err := svc.Summary(context.Background(), "u1", "Juan")
	if err != nil {
		t.Fatalf("first summary: %v", err)
	}
	if got != provider.response {
		t.Errorf("unexpected summary: %q", got)
	}
	if provider.calls != 1 {
		t.Fatalf("expected 1 provider call, got %d", provider.calls)
	}

	// Unchanged content: served from cache, no new provider call.
	if _, err := svc.Summary(context.Background(), "u1", "juan"); err != nil {
		t.Fatalf("cached summary: %v", err)
	}
	if provider.calls != 1 {
		t.Errorf("cache miss on unchanged content: %d calls", provider.calls)
	}
}

func TestSummaryRegeneratesOnTaskCompletion(t *testing.T) {
	provider := &mockProvider{response: "resumen"}
	svc, st := setup(t, provider)
	entryID := seedPersonEntry(t, st, "Juan debe enviar el informe",
		store.TaskInput{Description: "Enviar el informe", Assignee: "Juan"})

	ctx := context.Background()
	if _, err := svc.Summary(ctx, "u1", "Juan"); err != nil {
		t.Fatalf("first summary: %v", err)
	}

	tasks, _ := st.TasksByEntry(ctx, entryID)
	if err := st.CompleteTask(ctx, tasks[0].ID, "enviado"); err != nil {
		t.Fatalf("completing task: %v", err)
	}

	if _, err := svc.Summary(ctx, "u1", "Juan"); err != nil {
		t.Fatalf("second summary: %v", err)
	}
	if provider.calls != 2 {
		t.Errorf("task completion must invalidate summary, got %d calls", provider.calls)
	}
}

func TestSummaryPersistedAcrossServiceRestart(t *testing.T) {
	provider := &mockProvider{response: "resumen persistido"}
	svc, st := setup(t, provider)
	seedPersonEntry(t, st, "Juan pidió vacaciones")

	ctx := context.Background()
	if _, err := svc.Summary(ctx, "u1", "Juan"); err != nil {
		t.Fatalf("first summary: %v", err)
	}

	// Fresh service, same DB: persisted row with matching hash is reused.
	svc2 := New(st, provider, nil)
	got, err := svc2.Summary(ctx, "u1", "Juan")
	if err != nil {
		t.Fatalf("restarted summary: %v", err)
	}
	if got != "resumen persistido" {
		t.Errorf("unexpected summary: %q", got)
	}
	if provider.calls != 1 {
		t.Errorf("persisted cache not honored: %d calls", provider.calls)
	}
}

func TestSummaryUnknownPerson(t *testing.T) {
	svc, _ := setup(t, &mockProvider{response: "x"})
	if _, err := svc.Summary(context.Background(), "u1", "Nadie"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSummaryProviderError(t *testing.T) {
	provider := &mockProvider{err: errors.New("down")}
	svc, st := setup(t, provider)
	seedPersonEntry(t, st, "Juan hizo algo")

	if _, err := svc.Summary(context.Background(), "u1", "Juan"); err == nil {
		t.Error("expected provider error to propagate")
	}
}

func TestSummaryTruncatesOnRuneBoundary(t *testing.T) {
	provider := &mockProvider{response: strings.Repeat("ñ", 1500)} // 3000 bytes
	svc, st := setup(t, provider)
	seedPersonEntry(t, st, "Juan escribió demasiado")

	got, err := svc.Summary(context.Background(), "u1", "Juan")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(got) > maxSummaryLen {
		t.Errorf("summary over cap: %d bytes", len(got))
	}
	if !utf8.ValidString(got) {
		t.Errorf("truncation split a rune: %q", got[len(got)-4:])
	}
}
