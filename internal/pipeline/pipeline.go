// Package pipeline orchestrates ingestion: preprocessing, step routing,
// classification or multi-topic splitting, task completion detection,
// thread suggestion, persistence, and asynchronous post-processing
// (embedding plus relation edges).
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nvalderrama/bitacora/internal/analyze"
	"github.com/nvalderrama/bitacora/internal/llm"
	"github.com/nvalderrama/bitacora/internal/preprocess"
	"github.com/nvalderrama/bitacora/internal/relate"
	"github.com/nvalderrama/bitacora/internal/store"
)

// Gateway is the rate-limited provider surface the pipeline consumes.
type Gateway interface {
	Complete(ctx context.Context, prompt string, opts llm.CompletionOpts) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedderModel() string
}

// Config tunes the pipeline service.
type Config struct {
	// SyncPostProcess runs embedding and relation detection inline
	// instead of in a background goroutine. One-shot CLI runs and
	// tests use this.
	SyncPostProcess bool
	// UseAIRouter asks the model which steps to run instead of the
	// deterministic rule table.
	UseAIRouter bool
	// PostProcessTimeout bounds each background post-process run.
	PostProcessTimeout time.Duration

	// Per-purpose model overrides. Empty means the provider default.
	ClassifyModel string
	SplitModel    string
	RouteModel    string
}

// PersonInvalidator drops cached person summaries when new entries
// mention them. The people service satisfies it.
type PersonInvalidator interface {
	Invalidate(ownerID, personName string)
}

// Service wires the ingestion pipeline together.
type Service struct {
	store     *store.Store
	gw        Gateway
	pre       *preprocess.Preprocessor
	relations *relate.Engine
	cfg       Config
	logger    *slog.Logger

	invalidator PersonInvalidator

	wg sync.WaitGroup
}

// New creates a pipeline service.
func New(st *store.Store, gw Gateway, relations *relate.Engine, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PostProcessTimeout <= 0 {
		cfg.PostProcessTimeout = 2 * time.Minute
	}
	return &Service{
		store:     st,
		gw:        gw,
		pre:       preprocess.New(preprocess.DefaultConfig()),
		relations: relations,
		cfg:       cfg,
		logger:    logger,
	}
}

// Wait blocks until all background post-processing has finished.
func (s *Service) Wait() { s.wg.Wait() }

// SetPersonInvalidator registers the person-summary cache to notify when
// a capture mentions a person.
func (s *Service) SetPersonInvalidator(inv PersonInvalidator) { s.invalidator = inv }

// IngestRequest is one capture.
type IngestRequest struct {
	OwnerID    string
	Text       string
	Attachment *analyze.Attachment
}

// IngestResult reports what a capture produced.
type IngestResult struct {
	Entries        []*store.Entry
	CompletedTasks []*store.Task
	UpdatedEntry   *store.Entry
	Steps          []analyze.Step
	Degraded       bool
	ThreadID       int64
}

// Ingest runs the single-topic pipeline: preprocess, route, completion
// detection, classification, thread suggestion, persistence. Returns a
// rate-limit error unchanged so callers can surface retry guidance;
// other provider failures degrade to inbox placement.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	pre := s.pre.Process(req.Text)
	if pre.Cleaned == "" && req.Attachment == nil {
		return nil, fmt.Errorf("empty input")
	}

	routeIn := analyze.RouteInput{Length: pre.Length, HasAttachment: req.Attachment != nil, Model: s.cfg.RouteModel}
	var steps []analyze.Step
	if s.cfg.UseAIRouter {
		steps = analyze.RouteStepsAI(ctx, s.gw, pre.Cleaned, routeIn)
	} else {
		steps = analyze.RouteSteps(routeIn)
	}

	result := &IngestResult{Steps: steps}

	// Completion detection first: input that closes an existing task or
	// extends an existing entry must not spawn a duplicate entry.
	match, err := s.detectCompletion(ctx, req.OwnerID, pre.Cleaned)
	if err != nil {
		return nil, err
	}
	if match != nil && match.ShouldUpdate {
		if applied, err := s.applyMatch(ctx, req.OwnerID, pre.Cleaned, *match, result); err != nil {
			return nil, err
		} else if applied {
			return result, nil
		}
	}

	books, err := s.bookRefs(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}

	analysis, err := analyze.Classify(ctx, s.gw, analyze.ClassifyInput{
		Text:       pre.Cleaned,
		Books:      books,
		Attachment: req.Attachment,
		Model:      s.cfg.ClassifyModel,
	})
	if err != nil {
		return nil, err
	}
	result.Degraded = analysis.Degraded

	book, err := s.store.FindOrCreateBook(ctx, req.OwnerID, analysis.TargetBookName)
	if err != nil {
		return nil, err
	}

	entry, err := s.persistAnalysis(ctx, req.OwnerID, book.ID, pre.Cleaned, analysis)
	if err != nil {
		return nil, err
	}
	result.Entries = append(result.Entries, entry)
	s.refreshBookContext(ctx, book, analysis.Summary)
	s.notifyPeople(req.OwnerID, analysis.Entities)

	// Thread suggestion is advisory and must never fail the capture.
	if rel := s.suggestThread(ctx, req.OwnerID, pre.Cleaned, book.ID); rel != nil && rel.HasRelation {
		if err := s.store.AssignEntryThread(ctx, entry.ID, rel.ThreadID); err != nil {
			s.logger.Warn("failed to assign thread", "entry_id", entry.ID, "thread_id", rel.ThreadID, "error", err)
		} else {
			result.ThreadID = rel.ThreadID
			if refreshed, err := s.store.GetEntry(ctx, entry.ID); err == nil {
				result.Entries[len(result.Entries)-1] = refreshed
			}
		}
	}

	s.postProcess(ctx, req.OwnerID, entry.ID, entryEmbedText(entry, analysis.Summary))
	return result, nil
}

// IngestMultiTopic runs the splitter pipeline: one input may produce
// several entries in different books, plus task completions named by the
// splitter. When splitting runs, its task actions are authoritative and
// standalone completion detection is skipped for the same input.
func (s *Service) IngestMultiTopic(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	pre := s.pre.Process(req.Text)
	if pre.Cleaned == "" && req.Attachment == nil {
		return nil, fmt.Errorf("empty input")
	}

	books, err := s.bookRefs(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.ListPendingTasks(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	pendingRefs := make([]analyze.PendingTask, 0, len(pending))
	for _, task := range pending {
		pendingRefs = append(pendingRefs, analyze.PendingTask{Description: task.Description, Assignee: task.Assignee})
	}

	split, err := analyze.Split(ctx, s.gw, analyze.SplitInput{
		Text:         pre.Cleaned,
		Books:        books,
		PendingTasks: pendingRefs,
		Attachment:   req.Attachment,
		Model:        s.cfg.SplitModel,
	})
	if err != nil {
		return nil, err
	}

	result := &IngestResult{
		Steps:    analyze.RouteSteps(analyze.RouteInput{Length: pre.Length, HasAttachment: req.Attachment != nil}),
		Degraded: split.Degraded,
	}

	completedIDs := map[int64]bool{}
	for _, topic := range split.Topics {
		book, err := s.store.FindOrCreateBook(ctx, req.OwnerID, topic.TargetBookName)
		if err != nil {
			return nil, err
		}

		priority := split.SuggestedPriority
		if priority == "" {
			priority = analyze.PriorityMedium
		}
		entry, err := s.persistTopic(ctx, req.OwnerID, book.ID, topic, priority)
		if err != nil {
			return nil, err
		}
		result.Entries = append(result.Entries, entry)
		s.refreshBookContext(ctx, book, topic.Summary)
		s.notifyPeople(req.OwnerID, topic.Entities)

		for _, action := range topic.TaskActions {
			task := matchPendingTask(pending, action.TaskDescription)
			if task == nil || completedIDs[task.ID] {
				continue
			}
			if err := s.store.CompleteTask(ctx, task.ID, action.CompletionNotes); err != nil {
				s.logger.Warn("failed to complete task", "task_id", task.ID, "error", err)
				continue
			}
			completedIDs[task.ID] = true
			if done, err := s.store.GetTask(ctx, task.ID); err == nil {
				result.CompletedTasks = append(result.CompletedTasks, done)
			}
		}

		s.postProcess(ctx, req.OwnerID, entry.ID, entryEmbedText(entry, topic.Summary))
	}

	return result, nil
}

// CheckCompletion runs standalone completion detection without creating
// anything. The verdict is advisory.
func (s *Service) CheckCompletion(ctx context.Context, ownerID, text string) (*analyze.MatchResult, error) {
	pre := s.pre.Process(text)
	match, err := s.detectCompletion(ctx, ownerID, pre.Cleaned)
	if err != nil {
		return nil, err
	}
	if match == nil {
		return &analyze.MatchResult{Reason: "nothing to match against"}, nil
	}
	return match, nil
}

// SuggestThread runs standalone thread-relation detection.
func (s *Service) SuggestThread(ctx context.Context, ownerID, text string, bookID int64) (*analyze.ThreadRelation, error) {
	pre := s.pre.Process(text)
	rel := s.suggestThread(ctx, ownerID, pre.Cleaned, bookID)
	if rel == nil {
		return &analyze.ThreadRelation{}, nil
	}
	return rel, nil
}

// PostProcess embeds an entry and computes relation edges, then settles
// the entry status. Safe to call for any persisted entry.
func (s *Service) PostProcess(ctx context.Context, ownerID string, entryID int64) error {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	return s.runPostProcess(ctx, ownerID, entryID, entryEmbedText(entry, entry.Summary))
}

func (s *Service) detectCompletion(ctx context.Context, ownerID, text string) (*analyze.MatchResult, error) {
	recent, err := s.store.RecentEntrySummaries(ctx, ownerID, 50)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.ListPendingTasks(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if len(recent) == 0 && len(pending) == 0 {
		return nil, nil
	}

	in := analyze.MatchInput{Text: text}
	for _, entry := range recent {
		in.Entries = append(in.Entries, analyze.EntryRef{ID: entry.ID, Summary: entry.Summary, BookID: entry.BookID})
	}
	for _, task := range pending {
		in.PendingTasks = append(in.PendingTasks, analyze.TaskRef{
			ID: task.ID, EntryID: task.EntryID, Description: task.Description, Assignee: task.Assignee,
		})
	}

	match := analyze.DetectMatch(ctx, s.gw, in)
	return &match, nil
}

// applyMatch applies a confident completion verdict: completing the
// matched task and appending the new text to the matched entry. Returns
// false when the verdict pointed at rows that no longer exist, in which
// case the caller falls through to normal classification.
func (s *Service) applyMatch(ctx context.Context, ownerID, text string, match analyze.MatchResult, result *IngestResult) (bool, error) {
	applied := false

	if match.TaskID != 0 {
		if err := s.store.CompleteTask(ctx, match.TaskID, match.CompletionNotes); err == nil {
			applied = true
			if task, err := s.store.GetTask(ctx, match.TaskID); err == nil {
				result.CompletedTasks = append(result.CompletedTasks, task)
			}
		} else if err != store.ErrNotFound {
			return false, err
		}
	}

	entryID := match.EntryID
	if entryID == 0 && match.TaskID != 0 {
		if task, err := s.store.GetTask(ctx, match.TaskID); err == nil {
			entryID = task.EntryID
		}
	}
	if entryID != 0 {
		if err := s.store.AppendEntryText(ctx, entryID, text, ""); err == nil {
			applied = true
			if entry, err := s.store.GetEntry(ctx, entryID); err == nil {
				result.UpdatedEntry = entry
				// The book's recency follows its freshest content.
				if err := s.store.TouchBook(ctx, entry.BookID); err != nil {
					s.logger.Warn("failed to touch book", "book_id", entry.BookID, "error", err)
				}
			}
			s.postProcess(ctx, ownerID, entryID, "")
		} else if err != store.ErrNotFound {
			return false, err
		}
	}

	return applied, nil
}

func (s *Service) suggestThread(ctx context.Context, ownerID, text string, bookID int64) *analyze.ThreadRelation {
	threads, err := s.store.ListThreads(ctx, ownerID)
	if err != nil {
		s.logger.Warn("failed to load threads", "error", err)
		return nil
	}
	if len(threads) == 0 {
		return nil
	}

	in := analyze.ThreadInput{Text: text, BookID: bookID}
	for _, th := range threads {
		summaries, err := s.store.ThreadMemberSummaries(ctx, th.ID, 5)
		if err != nil {
			s.logger.Warn("failed to load thread summaries", "thread_id", th.ID, "error", err)
			continue
		}
		in.Threads = append(in.Threads, analyze.ThreadContext{
			ID: th.ID, Title: th.Title, BookID: th.BookID, MemberSummaries: summaries,
		})
	}

	recent, err := s.store.RecentEntrySummaries(ctx, ownerID, 100)
	if err == nil {
		for _, entry := range recent {
			in.Entries = append(in.Entries, analyze.EntryRef{ID: entry.ID, Summary: entry.Summary, BookID: entry.BookID})
		}
	}

	rel := analyze.DetectThreadRelation(ctx, s.gw, in)
	return &rel
}

func (s *Service) persistAnalysis(ctx context.Context, ownerID string, bookID int64, text string, a *analyze.Analysis) (*store.Entry, error) {
	in := store.EntryInput{
		OwnerID:  ownerID,
		BookID:   bookID,
		RawText:  text,
		Summary:  a.Summary,
		Type:     string(a.Type),
		Priority: string(a.SuggestedPriority),
	}
	for _, task := range a.Tasks {
		in.Tasks = append(in.Tasks, store.TaskInput{
			Description: task.Description,
			Assignee:    task.Assignee,
			DueDate:     task.DueDate,
			Priority:    string(task.Priority),
		})
	}
	for _, entity := range a.Entities {
		in.Entities = append(in.Entities, store.EntityInput{Name: entity.Name, Type: string(entity.Type)})
	}
	return s.store.CreateEntry(ctx, in)
}

func (s *Service) persistTopic(ctx context.Context, ownerID string, bookID int64, topic analyze.TopicAnalysis, priority analyze.Priority) (*store.Entry, error) {
	in := store.EntryInput{
		OwnerID:  ownerID,
		BookID:   bookID,
		RawText:  topic.Content,
		Summary:  topic.Summary,
		Type:     string(topic.Type),
		Priority: string(priority),
	}
	for _, task := range topic.Tasks {
		in.Tasks = append(in.Tasks, store.TaskInput{
			Description: task.Description,
			Assignee:    task.Assignee,
			DueDate:     task.DueDate,
			Priority:    string(task.Priority),
		})
	}
	for _, entity := range topic.Entities {
		in.Entities = append(in.Entities, store.EntityInput{Name: entity.Name, Type: string(entity.Type)})
	}
	return s.store.CreateEntry(ctx, in)
}

// postProcess schedules embedding and relation detection. Inline when
// SyncPostProcess is set, otherwise on a goroutine detached from the
// request context.
func (s *Service) postProcess(ctx context.Context, ownerID string, entryID int64, embedText string) {
	if s.cfg.SyncPostProcess {
		if err := s.runPostProcess(ctx, ownerID, entryID, embedText); err != nil {
			s.logger.Warn("post-process failed", "entry_id", entryID, "error", err)
		}
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		bg, cancel := context.WithTimeout(context.Background(), s.cfg.PostProcessTimeout)
		defer cancel()
		if err := s.runPostProcess(bg, ownerID, entryID, embedText); err != nil {
			s.logger.Warn("post-process failed", "entry_id", entryID, "error", err)
		}
	}()
}

func (s *Service) runPostProcess(ctx context.Context, ownerID string, entryID int64, embedText string) error {
	if embedText == "" {
		entry, err := s.store.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		embedText = entryEmbedText(entry, entry.Summary)
	}

	if err := s.embedAndRelate(ctx, ownerID, entryID, embedText); err != nil {
		if serr := s.store.SetEntryStatus(ctx, entryID, store.StatusError); serr != nil {
			s.logger.Warn("failed to set error status", "entry_id", entryID, "error", serr)
		}
		return err
	}
	return s.store.SetEntryStatus(ctx, entryID, store.StatusCompleted)
}

func (s *Service) embedAndRelate(ctx context.Context, ownerID string, entryID int64, text string) error {
	vector, err := s.gw.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embedding entry %d: %w", entryID, err)
	}

	model := s.gw.EmbedderModel()
	if err := s.store.UpsertEmbedding(ctx, entryID, model, vector); err != nil {
		return err
	}

	if s.relations != nil {
		if _, err := s.relations.DetectAndPersistRelations(ctx, ownerID, model, entryID, vector); err != nil {
			return fmt.Errorf("relating entry %d: %w", entryID, err)
		}
	}
	return nil
}

// notifyPeople drops cached person summaries for every person a new
// entry mentions, so the next read regenerates against fresh notes.
func (s *Service) notifyPeople(ownerID string, entities []analyze.EntityMention) {
	if s.invalidator == nil {
		return
	}
	for _, e := range entities {
		if e.Type == "PERSON" {
			s.invalidator.Invalidate(ownerID, e.Name)
		}
	}
}

// maxBookContextChars caps the running context text kept per book.
const maxBookContextChars = 2000

// refreshBookContext appends the new entry's summary to the book's
// running context, dropping the oldest lines once over the cap. Best
// effort; a failure never affects the capture.
func (s *Service) refreshBookContext(ctx context.Context, book *store.Book, summary string) {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return
	}

	text := strings.TrimSpace(book.Context)
	if text == "" {
		text = "- " + summary
	} else {
		text = text + "\n- " + summary
	}
	for len(text) > maxBookContextChars {
		idx := strings.Index(text, "\n")
		if idx < 0 {
			cut := len(text) - maxBookContextChars
			for cut < len(text) && !utf8.RuneStart(text[cut]) {
				cut++
			}
			text = text[cut:]
			break
		}
		text = text[idx+1:]
	}

	if err := s.store.UpdateBookContext(ctx, book.ID, text); err != nil {
		s.logger.Warn("failed to refresh book context", "book_id", book.ID, "error", err)
	}
}

func (s *Service) bookRefs(ctx context.Context, ownerID string) ([]analyze.BookRef, error) {
	books, err := s.store.ListBooks(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	refs := make([]analyze.BookRef, 0, len(books))
	for _, b := range books {
		refs = append(refs, analyze.BookRef{ID: b.ID, Name: b.Name, Description: b.Context})
	}
	return refs, nil
}

// matchPendingTask finds the open task whose description best matches
// the splitter's reference: exact first, then substring either way.
func matchPendingTask(pending []*store.Task, description string) *store.Task {
	want := strings.ToLower(strings.TrimSpace(description))
	if want == "" {
		return nil
	}
	for _, task := range pending {
		if strings.ToLower(strings.TrimSpace(task.Description)) == want {
			return task
		}
	}
	for _, task := range pending {
		have := strings.ToLower(task.Description)
		if strings.Contains(have, want) || strings.Contains(want, have) {
			return task
		}
	}
	return nil
}

func entryEmbedText(entry *store.Entry, summary string) string {
	if strings.TrimSpace(summary) != "" {
		return summary
	}
	return entry.RawText
}
