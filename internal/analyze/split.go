package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nvalderrama/bitacora/internal/llm"
)

const splitSystemPrompt = `You are the multi-topic splitter for a personal logbook. A single captured note may mix several unrelated themes that belong in different notebooks. Your job: decide whether the input spans multiple notebooks, and partition it.

RULES:
- If the input covers ONE theme, return is_multi_topic=false with exactly ONE topic covering the whole input
- If it covers SEVERAL themes, return one topic per theme; topic contents must not overlap
- Each topic is classified independently: type, tasks, entities (same rules as single classification — tasks ONLY for explicit pending actions)
- task_actions: if part of the input reports that one of the PENDING TASKS listed below is now complete, reference that task by its description text and include any completion notes. Only for explicit completion language.
- Reuse existing notebook names (case-insensitive) when the theme matches; otherwise propose a new short name and set is_new_book=true

Return ONLY a JSON object:
{
  "is_multi_topic": true,
  "overall_context": "one sentence tying the input together",
  "suggested_priority": "LOW|MEDIUM|HIGH",
  "topics": [
    {
      "target_book_name": "...",
      "is_new_book": false,
      "type": "NOTE|TASK|DECISION|IDEA|RISK",
      "content": "the portion of the input for this topic",
      "summary": "...",
      "tasks": [{"description": "...", "assignee": "", "due_date": "", "priority": "MEDIUM"}],
      "entities": [{"name": "...", "type": "TOPIC"}],
      "task_actions": [{"task_description": "existing task text", "completion_notes": ""}]
    }
  ]
}`

// PendingTask is the minimal view of an open task shown to the splitter.
type PendingTask struct {
	Description string
	Assignee    string
}

// SplitInput is the multi-topic analysis request.
type SplitInput struct {
	Text            string
	Books           []BookRef
	PendingTasks    []PendingTask
	Attachment      *Attachment
	DefaultBookName string
	Model           string // per-request model override (empty: provider default)
}

// TaskAction signals that an already-existing task (matched by description
// text, not ID) should be marked complete.
type TaskAction struct {
	TaskDescription string `json:"task_description"`
	CompletionNotes string `json:"completion_notes,omitempty"`
}

// TopicAnalysis is one notebook-scoped partition of the input.
type TopicAnalysis struct {
	TargetBookName string
	IsNewBook      bool
	Type           NoteType
	Content        string
	Summary        string
	Tasks          []TaskItem
	Entities       []EntityMention
	TaskActions    []TaskAction
}

// MultiTopicAnalysis is the bounded splitter result. Topics is never empty
// for non-empty input.
type MultiTopicAnalysis struct {
	IsMultiTopic      bool
	OverallContext    string
	SuggestedPriority Priority
	Topics            []TopicAnalysis
	Degraded          bool
}

type splitResponse struct {
	IsMultiTopic      bool                 `json:"is_multi_topic"`
	OverallContext    string               `json:"overall_context"`
	SuggestedPriority string               `json:"suggested_priority"`
	Topics            []splitTopicResponse `json:"topics"`
}

type splitTopicResponse struct {
	TargetBookName string          `json:"target_book_name"`
	IsNewBook      bool            `json:"is_new_book"`
	Type           string          `json:"type"`
	Content        string          `json:"content"`
	Summary        string          `json:"summary"`
	Tasks          []TaskItem      `json:"tasks"`
	Entities       []EntityMention `json:"entities"`
	TaskActions    []TaskAction    `json:"task_actions"`
}

// Split partitions input across notebooks.
//
// Rate-limit errors re-raise; any other failure degrades to a single
// synthetic Inbox topic so ingestion can proceed.
func Split(ctx context.Context, c Completer, in SplitInput) (*MultiTopicAnalysis, error) {
	prompt := buildSplitPrompt(in)

	raw, err := c.Complete(ctx, prompt, llm.CompletionOpts{
		System:      splitSystemPrompt,
		Format:      "json",
		Temperature: 0.2,
		MaxTokens:   3000,
		Model:       in.Model,
	})
	if err != nil {
		if llm.IsRateLimit(err) {
			return nil, fmt.Errorf("multi-topic split: %w", err)
		}
		return fallbackSplit(in), nil
	}

	var resp splitResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		return fallbackSplit(in), nil
	}

	out := &MultiTopicAnalysis{
		IsMultiTopic:      resp.IsMultiTopic,
		OverallContext:    truncate(resp.OverallContext, maxSummaryLen),
		SuggestedPriority: normalizePriority(resp.SuggestedPriority),
	}

	for _, topic := range resp.Topics {
		bookName := truncate(topic.TargetBookName, maxBookNameLen)
		if bookName == "" {
			continue
		}
		out.Topics = append(out.Topics, TopicAnalysis{
			TargetBookName: bookName,
			IsNewBook:      topic.IsNewBook,
			Type:           normalizeType(topic.Type),
			Content:        truncate(topic.Content, maxTopicContentLen),
			Summary:        truncate(topic.Summary, maxTopicSummaryLen),
			Tasks:          boundTasks(topic.Tasks, maxTopicTasks),
			Entities:       boundEntities(topic.Entities, maxTopicEntities),
			TaskActions:    boundTaskActions(topic.TaskActions),
		})
	}

	// Never zero topics for non-empty input: a single-topic result must
	// still carry one topic covering everything.
	if len(out.Topics) == 0 && strings.TrimSpace(in.Text) != "" {
		fb := fallbackSplit(in)
		fb.Degraded = false
		return fb, nil
	}
	if len(out.Topics) <= 1 {
		out.IsMultiTopic = false
	}

	return out, nil
}

func boundTaskActions(actions []TaskAction) []TaskAction {
	if len(actions) > maxTopicActions {
		actions = actions[:maxTopicActions]
	}
	out := make([]TaskAction, 0, len(actions))
	for _, a := range actions {
		desc := truncate(a.TaskDescription, maxTaskDescLen)
		if desc == "" {
			continue
		}
		out = append(out, TaskAction{
			TaskDescription: desc,
			CompletionNotes: truncate(a.CompletionNotes, maxTaskDescLen),
		})
	}
	return out
}

func buildSplitPrompt(in SplitInput) string {
	var sb strings.Builder

	sb.WriteString("EXISTING NOTEBOOKS:\n")
	if len(in.Books) == 0 {
		sb.WriteString("(none yet)\n")
	}
	for _, b := range in.Books {
		sb.WriteString("- ")
		sb.WriteString(b.Name)
		if b.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(truncate(b.Description, 200))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\nPENDING TASKS:\n")
	if len(in.PendingTasks) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, task := range in.PendingTasks {
		sb.WriteString("- ")
		sb.WriteString(truncate(task.Description, 200))
		if task.Assignee != "" {
			sb.WriteString(" (")
			sb.WriteString(task.Assignee)
			sb.WriteString(")")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\nINPUT:\n")
	sb.WriteString(truncate(in.Text, 8000))
	sb.WriteString("\n")

	if in.Attachment != nil && strings.TrimSpace(in.Attachment.Text) != "" {
		sb.WriteString("\nATTACHMENT CONTENT (")
		sb.WriteString(in.Attachment.MimeType)
		sb.WriteString("):\n")
		sb.WriteString(truncate(in.Attachment.Text, 4000))
		sb.WriteString("\n")
	}

	sb.WriteString("\nReturn the split JSON.")
	return sb.String()
}

// fallbackSplit is the degenerate single-topic result for non-rate-limit
// failures: everything lands in the inbox as a NOTE.
func fallbackSplit(in SplitInput) *MultiTopicAnalysis {
	book := in.DefaultBookName
	if book == "" {
		book = DefaultInboxBook
	}
	return &MultiTopicAnalysis{
		IsMultiTopic:      false,
		SuggestedPriority: PriorityMedium,
		Degraded:          true,
		Topics: []TopicAnalysis{{
			TargetBookName: book,
			IsNewBook:      true,
			Type:           TypeNote,
			Content:        truncate(in.Text, maxTopicContentLen),
			Summary:        truncate(in.Text, maxTopicSummaryLen),
		}},
	}
}
