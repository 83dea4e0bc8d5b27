package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nvalderrama/bitacora/internal/llm"
)

// DefaultInboxBook is the notebook used when classification degrades to
// its safe fallback.
const DefaultInboxBook = "Inbox"

const classifySystemPrompt = `You are the classification engine for a personal logbook. The user captures free-text notes (often in Spanish) and you file each note into a notebook, classify it, and extract structured data.

NOTE TYPES:
- NOTE: describes current state or information for reference. No pending action.
- TASK: names an explicit pending action someone must do
- DECISION: records a choice that was made
- IDEA: a proposal or thought to explore
- RISK: a concern or potential problem

CRITICAL RULE — tasks: populate "tasks" ONLY when the text names an explicit pending action ("hay que...", "revisar antes del...", "enviar a..."). Text that merely describes a situation, a status, or reference information is a NOTE with an EMPTY tasks array. Never invent tasks from descriptive text.

NOTEBOOK SELECTION:
- Compare against the existing notebooks listed (case-insensitive)
- Reuse an existing notebook name whenever the topic matches
- Otherwise propose a NEW short, descriptive notebook name (2-4 words)

ENTITY TYPES: PERSON, COMPANY, PROJECT, TOPIC

Return ONLY a JSON object:
{
  "target_book_name": "notebook name",
  "type": "NOTE|TASK|DECISION|IDEA|RISK",
  "summary": "one or two sentence summary in the note's language",
  "tasks": [{"description": "...", "assignee": "", "due_date": "YYYY-MM-DD or empty", "priority": "LOW|MEDIUM|HIGH"}],
  "entities": [{"name": "...", "type": "PERSON|COMPANY|PROJECT|TOPIC"}],
  "suggested_priority": "LOW|MEDIUM|HIGH"
}`

// ClassifyInput is the single-topic classification request.
type ClassifyInput struct {
	Text            string
	Books           []BookRef
	Attachment      *Attachment
	DefaultBookName string // fallback notebook (default: DefaultInboxBook)
	Model           string // per-request model override (empty: provider default)
}

// Analysis is the bounded single-topic classification result.
type Analysis struct {
	TargetBookName    string
	Type              NoteType
	Summary           string
	Tasks             []TaskItem
	Entities          []EntityMention
	SuggestedPriority Priority
	Degraded          bool // true when this is the safe fallback result
}

type classifyResponse struct {
	TargetBookName    string          `json:"target_book_name"`
	Type              string          `json:"type"`
	Summary           string          `json:"summary"`
	Tasks             []TaskItem      `json:"tasks"`
	Entities          []EntityMention `json:"entities"`
	SuggestedPriority string          `json:"suggested_priority"`
}

// Classify runs single-topic classification and extraction.
//
// Rate-limit errors re-raise so the caller can surface a user-facing
// "try again later" message. Any other provider failure degrades to a safe
// fallback (default notebook, NOTE type, truncated input as summary) —
// ingestion never hard-fails because classification failed.
func Classify(ctx context.Context, c Completer, in ClassifyInput) (*Analysis, error) {
	prompt := buildClassifyPrompt(in)

	raw, err := c.Complete(ctx, prompt, llm.CompletionOpts{
		System:      classifySystemPrompt,
		Format:      "json",
		Temperature: 0.2,
		MaxTokens:   2000,
		Model:       in.Model,
	})
	if err != nil {
		if llm.IsRateLimit(err) {
			return nil, fmt.Errorf("classification: %w", err)
		}
		return fallbackAnalysis(in), nil
	}

	var resp classifyResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		return fallbackAnalysis(in), nil
	}

	bookName := truncate(resp.TargetBookName, maxBookNameLen)
	if bookName == "" {
		bookName = defaultBook(in)
	}

	summary := truncate(resp.Summary, maxSummaryLen)
	if summary == "" {
		summary = truncate(in.Text, maxSummaryLen)
	}

	return &Analysis{
		TargetBookName:    bookName,
		Type:              normalizeType(resp.Type),
		Summary:           summary,
		Tasks:             boundTasks(resp.Tasks, maxTasks),
		Entities:          boundEntities(resp.Entities, maxEntities),
		SuggestedPriority: normalizePriority(resp.SuggestedPriority),
	}, nil
}

// ResolveBook finds the existing book whose name matches case-insensitively,
// or returns nil when the name is new. The classifier never asserts
// new-vs-existing; this comparison is the caller's decision point.
func ResolveBook(name string, books []BookRef) *BookRef {
	for i := range books {
		if strings.EqualFold(strings.TrimSpace(books[i].Name), strings.TrimSpace(name)) {
			return &books[i]
		}
	}
	return nil
}

func buildClassifyPrompt(in ClassifyInput) string {
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

	sb.WriteString("\nNOTE TEXT:\n")
	if strings.TrimSpace(in.Text) == "" {
		sb.WriteString("(no text, classify from the attachment)\n")
	} else {
		sb.WriteString(truncate(in.Text, 6000))
		sb.WriteString("\n")
	}

	if in.Attachment != nil && strings.TrimSpace(in.Attachment.Text) != "" {
		sb.WriteString("\nATTACHMENT CONTENT (")
		sb.WriteString(in.Attachment.MimeType)
		sb.WriteString("):\n")
		sb.WriteString(truncate(in.Attachment.Text, 4000))
		sb.WriteString("\n")
	}

	sb.WriteString("\nReturn the classification JSON.")
	return sb.String()
}

func defaultBook(in ClassifyInput) string {
	if in.DefaultBookName != "" {
		return in.DefaultBookName
	}
	return DefaultInboxBook
}

// fallbackAnalysis is the degenerate safe result used when the provider
// fails for any non-rate-limit reason.
func fallbackAnalysis(in ClassifyInput) *Analysis {
	text := in.Text
	if strings.TrimSpace(text) == "" && in.Attachment != nil {
		text = in.Attachment.Text
	}
	return &Analysis{
		TargetBookName:    defaultBook(in),
		Type:              TypeNote,
		Summary:           truncate(text, maxSummaryLen),
		Tasks:             nil,
		Entities:          nil,
		SuggestedPriority: PriorityMedium,
		Degraded:          true,
	}
}
