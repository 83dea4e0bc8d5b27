package analyze

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nvalderrama/bitacora/internal/llm"
)

// ThreadConfidenceThreshold is the bar for accepting a thread relation.
// Lower than the entry-match threshold: a wrong thread suggestion is a
// reversible UI hint, not a silent data mutation.
const ThreadConfidenceThreshold = 70

const (
	threadMaxEntries       = 100
	threadMaxMemberSummary = 5
)

const threadSystemPrompt = `You decide whether a new note belongs to an existing conversation thread, should start a new thread, or stands alone.

RULES:
- has_relation=true only when the note clearly continues one of the threads or relates to specific existing entries
- related_thread_id: the thread it continues (0 if none)
- related_entry_ids: specific entries it relates to (may be set even without a thread)
- suggested_thread_title: when the note plus related entries would make a good NEW thread, propose a short title
- Report confidence 0-100

Return ONLY a JSON object:
{
  "has_relation": false,
  "related_thread_id": 0,
  "related_entry_ids": [],
  "confidence": 0,
  "suggested_thread_title": "",
  "reason": "..."
}`

// ThreadContext is the view of an existing thread shown to the detector,
// enriched with up to threadMaxMemberSummary member-entry summaries.
type ThreadContext struct {
	ID              int64
	Title           string
	BookID          int64
	MemberSummaries []string
}

// ThreadInput is the thread-relation request.
type ThreadInput struct {
	Text    string
	Entries []EntryRef // capped to threadMaxEntries, same-book entries first
	Threads []ThreadContext
	BookID  int64 // optional target notebook
}

// ThreadRelation is the detection verdict. Advisory: sub-threshold results
// are coerced to HasRelation=false but keep their diagnostics.
type ThreadRelation struct {
	HasRelation      bool
	ThreadID         int64
	RelatedEntryIDs  []int64
	Confidence       int
	SuggestedTitle   string
	Reason           string
}

type threadResponse struct {
	HasRelation      bool    `json:"has_relation"`
	RelatedThreadID  int64   `json:"related_thread_id"`
	RelatedEntryIDs  []int64 `json:"related_entry_ids"`
	Confidence       int     `json:"confidence"`
	SuggestedTitle   string  `json:"suggested_thread_title"`
	Reason           string  `json:"reason"`
}

// DetectThreadRelation checks whether text belongs to an existing thread.
// Never returns an error; provider failures degrade to a negative result.
func DetectThreadRelation(ctx context.Context, c Completer, in ThreadInput) ThreadRelation {
	if strings.TrimSpace(in.Text) == "" {
		return ThreadRelation{Reason: "empty input"}
	}

	raw, err := c.Complete(ctx, buildThreadPrompt(in), llm.CompletionOpts{
		System:      threadSystemPrompt,
		Format:      "json",
		Temperature: 0.1,
		MaxTokens:   600,
	})
	if err != nil {
		slog.Debug("thread relation detection failed", "error", err)
		return ThreadRelation{Confidence: 0}
	}

	var resp threadResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		slog.Debug("thread relation response unparseable", "error", err)
		return ThreadRelation{Confidence: 0}
	}

	result := ThreadRelation{
		HasRelation:     resp.HasRelation,
		ThreadID:        resp.RelatedThreadID,
		RelatedEntryIDs: resp.RelatedEntryIDs,
		Confidence:      clampConfidence(resp.Confidence),
		SuggestedTitle:  truncate(resp.SuggestedTitle, maxBookNameLen),
		Reason:          truncate(resp.Reason, 500),
	}

	// Below the bar the relation is dropped, but confidence/reason/ids
	// stay for caller diagnostics.
	if result.Confidence < ThreadConfidenceThreshold {
		result.HasRelation = false
		result.ThreadID = 0
	}

	return result
}

// orderEntriesForContext puts same-book entries ahead of the rest so they
// survive the context-window cap.
func orderEntriesForContext(entries []EntryRef, bookID int64) []EntryRef {
	if bookID == 0 {
		if len(entries) > threadMaxEntries {
			return entries[:threadMaxEntries]
		}
		return entries
	}

	ordered := make([]EntryRef, 0, len(entries))
	for _, e := range entries {
		if e.BookID == bookID {
			ordered = append(ordered, e)
		}
	}
	for _, e := range entries {
		if e.BookID != bookID {
			ordered = append(ordered, e)
		}
	}
	if len(ordered) > threadMaxEntries {
		ordered = ordered[:threadMaxEntries]
	}
	return ordered
}

func buildThreadPrompt(in ThreadInput) string {
	var sb strings.Builder

	sb.WriteString("EXISTING THREADS:\n")
	if len(in.Threads) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, th := range in.Threads {
		sb.WriteString("- id=")
		writeInt(&sb, th.ID)
		sb.WriteString(" book=")
		writeInt(&sb, th.BookID)
		sb.WriteString(": ")
		sb.WriteString(truncate(th.Title, 120))
		sb.WriteString("\n")
		members := th.MemberSummaries
		if len(members) > threadMaxMemberSummary {
			members = members[:threadMaxMemberSummary]
		}
		for _, m := range members {
			sb.WriteString("    · ")
			sb.WriteString(truncate(m, 150))
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\nEXISTING ENTRIES:\n")
	entries := orderEntriesForContext(in.Entries, in.BookID)
	if len(entries) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, e := range entries {
		sb.WriteString("- id=")
		writeInt(&sb, e.ID)
		sb.WriteString(" book=")
		writeInt(&sb, e.BookID)
		sb.WriteString(": ")
		sb.WriteString(truncate(e.Summary, 150))
		sb.WriteString("\n")
	}

	sb.WriteString("\nNEW NOTE:\n")
	sb.WriteString(truncate(in.Text, 2000))
	sb.WriteString("\n\nReturn the relation JSON.")
	return sb.String()
}
