package analyze

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nvalderrama/bitacora/internal/llm"
)

// MatchConfidenceThreshold is the bar for accepting an entry match.
// Deliberately higher than the thread-relation threshold: a false positive
// here silently completes the wrong task, which is worse than a wrong
// thread suggestion.
const MatchConfidenceThreshold = 85

const (
	matchMaxEntries = 50
	matchMaxTasks   = 30
)

const matchSystemPrompt = `You decide whether a new note is reporting COMPLETION or an UPDATE of an existing task, versus being wholly new content.

STRICT RULES:
- should_update=true ONLY for explicit completion/update language: "ya terminé", "listo", "done", "finished", "already sent", "ya lo envié"
- Purely descriptive text, status reports, or new information must NEVER produce should_update=true
- Match against the pending tasks and recent entries provided; the matched task's wording must clearly correspond
- Report confidence 0-100. Be conservative: when in doubt, low confidence.
- completion_notes: any remaining caveat the user mentioned ("falta ajustar el formato")

Return ONLY a JSON object:
{
  "should_update": false,
  "entry_id": 0,
  "task_id": 0,
  "confidence": 0,
  "reason": "...",
  "completion_notes": ""
}`

// EntryRef is the minimal view of a recent entry shown to the detector.
type EntryRef struct {
	ID      int64
	Summary string
	BookID  int64
}

// TaskRef is the minimal view of a pending task shown to the detector.
type TaskRef struct {
	ID          int64
	EntryID     int64
	Description string
	Assignee    string
}

// MatchInput is the entry-match request.
type MatchInput struct {
	Text         string
	Entries      []EntryRef // most recent first; capped to matchMaxEntries
	PendingTasks []TaskRef  // capped to matchMaxTasks
}

// MatchResult is the completion-detection verdict. Advisory: a negative
// result is always safe.
type MatchResult struct {
	ShouldUpdate    bool
	EntryID         int64
	TaskID          int64
	Confidence      int
	Reason          string
	CompletionNotes string
}

type matchResponse struct {
	ShouldUpdate    bool   `json:"should_update"`
	EntryID         int64  `json:"entry_id"`
	TaskID          int64  `json:"task_id"`
	Confidence      int    `json:"confidence"`
	Reason          string `json:"reason"`
	CompletionNotes string `json:"completion_notes"`
}

// DetectMatch checks whether text reports completion of an existing task.
//
// Never returns an error: this check is advisory and must not block note
// creation. Provider failures and sub-threshold confidence both degrade to
// ShouldUpdate=false.
func DetectMatch(ctx context.Context, c Completer, in MatchInput) MatchResult {
	if strings.TrimSpace(in.Text) == "" || (len(in.Entries) == 0 && len(in.PendingTasks) == 0) {
		return MatchResult{Reason: "nothing to match against"}
	}

	raw, err := c.Complete(ctx, buildMatchPrompt(in), llm.CompletionOpts{
		System:      matchSystemPrompt,
		Format:      "json",
		Temperature: 0.1,
		MaxTokens:   500,
	})
	if err != nil {
		slog.Debug("entry match detection failed", "error", err)
		return MatchResult{Confidence: 0}
	}

	var resp matchResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		slog.Debug("entry match response unparseable", "error", err)
		return MatchResult{Confidence: 0}
	}

	result := MatchResult{
		ShouldUpdate:    resp.ShouldUpdate,
		EntryID:         resp.EntryID,
		TaskID:          resp.TaskID,
		Confidence:      clampConfidence(resp.Confidence),
		Reason:          truncate(resp.Reason, 500),
		CompletionNotes: truncate(resp.CompletionNotes, maxTaskDescLen),
	}

	// Confidence gate: anything under the bar is coerced to a negative,
	// whatever the raw classification said.
	if result.Confidence < MatchConfidenceThreshold {
		result.ShouldUpdate = false
	}
	if result.TaskID == 0 && result.EntryID == 0 {
		result.ShouldUpdate = false
	}

	return result
}

func buildMatchPrompt(in MatchInput) string {
	var sb strings.Builder

	entries := in.Entries
	if len(entries) > matchMaxEntries {
		entries = entries[:matchMaxEntries]
	}
	tasks := in.PendingTasks
	if len(tasks) > matchMaxTasks {
		tasks = tasks[:matchMaxTasks]
	}

	sb.WriteString("PENDING TASKS:\n")
	if len(tasks) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, task := range tasks {
		sb.WriteString("- id=")
		writeInt(&sb, task.ID)
		sb.WriteString(" entry=")
		writeInt(&sb, task.EntryID)
		sb.WriteString(": ")
		sb.WriteString(truncate(task.Description, 200))
		if task.Assignee != "" {
			sb.WriteString(" (")
			sb.WriteString(task.Assignee)
			sb.WriteString(")")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\nRECENT ENTRIES:\n")
	if len(entries) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, e := range entries {
		sb.WriteString("- id=")
		writeInt(&sb, e.ID)
		sb.WriteString(": ")
		sb.WriteString(truncate(e.Summary, 200))
		sb.WriteString("\n")
	}

	sb.WriteString("\nNEW NOTE:\n")
	sb.WriteString(truncate(in.Text, 2000))
	sb.WriteString("\n\nReturn the match JSON.")
	return sb.String()
}
