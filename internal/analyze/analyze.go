// Package analyze contains the LLM-backed analysis components of the
// ingestion pipeline: step routing, single-topic classification, multi-topic
// splitting, entry-match (completion) detection, and thread-relation
// detection.
//
// Every component receives its provider access as a Completer — in
// production the rate-limited gateway — and never talks to a vendor API
// directly. All model output is bounded before it is trusted: strings are
// truncated and arrays capped even when the response is malformed or
// oversized.
package analyze

import (
	"context"
	"strings"

	"github.com/nvalderrama/bitacora/internal/llm"
)

// Completer is the slice of the gateway the analysis components need.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts llm.CompletionOpts) (string, error)
}

// NoteType classifies a captured entry.
type NoteType string

const (
	TypeNote     NoteType = "NOTE"
	TypeTask     NoteType = "TASK"
	TypeDecision NoteType = "DECISION"
	TypeIdea     NoteType = "IDEA"
	TypeRisk     NoteType = "RISK"
)

// Priority suggests urgency for an entry or task.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// BookRef is the slice of a notebook the analysis prompts need.
type BookRef struct {
	ID          int64
	Name        string
	Description string
}

// Attachment carries extracted attachment content into classification.
// Image bytes and PDF extraction happen upstream; only the resulting text
// reaches the pipeline.
type Attachment struct {
	MimeType string
	Text     string
}

// TaskItem is an extracted pending action.
type TaskItem struct {
	Description string   `json:"description"`
	Assignee    string   `json:"assignee,omitempty"`
	DueDate     string   `json:"due_date,omitempty"` // ISO date, empty if none
	Priority    Priority `json:"priority,omitempty"`
}

// EntityMention is a named mention extracted from an entry.
type EntityMention struct {
	Name string `json:"name"`
	Type string `json:"type"` // PERSON, COMPANY, PROJECT, TOPIC
}

// normalizeType coerces model output to a valid NoteType; anything
// unrecognized becomes NOTE.
func normalizeType(raw string) NoteType {
	switch NoteType(strings.ToUpper(strings.TrimSpace(raw))) {
	case TypeTask:
		return TypeTask
	case TypeDecision:
		return TypeDecision
	case TypeIdea:
		return TypeIdea
	case TypeRisk:
		return TypeRisk
	default:
		return TypeNote
	}
}

// normalizePriority coerces model output to a valid Priority, defaulting
// to MEDIUM.
func normalizePriority(raw string) Priority {
	switch Priority(strings.ToUpper(strings.TrimSpace(raw))) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// normalizeEntityType coerces model output to a valid entity type,
// defaulting to TOPIC.
func normalizeEntityType(raw string) string {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PERSON", "PERSONA":
		return "PERSON"
	case "COMPANY", "EMPRESA":
		return "COMPANY"
	case "PROJECT", "PROYECTO":
		return "PROJECT"
	default:
		return "TOPIC"
	}
}
