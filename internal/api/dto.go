package api

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/nvalderrama/bitacora/internal/store"
)

// IngestRequest is the request body for capturing input.
type IngestRequest struct {
	Text           string `json:"text"`
	MultiTopic     bool   `json:"multi_topic,omitempty"`
	AttachmentText string `json:"attachment_text,omitempty"`
	AttachmentMime string `json:"attachment_mime,omitempty"`
}

// Validate checks the capture request.
func (r IngestRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Text,
			validation.Required.When(r.AttachmentText == "").Error("text or attachment is required"),
			validation.Length(0, 50000)),
		validation.Field(&r.AttachmentMime,
			validation.Required.When(r.AttachmentText != "").Error("attachment mime type is required")),
	)
}

// CreateBookRequest is the request body for creating a book.
type CreateBookRequest struct {
	Name    string `json:"name"`
	Context string `json:"context,omitempty"`
}

// Validate checks the book request.
func (r CreateBookRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 100)),
		validation.Field(&r.Context, validation.Length(0, 2000)),
	)
}

// CompleteTaskRequest optionally carries completion notes.
type CompleteTaskRequest struct {
	Notes string `json:"notes,omitempty"`
}

// CheckRequest is the body for advisory detection endpoints.
type CheckRequest struct {
	Text   string `json:"text"`
	BookID int64  `json:"book_id,omitempty"`
}

// Validate checks the detection request.
func (r CheckRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Text, validation.Required, validation.Length(1, 50000)),
	)
}

// IngestResponse reports what a capture produced.
type IngestResponse struct {
	Entries        []*store.Entry `json:"entries"`
	CompletedTasks []*store.Task  `json:"completed_tasks,omitempty"`
	UpdatedEntry   *store.Entry   `json:"updated_entry,omitempty"`
	Steps          []string       `json:"steps"`
	Degraded       bool           `json:"degraded,omitempty"`
	ThreadID       int64          `json:"thread_id,omitempty"`
}

// EntryListResponse wraps paginated entry listings.
type EntryListResponse struct {
	Entries []*store.Entry `json:"entries"`
}

// RelationListResponse wraps an entry's similarity edges.
type RelationListResponse struct {
	Relations []*store.Relation `json:"relations"`
}

// PersonSummaryResponse is the cached person summary.
type PersonSummaryResponse struct {
	Person  string `json:"person"`
	Summary string `json:"summary"`
}
