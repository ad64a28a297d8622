package store

import (
	"encoding/json"
	"time"
)

type Paper struct {
	ID        string
	Filename  string
	FileURL   string
	ObjectKey string
	Title     string
	Abstract  string
	Authors   []string
	Keywords  []string
	// Pages holds the extracted plain text of every page, in order. Stored
	// offsets are meaningful only against this exact extraction output.
	Pages     []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Highlight struct {
	ID        string
	PaperID   string
	PageIndex int
	// StartOffset/EndOffset are nil for text-only highlights whose selection
	// could not be resolved; matching then degrades to free-text search.
	StartOffset *int
	EndOffset   *int
	RawText     string
	Role        string // "user" or "assistant"
	CreatedAt   time.Time
}

type Annotation struct {
	ID      string
	PaperID string
	// HighlightID is a weak reference: deleting the highlight clears it but
	// keeps the annotation.
	HighlightID *string
	Content     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type CommentThread struct {
	ID             string
	PaperID        string
	HighlightID    *string
	SelectedText   string
	ConversationID *string
	CreatedAt      time.Time
}

type Conversation struct {
	ID        string
	PaperID   string
	Title     string
	CreatedAt time.Time
}

type Message struct {
	ID             string
	ConversationID string
	// ThreadID groups a message under a comment thread; nil for the paper's
	// top-level conversation.
	ThreadID   *string
	Role       string
	Content    string
	References json.RawMessage
	Sequence   int
	CreatedAt  time.Time
}
