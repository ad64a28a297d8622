// Package llm wraps the upstream chat providers behind a streaming interface
// so the chat pipeline and its tests do not depend on a live model.
package llm

import (
	"context"

	"zhilog/api/internal/streamproto"
)

// ChatRequest carries one user turn to the model.
type ChatRequest struct {
	PaperID        string
	ConversationID string
	Query          string
	// References are the passages the user attached to this turn; the
	// assistant's citations point back at them.
	References []string
	// Style selects the response register: "normal", "concise" or "detailed".
	Style string
	// PaperContext is the extracted text the model should answer from.
	PaperContext string
}

// Streamer produces a chat response as a sequence of events. The returned
// channel is closed when the response is complete; a terminal "error" event
// precedes the close on failure.
type Streamer interface {
	StreamChat(ctx context.Context, req ChatRequest) (<-chan streamproto.Event, error)
}
