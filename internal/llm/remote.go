package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"zhilog/api/internal/streamproto"
)

// Remote streams chat responses from another service speaking the same
// delimiter-separated event protocol, for deployments that front a shared
// model gateway instead of calling Gemini directly.
type Remote struct {
	baseURL string
	client  *http.Client
}

func NewRemote(baseURL string) *Remote {
	return &Remote{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

type remoteChatPayload struct {
	PaperID        string   `json:"paper_id"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Query          string   `json:"query"`
	References     []string `json:"references,omitempty"`
	Style          string   `json:"response_style,omitempty"`
}

func (r *Remote) StreamChat(ctx context.Context, req ChatRequest) (<-chan streamproto.Event, error) {
	body, err := json.Marshal(remoteChatPayload{
		PaperID:        req.PaperID,
		ConversationID: req.ConversationID,
		Query:          req.Query,
		References:     req.References,
		Style:          req.Style,
	})
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("open chat stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("chat stream returned status %d", resp.StatusCode)
	}

	events := make(chan streamproto.Event)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		dec := streamproto.NewDecoder(resp.Body)
		for {
			ev, err := dec.Next()
			if err == io.EOF {
				return
			}
			if err != nil {
				log.Printf("llm: remote stream read failed: %v", err)
				select {
				case events <- streamproto.Event{Type: streamproto.EventError, Content: err.Error()}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
