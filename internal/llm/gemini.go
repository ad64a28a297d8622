package llm

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"zhilog/api/internal/streamproto"
)

const chatSystemInstruction = "You are a research assistant helping users understand academic papers. " +
	"Answer from the provided paper text and the passages the user attached. " +
	"If the paper does not contain the answer, say so instead of guessing. " +
	"Format responses in clean, readable Markdown."

var styleInstructions = map[string]string{
	"concise":  "Keep the answer short and to the point.",
	"detailed": "Give a comprehensive, thorough answer.",
}

// Gemini streams chat responses from the Google generative AI API.
type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Close() error {
	return g.client.Close()
}

// StreamChat forwards model output chunks as content events, then emits one
// references event mapping the user's attached passages to citation keys.
func (g *Gemini) StreamChat(ctx context.Context, req ChatRequest) (<-chan streamproto.Event, error) {
	model := g.client.GenerativeModel(g.model)
	instruction := chatSystemInstruction
	if extra, ok := styleInstructions[strings.ToLower(req.Style)]; ok {
		instruction += " " + extra
	}
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(instruction)},
	}

	events := make(chan streamproto.Event)
	iter := model.GenerateContentStream(ctx, genai.Text(buildPrompt(req)))

	go func() {
		defer close(events)
		for {
			resp, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				log.Printf("llm: gemini stream failed: %v", err)
				emit(ctx, events, streamproto.Event{Type: streamproto.EventError, Content: err.Error()})
				return
			}
			for _, candidate := range resp.Candidates {
				if candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if text, ok := part.(genai.Text); ok && text != "" {
						if !emit(ctx, events, streamproto.Event{Type: streamproto.EventContent, Content: string(text)}) {
							return
						}
					}
				}
			}
		}
		if citations := citationsFromReferences(req.References); len(citations) > 0 {
			emit(ctx, events, streamproto.Event{
				Type:       streamproto.EventReferences,
				References: &streamproto.References{Citations: citations},
			})
		}
	}()

	return events, nil
}

// emit sends an event unless the consumer is gone. Every send in the producer
// goroutine goes through here: a plain send would block forever once the
// request context is canceled and nobody drains the channel.
func emit(ctx context.Context, events chan<- streamproto.Event, ev streamproto.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func buildPrompt(req ChatRequest) string {
	var b strings.Builder
	if req.PaperContext != "" {
		b.WriteString("Paper text:\n")
		b.WriteString(req.PaperContext)
		b.WriteString("\n\n")
	}
	if len(req.References) > 0 {
		b.WriteString("The user is asking about these passages:\n")
		for i, ref := range req.References {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, ref)
		}
		b.WriteString("\n")
	}
	b.WriteString("Question: ")
	b.WriteString(req.Query)
	return b.String()
}

func citationsFromReferences(references []string) []streamproto.Citation {
	citations := make([]streamproto.Citation, 0, len(references))
	for i, ref := range references {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		citations = append(citations, streamproto.Citation{Key: strconv.Itoa(i + 1), Reference: ref})
	}
	return citations
}
