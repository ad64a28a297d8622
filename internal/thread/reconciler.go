// Package thread manages the comment threads of an open paper session. The
// in-memory collection is authoritative while the paper is open; Postgres and
// the Redis snapshot are written behind it and never block or roll back a
// session mutation.
package thread

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"zhilog/api/internal/llm"
	"zhilog/api/internal/store"
	"zhilog/api/internal/streamproto"
	"zhilog/api/internal/textlayer"
	"zhilog/api/internal/util"
)

// ErrNotFound is returned when a thread or citation id does not exist in the
// session.
var ErrNotFound = errors.New("not found in session")

// FailureMessage replaces the in-flight assistant message when a stream
// fails, times out or is dropped mid-response.
const FailureMessage = "Sorry, I couldn't finish answering that. Please try again."

const persistTimeout = 10 * time.Second

// Message is one turn inside a thread.
type Message struct {
	ID         string                  `json:"id"`
	Role       string                  `json:"role"`
	Content    string                  `json:"content"`
	References *streamproto.References `json:"references,omitempty"`
	Streaming  bool                    `json:"streaming,omitempty"`
}

// Thread is an anchored conversation about a selected passage.
type Thread struct {
	ID           string    `json:"id"`
	PaperID      string    `json:"paperId"`
	HighlightID  *string   `json:"highlightId,omitempty"`
	SelectedText string    `json:"selectedText"`
	// ConversationID is empty until the first message is sent; the backing
	// conversation is created lazily on the first exchange.
	ConversationID string    `json:"conversationId,omitempty"`
	Messages       []Message `json:"messages"`
	IsExpanded     bool      `json:"isExpanded"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store is the durable backend threads are written through to.
type Store interface {
	InsertThread(ctx context.Context, thread store.CommentThread) error
	DeleteThread(ctx context.Context, threadID string) error
	SetThreadConversation(ctx context.Context, threadID, conversationID string) error
	InsertConversation(ctx context.Context, conversation store.Conversation) error
	InsertMessage(ctx context.Context, message store.Message) error
	ListThreadsByPaper(ctx context.Context, paperID string) ([]store.CommentThread, error)
	ListMessagesByThread(ctx context.Context, threadID string) ([]store.Message, error)
}

// Snapshots caches the serialized thread collection per paper. All calls are
// best effort.
type Snapshots interface {
	SaveThreads(ctx context.Context, paperID string, blob []byte) error
	LoadThreads(ctx context.Context, paperID string) ([]byte, error)
}

// Sink receives stream events as they arrive, for forwarding to a client.
type Sink func(streamproto.Event)

// SendOptions carries the per-turn chat parameters.
type SendOptions struct {
	References   []string
	Style        string
	PaperContext string
}

// Reconciler keeps one paper's thread collection consistent across user
// mutations and asynchronous stream completions.
type Reconciler struct {
	paperID     string
	resolver    *textlayer.Resolver
	streamer    llm.Streamer
	store       Store
	snapshots   Snapshots
	idleTimeout time.Duration

	mu      sync.Mutex
	threads []*Thread
	// streamToken identifies the in-flight stream; empty when idle. At most
	// one stream runs at a time, and a completion whose token no longer
	// matches applies nothing.
	streamToken    string
	streamThreadID string

	// persistTail is the completion signal of the most recently queued durable
	// write; each write waits for its predecessor so writes reach the store in
	// submission order.
	persistMu   sync.Mutex
	persistTail chan struct{}
}

func NewReconciler(paperID string, resolver *textlayer.Resolver, streamer llm.Streamer, st Store, snapshots Snapshots, idleTimeout time.Duration) *Reconciler {
	if idleTimeout <= 0 {
		idleTimeout = 2 * time.Minute
	}
	return &Reconciler{
		paperID:     paperID,
		resolver:    resolver,
		streamer:    streamer,
		store:       st,
		snapshots:   snapshots,
		idleTimeout: idleTimeout,
	}
}

// Load rehydrates the session from Postgres, falling back to the snapshot
// cache when the database is unreachable.
func (r *Reconciler) Load(ctx context.Context) error {
	rows, err := r.store.ListThreadsByPaper(ctx, r.paperID)
	if err != nil {
		log.Printf("thread: loading threads for paper %s from store failed, trying snapshot: %v", r.paperID, err)
		return r.loadFromSnapshot(ctx)
	}

	threads := make([]*Thread, 0, len(rows))
	for _, row := range rows {
		th := &Thread{
			ID:           row.ID,
			PaperID:      row.PaperID,
			HighlightID:  row.HighlightID,
			SelectedText: row.SelectedText,
			CreatedAt:    row.CreatedAt,
		}
		if row.ConversationID != nil {
			th.ConversationID = *row.ConversationID
		}
		messages, err := r.store.ListMessagesByThread(ctx, row.ID)
		if err != nil {
			return err
		}
		for _, m := range messages {
			th.Messages = append(th.Messages, messageFromRow(m))
		}
		threads = append(threads, th)
	}

	r.mu.Lock()
	r.threads = threads
	r.mu.Unlock()
	return nil
}

func (r *Reconciler) loadFromSnapshot(ctx context.Context) error {
	if r.snapshots == nil {
		return nil
	}
	blob, err := r.snapshots.LoadThreads(ctx, r.paperID)
	if err != nil {
		log.Printf("thread: no snapshot for paper %s: %v", r.paperID, err)
		return nil
	}
	var threads []*Thread
	if err := json.Unmarshal(blob, &threads); err != nil {
		log.Printf("thread: discarding unreadable snapshot for paper %s: %v", r.paperID, err)
		return nil
	}
	r.mu.Lock()
	r.threads = threads
	r.mu.Unlock()
	return nil
}

func messageFromRow(m store.Message) Message {
	msg := Message{ID: m.ID, Role: m.Role, Content: m.Content}
	if len(m.References) > 0 {
		var refs streamproto.References
		if err := json.Unmarshal(m.References, &refs); err == nil && len(refs.Citations) > 0 {
			msg.References = &refs
		}
	}
	return msg
}

// Threads returns a copy of the collection in creation order.
func (r *Reconciler) Threads() []Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Thread, 0, len(r.threads))
	for _, th := range r.threads {
		out = append(out, copyThread(th))
	}
	return out
}

func (r *Reconciler) Get(threadID string) (Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	th := r.find(threadID)
	if th == nil {
		return Thread{}, ErrNotFound
	}
	return copyThread(th), nil
}

func copyThread(th *Thread) Thread {
	copied := *th
	copied.Messages = append([]Message(nil), th.Messages...)
	return copied
}

// find returns the live thread pointer; callers hold r.mu.
func (r *Reconciler) find(threadID string) *Thread {
	for _, th := range r.threads {
		if th.ID == threadID {
			return th
		}
	}
	return nil
}

// CreateThreadAndSend opens a thread for a selection and optionally delivers
// the first message into it. A selection whose text exactly matches an
// existing thread reactivates that thread instead of creating a duplicate.
func (r *Reconciler) CreateThreadAndSend(ctx context.Context, selectedText string, highlightID *string, message string, opts SendOptions, sink Sink) (Thread, error) {
	if strings.TrimSpace(selectedText) == "" {
		return Thread{}, errors.New("selected text is empty")
	}

	r.mu.Lock()
	var target *Thread
	for _, th := range r.threads {
		if th.SelectedText == selectedText {
			target = th
			break
		}
	}
	created := false
	if target != nil {
		target.IsExpanded = true
	} else {
		target = &Thread{
			ID:           util.NewID("thr"),
			PaperID:      r.paperID,
			HighlightID:  highlightID,
			SelectedText: selectedText,
			IsExpanded:   true,
			CreatedAt:    time.Now().UTC(),
		}
		r.threads = append(r.threads, target)
		created = true
	}
	threadID := target.ID
	row := store.CommentThread{
		ID:           target.ID,
		PaperID:      target.PaperID,
		HighlightID:  target.HighlightID,
		SelectedText: target.SelectedText,
		CreatedAt:    target.CreatedAt,
	}
	r.mu.Unlock()

	if created {
		r.persistAsync("insert thread", func(ctx context.Context) error {
			return r.store.InsertThread(ctx, row)
		})
	}
	r.saveSnapshot()

	if strings.TrimSpace(message) != "" {
		if err := r.SendMessage(ctx, threadID, message, opts, sink); err != nil {
			return Thread{}, err
		}
	}
	return r.Get(threadID)
}

// SendMessage appends a user turn and streams the assistant's reply into the
// thread, forwarding events to sink as they arrive. While one stream is in
// flight any further send is dropped; the call returns nil and delivers
// nothing.
func (r *Reconciler) SendMessage(ctx context.Context, threadID, message string, opts SendOptions, sink Sink) error {
	if strings.TrimSpace(message) == "" {
		return errors.New("message is empty")
	}

	r.mu.Lock()
	th := r.find(threadID)
	if th == nil {
		r.mu.Unlock()
		return ErrNotFound
	}
	if r.streamToken != "" {
		r.mu.Unlock()
		log.Printf("thread: dropping send to %s, stream already in flight on %s", threadID, r.streamThreadID)
		return nil
	}
	token := util.NewID("stream")
	r.streamToken = token
	r.streamThreadID = threadID

	conversationID := th.ConversationID
	bootstrap := conversationID == ""
	if bootstrap {
		conversationID = util.NewID("conv")
		th.ConversationID = conversationID
	}

	userMsg := Message{ID: util.NewID("msg"), Role: "user", Content: message}
	th.Messages = append(th.Messages, userMsg)
	// Placeholder the stream accumulates into; finalize replaces it.
	th.Messages = append(th.Messages, Message{ID: util.NewID("msg"), Role: "assistant", Streaming: true})
	r.mu.Unlock()

	if bootstrap {
		r.persistAsync("bootstrap conversation", func(ctx context.Context) error {
			conv := store.Conversation{
				ID:        conversationID,
				PaperID:   r.paperID,
				Title:     truncateTitle(message),
				CreatedAt: time.Now().UTC(),
			}
			if err := r.store.InsertConversation(ctx, conv); err != nil {
				return err
			}
			return r.store.SetThreadConversation(ctx, threadID, conversationID)
		})
	}
	r.persistAsync("insert user message", func(ctx context.Context) error {
		return r.store.InsertMessage(ctx, store.Message{
			ID:             userMsg.ID,
			ConversationID: conversationID,
			ThreadID:       &threadID,
			Role:           "user",
			Content:        message,
			CreatedAt:      time.Now().UTC(),
		})
	})
	r.saveSnapshot()

	events, err := r.streamer.StreamChat(ctx, llm.ChatRequest{
		PaperID:        r.paperID,
		ConversationID: conversationID,
		Query:          message,
		References:     opts.References,
		Style:          opts.Style,
		PaperContext:   opts.PaperContext,
	})
	if err != nil {
		log.Printf("thread: opening stream for %s failed: %v", threadID, err)
		if sink != nil {
			sink(streamproto.Event{Type: streamproto.EventError, Content: "failed to reach the model"})
		}
		r.finalize(token, threadID, conversationID, "", nil, true)
		return nil
	}

	r.consume(ctx, events, token, threadID, conversationID, sink)
	return nil
}

// consume drains the stream, mirroring content into the placeholder message
// so the thread reads correctly mid-stream.
func (r *Reconciler) consume(ctx context.Context, events <-chan streamproto.Event, token, threadID, conversationID string, sink Sink) {
	var content strings.Builder
	var refs *streamproto.References
	failed := false

	idle := time.NewTimer(r.idleTimeout)
	defer idle.Stop()

loop:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(r.idleTimeout)
			if sink != nil {
				sink(ev)
			}
			switch ev.Type {
			case streamproto.EventContent:
				content.WriteString(ev.Content)
				r.updateStreamingContent(token, threadID, content.String())
			case streamproto.EventReferences:
				refs = ev.References
			case streamproto.EventError:
				log.Printf("thread: stream for %s reported error: %s", threadID, ev.Content)
				failed = true
				break loop
			}
		case <-idle.C:
			log.Printf("thread: stream for %s idle for %s, giving up", threadID, r.idleTimeout)
			failed = true
			break loop
		case <-ctx.Done():
			log.Printf("thread: stream for %s cancelled: %v", threadID, ctx.Err())
			failed = true
			break loop
		}
	}

	r.finalize(token, threadID, conversationID, content.String(), refs, failed)
}

func (r *Reconciler) updateStreamingContent(token, threadID, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.streamToken != token {
		return
	}
	th := r.find(threadID)
	if th == nil || len(th.Messages) == 0 {
		return
	}
	last := &th.Messages[len(th.Messages)-1]
	if last.Streaming {
		last.Content = content
	}
}

// finalize applies a stream's outcome. State is re-read by id under the lock:
// if the token no longer matches or the thread is gone, the completion is a
// no-op.
func (r *Reconciler) finalize(token, threadID, conversationID, content string, refs *streamproto.References, failed bool) {
	r.mu.Lock()
	if r.streamToken != token {
		r.mu.Unlock()
		return
	}
	r.streamToken = ""
	r.streamThreadID = ""

	th := r.find(threadID)
	if th == nil {
		r.mu.Unlock()
		return
	}
	if failed || strings.TrimSpace(content) == "" {
		content = FailureMessage
		refs = nil
	}

	var msgID string
	if n := len(th.Messages); n > 0 && th.Messages[n-1].Streaming {
		last := &th.Messages[n-1]
		last.Content = content
		last.References = refs
		last.Streaming = false
		msgID = last.ID
	} else {
		msg := Message{ID: util.NewID("msg"), Role: "assistant", Content: content, References: refs}
		th.Messages = append(th.Messages, msg)
		msgID = msg.ID
	}
	r.mu.Unlock()

	var rawRefs json.RawMessage
	if refs != nil {
		if encoded, err := json.Marshal(refs); err == nil {
			rawRefs = encoded
		}
	}
	r.persistAsync("insert assistant message", func(ctx context.Context) error {
		return r.store.InsertMessage(ctx, store.Message{
			ID:             msgID,
			ConversationID: conversationID,
			ThreadID:       &threadID,
			Role:           "assistant",
			Content:        content,
			References:     rawRefs,
			CreatedAt:      time.Now().UTC(),
		})
	})
	r.saveSnapshot()
}

// DeleteThread removes a thread. Deleting the thread that is currently
// streaming invalidates the stream token, so the late completion applies
// nothing and the session is free to stream again immediately.
func (r *Reconciler) DeleteThread(threadID string) error {
	r.mu.Lock()
	idx := -1
	for i, th := range r.threads {
		if th.ID == threadID {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return ErrNotFound
	}
	r.threads = append(r.threads[:idx], r.threads[idx+1:]...)
	if r.streamThreadID == threadID {
		r.streamToken = ""
		r.streamThreadID = ""
	}
	r.mu.Unlock()

	r.persistAsync("delete thread", func(ctx context.Context) error {
		return r.store.DeleteThread(ctx, threadID)
	})
	r.saveSnapshot()
	return nil
}

// SetExpanded toggles a thread's expanded flag.
func (r *Reconciler) SetExpanded(threadID string, expanded bool) error {
	r.mu.Lock()
	th := r.find(threadID)
	if th != nil {
		th.IsExpanded = expanded
	}
	r.mu.Unlock()
	if th == nil {
		return ErrNotFound
	}
	r.saveSnapshot()
	return nil
}

// DetachHighlight clears the highlight reference on every thread anchored to
// it. Called when the highlight is deleted; the threads survive.
func (r *Reconciler) DetachHighlight(highlightID string) {
	r.mu.Lock()
	for _, th := range r.threads {
		if th.HighlightID != nil && *th.HighlightID == highlightID {
			th.HighlightID = nil
		}
	}
	r.mu.Unlock()
	r.saveSnapshot()
}

// ResolveCitation maps a citation key in a thread's messages to a location in
// the paper. The reference text is searched as free text with any surrounding
// quotes stripped; a citation whose text is not in the paper resolves to nil.
func (r *Reconciler) ResolveCitation(threadID, key string) (*textlayer.Match, error) {
	r.mu.Lock()
	th := r.find(threadID)
	if th == nil {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	var reference string
	found := false
	for i := len(th.Messages) - 1; i >= 0 && !found; i-- {
		if th.Messages[i].References == nil {
			continue
		}
		for _, c := range th.Messages[i].References.Citations {
			if c.Key == key {
				reference = c.Reference
				found = true
				break
			}
		}
	}
	r.mu.Unlock()
	if !found {
		return nil, ErrNotFound
	}
	return r.resolver.LocateText(stripQuotes(reference)), nil
}

func stripQuotes(s string) string {
	s = strings.TrimSpace(s)
	return strings.Trim(s, "\"'“”‘’")
}

func truncateTitle(message string) string {
	const max = 80
	message = strings.TrimSpace(message)
	if len(message) <= max {
		return message
	}
	cut := message[:max]
	if idx := strings.LastIndex(cut, " "); idx > 40 {
		cut = cut[:idx]
	}
	return cut + "…"
}

// saveSnapshot writes the serialized collection to the snapshot cache in the
// background. Failures are logged and dropped.
func (r *Reconciler) saveSnapshot() {
	if r.snapshots == nil {
		return
	}
	r.mu.Lock()
	blob, err := json.Marshal(r.threads)
	r.mu.Unlock()
	if err != nil {
		log.Printf("thread: serializing snapshot for paper %s failed: %v", r.paperID, err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := r.snapshots.SaveThreads(ctx, r.paperID, blob); err != nil {
			log.Printf("thread: saving snapshot for paper %s failed: %v", r.paperID, err)
		}
	}()
}

// persistAsync queues a durable write behind the previously queued ones.
// Later writes reference rows created by earlier ones (a message insert needs
// its conversation, the conversation link needs its thread), so they must not
// overtake each other. Failures are logged and never surface to the session.
func (r *Reconciler) persistAsync(op string, fn func(context.Context) error) {
	if r.store == nil {
		return
	}
	r.persistMu.Lock()
	prev := r.persistTail
	done := make(chan struct{})
	r.persistTail = done
	r.persistMu.Unlock()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Printf("thread: %s failed for paper %s: %v", op, r.paperID, err)
		}
	}()
}
