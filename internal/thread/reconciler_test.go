package thread

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"zhilog/api/internal/llm"
	"zhilog/api/internal/store"
	"zhilog/api/internal/streamproto"
	"zhilog/api/internal/textlayer"
)

var testPages = textlayer.StaticPages{
	"Abstract. We propose a new attention mechanism for long documents.",
	"The attention mechanism scales linearly with sequence length.",
}

type fakeStreamer struct {
	streamFn func(context.Context, llm.ChatRequest) (<-chan streamproto.Event, error)
}

func (f *fakeStreamer) StreamChat(ctx context.Context, req llm.ChatRequest) (<-chan streamproto.Event, error) {
	return f.streamFn(ctx, req)
}

func scripted(events ...streamproto.Event) <-chan streamproto.Event {
	ch := make(chan streamproto.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

// fakeThreadStore records durable writes on a channel so tests can wait for
// the background persistence goroutines.
type fakeThreadStore struct {
	ops         chan string
	mu          sync.Mutex
	threadRows  []store.CommentThread
	messageRows []store.Message
	listErr     error
}

func newFakeThreadStore() *fakeThreadStore {
	return &fakeThreadStore{ops: make(chan string, 64)}
}

func (f *fakeThreadStore) InsertThread(_ context.Context, th store.CommentThread) error {
	f.mu.Lock()
	f.threadRows = append(f.threadRows, th)
	f.mu.Unlock()
	f.ops <- "insert thread"
	return nil
}

func (f *fakeThreadStore) DeleteThread(_ context.Context, _ string) error {
	f.ops <- "delete thread"
	return nil
}

func (f *fakeThreadStore) SetThreadConversation(_ context.Context, _, _ string) error {
	f.ops <- "set thread conversation"
	return nil
}

func (f *fakeThreadStore) InsertConversation(_ context.Context, _ store.Conversation) error {
	f.ops <- "insert conversation"
	return nil
}

func (f *fakeThreadStore) InsertMessage(_ context.Context, m store.Message) error {
	f.mu.Lock()
	f.messageRows = append(f.messageRows, m)
	f.mu.Unlock()
	f.ops <- "insert message " + m.Role
	return nil
}

func (f *fakeThreadStore) ListThreadsByPaper(_ context.Context, _ string) ([]store.CommentThread, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.CommentThread(nil), f.threadRows...), nil
}

func (f *fakeThreadStore) ListMessagesByThread(_ context.Context, threadID string) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Message
	for _, m := range f.messageRows {
		if m.ThreadID != nil && *m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeThreadStore) waitFor(t *testing.T, op string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-f.ops:
			if got == op {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q persist", op)
		}
	}
}

type fakeSnapshots struct {
	mu    sync.Mutex
	blobs map[string][]byte
	saved chan struct{}
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{blobs: map[string][]byte{}, saved: make(chan struct{}, 64)}
}

func (f *fakeSnapshots) SaveThreads(_ context.Context, paperID string, blob []byte) error {
	f.mu.Lock()
	f.blobs[paperID] = append([]byte(nil), blob...)
	f.mu.Unlock()
	f.saved <- struct{}{}
	return nil
}

func (f *fakeSnapshots) LoadThreads(_ context.Context, paperID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	blob, ok := f.blobs[paperID]
	if !ok {
		return nil, errors.New("no snapshot")
	}
	return blob, nil
}

func newTestReconciler(streamer llm.Streamer, st Store, snaps Snapshots) *Reconciler {
	return NewReconciler("paper_1", textlayer.NewResolver(testPages), streamer, st, snaps, time.Minute)
}

// schemaThreadStore enforces the schema's referential integrity the way
// Postgres does: a message insert is rejected unless its conversation exists,
// and linking a conversation to a missing thread matches no rows. Inserts are
// slowed down so out-of-order writes would be caught.
type schemaThreadStore struct {
	mu            sync.Mutex
	delay         time.Duration
	threads       map[string]bool
	conversations map[string]bool
	links         map[string]string
	messages      []store.Message
	violations    []string
	ops           chan string
}

func newSchemaThreadStore(delay time.Duration) *schemaThreadStore {
	return &schemaThreadStore{
		delay:         delay,
		threads:       map[string]bool{},
		conversations: map[string]bool{},
		links:         map[string]string{},
		ops:           make(chan string, 64),
	}
}

func (f *schemaThreadStore) InsertThread(_ context.Context, th store.CommentThread) error {
	time.Sleep(f.delay)
	f.mu.Lock()
	f.threads[th.ID] = true
	f.mu.Unlock()
	f.ops <- "insert thread"
	return nil
}

func (f *schemaThreadStore) DeleteThread(_ context.Context, threadID string) error {
	f.mu.Lock()
	delete(f.threads, threadID)
	f.mu.Unlock()
	f.ops <- "delete thread"
	return nil
}

func (f *schemaThreadStore) SetThreadConversation(_ context.Context, threadID, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer func() { f.ops <- "set thread conversation" }()
	if !f.threads[threadID] {
		f.violations = append(f.violations, "conversation linked before thread insert")
		return sql.ErrNoRows
	}
	f.links[threadID] = conversationID
	return nil
}

func (f *schemaThreadStore) InsertConversation(_ context.Context, c store.Conversation) error {
	time.Sleep(f.delay)
	f.mu.Lock()
	f.conversations[c.ID] = true
	f.mu.Unlock()
	f.ops <- "insert conversation"
	return nil
}

func (f *schemaThreadStore) InsertMessage(_ context.Context, m store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer func() { f.ops <- "insert message " + m.Role }()
	if !f.conversations[m.ConversationID] {
		f.violations = append(f.violations, m.Role+" message inserted before its conversation")
		return errors.New("foreign key violation on messages.conversation_id")
	}
	f.messages = append(f.messages, m)
	return nil
}

func (f *schemaThreadStore) ListThreadsByPaper(context.Context, string) ([]store.CommentThread, error) {
	return nil, nil
}

func (f *schemaThreadStore) ListMessagesByThread(context.Context, string) ([]store.Message, error) {
	return nil, nil
}

func (f *schemaThreadStore) waitFor(t *testing.T, op string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-f.ops:
			if got == op {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q persist", op)
		}
	}
}

// The first exchange of a new thread issues four durable writes where each
// depends on rows written by its predecessor. A slow store must not reorder
// them; otherwise the message inserts are rejected and the exchange is lost
// from the durable record.
func TestDurableWritesApplyInOrder(t *testing.T) {
	st := newSchemaThreadStore(50 * time.Millisecond)
	streamer := &fakeStreamer{streamFn: func(context.Context, llm.ChatRequest) (<-chan streamproto.Event, error) {
		return scripted(streamproto.Event{Type: streamproto.EventContent, Content: "answer"}), nil
	}}
	r := NewReconciler("paper_1", textlayer.NewResolver(testPages), streamer, st, nil, time.Minute)

	th, err := r.CreateThreadAndSend(context.Background(), "attention mechanism", nil, "How does it scale?", SendOptions{}, nil)
	if err != nil {
		t.Fatalf("CreateThreadAndSend failed: %v", err)
	}

	st.waitFor(t, "insert message assistant")

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.violations) != 0 {
		t.Fatalf("durable writes arrived out of order: %v", st.violations)
	}
	if len(st.messages) != 2 {
		t.Fatalf("persisted messages = %d, want 2", len(st.messages))
	}
	if st.links[th.ID] != th.ConversationID {
		t.Errorf("thread conversation link = %q, want %q", st.links[th.ID], th.ConversationID)
	}
}

func TestCreateThreadDedupBySelectedText(t *testing.T) {
	st := newFakeThreadStore()
	r := newTestReconciler(&fakeStreamer{}, st, nil)
	ctx := context.Background()

	first, err := r.CreateThreadAndSend(ctx, "attention mechanism", nil, "", SendOptions{}, nil)
	if err != nil {
		t.Fatalf("CreateThreadAndSend failed: %v", err)
	}
	second, err := r.CreateThreadAndSend(ctx, "attention mechanism", nil, "", SendOptions{}, nil)
	if err != nil {
		t.Fatalf("CreateThreadAndSend failed: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("duplicate selection created a second thread: %s vs %s", first.ID, second.ID)
	}
	if len(r.Threads()) != 1 {
		t.Errorf("thread count = %d, want 1", len(r.Threads()))
	}
	if !second.IsExpanded {
		t.Error("reactivated thread should be expanded")
	}
}

func TestSendMessageStreamsReply(t *testing.T) {
	st := newFakeThreadStore()
	refs := &streamproto.References{Citations: []streamproto.Citation{
		{Key: "1", Reference: "\"attention mechanism\""},
	}}
	streamer := &fakeStreamer{streamFn: func(context.Context, llm.ChatRequest) (<-chan streamproto.Event, error) {
		return scripted(
			streamproto.Event{Type: streamproto.EventContent, Content: "It scales "},
			streamproto.Event{Type: streamproto.EventContent, Content: "linearly."},
			streamproto.Event{Type: streamproto.EventReferences, References: refs},
		), nil
	}}
	r := newTestReconciler(streamer, st, nil)
	ctx := context.Background()

	var sunk []streamproto.Event
	th, err := r.CreateThreadAndSend(ctx, "attention mechanism", nil, "How does it scale?", SendOptions{}, func(ev streamproto.Event) {
		sunk = append(sunk, ev)
	})
	if err != nil {
		t.Fatalf("CreateThreadAndSend failed: %v", err)
	}

	if th.ConversationID == "" {
		t.Error("conversation was not bootstrapped")
	}
	if len(th.Messages) != 2 {
		t.Fatalf("message count = %d, want 2", len(th.Messages))
	}
	assistant := th.Messages[1]
	if assistant.Content != "It scales linearly." {
		t.Errorf("assistant content = %q", assistant.Content)
	}
	if assistant.Streaming {
		t.Error("assistant message still marked streaming")
	}
	if assistant.References == nil || len(assistant.References.Citations) != 1 {
		t.Errorf("assistant references = %+v", assistant.References)
	}
	if len(sunk) != 3 {
		t.Errorf("sink received %d events, want 3", len(sunk))
	}

	st.waitFor(t, "insert thread")
	st.waitFor(t, "insert conversation")
	st.waitFor(t, "insert message user")
	st.waitFor(t, "insert message assistant")
}

func TestSecondSendDroppedWhileStreaming(t *testing.T) {
	st := newFakeThreadStore()
	gate := make(chan streamproto.Event)
	started := make(chan struct{})
	streamer := &fakeStreamer{streamFn: func(context.Context, llm.ChatRequest) (<-chan streamproto.Event, error) {
		close(started)
		return gate, nil
	}}
	r := newTestReconciler(streamer, st, nil)
	ctx := context.Background()

	th, err := r.CreateThreadAndSend(ctx, "attention mechanism", nil, "", SendOptions{}, nil)
	if err != nil {
		t.Fatalf("CreateThreadAndSend failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := r.SendMessage(ctx, th.ID, "first question", SendOptions{}, nil); err != nil {
			t.Errorf("SendMessage failed: %v", err)
		}
	}()
	<-started

	// A second send while the first stream is open must be a silent no-op.
	if err := r.SendMessage(ctx, th.ID, "second question", SendOptions{}, nil); err != nil {
		t.Fatalf("dropped send returned error: %v", err)
	}
	current, _ := r.Get(th.ID)
	if len(current.Messages) != 2 {
		t.Errorf("dropped send changed the thread: %d messages", len(current.Messages))
	}

	gate <- streamproto.Event{Type: streamproto.EventContent, Content: "answer"}
	close(gate)
	<-done

	final, _ := r.Get(th.ID)
	if len(final.Messages) != 2 || final.Messages[1].Content != "answer" {
		t.Errorf("first stream did not complete cleanly: %+v", final.Messages)
	}
}

func TestStreamErrorReplacesWithApology(t *testing.T) {
	st := newFakeThreadStore()
	streamer := &fakeStreamer{streamFn: func(context.Context, llm.ChatRequest) (<-chan streamproto.Event, error) {
		return scripted(
			streamproto.Event{Type: streamproto.EventContent, Content: "partial ans"},
			streamproto.Event{Type: streamproto.EventError, Content: "model unavailable"},
		), nil
	}}
	r := newTestReconciler(streamer, st, nil)

	th, err := r.CreateThreadAndSend(context.Background(), "attention mechanism", nil, "question", SendOptions{}, nil)
	if err != nil {
		t.Fatalf("CreateThreadAndSend failed: %v", err)
	}

	assistant := th.Messages[len(th.Messages)-1]
	if assistant.Content != FailureMessage {
		t.Errorf("assistant content = %q, want apology", assistant.Content)
	}
	if assistant.References != nil {
		t.Error("failed stream kept references")
	}
	if assistant.Streaming {
		t.Error("streaming flag not cleared after failure")
	}

	// The session must be free to stream again.
	if err := r.SendMessage(context.Background(), th.ID, "retry", SendOptions{}, nil); err != nil {
		t.Fatalf("retry send failed: %v", err)
	}
}

func TestIdleStreamTimesOutWithApology(t *testing.T) {
	st := newFakeThreadStore()
	stuck := make(chan streamproto.Event)
	streamer := &fakeStreamer{streamFn: func(context.Context, llm.ChatRequest) (<-chan streamproto.Event, error) {
		return stuck, nil
	}}
	r := NewReconciler("paper_1", textlayer.NewResolver(testPages), streamer, st, nil, 50*time.Millisecond)

	th, err := r.CreateThreadAndSend(context.Background(), "attention mechanism", nil, "question", SendOptions{}, nil)
	if err != nil {
		t.Fatalf("CreateThreadAndSend failed: %v", err)
	}
	if got := th.Messages[len(th.Messages)-1].Content; got != FailureMessage {
		t.Errorf("assistant content = %q, want apology", got)
	}
	close(stuck)
}

func TestDeleteThreadMidStreamIsNoOp(t *testing.T) {
	st := newFakeThreadStore()
	gate := make(chan streamproto.Event)
	started := make(chan struct{})
	streamer := &fakeStreamer{streamFn: func(context.Context, llm.ChatRequest) (<-chan streamproto.Event, error) {
		close(started)
		return gate, nil
	}}
	r := newTestReconciler(streamer, st, nil)
	ctx := context.Background()

	th, err := r.CreateThreadAndSend(ctx, "attention mechanism", nil, "", SendOptions{}, nil)
	if err != nil {
		t.Fatalf("CreateThreadAndSend failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.SendMessage(ctx, th.ID, "question", SendOptions{}, nil)
	}()
	<-started

	if err := r.DeleteThread(th.ID); err != nil {
		t.Fatalf("DeleteThread failed: %v", err)
	}

	gate <- streamproto.Event{Type: streamproto.EventContent, Content: "late answer"}
	close(gate)
	<-done

	if len(r.Threads()) != 0 {
		t.Errorf("deleted thread came back: %+v", r.Threads())
	}

	// The invalidated stream must not block a new one.
	st2 := newFakeThreadStore()
	r2 := newTestReconciler(&fakeStreamer{streamFn: func(context.Context, llm.ChatRequest) (<-chan streamproto.Event, error) {
		return scripted(streamproto.Event{Type: streamproto.EventContent, Content: "fresh"}), nil
	}}, st2, nil)
	fresh, err := r2.CreateThreadAndSend(ctx, "scales linearly", nil, "new question", SendOptions{}, nil)
	if err != nil {
		t.Fatalf("new thread send failed: %v", err)
	}
	if fresh.Messages[len(fresh.Messages)-1].Content != "fresh" {
		t.Error("new stream did not run")
	}
}

func TestConversationBootstrappedOnce(t *testing.T) {
	st := newFakeThreadStore()
	streamer := &fakeStreamer{streamFn: func(context.Context, llm.ChatRequest) (<-chan streamproto.Event, error) {
		return scripted(streamproto.Event{Type: streamproto.EventContent, Content: "ok"}), nil
	}}
	r := newTestReconciler(streamer, st, nil)
	ctx := context.Background()

	th, err := r.CreateThreadAndSend(ctx, "attention mechanism", nil, "first", SendOptions{}, nil)
	if err != nil {
		t.Fatalf("CreateThreadAndSend failed: %v", err)
	}
	convID := th.ConversationID
	if convID == "" {
		t.Fatal("conversation missing after first send")
	}

	if err := r.SendMessage(ctx, th.ID, "second", SendOptions{}, nil); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	after, _ := r.Get(th.ID)
	if after.ConversationID != convID {
		t.Errorf("conversation id changed: %s -> %s", convID, after.ConversationID)
	}
}

func TestResolveCitation(t *testing.T) {
	st := newFakeThreadStore()
	refs := &streamproto.References{Citations: []streamproto.Citation{
		{Key: "1", Reference: "\"attention mechanism\""},
	}}
	streamer := &fakeStreamer{streamFn: func(context.Context, llm.ChatRequest) (<-chan streamproto.Event, error) {
		return scripted(
			streamproto.Event{Type: streamproto.EventContent, Content: "See [1]."},
			streamproto.Event{Type: streamproto.EventReferences, References: refs},
		), nil
	}}
	r := newTestReconciler(streamer, st, nil)

	th, err := r.CreateThreadAndSend(context.Background(), "long documents", nil, "where is this from?", SendOptions{}, nil)
	if err != nil {
		t.Fatalf("CreateThreadAndSend failed: %v", err)
	}

	match, err := r.ResolveCitation(th.ID, "1")
	if err != nil {
		t.Fatalf("ResolveCitation failed: %v", err)
	}
	if match == nil || match.PageIndex != 0 {
		t.Fatalf("match = %+v", match)
	}
	if match.Text != "attention mechanism" {
		t.Errorf("match text = %q, quotes not stripped before search", match.Text)
	}

	if _, err := r.ResolveCitation(th.ID, "99"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown key: expected ErrNotFound, got %v", err)
	}
}

func TestSnapshotWrittenOnMutation(t *testing.T) {
	st := newFakeThreadStore()
	snaps := newFakeSnapshots()
	r := newTestReconciler(&fakeStreamer{}, st, snaps)

	if _, err := r.CreateThreadAndSend(context.Background(), "attention mechanism", nil, "", SendOptions{}, nil); err != nil {
		t.Fatalf("CreateThreadAndSend failed: %v", err)
	}

	select {
	case <-snaps.saved:
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot was never written")
	}

	blob, err := snaps.LoadThreads(context.Background(), "paper_1")
	if err != nil {
		t.Fatalf("LoadThreads failed: %v", err)
	}
	var threads []Thread
	if err := json.Unmarshal(blob, &threads); err != nil {
		t.Fatalf("snapshot not valid JSON: %v", err)
	}
	if len(threads) != 1 || threads[0].SelectedText != "attention mechanism" {
		t.Errorf("snapshot contents = %+v", threads)
	}
}

func TestLoadFallsBackToSnapshot(t *testing.T) {
	st := newFakeThreadStore()
	st.listErr = errors.New("database down")
	snaps := newFakeSnapshots()
	blob, _ := json.Marshal([]Thread{{
		ID:           "thr_cached",
		PaperID:      "paper_1",
		SelectedText: "attention mechanism",
	}})
	snaps.blobs["paper_1"] = blob

	r := newTestReconciler(&fakeStreamer{}, st, snaps)
	if err := r.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	threads := r.Threads()
	if len(threads) != 1 || threads[0].ID != "thr_cached" {
		t.Errorf("threads after snapshot load = %+v", threads)
	}
}

func TestLoadRehydratesMessagesFromStore(t *testing.T) {
	st := newFakeThreadStore()
	threadID := "thr_1"
	conv := "conv_1"
	st.threadRows = []store.CommentThread{{
		ID:             threadID,
		PaperID:        "paper_1",
		SelectedText:   "attention mechanism",
		ConversationID: &conv,
	}}
	st.messageRows = []store.Message{
		{ID: "msg_1", ConversationID: conv, ThreadID: &threadID, Role: "user", Content: "question"},
		{ID: "msg_2", ConversationID: conv, ThreadID: &threadID, Role: "assistant", Content: "answer",
			References: json.RawMessage(`{"citations":[{"key":"1","reference":"quoted text"}]}`)},
	}

	r := newTestReconciler(&fakeStreamer{}, st, nil)
	if err := r.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	th, err := r.Get(threadID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if th.ConversationID != conv {
		t.Errorf("conversation id = %q", th.ConversationID)
	}
	if len(th.Messages) != 2 {
		t.Fatalf("message count = %d", len(th.Messages))
	}
	if th.Messages[1].References == nil || th.Messages[1].References.Citations[0].Key != "1" {
		t.Errorf("references not rehydrated: %+v", th.Messages[1])
	}
}

func TestDetachHighlightKeepsThread(t *testing.T) {
	st := newFakeThreadStore()
	r := newTestReconciler(&fakeStreamer{}, st, nil)
	hl := "hl_1"

	th, err := r.CreateThreadAndSend(context.Background(), "attention mechanism", &hl, "", SendOptions{}, nil)
	if err != nil {
		t.Fatalf("CreateThreadAndSend failed: %v", err)
	}

	r.DetachHighlight(hl)

	after, _ := r.Get(th.ID)
	if after.HighlightID != nil {
		t.Error("highlight reference not cleared")
	}
	if len(r.Threads()) != 1 {
		t.Error("thread deleted by highlight cascade")
	}
}
