package app

import (
	"context"
	"database/sql"
	"sync"

	"zhilog/api/internal/store"
)

// memStore is an in-memory dataStore used by the HTTP and service tests.
type memStore struct {
	mu            sync.Mutex
	papers        map[string]store.Paper
	highlights    map[string]store.Highlight
	annotations   map[string]store.Annotation
	threads       map[string]store.CommentThread
	conversations map[string]store.Conversation
	messages      []store.Message
	pingErr       error
}

func newMemStore() *memStore {
	return &memStore{
		papers:        map[string]store.Paper{},
		highlights:    map[string]store.Highlight{},
		annotations:   map[string]store.Annotation{},
		threads:       map[string]store.CommentThread{},
		conversations: map[string]store.Conversation{},
	}
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func (m *memStore) InsertPaper(_ context.Context, p store.Paper) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.papers[p.ID] = p
	return nil
}

func (m *memStore) GetPaper(_ context.Context, id string) (store.Paper, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.papers[id]
	if !ok {
		return store.Paper{}, sql.ErrNoRows
	}
	return p, nil
}

func (m *memStore) ListPapers(context.Context) ([]store.Paper, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Paper, 0, len(m.papers))
	for _, p := range m.papers {
		out = append(out, p)
	}
	return out, nil
}

func (m *memStore) UpdatePaperMetadata(_ context.Context, id, title, abstract string, authors, keywords []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.papers[id]
	if !ok {
		return sql.ErrNoRows
	}
	p.Title, p.Abstract, p.Authors, p.Keywords = title, abstract, authors, keywords
	m.papers[id] = p
	return nil
}

func (m *memStore) DeletePaper(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.papers[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.papers, id)
	return nil
}

func (m *memStore) InsertHighlight(_ context.Context, h store.Highlight) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.highlights[h.ID] = h
	return nil
}

func (m *memStore) DeleteHighlight(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.highlights, id)
	return nil
}

func (m *memStore) ListHighlightsByPaper(_ context.Context, paperID string) ([]store.Highlight, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Highlight
	for _, h := range m.highlights {
		if h.PaperID == paperID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *memStore) InsertAnnotation(_ context.Context, a store.Annotation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.annotations[a.ID] = a
	return nil
}

func (m *memStore) UpdateAnnotation(_ context.Context, id, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.annotations[id]
	if !ok {
		return sql.ErrNoRows
	}
	a.Content = content
	m.annotations[id] = a
	return nil
}

func (m *memStore) DeleteAnnotation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.annotations, id)
	return nil
}

func (m *memStore) ListAnnotationsByPaper(_ context.Context, paperID string) ([]store.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Annotation
	for _, a := range m.annotations {
		if a.PaperID == paperID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) InsertThread(_ context.Context, t store.CommentThread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[t.ID] = t
	return nil
}

func (m *memStore) DeleteThread(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, id)
	return nil
}

func (m *memStore) SetThreadConversation(_ context.Context, threadID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok {
		return sql.ErrNoRows
	}
	t.ConversationID = &conversationID
	m.threads[threadID] = t
	return nil
}

func (m *memStore) ListThreadsByPaper(_ context.Context, paperID string) ([]store.CommentThread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.CommentThread
	for _, t := range m.threads {
		if t.PaperID == paperID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) InsertConversation(_ context.Context, c store.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[c.ID] = c
	return nil
}

func (m *memStore) GetConversation(_ context.Context, id string) (store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return store.Conversation{}, sql.ErrNoRows
	}
	return c, nil
}

func (m *memStore) UpdateConversationTitle(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return sql.ErrNoRows
	}
	c.Title = title
	m.conversations[id] = c
	return nil
}

func (m *memStore) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, id)
	return nil
}

func (m *memStore) InsertMessage(_ context.Context, msg store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.Sequence = len(m.messages) + 1
	m.messages = append(m.messages, msg)
	return nil
}

func (m *memStore) ListMessagesByConversation(_ context.Context, conversationID string) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memStore) ListMessagesByThread(_ context.Context, threadID string) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Message
	for _, msg := range m.messages {
		if msg.ThreadID != nil && *msg.ThreadID == threadID {
			out = append(out, msg)
		}
	}
	return out, nil
}
